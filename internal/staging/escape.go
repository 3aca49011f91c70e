// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package staging

import (
	"github.com/pkg/errors"
)

const upperhex = "0123456789ABCDEF"

// Return the specified string with characters for which keep returns
// false escaped as "=XX".  The escape character itself is always
// escaped, so the encoding is reversible.
func escape(s string, keep func(byte) bool) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if !keep(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case !keep(c):
			t[j] = '='
			t[j+1] = upperhex[c>>4]
			t[j+2] = upperhex[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// unescape reverses escape.
func unescape(s string) (string, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '=' {
			out = append(out, s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.Errorf("truncated escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", errors.Errorf("bad escape in %q", s)
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return string(out), nil
}

// Return true if the specified character can appear unescaped in a
// sanitized mailbox name.
//
// Based on the following IEEE specification, with the revision that
// all punctuation is removed, leaving only alphanumeric characters.
// See:
//
// The Open Group Base Specifications Issue 7, 2018 edition, IEEE Std
// 1003.1-2017 (Revision of IEEE Std 1003.1-2008).
// 3.282 Portable Filename Character Set
func isPortable(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9'
}

// escapeName escapes s with isAddressSafe and additionally escapes a
// leading dot, so the result is never a hidden file name.
func escapeName(s string) string {
	e := escape(s, isAddressSafe)
	if len(e) > 0 && e[0] == '.' {
		e = "=2E" + e[1:]
	}
	return e
}

// Like isPortable, but also keeps the punctuation that appears in
// email addresses and item ids.
func isAddressSafe(c byte) bool {
	switch c {
	case '@', '.', '_', '-', '+':
		return true
	}
	return isPortable(c)
}

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

// Package parse derives searchable fields from the raw bytes of a
// message.  A parser never modifies the bytes it is given.
package parse

import (
	"bytes"
	"strings"

	"github.com/matta/mailvault/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Parser turns raw message bytes into derived fields.
type Parser interface {
	Parse(raw []byte) (message.Fields, error)
}

// ErrUnknownExt is returned by ForExt for an extension with no parser.
var ErrUnknownExt = errors.New("no parser for artifact extension")

// ForExt returns the parser for artifacts with the given extension:
// MIME for "eml", Plain for "txt".
func ForExt(ext string) (Parser, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "eml":
		return MIME{}, nil
	case "txt":
		return Plain{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownExt, "%q", ext)
}

// normalizeText converts line endings to LF and the text to Unicode
// normalization form C.
func normalizeText(b []byte) string {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return norm.NFC.String(string(b))
}

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
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/mailvault/internal/message"
	"github.com/pkg/errors"
)

var inbox = message.Target{SourceAddress: "me@example.com", Mailbox: "INBOX"}

func newArea(t *testing.T) *Area {
	t.Helper()
	a, err := New(filepath.Join(t.TempDir(), "staging"), "eml")
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	return a
}

func TestEscape(t *testing.T) {
	cases := []struct {
		in   string
		keep func(byte) bool
		want string
	}{
		{"INBOX", isPortable, "INBOX"},
		{"竹", isPortable, "=E7=AB=B9"},
		{"[Gmail]/All Mail", isPortable, "=5BGmail=5D=2FAll=20Mail"},
		{"\n\t\a", isPortable, "=0A=09=07"},
		{"me@example.com", isAddressSafe, "me@example.com"},
		{"a=b", isAddressSafe, "a=3Db"},
	}
	for _, tc := range cases {
		got := escape(tc.in, tc.keep)
		if got != tc.want {
			t.Errorf("escape(%q) = %q, want %q", tc.in, got, tc.want)
		}
		back, err := unescape(got)
		if err != nil || back != tc.in {
			t.Errorf("unescape(%q) = %q, %v, want %q, nil", got, back, err, tc.in)
		}
	}
}

func TestEscapeNameHidesNoDotfiles(t *testing.T) {
	if got, want := escapeName(".hidden"), "=2Ehidden"; got != want {
		t.Errorf("escapeName(.hidden) = %q, want %q", got, want)
	}
	if got, _ := unescape(escapeName(".hidden")); got != ".hidden" {
		t.Errorf("unescape(escapeName(.hidden)) = %q, want .hidden", got)
	}
}

func TestUnescapeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"=", "=4", "=ZZ", "a=0g"} {
		if _, err := unescape(s); err == nil {
			t.Errorf("unescape(%q) = nil error, want error", s)
		}
	}
}

func TestStageAndPending(t *testing.T) {
	a := newArea(t)
	keys := []message.Key{inbox.KeyFor(5, "1"), inbox.KeyFor(5, "22"), inbox.KeyFor(5, ".x")}
	for _, k := range keys {
		art, err := a.Stage(k, []byte("raw "+k.ItemID))
		if err != nil {
			t.Fatalf("Stage(%v) = %v, want nil", k, err)
		}
		if art.Path != a.Path(k) {
			t.Errorf("Stage(%v) path = %q, want %q", k, art.Path, a.Path(k))
		}
		st, err := os.Stat(art.Path)
		if err != nil {
			t.Fatal(err)
		}
		if mode := st.Mode().Perm(); mode != messageFileMode {
			t.Errorf("artifact mode = %o, want %o", mode, messageFileMode)
		}
	}

	// A crashed writer leaves a temporary sibling and foreign files
	// may appear; neither is pending.
	dir := a.Dir(inbox, 5)
	for _, name := range []string{".3.eml.tmp-123", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, messageFileMode); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := a.Pending(inbox, 5)
	if err != nil {
		t.Fatalf("Pending() = %v", err)
	}
	var got []string
	for _, art := range pending {
		got = append(got, art.Key.ItemID)
		raw, err := a.Read(art)
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != "raw "+art.Key.ItemID {
			t.Errorf("Read(%v) = %q", art.Key, raw)
		}
	}
	sort.Strings(got)
	if diff := cmp.Diff([]string{".x", "1", "22"}, got); diff != "" {
		t.Errorf("Pending() mismatch (-want +got):\n%s", diff)
	}

	if other, err := a.Pending(inbox, 6); err != nil || len(other) != 0 {
		t.Errorf("Pending(gen 6) = %v, %v, want none", other, err)
	}

	n, err := a.SweepTemp()
	if err != nil || n != 1 {
		t.Errorf("SweepTemp() = %d, %v, want 1, nil", n, err)
	}
	if pending, _ := a.Pending(inbox, 5); len(pending) != 3 {
		t.Errorf("Pending() after sweep = %d artifacts, want 3", len(pending))
	}

	if err := a.Remove(pending[0]); err != nil {
		t.Errorf("Remove() = %v", err)
	}
	if err := a.Remove(pending[0]); err != nil {
		t.Errorf("second Remove() = %v, want nil", err)
	}
}

func TestLockWriter(t *testing.T) {
	a := newArea(t)
	lock, err := a.LockWriter()
	if err != nil {
		t.Fatalf("LockWriter() = %v, want nil", err)
	}
	if _, err := a.LockWriter(); errors.Cause(err) != ErrWriterLocked {
		t.Errorf("second LockWriter() = %v, want ErrWriterLocked", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatal(err)
	}
	again, err := a.LockWriter()
	if err != nil {
		t.Fatalf("LockWriter() after unlock = %v, want nil", err)
	}
	again.Unlock()
}

func TestWatch(t *testing.T) {
	a := newArea(t)
	if _, err := a.Stage(inbox.KeyFor(1, "early"), []byte("e")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Artifact)
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx, inbox, 1, out) }()

	recv := func() string {
		select {
		case art := <-out:
			return art.Key.ItemID
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for artifact")
			return ""
		}
	}
	if got := recv(); got != "early" {
		t.Errorf("first artifact = %q, want early", got)
	}
	if _, err := a.Stage(inbox.KeyFor(1, "late"), []byte("l")); err != nil {
		t.Fatal(err)
	}
	if got := recv(); got != "late" {
		t.Errorf("second artifact = %q, want late", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() = %v, want nil", err)
	}
}

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

package imapsrc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/google/go-cmp/cmp"
	"github.com/matta/mailvault/internal/logging"
	"github.com/matta/mailvault/internal/source"
	"github.com/pkg/errors"
)

// startServer runs an in-memory IMAP server holding n messages in
// INBOX and returns its port.
func startServer(t *testing.T, n int) int {
	t.Helper()
	mem := imapmemserver.New()
	user := imapmemserver.NewUser("me", "secret")
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatal(err)
	}
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}, imap.CapIMAP4rev2: {}},
		InsecureAuth: true,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	c, err := imapclient.DialInsecure(ln.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Login("me", "secret").Wait(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		raw := []byte(fmt.Sprintf("Subject: message %d\r\n\r\nbody %d\r\n", i, i))
		cmd := c.Append("INBOX", int64(len(raw)), nil)
		if _, err := cmd.Write(raw); err != nil {
			t.Fatal(err)
		}
		if err := cmd.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := cmd.Wait(); err != nil {
			t.Fatal(err)
		}
	}
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSource(t *testing.T) {
	ctx := context.Background()
	port := startServer(t, 3)
	s, err := New(ctx, Options{
		Host:              "127.0.0.1",
		Port:              port,
		Username:          "me",
		Password:          "secret",
		Security:          Insecure,
		Address:           "me@example.com",
		CommandsPerSecond: 1000,
		MaxConns:          2,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer s.Close()

	if got := s.Address(); got != "me@example.com" {
		t.Errorf("Address() = %q", got)
	}
	gen, err := s.Generation(ctx, "INBOX")
	if err != nil || gen == 0 {
		t.Fatalf("Generation() = %d, %v, want nonzero, nil", gen, err)
	}

	ids, err := s.ListItemIDs(ctx, "INBOX", gen)
	if err != nil {
		t.Fatalf("ListItemIDs() = %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ListItemIDs() = %v, want 3 ids", ids)
	}

	items, err := s.FetchBatch(ctx, "INBOX", gen, append([]string{"bogus"}, ids[:2]...))
	if err != nil {
		t.Fatalf("FetchBatch() = %v", err)
	}
	got := map[string]string{}
	for _, it := range items {
		got[it.ItemID] = string(it.Raw)
	}
	want := map[string]string{
		ids[0]: "Subject: message 1\r\n\r\nbody 1\r\n",
		ids[1]: "Subject: message 2\r\n\r\nbody 2\r\n",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchBatch() mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.ListItemIDs(ctx, "INBOX", gen+1); errors.Cause(err) != source.ErrGenerationChanged {
		t.Errorf("ListItemIDs(stale generation) = %v, want ErrGenerationChanged", err)
	}
	if _, err := s.FetchBatch(ctx, "INBOX", gen, []string{strconv.Itoa(1 << 20)}); err != nil {
		t.Errorf("FetchBatch(expunged uid) = %v, want nil", err)
	}
}

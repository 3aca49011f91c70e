package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matta/mailvault/internal/coord"
	"github.com/matta/mailvault/internal/message"
	mailsync "github.com/matta/mailvault/internal/sync"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
store:
  driver: sqlite3
  dsn: %s
staging:
  base_dir: %s
coordinator:
  backend: sql
log:
  level: error
  format: json
`, filepath.Join(dir, "db", "mailvault.db"), filepath.Join(dir, "staging"))
	path := filepath.Join(dir, "mailvault.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatsOnEmptyStore(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "stats")
	if err != nil {
		t.Fatalf("stats = %v, want nil", err)
	}
	if !strings.Contains(out, "No messages stored") {
		t.Errorf("stats output = %q", out)
	}
}

func TestAbortThenStatus(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "abort", "--run-id", "r1")
	if err != nil {
		t.Fatalf("abort = %v, want nil", err)
	}
	if !strings.Contains(out, "abort requested") {
		t.Errorf("abort output = %q", out)
	}

	out, err = execute(t, "--config", cfg, "abort", "--run-id", "r1")
	if err != nil {
		t.Fatalf("second abort = %v, want nil", err)
	}
	if !strings.Contains(out, "already aborted") {
		t.Errorf("second abort output = %q", out)
	}

	out, err = execute(t, "--config", cfg, "status", "--run-id", "r1")
	if err != nil {
		t.Fatalf("status = %v, want nil", err)
	}
	for _, want := range []string{"r1", "unset", "yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output = %q, want it to mention %q", out, want)
		}
	}
}

func TestStatusRequiresRunID(t *testing.T) {
	if _, err := execute(t, "--config", writeConfig(t), "status"); err == nil {
		t.Error("status without --run-id = nil, want error")
	}
}

func TestRenderSnapshot(t *testing.T) {
	got := renderSnapshot(coord.Snapshot{RunID: "r2", Total: 8, TotalSet: true, Processed: 5, Errors: 1})
	for _, want := range []string{"r2", "75%", "no"} {
		if !strings.Contains(got, want) {
			t.Errorf("renderSnapshot() = %q, want it to mention %q", got, want)
		}
	}
}

func TestPrintOutcome(t *testing.T) {
	cases := []struct {
		o    mailsync.Outcome
		want string
	}{
		{mailsync.Outcome{Completed: true, Snapshot: coord.Snapshot{Total: 3, Processed: 3}}, "run x complete: 3 processed, 0 errors, 3 total"},
		{mailsync.Outcome{Aborted: true, Snapshot: coord.Snapshot{Total: 3, Processed: 1}}, "run x aborted: 1 processed, 0 errors, 3 total"},
		{mailsync.Outcome{Err: fmt.Errorf("boom")}, "run x failed"},
	}
	for _, tc := range cases {
		var b bytes.Buffer
		printOutcome(&b, "x", tc.o)
		if !strings.HasPrefix(b.String(), tc.want) {
			t.Errorf("printOutcome(%+v) = %q, want prefix %q", tc.o, b.String(), tc.want)
		}
	}
}

func TestRenderDelta(t *testing.T) {
	d := &mailsync.Delta{
		Target:      message.Target{SourceAddress: "me@example.com", Mailbox: "INBOX"},
		Generation:  42,
		RemoteCount: 10,
		KnownCount:  4,
		ToFetch:     []string{"5", "6", "7", "8", "9", "10"},
	}
	got := renderDelta(d, 2)
	for _, want := range []string{"me@example.com", "INBOX", "42", "Staged"} {
		if !strings.Contains(got, want) {
			t.Errorf("renderDelta() = %q, want it to mention %q", got, want)
		}
	}
	if strings.Contains(renderDelta(d, -1), "Staged") {
		t.Error("renderDelta(d, -1) has a Staged column")
	}
}

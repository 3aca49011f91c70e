package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	home, _ := HomeDir()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v, want nil", err)
	}
	want := Config{
		Source: SourceConfig{
			Kind:     KindIMAP,
			Mailbox:  "INBOX",
			Port:     993,
			Security: "tls",
			MaxConns: 4,
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    filepath.Join(home, ".local/share/mailvault/mailvault.db"),
		},
		Coordinator: CoordinatorConfig{
			Backend: BackendSQL,
			Prefix:  "mailvault",
			NATSURL: "nats://127.0.0.1:4222",
			Bucket:  "mailvault_runs",
		},
		Queue: QueueConfig{
			Backend:  BackendMemory,
			Capacity: 16,
			NATSURL:  "nats://127.0.0.1:4222",
			Stream:   "MAILVAULT_WORK",
		},
		Staging: StagingConfig{
			BaseDir: filepath.Join(home, ".local/share/mailvault/staging"),
			Ext:     "eml",
		},
		Sync: SyncConfig{
			Concurrency:  4,
			BatchSize:    50,
			PollInterval: 2 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "auto"},
	}
	if diff := cmp.Diff(want, *cfg); diff != "" {
		t.Errorf("Load(\"\") mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "mailvault.yaml", `
source:
  kind: imap
  host: imap.example.com
  username: me@example.com
  mailbox: Archive
sync:
  concurrency: 8
  strict: true
  poll_interval: 500ms
staging:
  base_dir: /var/spool/mailvault
`)
	t.Setenv("MAILVAULT_SYNC_BATCH_SIZE", "7")
	t.Setenv("MAILVAULT_COORDINATOR_BACKEND", "nats")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	got := []interface{}{
		cfg.Source.Host, cfg.Source.Mailbox, cfg.Sync.Concurrency, cfg.Sync.BatchSize,
		cfg.Sync.Strict, cfg.Sync.PollInterval, cfg.Coordinator.Backend, cfg.Staging.BaseDir,
	}
	want := []interface{}{
		"imap.example.com", "Archive", 8, 7,
		true, 500 * time.Millisecond, "nats", "/var/spool/mailvault",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "mailvault.toml", `
[source]
kind = "gmail"
gmail_token_command = "/usr/bin/get-token"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if cfg.Source.Kind != KindGmail || cfg.Source.GmailTokenCommand != "/usr/bin/get-token" {
		t.Errorf("Load() source = %+v", cfg.Source)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load(absent) = nil, want error")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		body, want string
	}{
		{"source:\n  kind: pop3\n", "source.kind"},
		{"sync:\n  concurrency: 0\n", "sync.concurrency"},
		{"queue:\n  backend: kafka\n", "queue.backend"},
		{"store:\n  driver: oracle\n", "store.driver"},
	}
	for _, tc := range cases {
		_, err := Load(writeFile(t, "c.yaml", tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("Load(%q) = %v, want error mentioning %s", tc.body, err, tc.want)
		}
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/u")
	cases := map[string]string{
		"~":          "/home/u",
		"~/x/y":      "/home/u/x/y",
		"/abs":       "/abs",
		"rel/~/path": "rel/~/path",
		"~other/x":   "~other/x",
	}
	for in, want := range cases {
		got, err := ExpandHome(in)
		if err != nil || got != want {
			t.Errorf("ExpandHome(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
}

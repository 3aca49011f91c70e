package persist

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/matta/mailvault/internal/logging"
	"github.com/matta/mailvault/internal/message"
	"github.com/pkg/errors"
)

func TestOrdered(t *testing.T) {
	cases := []struct {
		u uint64
		s int64
	}{
		{0, math.MinInt64},
		{math.MaxUint64, math.MaxInt64},
		{math.MaxInt64 + 1, 0},
	}
	for _, tc := range cases {
		s := orderedToSigned(tc.u)
		if s != tc.s {
			t.Errorf("orderedToSigned(%x) = %x, want %x", tc.u, s, tc.s)
		}
		u := orderedToUnsigned(tc.s)
		if u != tc.u {
			t.Errorf("orderedToUnsigned(%x) = %x, want %x", tc.s, u, tc.u)
		}
	}
}

func TestDriverDSN(t *testing.T) {
	cases := []struct {
		driver, dsn, want string
	}{
		{DriverSQLite3, "/tmp/x.db", "file:///tmp/x.db?_busy_timeout=300000&_journal_mode=WAL"},
		{DriverSQLite, "/tmp/x.db", "file:///tmp/x.db?_pragma=busy_timeout%28300000%29&_pragma=journal_mode%28WAL%29"},
		{DriverPostgres, "postgres://u@h/db", "postgres://u@h/db"},
	}
	for _, tc := range cases {
		got, err := driverDSN(tc.driver, tc.dsn)
		if err != nil {
			t.Errorf("driverDSN(%q, %q) = %v, want nil error", tc.driver, tc.dsn, err)
			continue
		}
		if got != tc.want {
			t.Errorf("driverDSN(%q, %q) = %q, want %q", tc.driver, tc.dsn, got, tc.want)
		}
	}
	if _, err := driverDSN("oracle", "x"); errors.Cause(err) != ErrUnknownDriver {
		t.Errorf("driverDSN(oracle) = %v, want ErrUnknownDriver", err)
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite3, filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v, want nil", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error(err)
		}
	})
	return db
}

var inbox = message.Target{SourceAddress: "me@example.com", Mailbox: "INBOX"}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	key := inbox.KeyFor(7, "42")
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")
	fields := message.Fields{
		Subject:    "hi",
		To:         []string{"a@example.com", "b@example.com"},
		References: []string{"<r1@x>", "<r2@x>"},
		Date:       time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		Text:       "body\n",
		Size:       int64(len(raw)),
	}

	want := []UpsertResult{Inserted, Rederived, Rederived}
	for i, w := range want {
		got, err := db.Upsert(ctx, key, raw, fields)
		if err != nil {
			t.Fatalf("Upsert #%d = %v, want nil", i, err)
		}
		if got != w {
			t.Errorf("Upsert #%d = %v, want %v", i, got, w)
		}
	}

	n, err := db.CountRows(ctx, inbox, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountRows() = %d, want 1", n)
	}

	rec, err := db.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if diff := cmp.Diff(fields, rec.Fields); diff != "" {
		t.Errorf("Get() fields mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(raw, rec.Raw); diff != "" {
		t.Errorf("Get() raw mismatch (-want +got):\n%s", diff)
	}
	if rec.Key != key {
		t.Errorf("Get() key = %v, want %v", rec.Key, key)
	}
}

func TestUpsertNeverReplacesRawBytes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	key := inbox.KeyFor(7, "1")
	first := []byte("Subject: one\r\n\r\n")

	if _, err := db.Upsert(ctx, key, first, message.Fields{Subject: "one"}); err != nil {
		t.Fatal(err)
	}
	got, err := db.Upsert(ctx, key, []byte("Subject: two\r\n\r\n"), message.Fields{Subject: "two"})
	if err != nil {
		t.Fatalf("Upsert() = %v, want nil", err)
	}
	if got != KeptOriginal {
		t.Errorf("Upsert() = %v, want %v", got, KeptOriginal)
	}
	rec, err := db.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Raw) != string(first) || rec.Subject != "one" {
		t.Errorf("Get() = %q / %q, want the original capture", rec.Raw, rec.Subject)
	}
}

func TestKnownItemIDsIsPerGeneration(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for _, k := range []message.Key{
		inbox.KeyFor(1, "1"),
		inbox.KeyFor(1, "2"),
		inbox.KeyFor(2, "1"),
		{SourceAddress: "other@example.com", Mailbox: "INBOX", Generation: 2, ItemID: "9"},
	} {
		if _, err := db.Upsert(ctx, k, []byte(k.String()), message.Fields{}); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		gen  uint64
		want []string
	}{
		{1, []string{"1", "2"}},
		{2, []string{"1"}},
		{3, nil},
	}
	for _, tc := range cases {
		got, err := db.KnownItemIDs(ctx, inbox, tc.gen)
		if err != nil {
			t.Fatal(err)
		}
		sort.Strings(got)
		if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("KnownItemIDs(%d) mismatch (-want +got):\n%s", tc.gen, diff)
		}
	}

	has, err := db.Has(ctx, inbox.KeyFor(2, "2"))
	if err != nil || has {
		t.Errorf("Has(2/2) = %v, %v, want false, nil", has, err)
	}
	if _, err := db.Get(ctx, inbox.KeyFor(2, "2")); errors.Cause(err) != ErrNotFound {
		t.Errorf("Get(2/2) = %v, want ErrNotFound", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var summary []string
	for _, s := range stats {
		summary = append(summary, fmt.Sprintf("%s|%s|%d|%d", s.SourceAddress, s.Mailbox, s.Generation, s.Messages))
	}
	want := []string{"me@example.com|INBOX|1|2", "me@example.com|INBOX|2|1", "other@example.com|INBOX|2|1"}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordGeneration(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, ok, err := db.LatestGeneration(ctx, inbox); ok || err != nil {
		t.Errorf("LatestGeneration() before any record = %v, %v, want false, nil", ok, err)
	}

	steps := []struct {
		gen         uint64
		previous    uint64
		hadPrevious bool
	}{
		{100, 0, false},
		{100, 100, true},
		{200, 100, true},
		{200, 200, true},
	}
	for _, s := range steps {
		prev, had, err := db.RecordGeneration(ctx, inbox, s.gen)
		if err != nil {
			t.Fatalf("RecordGeneration(%d) = %v", s.gen, err)
		}
		if prev != s.previous || had != s.hadPrevious {
			t.Errorf("RecordGeneration(%d) = %d, %v, want %d, %v", s.gen, prev, had, s.previous, s.hadPrevious)
		}
		latest, ok, err := db.LatestGeneration(ctx, inbox)
		if err != nil || !ok || latest != s.gen {
			t.Errorf("LatestGeneration() after %d = %d, %v, %v, want %d, true, nil", s.gen, latest, ok, err, s.gen)
		}
	}
}

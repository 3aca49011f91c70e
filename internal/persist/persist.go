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

// Package persist implements the identity store: the durable table of
// message records keyed by (source_address, mailbox, generation_id,
// item_id).
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	// The cgo SQLite driver, github.com/mattn/go-sqlite3.
	DriverSQLite3 = "sqlite3"

	// The pure Go SQLite driver, modernc.org/sqlite.
	DriverSQLite = "sqlite"

	DriverPostgres = "postgres"
)

var (
	ErrNotFound      = errors.New("message not found")
	ErrUnknownDriver = errors.New("unknown database driver")
)

var (
	createTableSQLite = []string{
		// The messages table holds one row per message instance.
		//
		// Field: source_address, mailbox, generation_id, item_id
		//
		//   The identity key.  generation_id is the mailbox's
		//   numbering epoch (IMAP UIDVALIDITY) stored with
		//   orderedToSigned so that ORDER BY matches uint64 order.
		//   Rows of older generations are never deleted.
		//
		// Field: raw, raw_sha256
		//
		//   The message as first captured.  Never updated once
		//   written; raw_sha256 decides whether a later upsert is a
		//   re-derivation from the same bytes.
		//
		// Field: subject .. attachments
		//
		//   Derived from raw by the parser.  May be rewritten by an
		//   upsert carrying identical raw bytes.
		//
		// Field: created_at, updated_at
		//
		//   Unix seconds.
		`
CREATE TABLE IF NOT EXISTS messages (
source_address TEXT NOT NULL,
mailbox TEXT NOT NULL,
generation_id INTEGER NOT NULL,
item_id TEXT NOT NULL,
raw BLOB NOT NULL,
raw_sha256 TEXT NOT NULL,
subject TEXT NOT NULL DEFAULT '',
from_addr TEXT NOT NULL DEFAULT '',
to_addrs TEXT NOT NULL DEFAULT '',
cc_addrs TEXT NOT NULL DEFAULT '',
sent_at INTEGER NOT NULL DEFAULT 0,
message_id TEXT NOT NULL DEFAULT '',
in_reply_to TEXT NOT NULL DEFAULT '',
refs TEXT NOT NULL DEFAULT '',
thread_id TEXT NOT NULL DEFAULT '',
body_text TEXT NOT NULL DEFAULT '',
markdown TEXT NOT NULL DEFAULT '',
size INTEGER NOT NULL DEFAULT 0,
attachments INTEGER NOT NULL DEFAULT 0,
created_at INTEGER NOT NULL,
updated_at INTEGER NOT NULL,
PRIMARY KEY (source_address, mailbox, generation_id, item_id)
);`,
		`CREATE INDEX IF NOT EXISTS messages_thread_id ON messages (thread_id);`,
		// The generations table holds every generation observed
		// for a mailbox, with the time it was first seen.  The
		// highest first_seen is the current generation.
		`
CREATE TABLE IF NOT EXISTS generations (
source_address TEXT NOT NULL,
mailbox TEXT NOT NULL,
generation_id INTEGER NOT NULL,
first_seen INTEGER NOT NULL,
PRIMARY KEY (source_address, mailbox, generation_id)
);`,
	}

	createTablePostgres = []string{
		`
CREATE TABLE IF NOT EXISTS messages (
source_address TEXT NOT NULL,
mailbox TEXT NOT NULL,
generation_id BIGINT NOT NULL,
item_id TEXT NOT NULL,
raw BYTEA NOT NULL,
raw_sha256 TEXT NOT NULL,
subject TEXT NOT NULL DEFAULT '',
from_addr TEXT NOT NULL DEFAULT '',
to_addrs TEXT NOT NULL DEFAULT '',
cc_addrs TEXT NOT NULL DEFAULT '',
sent_at BIGINT NOT NULL DEFAULT 0,
message_id TEXT NOT NULL DEFAULT '',
in_reply_to TEXT NOT NULL DEFAULT '',
refs TEXT NOT NULL DEFAULT '',
thread_id TEXT NOT NULL DEFAULT '',
body_text TEXT NOT NULL DEFAULT '',
markdown TEXT NOT NULL DEFAULT '',
size BIGINT NOT NULL DEFAULT 0,
attachments INTEGER NOT NULL DEFAULT 0,
created_at BIGINT NOT NULL,
updated_at BIGINT NOT NULL,
PRIMARY KEY (source_address, mailbox, generation_id, item_id)
);`,
		`CREATE INDEX IF NOT EXISTS messages_thread_id ON messages (thread_id);`,
		`
CREATE TABLE IF NOT EXISTS generations (
source_address TEXT NOT NULL,
mailbox TEXT NOT NULL,
generation_id BIGINT NOT NULL,
first_seen BIGINT NOT NULL,
PRIMARY KEY (source_address, mailbox, generation_id)
);`,
	}
)

type DB struct {
	db     *sqlx.DB
	driver string
	log    *slog.Logger
}

type Tx struct {
	tx  *sqlx.Tx
	log *slog.Logger
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// The busy timeout controls how long SQLite will poll before giving
// up on a locked database.  The default of 5 seconds is too short
// once several processes share a database; go with 5 minutes.
var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

func driverDSN(driver, dsn string) (string, error) {
	switch driver {
	case DriverSQLite3:
		return dsnFromPath(dsn, url.Values{
			"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
			"_journal_mode": {"WAL"},
		})
	case DriverSQLite:
		return dsnFromPath(dsn, url.Values{
			"_pragma": {
				fmt.Sprintf("busy_timeout(%d)", busyTimeout),
				"journal_mode(WAL)",
			},
		})
	case DriverPostgres:
		return dsn, nil
	default:
		return "", errors.Wrapf(ErrUnknownDriver, "driver %q", driver)
	}
}

// Open connects to the identity store and creates its schema.  For
// the SQLite drivers dsn is a file path (or a "file:" URL); for
// postgres it is a lib/pq connection string.
func Open(ctx context.Context, driver, dsn string, log *slog.Logger) (*DB, error) {
	full, err := driverDSN(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN", dsn)
	}
	log.Debug("opening database", "driver", driver, "dsn", redact(driver, full))
	db, err := sqlx.Open(driver, full)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database", dsn)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "Open(%q) failed: ping", dsn)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", dsn)
	}

	return &DB{db: db, driver: driver, log: log}, nil
}

func redact(driver, dsn string) string {
	if driver != DriverPostgres {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

func initSchema(ctx context.Context, db *sqlx.DB, log *slog.Logger) error {
	stmts := createTableSQLite
	if db.DriverName() == DriverPostgres {
		stmts = createTablePostgres
	}
	for _, sql := range stmts {
		log.Debug("SQL Exec", "sql", sql)
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// X returns the underlying handle, for components (such as the SQL
// progress coordinator) that share the database.
func (db *DB) X() *sqlx.DB {
	return db.db
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx: tx, log: db.log}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

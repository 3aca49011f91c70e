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

package coord

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// The run_counters table maps a coordinator key to its value.  The
// aborted flag is stored as 0 or 1.
const createCountersTable = `
CREATE TABLE IF NOT EXISTS run_counters (
  name TEXT PRIMARY KEY,
  value BIGINT NOT NULL
)`

// SQL is a Coordinator backed by a table in a database shared by all
// processes of a run: a SQLite file on a shared disk, or postgres.
type SQL struct {
	db     *sqlx.DB
	prefix string
}

// NewSQL creates the counters table if needed.  db stays owned by
// the caller; Close does not close it.
func NewSQL(ctx context.Context, db *sqlx.DB, prefix string) (*SQL, error) {
	if _, err := db.ExecContext(ctx, createCountersTable); err != nil {
		return nil, errors.Wrap(err, "creating run_counters table")
	}
	return &SQL{db: db, prefix: prefix}, nil
}

func (s *SQL) key(runID, field string) string {
	return Key(s.prefix, runID, field)
}

func (s *SQL) get(ctx context.Context, key string) (value int64, found bool, err error) {
	q := s.db.Rebind(`SELECT value FROM run_counters WHERE name = ?`)
	err = s.db.GetContext(ctx, &value, q, key)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "reading %s", key)
	}
	return value, true, nil
}

// insert creates key with value unless it exists and reports whether
// it did.
func (s *SQL) insert(ctx context.Context, key string, value int64) (bool, error) {
	q := s.db.Rebind(`INSERT INTO run_counters (name, value) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return false, errors.Wrapf(err, "creating %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "creating %s", key)
	}
	return n == 1, nil
}

func (s *SQL) Init(ctx context.Context, runID string, total int64) error {
	if err := checkTotal(total); err != nil {
		return err
	}
	key := s.key(runID, FieldTotal)
	created, err := s.insert(ctx, key, total)
	if err != nil {
		return err
	}
	if !created {
		have, _, err := s.get(ctx, key)
		if err != nil {
			return err
		}
		if have != total {
			return errors.Wrapf(ErrTotalAlreadySet, "%s is %d, not %d", key, have, total)
		}
	}
	for _, f := range []string{FieldProcessed, FieldErrors, FieldAborted} {
		if _, err := s.insert(ctx, s.key(runID, f), 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) incr(ctx context.Context, key string) error {
	q := s.db.Rebind(`
INSERT INTO run_counters (name, value) VALUES (?, 1)
ON CONFLICT (name) DO UPDATE SET value = run_counters.value + 1`)
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return errors.Wrapf(err, "incrementing %s", key)
	}
	return nil
}

func (s *SQL) IncrProcessed(ctx context.Context, runID string) error {
	return s.incr(ctx, s.key(runID, FieldProcessed))
}

func (s *SQL) IncrErrors(ctx context.Context, runID string) error {
	return s.incr(ctx, s.key(runID, FieldErrors))
}

func (s *SQL) Abort(ctx context.Context, runID string) (bool, error) {
	key := s.key(runID, FieldAborted)
	if _, err := s.insert(ctx, key, 0); err != nil {
		return false, err
	}
	q := s.db.Rebind(`UPDATE run_counters SET value = 1 WHERE name = ? AND value = 0`)
	res, err := s.db.ExecContext(ctx, q, key)
	if err != nil {
		return false, errors.Wrapf(err, "setting %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "setting %s", key)
	}
	return n == 1, nil
}

func (s *SQL) Aborted(ctx context.Context, runID string) (bool, error) {
	v, _, err := s.get(ctx, s.key(runID, FieldAborted))
	return v != 0, err
}

func (s *SQL) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	snap := Snapshot{RunID: runID}
	var err error
	if snap.Total, snap.TotalSet, err = s.get(ctx, s.key(runID, FieldTotal)); err != nil {
		return Snapshot{}, err
	}
	if snap.Processed, _, err = s.get(ctx, s.key(runID, FieldProcessed)); err != nil {
		return Snapshot{}, err
	}
	if snap.Errors, _, err = s.get(ctx, s.key(runID, FieldErrors)); err != nil {
		return Snapshot{}, err
	}
	aborted, _, err := s.get(ctx, s.key(runID, FieldAborted))
	if err != nil {
		return Snapshot{}, err
	}
	snap.Aborted = aborted != 0
	return snap, nil
}

func (s *SQL) Close() error { return nil }

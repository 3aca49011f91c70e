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

package persist

import (
	"context"
	"database/sql"
	"time"

	"github.com/matta/mailvault/internal/message"

	"github.com/pkg/errors"
)

// LatestGeneration returns the most recently recorded generation of
// t.  ok is false when no generation has been recorded yet.
func (tx *Tx) LatestGeneration(ctx context.Context, t message.Target) (gen uint64, ok bool, err error) {
	q := tx.tx.Rebind(`
SELECT generation_id FROM generations
WHERE source_address = ? AND mailbox = ?
ORDER BY first_seen DESC, generation_id DESC LIMIT 1`)
	var id int64
	if err := tx.tx.GetContext(ctx, &id, q, t.SourceAddress, t.Mailbox); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil // a non-error
		}
		return 0, false, errors.Wrap(err, "db generation lookup failed")
	}
	return orderedToUnsigned(id), true, nil
}

// RecordGeneration notes that gen is the current generation of t.
// It returns the previously current generation, if any.  Rows of
// earlier generations are left in place.
func (db *DB) RecordGeneration(ctx context.Context, t message.Target, gen uint64) (previous uint64, hadPrevious bool, err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	previous, hadPrevious, err = tx.LatestGeneration(ctx, t)
	if err != nil {
		return 0, false, err
	}
	if hadPrevious && previous == gen {
		return previous, true, nil
	}

	q := tx.tx.Rebind(`
INSERT INTO generations (source_address, mailbox, generation_id, first_seen)
VALUES (?, ?, ?, ?)
ON CONFLICT (source_address, mailbox, generation_id) DO UPDATE SET first_seen = excluded.first_seen`)
	if _, err := tx.tx.ExecContext(ctx, q, t.SourceAddress, t.Mailbox, orderedToSigned(gen), time.Now().UnixNano()); err != nil {
		return 0, false, errors.Wrap(err, "db insert failed")
	}
	if err := tx.Commit(); err != nil {
		return 0, false, errors.Wrap(err, "transaction commit failed")
	}
	return previous, hadPrevious, nil
}

// LatestGeneration runs Tx.LatestGeneration in its own transaction.
func (db *DB) LatestGeneration(ctx context.Context, t message.Target) (gen uint64, ok bool, err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()
	return tx.LatestGeneration(ctx, t)
}

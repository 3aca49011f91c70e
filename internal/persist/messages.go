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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/matta/mailvault/internal/message"

	"github.com/pkg/errors"
)

// UpsertResult says what an upsert did to the identity store.
type UpsertResult int

const (
	// A new row was created.
	Inserted UpsertResult = iota

	// The row existed with identical raw bytes; derived fields
	// were rewritten.
	Rederived

	// The row existed with different raw bytes.  The original
	// capture was kept untouched.
	KeptOriginal
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Rederived:
		return "rederived"
	case KeptOriginal:
		return "kept-original"
	}
	return "unknown"
}

type messageRow struct {
	SourceAddress string `db:"source_address"`
	Mailbox       string `db:"mailbox"`
	GenerationID  int64  `db:"generation_id"`
	ItemID        string `db:"item_id"`
	Raw           []byte `db:"raw"`
	RawSHA256     string `db:"raw_sha256"`
	Subject       string `db:"subject"`
	FromAddr      string `db:"from_addr"`
	ToAddrs       string `db:"to_addrs"`
	CcAddrs       string `db:"cc_addrs"`
	SentAt        int64  `db:"sent_at"`
	MessageID     string `db:"message_id"`
	InReplyTo     string `db:"in_reply_to"`
	Refs          string `db:"refs"`
	ThreadID      string `db:"thread_id"`
	BodyText      string `db:"body_text"`
	Markdown      string `db:"markdown"`
	Size          int64  `db:"size"`
	Attachments   int    `db:"attachments"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func newRow(key message.Key, raw []byte, sum string, f message.Fields, now time.Time) messageRow {
	var sent int64
	if !f.Date.IsZero() {
		sent = f.Date.Unix()
	}
	return messageRow{
		SourceAddress: key.SourceAddress,
		Mailbox:       key.Mailbox,
		GenerationID:  orderedToSigned(key.Generation),
		ItemID:        key.ItemID,
		Raw:           raw,
		RawSHA256:     sum,
		Subject:       f.Subject,
		FromAddr:      f.From,
		ToAddrs:       strings.Join(f.To, "\n"),
		CcAddrs:       strings.Join(f.Cc, "\n"),
		SentAt:        sent,
		MessageID:     f.MessageID,
		InReplyTo:     f.InReplyTo,
		Refs:          strings.Join(f.References, " "),
		ThreadID:      f.ThreadID,
		BodyText:      f.Text,
		Markdown:      f.Markdown,
		Size:          f.Size,
		Attachments:   f.Attachments,
		CreatedAt:     now.Unix(),
		UpdatedAt:     now.Unix(),
	}
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}

func (r *messageRow) record() *message.Record {
	rec := &message.Record{
		Key: message.Key{
			SourceAddress: r.SourceAddress,
			Mailbox:       r.Mailbox,
			Generation:    orderedToUnsigned(r.GenerationID),
			ItemID:        r.ItemID,
		},
		Fields: message.Fields{
			Subject:     r.Subject,
			From:        r.FromAddr,
			To:          splitNonEmpty(r.ToAddrs, "\n"),
			Cc:          splitNonEmpty(r.CcAddrs, "\n"),
			MessageID:   r.MessageID,
			InReplyTo:   r.InReplyTo,
			References:  splitNonEmpty(r.Refs, " "),
			ThreadID:    r.ThreadID,
			Text:        r.BodyText,
			Markdown:    r.Markdown,
			Size:        r.Size,
			Attachments: r.Attachments,
		},
		Raw:       r.Raw,
		RawSHA256: r.RawSHA256,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(r.UpdatedAt, 0).UTC(),
	}
	if r.SentAt != 0 {
		rec.Date = time.Unix(r.SentAt, 0).UTC()
	}
	return rec
}

// Digest returns the hex SHA-256 of raw, as stored in raw_sha256.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

const keyWhere = `source_address = ? AND mailbox = ? AND generation_id = ? AND item_id = ?`

func keyArgs(key message.Key) []interface{} {
	return []interface{}{key.SourceAddress, key.Mailbox, orderedToSigned(key.Generation), key.ItemID}
}

// Probe reports whether a row exists for key and, if so, the digest
// of its raw bytes.
func (tx *Tx) Probe(ctx context.Context, key message.Key) (digest string, found bool, err error) {
	q := tx.tx.Rebind(`SELECT raw_sha256 FROM messages WHERE ` + keyWhere)
	err = tx.tx.GetContext(ctx, &digest, q, keyArgs(key)...)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "db probe failed for %v", key)
	}
	return digest, true, nil
}

// Upsert stores raw and its derived fields under key.  Committed raw
// bytes are never replaced: repeating an upsert with the same bytes
// rewrites only the derived fields, and an upsert with different
// bytes leaves the row untouched.
func (tx *Tx) Upsert(ctx context.Context, key message.Key, raw []byte, f message.Fields) (UpsertResult, error) {
	sum := Digest(raw)
	existing, found, err := tx.Probe(ctx, key)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	row := newRow(key, raw, sum, f, now)

	if !found {
		const q = `
INSERT INTO messages (
source_address, mailbox, generation_id, item_id, raw, raw_sha256,
subject, from_addr, to_addrs, cc_addrs, sent_at, message_id,
in_reply_to, refs, thread_id, body_text, markdown, size,
attachments, created_at, updated_at
) VALUES (
:source_address, :mailbox, :generation_id, :item_id, :raw, :raw_sha256,
:subject, :from_addr, :to_addrs, :cc_addrs, :sent_at, :message_id,
:in_reply_to, :refs, :thread_id, :body_text, :markdown, :size,
:attachments, :created_at, :updated_at
)
ON CONFLICT (source_address, mailbox, generation_id, item_id) DO NOTHING`
		res, err := tx.tx.NamedExecContext(ctx, q, row)
		if err != nil {
			return 0, errors.Wrapf(err, "db insert failed for %v", key)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			// Lost a race with another writer; the row
			// that won is authoritative.
			return KeptOriginal, nil
		}
		return Inserted, nil
	}

	if existing != sum {
		tx.log.Warn("refusing to replace committed raw bytes",
			"key", key.String(), "stored_sha256", existing, "new_sha256", sum)
		return KeptOriginal, nil
	}

	const q = `
UPDATE messages SET
subject = :subject, from_addr = :from_addr, to_addrs = :to_addrs,
cc_addrs = :cc_addrs, sent_at = :sent_at, message_id = :message_id,
in_reply_to = :in_reply_to, refs = :refs, thread_id = :thread_id,
body_text = :body_text, markdown = :markdown, size = :size,
attachments = :attachments, updated_at = :updated_at
WHERE source_address = :source_address AND mailbox = :mailbox
AND generation_id = :generation_id AND item_id = :item_id
AND raw_sha256 = :raw_sha256`
	if _, err := tx.tx.NamedExecContext(ctx, q, row); err != nil {
		return 0, errors.Wrapf(err, "db rederive failed for %v", key)
	}
	return Rederived, nil
}

// Upsert runs Tx.Upsert in its own transaction.
func (db *DB) Upsert(ctx context.Context, key message.Key, raw []byte, f message.Fields) (UpsertResult, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Upsert(ctx, key, raw, f)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "transaction commit failed")
	}
	return result, nil
}

// Has reports whether a row exists for key.
func (db *DB) Has(ctx context.Context, key message.Key) (bool, error) {
	var n int
	q := db.db.Rebind(`SELECT COUNT(*) FROM messages WHERE ` + keyWhere)
	if err := db.db.GetContext(ctx, &n, q, keyArgs(key)...); err != nil {
		return false, errors.Wrapf(err, "db existence probe failed for %v", key)
	}
	return n > 0, nil
}

// Get returns the record stored under key, or ErrNotFound.
func (db *DB) Get(ctx context.Context, key message.Key) (*message.Record, error) {
	var row messageRow
	q := db.db.Rebind(`SELECT * FROM messages WHERE ` + keyWhere)
	err := db.db.GetContext(ctx, &row, q, keyArgs(key)...)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "%v", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "db get failed for %v", key)
	}
	return row.record(), nil
}

// KnownItemIDs returns the item ids recorded for exactly the given
// generation of t.
func (db *DB) KnownItemIDs(ctx context.Context, t message.Target, generation uint64) ([]string, error) {
	var ids []string
	q := db.db.Rebind(`
SELECT item_id FROM messages
WHERE source_address = ? AND mailbox = ? AND generation_id = ?`)
	err := db.db.SelectContext(ctx, &ids, q, t.SourceAddress, t.Mailbox, orderedToSigned(generation))
	if err != nil {
		return nil, errors.Wrapf(err, "db list of known items failed for %s/%s", t.SourceAddress, t.Mailbox)
	}
	return ids, nil
}

// CountRows returns the number of rows recorded for the given
// generation of t.
func (db *DB) CountRows(ctx context.Context, t message.Target, generation uint64) (int, error) {
	var n int
	q := db.db.Rebind(`
SELECT COUNT(*) FROM messages
WHERE source_address = ? AND mailbox = ? AND generation_id = ?`)
	if err := db.db.GetContext(ctx, &n, q, t.SourceAddress, t.Mailbox, orderedToSigned(generation)); err != nil {
		return 0, errors.Wrap(err, "db count failed")
	}
	return n, nil
}

// MailboxStats summarizes the rows of one mailbox generation.
type MailboxStats struct {
	SourceAddress string `db:"source_address"`
	Mailbox       string `db:"mailbox"`
	Generation    uint64 `db:"-"`
	Messages      int64  `db:"messages"`
	Bytes         int64  `db:"bytes"`

	GenerationID int64 `db:"generation_id"`
}

// Stats returns per mailbox generation counts, ordered by address,
// mailbox and generation.
func (db *DB) Stats(ctx context.Context) ([]MailboxStats, error) {
	var stats []MailboxStats
	const q = `
SELECT source_address, mailbox, generation_id,
COUNT(*) AS messages, COALESCE(SUM(size), 0) AS bytes
FROM messages
GROUP BY source_address, mailbox, generation_id
ORDER BY source_address, mailbox, generation_id`
	if err := db.db.SelectContext(ctx, &stats, q); err != nil {
		return nil, errors.Wrap(err, "db stats query failed")
	}
	for i := range stats {
		stats[i].Generation = orderedToUnsigned(stats[i].GenerationID)
	}
	return stats, nil
}

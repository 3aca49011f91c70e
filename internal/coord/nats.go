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
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// DefaultBucket is the JetStream key-value bucket used when none is
// configured.
const DefaultBucket = "mailvault_runs"

// Bound on compare-and-set retries of one increment.
const maxCASAttempts = 64

// NATS is a Coordinator backed by a JetStream key-value bucket.
// Increments are compare-and-set loops on the entry revision.
type NATS struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	prefix string
}

// NewNATS connects to url and opens (creating if needed) bucket.
func NewNATS(url, bucket, prefix string) (*NATS, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	nc, err := nats.Connect(url, nats.Name("mailvault coordinator"))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "getting JetStream context")
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "mailvault run counters",
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, errors.Wrapf(err, "opening key-value bucket %s", bucket)
	}
	return &NATS{nc: nc, kv: kv, prefix: prefix}, nil
}

// key maps a coordinator key onto the key-value key alphabet, which
// has no ':'.
func (n *NATS) key(runID, field string) string {
	return strings.ReplaceAll(Key(n.prefix, runID, field), ":", ".")
}

func (n *NATS) get(key string) (value int64, revision uint64, found bool, err error) {
	e, err := n.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, errors.Wrapf(err, "reading %s", key)
	}
	value, err = strconv.ParseInt(string(e.Value()), 10, 64)
	if err != nil {
		return 0, 0, false, errors.Wrapf(err, "decoding %s", key)
	}
	return value, e.Revision(), true, nil
}

func encode(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func (n *NATS) Init(ctx context.Context, runID string, total int64) error {
	if err := checkTotal(total); err != nil {
		return err
	}
	key := n.key(runID, FieldTotal)
	if _, err := n.kv.Create(key, encode(total)); err == nil {
		return nil
	}
	have, _, found, err := n.get(key)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("creating %s failed and it does not exist", key)
	}
	if have != total {
		return errors.Wrapf(ErrTotalAlreadySet, "%s is %d, not %d", key, have, total)
	}
	return nil
}

func (n *NATS) incr(ctx context.Context, key string) error {
	var lastErr error
	for i := 0; i < maxCASAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, rev, found, err := n.get(key)
		if err != nil {
			return err
		}
		if !found {
			_, lastErr = n.kv.Create(key, encode(1))
		} else {
			_, lastErr = n.kv.Update(key, encode(v+1), rev)
		}
		if lastErr == nil {
			return nil
		}
	}
	return errors.Wrapf(lastErr, "incrementing %s: too much contention", key)
}

func (n *NATS) IncrProcessed(ctx context.Context, runID string) error {
	return n.incr(ctx, n.key(runID, FieldProcessed))
}

func (n *NATS) IncrErrors(ctx context.Context, runID string) error {
	return n.incr(ctx, n.key(runID, FieldErrors))
}

func (n *NATS) Abort(ctx context.Context, runID string) (bool, error) {
	key := n.key(runID, FieldAborted)
	if _, err := n.kv.Create(key, encode(1)); err == nil {
		return true, nil
	}
	v, _, found, err := n.get(key)
	if err != nil {
		return false, err
	}
	if !found || v == 0 {
		return false, errors.Errorf("setting %s failed", key)
	}
	return false, nil
}

func (n *NATS) Aborted(ctx context.Context, runID string) (bool, error) {
	v, _, _, err := n.get(n.key(runID, FieldAborted))
	return v != 0, err
}

func (n *NATS) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	snap := Snapshot{RunID: runID}
	var err error
	if snap.Total, _, snap.TotalSet, err = n.get(n.key(runID, FieldTotal)); err != nil {
		return Snapshot{}, err
	}
	if snap.Processed, _, _, err = n.get(n.key(runID, FieldProcessed)); err != nil {
		return Snapshot{}, err
	}
	if snap.Errors, _, _, err = n.get(n.key(runID, FieldErrors)); err != nil {
		return Snapshot{}, err
	}
	if snap.Aborted, err = n.Aborted(ctx, runID); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}

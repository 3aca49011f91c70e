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

package sync

import (
	"context"
	"log/slog"

	"github.com/matta/mailvault/internal/coord"
	"github.com/matta/mailvault/internal/parse"
	"github.com/matta/mailvault/internal/persist"
	"github.com/matta/mailvault/internal/staging"

	"github.com/pkg/errors"
)

// Writer moves staged artifacts into the identity store, one at a
// time.  At most one Writer runs per staging area, across processes.
type Writer struct {
	Area   *staging.Area
	Parser parse.Parser
	Store  Upserter
	Coord  coord.Coordinator
	RunID  string
	Guard  *Guard
	Policy Policy
	Log    *slog.Logger
}

// Run consumes artifacts until the channel is closed, ctx is done or
// the run is aborted.  Artifacts not consumed stay on disk.
func (w *Writer) Run(ctx context.Context, artifacts <-chan staging.Artifact) error {
	lock, err := w.Area.LockWriter()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	for {
		var (
			art staging.Artifact
			ok  bool
		)
		select {
		case art, ok = <-artifacts:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}
		if err := w.Guard.Check(ctx); err != nil {
			if err == ErrAborted {
				w.Log.Info("writer stopping on abort", "run_id", w.RunID)
				return nil
			}
			return err
		}
		if err := w.write(ctx, art); err != nil {
			if _, ok := itemKey(err); !ok {
				return err
			}
			if err := failure(ctx, w.Policy, w.Coord, w.RunID, w.Log, err); err != nil {
				return err
			}
		}
	}
}

// write stores one artifact and, on success, counts it and removes
// it.  Per-item failures are returned as *ParseError or
// *StoreWriteError and leave the artifact in place.
func (w *Writer) write(ctx context.Context, art staging.Artifact) error {
	raw, err := w.Area.Read(art)
	if err != nil {
		return &StoreWriteError{Key: art.Key, Err: err}
	}
	fields, err := w.Parser.Parse(raw)
	if err != nil {
		return &ParseError{Key: art.Key, Path: art.Path, Err: err}
	}
	res, err := w.Store.Upsert(ctx, art.Key, raw, fields)
	if err != nil {
		return &StoreWriteError{Key: art.Key, Err: err}
	}
	w.Log.Debug("stored", "run_id", w.RunID, "item_id", art.Key.ItemID, "result", res.String())
	if res == persist.KeptOriginal {
		w.Log.Warn("kept original capture", "run_id", w.RunID, "item_id", art.Key.ItemID)
	}

	if err := w.Coord.IncrProcessed(ctx, w.RunID); err != nil {
		return errors.Wrapf(err, "counting %v", art.Key)
	}
	if err := w.Area.Remove(art); err != nil {
		w.Log.Warn("consumed artifact not removed", "run_id", w.RunID, "item_id", art.Key.ItemID, "error", err)
	}
	return nil
}

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

// This file provides the pieces of a run split across processes: one
// process plans and enqueues, any number fetch, and one writes.

import (
	"context"
	"time"

	"github.com/matta/mailvault/internal/queue"
	"github.com/matta/mailvault/internal/staging"

	"golang.org/x/sync/errgroup"
)

// Work runs a fetch pool against a shared queue.  Staged artifacts
// are left on disk for a standalone writer.
func (r *Runner) Work(ctx context.Context, runID, mailbox string, generation uint64, q queue.Queue) error {
	pool := &FetchPool{
		Source:      r.Source,
		Area:        r.Area,
		Target:      r.Target(mailbox),
		Generation:  generation,
		Coord:       r.Coord,
		RunID:       runID,
		Guard:       r.guard(runID),
		Policy:      r.Policy,
		Concurrency: r.Concurrency,
		Log:         r.Log,
	}
	err := pool.Run(ctx, q)
	if err != nil {
		r.Log.Error("fetch worker failed", "run_id", runID, "error", err)
		if ctx.Err() == nil {
			r.abandon(ctx, runID)
		}
	}
	return err
}

// WriteStaged stores the artifacts of one mailbox generation as fetch
// workers stage them, until the run settles or is aborted.
func (r *Runner) WriteStaged(ctx context.Context, runID, mailbox string, generation uint64) Outcome {
	t := r.Target(mailbox)
	wctx, stop := context.WithCancel(ctx)
	defer stop()

	arts := make(chan staging.Artifact)
	grp, gctx := errgroup.WithContext(wctx)
	grp.Go(func() error {
		defer close(arts)
		return r.Area.Watch(gctx, t, generation, arts)
	})
	grp.Go(func() error {
		w := &Writer{
			Area:   r.Area,
			Parser: r.Parser,
			Store:  r.Store,
			Coord:  r.Coord,
			RunID:  runID,
			Guard:  r.guard(runID),
			Policy: r.Policy,
			Log:    r.Log,
		}
		return w.Run(gctx, arts)
	})
	grp.Go(func() error {
		r.untilSettled(gctx, runID)
		stop()
		return nil
	})

	err := grp.Wait()
	if err == context.Canceled && ctx.Err() == nil {
		err = nil
	}
	if err != nil && ctx.Err() == nil {
		r.abandon(ctx, runID)
	}
	return r.outcome(ctx, runID, err)
}

// abandon raises the shared abort flag after a fatal error, so the
// other processes of the run stop at their next checkpoint.
func (r *Runner) abandon(ctx context.Context, runID string) {
	if _, err := r.Coord.Abort(context.WithoutCancel(ctx), runID); err != nil {
		r.Log.Error("cannot raise shared abort flag", "run_id", runID, "error", err)
		return
	}
	r.Log.Warn("run abandoned after fatal error", "run_id", runID)
}

// untilSettled returns once the run is complete or aborted, logging
// progress on the way.
func (r *Runner) untilSettled(ctx context.Context, runID string) {
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()
	for {
		snap, err := r.Coord.Snapshot(ctx, runID)
		if err == nil {
			if snap.Aborted || snap.Complete() {
				return
			}
			r.Log.Info("progress", "run_id", runID, "processed", snap.Processed,
				"errors", snap.Errors, "total", snap.Total, "percent", percent(snap))
		} else if ctx.Err() == nil {
			r.Log.Warn("progress poll failed", "run_id", runID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

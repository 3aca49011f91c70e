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

// Package sync moves messages from a remote source into the identity
// store.  A run plans the missing items, fetches them with a pool of
// workers into staged artifacts, and has a single writer store them,
// keeping shared progress in a coordinator so that runs can be split
// across processes and resumed after interruption.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/matta/mailvault/internal/coord"
	"github.com/matta/mailvault/internal/message"
	"github.com/matta/mailvault/internal/parse"
	"github.com/matta/mailvault/internal/queue"
	"github.com/matta/mailvault/internal/source"
	"github.com/matta/mailvault/internal/staging"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 2 * time.Second
)

// Options tune a run.
type Options struct {
	Concurrency   int
	BatchSize     int
	QueueCapacity int
	Policy        Policy
	PollInterval  time.Duration
}

// Outcome is the result of a run.  Completed means every item has an
// outcome: Snapshot.Processed + Snapshot.Errors == Snapshot.Total.
type Outcome struct {
	Completed bool
	Aborted   bool
	Err       error
	Snapshot  coord.Snapshot
}

// Runner owns the collaborators of runs against one source.
type Runner struct {
	Source source.Source
	Store  Store
	Coord  coord.Coordinator
	Area   *staging.Area
	Parser parse.Parser
	Log    *slog.Logger
	Options

	// Canceller of the run, if any.
	Canceller *Canceller
}

func (r *Runner) batchSize() int {
	if r.BatchSize <= 0 {
		return defaultBatchSize
	}
	return r.BatchSize
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return defaultPollInterval
	}
	return r.PollInterval
}

func (r *Runner) guard(runID string) *Guard {
	return NewGuard(r.Coord, runID, r.Canceller)
}

// Target returns the target for mailbox of the runner's source.
func (r *Runner) Target(mailbox string) message.Target {
	return message.Target{SourceAddress: r.Source.Address(), Mailbox: mailbox}
}

// Prepare plans a run of mailbox, records the generation and sets
// the run total: the items to fetch plus the artifacts already
// waiting for the writer.
func (r *Runner) Prepare(ctx context.Context, runID, mailbox string) (*Delta, []staging.Artifact, error) {
	t := r.Target(mailbox)
	d, err := Plan(ctx, r.Source, t, Captured(r.Store, r.Area, t))
	if err != nil {
		return nil, nil, err
	}
	prev, had, err := r.Store.RecordGeneration(ctx, t, d.Generation)
	if err != nil {
		return nil, nil, err
	}
	if had && prev != d.Generation {
		r.Log.Warn("mailbox generation changed; earlier rows are kept but no longer current",
			"mailbox", mailbox, "previous", prev, "generation", d.Generation)
	}
	pending, err := r.Area.Pending(t, d.Generation)
	if err != nil {
		return nil, nil, err
	}
	total := int64(len(d.ToFetch) + len(pending))
	if err := r.Coord.Init(ctx, runID, total); err != nil {
		return nil, nil, err
	}
	r.Log.Info("planned run", "run_id", runID, "mailbox", mailbox, "generation", d.Generation,
		"remote", d.RemoteCount, "known", d.KnownCount, "to_fetch", len(d.ToFetch), "pending", len(pending))
	return d, pending, nil
}

// Enqueue pushes the batches of d onto q and seals it.  It stops
// early, still sealing, when the run is aborted.
func (r *Runner) Enqueue(ctx context.Context, runID string, d *Delta, q queue.Queue) error {
	defer q.Seal(context.WithoutCancel(ctx))
	g := r.guard(runID)
	for _, b := range queue.Split(d.ToFetch, r.batchSize()) {
		if err := g.Check(ctx); err != nil {
			if err == ErrAborted {
				r.Log.Info("stopped enqueuing on abort", "run_id", runID, "batch", b.String())
				return nil
			}
			return err
		}
		if err := q.Push(ctx, b); err != nil {
			return errors.Wrapf(err, "enqueuing batch %v", b)
		}
	}
	return nil
}

// Run performs a whole run of mailbox in this process.
func (r *Runner) Run(ctx context.Context, runID, mailbox string) Outcome {
	if n, err := r.Area.SweepTemp(); err != nil {
		r.Log.Warn("temp artifact sweep failed", "error", err)
	} else if n > 0 {
		r.Log.Info("removed temp artifacts of an earlier run", "count", n)
	}

	d, pending, err := r.Prepare(ctx, runID, mailbox)
	if err != nil {
		return r.outcome(ctx, runID, err)
	}

	q := queue.NewChan(r.QueueCapacity)
	arts := make(chan staging.Artifact, max(1, r.Concurrency))
	writerDone := make(chan struct{})
	finished := make(chan struct{})
	g := r.guard(runID)

	grp, gctx := errgroup.WithContext(ctx)
	// Cancelled once the pool is done, so a producer blocked on a
	// full queue does not outlive its consumers.
	enqCtx, stopEnqueue := context.WithCancel(gctx)
	defer stopEnqueue()
	grp.Go(func() error {
		err := r.Enqueue(enqCtx, runID, d, q)
		if err != nil && enqCtx.Err() != nil && gctx.Err() == nil {
			return nil
		}
		return err
	})
	grp.Go(func() error {
		defer close(writerDone)
		w := &Writer{
			Area:   r.Area,
			Parser: r.Parser,
			Store:  r.Store,
			Coord:  r.Coord,
			RunID:  runID,
			Guard:  g,
			Policy: r.Policy,
			Log:    r.Log,
		}
		return w.Run(gctx, arts)
	})
	grp.Go(func() error {
		defer stopEnqueue()
		defer close(arts)
		for _, a := range pending {
			select {
			case arts <- a:
			case <-writerDone:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		pool := &FetchPool{
			Source:      r.Source,
			Area:        r.Area,
			Target:      d.Target,
			Generation:  d.Generation,
			Coord:       r.Coord,
			RunID:       runID,
			Guard:       g,
			Policy:      r.Policy,
			Concurrency: r.Concurrency,
			Log:         r.Log,
			Out:         arts,
			WriterDone:  writerDone,
		}
		return pool.Run(gctx, q)
	})
	go r.poll(ctx, runID, finished)

	err = grp.Wait()
	close(finished)
	return r.outcome(ctx, runID, err)
}

// outcome builds the Outcome of a finished run from err and the
// coordinator's final state.
func (r *Runner) outcome(ctx context.Context, runID string, err error) Outcome {
	if err == ErrAborted {
		err = nil
	}
	snap, serr := r.Coord.Snapshot(context.WithoutCancel(ctx), runID)
	if serr != nil && err == nil {
		err = serr
	}
	o := Outcome{Err: err, Snapshot: snap}
	o.Aborted = snap.Aborted || (r.Canceller != nil && r.Canceller.State() != Running)
	o.Completed = err == nil && !o.Aborted && snap.Complete()
	if err != nil {
		attrs := []any{"run_id", runID, "error", err}
		if key, ok := itemKey(err); ok {
			attrs = append(attrs, "key", key.String())
		}
		r.Log.Error("run failed", attrs...)
	}
	r.Log.Info("run finished", "run_id", runID, "completed", o.Completed, "aborted", o.Aborted,
		"total", snap.Total, "processed", snap.Processed, "errors", snap.Errors)
	return o
}

// poll logs progress until finished is closed, the run completes or
// it is aborted.
func (r *Runner) poll(ctx context.Context, runID string, finished <-chan struct{}) {
	var soft <-chan struct{}
	if r.Canceller != nil {
		soft = r.Canceller.Done()
	}
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-finished:
			return
		case <-soft:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := r.Coord.Snapshot(ctx, runID)
		if err != nil {
			r.Log.Warn("progress poll failed", "run_id", runID, "error", err)
			continue
		}
		if snap.Aborted {
			if r.Canceller != nil {
				r.Canceller.Follow()
			}
			return
		}
		r.Log.Info("progress", "run_id", runID, "processed", snap.Processed,
			"errors", snap.Errors, "total", snap.Total, "percent", percent(snap))
		if snap.Complete() {
			return
		}
	}
}

func percent(s coord.Snapshot) int {
	if s.Total == 0 {
		return 100
	}
	return int(s.Settled() * 100 / s.Total)
}

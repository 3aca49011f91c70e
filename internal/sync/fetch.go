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
	"github.com/matta/mailvault/internal/message"
	"github.com/matta/mailvault/internal/queue"
	"github.com/matta/mailvault/internal/source"
	"github.com/matta/mailvault/internal/staging"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// FetchPool is a fixed number of workers that pull batches of item
// ids from a queue, fetch them and stage each item as an artifact.
// Fetch workers never count an item as processed; that is the
// writer's job.
type FetchPool struct {
	Source      source.Source
	Area        *staging.Area
	Target      message.Target
	Generation  uint64
	Coord       coord.Coordinator
	RunID       string
	Guard       *Guard
	Policy      Policy
	Concurrency int
	Log         *slog.Logger

	// Out receives each staged artifact.  It may be nil when the
	// writer finds artifacts on disk instead.
	Out chan<- staging.Artifact

	// WriterDone, when closed, tells workers to stop handing
	// artifacts to Out and leave them on disk.
	WriterDone <-chan struct{}
}

// Run starts the workers and waits for them.  It returns nil when the
// queue is exhausted or the run is aborted, and the first fatal error
// otherwise.
func (p *FetchPool) Run(ctx context.Context, q queue.Queue) error {
	n := p.Concurrency
	if n <= 0 {
		n = 1
	}
	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		worker := i
		grp.Go(func() error {
			err := p.work(ctx, q)
			if err == ErrAborted {
				p.Log.Info("fetch worker stopping on abort", "run_id", p.RunID, "worker", worker)
				return nil
			}
			return err
		})
	}
	return grp.Wait()
}

func (p *FetchPool) work(ctx context.Context, q queue.Queue) error {
	for {
		if err := p.Guard.Check(ctx); err != nil {
			return err
		}
		b, err := q.Pop(ctx)
		if err == queue.ErrExhausted {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "taking batch")
		}
		if err := p.fetchBatch(ctx, b); err != nil {
			return err
		}
	}
}

func (p *FetchPool) fetchBatch(ctx context.Context, b queue.Batch) error {
	log := p.Log.With("run_id", p.RunID, "mailbox", p.Target.Mailbox, "generation", p.Generation, "batch", b.String())
	items, err := p.Source.FetchBatch(ctx, p.Target.Mailbox, p.Generation, b.IDs)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("batch fetch failed", "error", err)
		for _, id := range b.IDs {
			ferr := &FetchError{Key: p.Target.KeyFor(p.Generation, id), Batch: b.String(), Err: err}
			if err := failure(ctx, p.Policy, p.Coord, p.RunID, log, ferr); err != nil {
				return err
			}
		}
		return nil
	}

	byID := make(map[string]message.Item, len(items))
	for _, it := range items {
		byID[it.ItemID] = it
	}
	for _, id := range b.IDs {
		if err := p.Guard.Check(ctx); err != nil {
			return err
		}
		key := p.Target.KeyFor(p.Generation, id)
		it, ok := byID[id]
		if !ok {
			ferr := &FetchError{Key: key, Batch: b.String(), Err: errors.New("missing from fetch response")}
			if err := failure(ctx, p.Policy, p.Coord, p.RunID, log, ferr); err != nil {
				return err
			}
			continue
		}
		art, err := p.Area.Stage(key, it.Raw)
		if err != nil {
			ferr := &FetchError{Key: key, Batch: b.String(), Err: err}
			if err := failure(ctx, p.Policy, p.Coord, p.RunID, log, ferr); err != nil {
				return err
			}
			continue
		}
		log.Debug("staged", "item_id", id, "bytes", len(it.Raw))
		if err := p.handOff(ctx, art); err != nil {
			return err
		}
	}
	return nil
}

func (p *FetchPool) handOff(ctx context.Context, art staging.Artifact) error {
	if p.Out == nil {
		return nil
	}
	select {
	case p.Out <- art:
		return nil
	case <-p.WriterDone:
		// Left on disk for the next run.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

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

	"github.com/matta/mailvault/internal/message"
	"github.com/matta/mailvault/internal/source"
	"github.com/matta/mailvault/internal/staging"

	"github.com/pkg/errors"
)

// Delta is the work of one run.
type Delta struct {
	Target      message.Target
	Generation  uint64
	RemoteCount int
	KnownCount  int

	// ToFetch is in no particular order.
	ToFetch []string
}

// KnownFunc returns the item ids of one generation that need no
// fetching.
type KnownFunc func(ctx context.Context, generation uint64) ([]string, error)

// Plan computes the generation of t and the items of that generation
// that known does not report.  Items known under another generation
// are never subtracted.
func Plan(ctx context.Context, src source.Source, t message.Target, known KnownFunc) (*Delta, error) {
	gen, err := src.Generation(ctx, t.Mailbox)
	if errors.Cause(err) == source.ErrNoGeneration {
		return nil, errors.Wrapf(ErrGenerationUnavailable, "%s/%s: %v", t.SourceAddress, t.Mailbox, err)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading generation of %s/%s", t.SourceAddress, t.Mailbox)
	}
	remote, err := src.ListItemIDs(ctx, t.Mailbox, gen)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s/%s", t.SourceAddress, t.Mailbox)
	}
	have, err := known(ctx, gen)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(have))
	for _, id := range have {
		seen[id] = true
	}
	d := &Delta{Target: t, Generation: gen, RemoteCount: len(remote)}
	for _, id := range remote {
		if seen[id] {
			d.KnownCount++
			continue
		}
		// Guard against a source listing an id twice.
		seen[id] = true
		d.ToFetch = append(d.ToFetch, id)
	}
	return d, nil
}

// Captured returns a KnownFunc reporting items with a row in store or
// a promoted artifact in area.
func Captured(store KnownLister, area *staging.Area, t message.Target) KnownFunc {
	return func(ctx context.Context, generation uint64) ([]string, error) {
		ids, err := store.KnownItemIDs(ctx, t, generation)
		if err != nil {
			return nil, err
		}
		arts, err := area.Pending(t, generation)
		if err != nil {
			return nil, err
		}
		for _, a := range arts {
			ids = append(ids, a.Key.ItemID)
		}
		return ids, nil
	}
}

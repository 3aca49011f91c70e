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

// This file provides the interfaces the pipeline needs from the
// identity store.

import (
	"context"

	"github.com/matta/mailvault/internal/message"
	"github.com/matta/mailvault/internal/persist"
)

// KnownLister lists the item ids already captured for one generation
// of a mailbox.
type KnownLister interface {
	KnownItemIDs(ctx context.Context, t message.Target, generation uint64) ([]string, error)
}

// Upserter writes message records idempotently.
type Upserter interface {
	Upsert(ctx context.Context, key message.Key, raw []byte, f message.Fields) (persist.UpsertResult, error)
}

// GenerationRecorder remembers the current generation of a mailbox.
type GenerationRecorder interface {
	RecordGeneration(ctx context.Context, t message.Target, generation uint64) (previous uint64, hadPrevious bool, err error)
}

// Store provides all the identity store actions the pipeline uses.
type Store interface {
	KnownLister
	Upserter
	GenerationRecorder
}

var _ Store = (*persist.DB)(nil)

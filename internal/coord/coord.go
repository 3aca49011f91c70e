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

// Package coord keeps the shared progress state of a run: the total,
// processed and errors counters and the abort flag.  Every process
// taking part in a run talks to the same Coordinator backend.
package coord

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Counter and flag names, the last element of a coordinator key.
const (
	FieldTotal     = "total"
	FieldProcessed = "processed"
	FieldErrors    = "errors"
	FieldAborted   = "aborted"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "mailvault"

// ErrTotalAlreadySet is returned by Init when the run already has a
// different total.
var ErrTotalAlreadySet = errors.New("run total already set")

// Coordinator is the shared state of runs, keyed by run id.
//
// processed and errors only ever grow, by one per call.  aborted
// goes from false to true at most once and is never reset.
type Coordinator interface {
	// Init sets the total of a run.  Setting the same total again
	// is allowed; setting a different one is ErrTotalAlreadySet.
	Init(ctx context.Context, runID string, total int64) error

	IncrProcessed(ctx context.Context, runID string) error
	IncrErrors(ctx context.Context, runID string) error

	// Abort raises the abort flag.  transitioned is true only for
	// the call that changed it.
	Abort(ctx context.Context, runID string) (transitioned bool, err error)
	Aborted(ctx context.Context, runID string) (bool, error)

	Snapshot(ctx context.Context, runID string) (Snapshot, error)

	Close() error
}

// Snapshot is a point in time view of a run.
type Snapshot struct {
	RunID     string
	Total     int64
	TotalSet  bool
	Processed int64
	Errors    int64
	Aborted   bool
}

// Settled returns processed + errors.
func (s Snapshot) Settled() int64 {
	return s.Processed + s.Errors
}

// Complete reports whether every item of the run has an outcome.
func (s Snapshot) Complete() bool {
	return s.TotalSet && s.Settled() >= s.Total
}

// Key returns the coordinator key "<prefix>:<run_id>:<field>".
func Key(prefix, runID, field string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.Join([]string{prefix, runID, field}, ":")
}

func checkTotal(total int64) error {
	if total < 0 {
		return errors.Errorf("negative run total %d", total)
	}
	return nil
}

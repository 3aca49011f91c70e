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

	"github.com/matta/mailvault/internal/coord"

	"github.com/pkg/errors"
)

// Guard is the abort check every stage runs at its checkpoints.
type Guard struct {
	coord coord.Coordinator
	runID string
	local *Canceller
}

// NewGuard returns the guard of runID.  local may be nil; when set,
// its state is consulted before the shared flag.
func NewGuard(c coord.Coordinator, runID string, local *Canceller) *Guard {
	return &Guard{coord: c, runID: runID, local: local}
}

// Check returns ErrAborted once the run is aborted, the context's
// error once it is done, and nil otherwise.
func (g *Guard) Check(ctx context.Context) error {
	if g.local != nil && g.local.State() != Running {
		return ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	aborted, err := g.coord.Aborted(ctx, g.runID)
	if err != nil {
		return errors.Wrap(err, "reading abort flag")
	}
	if aborted {
		return ErrAborted
	}
	return nil
}

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
	"os"
	"sync"
	"sync/atomic"

	"github.com/matta/mailvault/internal/coord"
	"github.com/matta/mailvault/internal/staging"
)

// State is a stage of the cancellation protocol.
type State int32

const (
	Running State = iota
	SoftAborting
	HardAborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case SoftAborting:
		return "soft-aborting"
	case HardAborted:
		return "hard-aborted"
	}
	return "unknown"
}

// ExitInterrupted is the process exit status after a hard abort.
const ExitInterrupted = 130

// Canceller turns interrupt signals into the two stage abort of a
// run.  The first signal raises the shared abort flag and lets work
// in flight finish.  The second removes temporary artifacts and ends
// the process.
type Canceller struct {
	coord coord.Coordinator
	runID string
	area  *staging.Area
	log   *slog.Logger

	state    atomic.Int32
	soft     chan struct{}
	softOnce sync.Once

	// Exit ends the process; os.Exit unless replaced.
	Exit func(code int)
}

func NewCanceller(c coord.Coordinator, runID string, area *staging.Area, log *slog.Logger) *Canceller {
	return &Canceller{
		coord: c,
		runID: runID,
		area:  area,
		log:   log,
		soft:  make(chan struct{}),
		Exit:  os.Exit,
	}
}

func (c *Canceller) State() State {
	return State(c.state.Load())
}

// Done is closed when the run leaves the Running state.
func (c *Canceller) Done() <-chan struct{} {
	return c.soft
}

// Signal advances the state machine by one step and returns the new
// state.
func (c *Canceller) Signal(ctx context.Context) State {
	if c.state.CompareAndSwap(int32(Running), int32(SoftAborting)) {
		c.softOnce.Do(func() { close(c.soft) })
		c.log.Warn("abort requested; finishing work in flight, signal again to stop now", "run_id", c.runID)
		if _, err := c.coord.Abort(ctx, c.runID); err != nil {
			c.log.Error("cannot raise shared abort flag", "run_id", c.runID, "error", err)
		}
		return SoftAborting
	}
	if c.state.CompareAndSwap(int32(SoftAborting), int32(HardAborted)) {
		n, err := c.area.SweepTemp()
		if err != nil {
			c.log.Error("temp artifact sweep failed", "run_id", c.runID, "error", err)
		}
		c.log.Warn("stopping now", "run_id", c.runID, "temp_removed", n)
		c.Exit(ExitInterrupted)
		return HardAborted
	}
	return c.State()
}

// Follow notices an abort raised by another process, so that the
// local state matches the shared flag.
func (c *Canceller) Follow() {
	if c.state.CompareAndSwap(int32(Running), int32(SoftAborting)) {
		c.softOnce.Do(func() { close(c.soft) })
		c.log.Warn("run aborted elsewhere; finishing work in flight", "run_id", c.runID)
	}
}

// Watch calls Signal for each value received on sigs until ctx is
// done.
func (c *Canceller) Watch(ctx context.Context, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			c.log.Info("received signal", "signal", sig.String())
			c.Signal(context.WithoutCancel(ctx))
		}
	}
}

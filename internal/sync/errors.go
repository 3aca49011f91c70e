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
	"fmt"
	"log/slog"

	"github.com/matta/mailvault/internal/coord"
	"github.com/matta/mailvault/internal/message"

	"github.com/pkg/errors"
)

var (
	// ErrGenerationUnavailable means the remote mailbox reported no
	// generation.  It is fatal for the mailbox.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrAborted is returned by Guard.Check once the run is
	// aborted.  It is a signal to stop, not a failure, and never
	// appears as Outcome.Err.
	ErrAborted = errors.New("run aborted")
)

// Policy says what to do with per-item failures.
type Policy int

const (
	// PolicyDefault logs and counts a failed item and moves on.
	PolicyDefault Policy = iota

	// PolicyStrict makes the first failed item fatal for the run.
	PolicyStrict
)

func (p Policy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "default"
}

// FetchError is a failure to get one item from the remote source and
// stage it.  Batch describes the batch the item came in.
type FetchError struct {
	Key   message.Key
	Batch string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %v (batch %s): %v", e.Key, e.Batch, e.Err)
}

func (e *FetchError) Cause() error  { return e.Err }
func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is a failure to derive fields from a staged artifact.
type ParseError struct {
	Key  message.Key
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %v (%s): %v", e.Key, e.Path, e.Err)
}

func (e *ParseError) Cause() error  { return e.Err }
func (e *ParseError) Unwrap() error { return e.Err }

// StoreWriteError is a failure to write a record to the identity
// store.
type StoreWriteError struct {
	Key message.Key
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("storing %v: %v", e.Key, e.Err)
}

func (e *StoreWriteError) Cause() error  { return e.Err }
func (e *StoreWriteError) Unwrap() error { return e.Err }

// itemKey returns the identity key carried by a per-item error.
func itemKey(err error) (message.Key, bool) {
	var (
		fe *FetchError
		pe *ParseError
		se *StoreWriteError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Key, true
	case errors.As(err, &pe):
		return pe.Key, true
	case errors.As(err, &se):
		return se.Key, true
	}
	return message.Key{}, false
}

// failure settles one failed item.  Under PolicyStrict the failure is
// returned for the caller to abandon the run; otherwise it is logged
// and counted and nil is returned.
func failure(ctx context.Context, policy Policy, c coord.Coordinator, runID string, log *slog.Logger, err error) error {
	key, _ := itemKey(err)
	if policy == PolicyStrict {
		log.Error("item failed under strict policy", "run_id", runID, "key", key.String(), "error", err)
		return err
	}
	log.Warn("item failed", "run_id", runID, "key", key.String(), "error", err)
	if cerr := c.IncrErrors(ctx, runID); cerr != nil {
		return errors.Wrapf(cerr, "counting failure of %v", key)
	}
	return nil
}

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

package coord

import (
	"context"
	"sync"
	"sync/atomic"
)

type memRun struct {
	total     atomic.Int64 // -1 until set
	processed atomic.Int64
	errors    atomic.Int64
	aborted   atomic.Bool
}

// Memory is a Coordinator for runs confined to one process.
type Memory struct {
	mu   sync.Mutex
	runs map[string]*memRun
}

// NewMemory returns an empty in-process coordinator.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*memRun)}
}

func (m *Memory) run(runID string) *memRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		r = &memRun{}
		r.total.Store(-1)
		m.runs[runID] = r
	}
	return r
}

func (m *Memory) Init(_ context.Context, runID string, total int64) error {
	if err := checkTotal(total); err != nil {
		return err
	}
	r := m.run(runID)
	if r.total.CompareAndSwap(-1, total) || r.total.Load() == total {
		return nil
	}
	return ErrTotalAlreadySet
}

func (m *Memory) IncrProcessed(_ context.Context, runID string) error {
	m.run(runID).processed.Add(1)
	return nil
}

func (m *Memory) IncrErrors(_ context.Context, runID string) error {
	m.run(runID).errors.Add(1)
	return nil
}

func (m *Memory) Abort(_ context.Context, runID string) (bool, error) {
	return m.run(runID).aborted.CompareAndSwap(false, true), nil
}

func (m *Memory) Aborted(_ context.Context, runID string) (bool, error) {
	return m.run(runID).aborted.Load(), nil
}

func (m *Memory) Snapshot(_ context.Context, runID string) (Snapshot, error) {
	r := m.run(runID)
	total := r.total.Load()
	return Snapshot{
		RunID:     runID,
		Total:     max(total, 0),
		TotalSet:  total >= 0,
		Processed: r.processed.Load(),
		Errors:    r.errors.Load(),
		Aborted:   r.aborted.Load(),
	}, nil
}

func (m *Memory) Close() error { return nil }

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

// Package queue carries batches of item ids from the planner to the
// fetch workers.  Each batch is delivered to exactly one worker.
package queue

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrExhausted is returned by Pop once the queue is sealed and every
// batch has been handed out.
var ErrExhausted = errors.New("queue exhausted")

// ErrSealed is returned by Push after Seal.
var ErrSealed = errors.New("queue sealed")

// Batch is a unit of fetch work.  The receiver owns IDs.
type Batch struct {
	Seq int      `json:"seq"`
	IDs []string `json:"ids"`
}

func (b Batch) String() string {
	switch len(b.IDs) {
	case 0:
		return fmt.Sprintf("#%d[]", b.Seq)
	case 1:
		return fmt.Sprintf("#%d[%s]", b.Seq, b.IDs[0])
	}
	return fmt.Sprintf("#%d[%s..%s]", b.Seq, b.IDs[0], b.IDs[len(b.IDs)-1])
}

// Queue is a bounded multi-consumer queue of batches.
type Queue interface {
	// Push adds a batch, blocking while the queue is full.
	Push(ctx context.Context, b Batch) error

	// Seal marks the end of the batches.
	Seal(ctx context.Context) error

	// Pop removes the next batch, blocking until one is available
	// or the queue is exhausted.
	Pop(ctx context.Context) (Batch, error)

	Close() error
}

// Split cuts ids into batches of at most size ids, numbered from 0.
// The batches do not share storage with ids.
func Split(ids []string, size int) []Batch {
	if size <= 0 {
		size = 1
	}
	var out []Batch
	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		out = append(out, Batch{
			Seq: len(out),
			IDs: append([]string(nil), ids[i:end]...),
		})
	}
	return out
}

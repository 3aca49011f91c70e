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

package queue

import (
	"context"
	"sync"
)

// Chan is an in-process Queue over a buffered channel.
type Chan struct {
	ch chan Batch

	mu     sync.Mutex
	sealed bool
}

// NewChan returns a queue holding at most capacity batches.
func NewChan(capacity int) *Chan {
	if capacity <= 0 {
		capacity = 1
	}
	return &Chan{ch: make(chan Batch, capacity)}
}

// Push blocks while the queue is full.  Seal waits for a blocked Push
// to finish.
func (q *Chan) Push(ctx context.Context, b Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		return ErrSealed
	}
	select {
	case q.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seal closes the channel.  Batches already pushed can still be
// popped.
func (q *Chan) Seal(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.sealed {
		q.sealed = true
		close(q.ch)
	}
	return nil
}

func (q *Chan) Pop(ctx context.Context) (Batch, error) {
	select {
	case b, ok := <-q.ch:
		if !ok {
			return Batch{}, ErrExhausted
		}
		return b, nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

func (q *Chan) Close() error {
	return q.Seal(context.Background())
}

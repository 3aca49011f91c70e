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
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSplit(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5"}
	got := Split(ids, 2)
	want := []Batch{
		{Seq: 0, IDs: []string{"1", "2"}},
		{Seq: 1, IDs: []string{"3", "4"}},
		{Seq: 2, IDs: []string{"5"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Split() mismatch (-want +got):\n%s", diff)
	}
	got[0].IDs[0] = "x"
	if ids[0] != "1" {
		t.Errorf("Split() batches share storage with their input")
	}
	if got := Split(nil, 3); len(got) != 0 {
		t.Errorf("Split(nil) = %v, want none", got)
	}
}

func TestBatchString(t *testing.T) {
	cases := []struct {
		b    Batch
		want string
	}{
		{Batch{Seq: 3}, "#3[]"},
		{Batch{Seq: 0, IDs: []string{"7"}}, "#0[7]"},
		{Batch{Seq: 1, IDs: []string{"7", "8", "9"}}, "#1[7..9]"},
	}
	for _, tc := range cases {
		if got := tc.b.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, want %q", tc.b, got, tc.want)
		}
	}
}

func TestChanDeliversEachBatchOnce(t *testing.T) {
	ctx := context.Background()
	q := NewChan(2)
	batches := Split([]string{"a", "b", "c", "d", "e", "f", "g"}, 1)

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				b, err := q.Pop(ctx)
				if err == ErrExhausted {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				got = append(got, b.IDs...)
				mu.Unlock()
			}
		}()
	}
	for _, b := range batches {
		if err := q.Push(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Seal(ctx); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	sort.Strings(got)
	if diff := cmp.Diff([]string{"a", "b", "c", "d", "e", "f", "g"}, got); diff != "" {
		t.Errorf("popped ids mismatch (-want +got):\n%s", diff)
	}
	if err := q.Push(ctx, Batch{}); err != ErrSealed {
		t.Errorf("Push() after Seal = %v, want ErrSealed", err)
	}
}

func TestChanPushHonorsContext(t *testing.T) {
	q := NewChan(1)
	if err := q.Push(context.Background(), Batch{}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, Batch{}); err != context.DeadlineExceeded {
		t.Errorf("Push() on full queue = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestChanSealDuringBlockedPush(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		q := NewChan(1)
		if err := q.Push(ctx, Batch{Seq: 0}); err != nil {
			t.Fatal(err)
		}

		pushed := make(chan error, 1)
		go func() { pushed <- q.Push(ctx, Batch{Seq: 1}) }()
		sealed := make(chan error, 1)
		go func() { sealed <- q.Seal(ctx) }()

		popped := 0
		for {
			_, err := q.Pop(ctx)
			if err == ErrExhausted {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			popped++
		}
		if err := <-sealed; err != nil {
			t.Fatalf("Seal() = %v", err)
		}
		want := 1
		switch err := <-pushed; err {
		case nil:
			want = 2
		case ErrSealed:
		default:
			t.Fatalf("Push() racing Seal = %v, want nil or ErrSealed", err)
		}
		if popped != want {
			t.Errorf("popped %d batches, want %d", popped, want)
		}
	}
}

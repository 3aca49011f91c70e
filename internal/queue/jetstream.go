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
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// DefaultStream is the JetStream stream used when none is configured.
const DefaultStream = "MAILVAULT_WORK"

// How long one Pop poll waits for a message before rechecking whether
// the queue is exhausted.
const pollWait = 2 * time.Second

// JetStream is a Queue shared by processes through a NATS JetStream
// work-queue stream.  Every run has its own subject and durable
// consumer, so one stream serves any number of runs.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	runID  string
	sub    *nats.Subscription
}

// NewJetStream connects to url and prepares the queue of runID,
// creating the stream if needed.
func NewJetStream(url, stream, runID string) (*JetStream, error) {
	if stream == "" {
		stream = DefaultStream
	}
	nc, err := nats.Connect(url, nats.Name("mailvault queue"))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "getting JetStream context")
	}
	q := &JetStream{nc: nc, js: js, stream: stream, runID: runID}
	if err := q.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *JetStream) batchSubject() string  { return q.stream + "." + q.runID + ".batch" }
func (q *JetStream) sealedSubject() string { return q.stream + "." + q.runID + ".sealed" }

func (q *JetStream) ensureStream() error {
	info, err := q.js.StreamInfo(q.stream)
	if err == nil && info != nil {
		return nil
	}
	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      q.stream,
		Subjects:  []string{q.stream + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return errors.Wrapf(err, "creating stream %s", q.stream)
	}
	return nil
}

func (q *JetStream) Push(ctx context.Context, b Batch) error {
	if sealed, err := q.sealed(); err != nil {
		return err
	} else if sealed {
		return ErrSealed
	}
	data, err := json.Marshal(b)
	if err != nil {
		return errors.Wrapf(err, "encoding batch %v", b)
	}
	if _, err := q.js.Publish(q.batchSubject(), data, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "publishing batch %v", b)
	}
	return nil
}

func (q *JetStream) Seal(ctx context.Context) error {
	if _, err := q.js.Publish(q.sealedSubject(), nil, nats.Context(ctx)); err != nil {
		return errors.Wrap(err, "sealing queue")
	}
	return nil
}

func (q *JetStream) sealed() (bool, error) {
	_, err := q.js.GetLastMsg(q.stream, q.sealedSubject())
	if errors.Is(err, nats.ErrMsgNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "checking queue seal")
	}
	return true, nil
}

func (q *JetStream) subscribe() error {
	if q.sub != nil {
		return nil
	}
	sub, err := q.js.PullSubscribe(q.batchSubject(), "fetch-"+q.runID,
		nats.BindStream(q.stream), nats.AckExplicit())
	if err != nil {
		return errors.Wrap(err, "subscribing to work queue")
	}
	q.sub = sub
	return nil
}

// Pop takes one batch and acknowledges it at once: from then on the
// caller owns it.  A batch lost with its worker is picked up by the
// planner of the next run.
func (q *JetStream) Pop(ctx context.Context) (Batch, error) {
	if err := q.subscribe(); err != nil {
		return Batch{}, err
	}
	for {
		fctx, cancel := context.WithTimeout(ctx, pollWait)
		msgs, err := q.sub.Fetch(1, nats.Context(fctx))
		cancel()
		if ctx.Err() != nil {
			return Batch{}, ctx.Err()
		}
		if err == nil && len(msgs) > 0 {
			m := msgs[0]
			var b Batch
			if err := json.Unmarshal(m.Data, &b); err != nil {
				m.Term()
				return Batch{}, errors.Wrap(err, "decoding batch")
			}
			if err := m.AckSync(nats.Context(ctx)); err != nil {
				return Batch{}, errors.Wrapf(err, "acknowledging batch %v", b)
			}
			return b, nil
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			return Batch{}, errors.Wrap(err, "fetching from work queue")
		}

		sealed, err := q.sealed()
		if err != nil {
			return Batch{}, err
		}
		if !sealed {
			continue
		}
		info, err := q.sub.ConsumerInfo()
		if err != nil {
			return Batch{}, errors.Wrap(err, "reading consumer state")
		}
		if info.NumPending == 0 && info.NumAckPending == 0 {
			return Batch{}, ErrExhausted
		}
	}
}

func (q *JetStream) Close() error {
	q.nc.Close()
	return nil
}

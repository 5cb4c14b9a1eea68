// Copyright 2023 The MqttProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit provides the security event side-channel of the relay.
// Components record connect, disconnect, publish, subscribe and
// validation-failure events on a shared sink; a periodic drain cycle
// batches everything queued and forwards the batch to an external
// reporting endpoint. Delivery is best effort: a failed batch is logged
// and dropped, never requeued.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BCHLP/MqttProxy/pkg/actor"
	"github.com/BCHLP/MqttProxy/pkg/metrics"
)

// Event is a single security- or lifecycle-relevant occurrence.
type Event struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Unusual   bool      `json:"unusual"`
	Message   string    `json:"message"`
}

// Reporter delivers a drained batch of events to the external sink.
// A non-nil error means the whole batch failed.
type Reporter interface {
	Report(ctx context.Context, events []Event) error
}

// Sink is an unbounded multi-producer event queue with a single
// timer-driven consumer. Producers are never blocked by a slow
// consumer; enqueue order from a single producer is preserved within a
// drain, but no cross-producer ordering is promised.
type Sink struct {
	reporter Reporter
	interval time.Duration

	mu    sync.Mutex
	queue []Event
}

// NewSink creates a sink that drains to reporter on the given interval.
// A zero or negative interval defaults to one minute.
func NewSink(reporter Reporter, interval time.Duration) *Sink {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sink{
		reporter: reporter,
		interval: interval,
	}
}

// Record enqueues a routine event for the given client. The client id
// may be empty when the event is not tied to a session.
func (s *Sink) Record(clientID, message string) {
	s.enqueue(Event{ClientID: clientID, Message: message})
}

// RecordUnusual enqueues an event flagged for operator attention, such
// as a failed certificate validation or a protocol violation.
func (s *Sink) RecordUnusual(clientID, message string) {
	s.enqueue(Event{ClientID: clientID, Message: message, Unusual: true})
}

func (s *Sink) enqueue(e Event) {
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()

	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	metrics.AuditEventsTotal.Inc()
}

// Len reports the number of events currently queued.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Drain atomically removes and returns every event present at the time
// of the call. Each event is returned at most once.
func (s *Sink) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

// Start runs the drain cycle until the context is canceled. It
// implements actor.Actor so the sink can run under the process
// supervisor. A best-effort final flush runs on shutdown.
func (s *Sink) Start(ctx context.Context, _ *actor.Mailbox) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush drains the queue and reports the batch, if any. A reporting
// failure drops the batch: requeueing would turn the documented
// best-effort policy into a hidden retry loop.
func (s *Sink) Flush(ctx context.Context) {
	batch := s.Drain()
	if len(batch) == 0 {
		return
	}

	if err := s.reporter.Report(ctx, batch); err != nil {
		log.Printf("Audit batch of %d events lost: %v", len(batch), err)
		metrics.AuditReportFailuresTotal.Inc()
		return
	}
	metrics.AuditBatchesTotal.Inc()
}

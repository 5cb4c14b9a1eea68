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

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReporter captures every batch it is handed and can be told
// to fail.
type recordingReporter struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (r *recordingReporter) Report(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	batch := append([]Event(nil), events...)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingReporter) Batches() [][]Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

func TestSinkRecordAndDrain(t *testing.T) {
	sink := NewSink(&recordingReporter{}, time.Minute)

	sink.Record("client-1", "connected")
	sink.Record("client-1", "published to a/b")
	sink.RecordUnusual("client-2", "certificate rejected")
	assert.Equal(t, 3, sink.Len())

	events := sink.Drain()
	require.Len(t, events, 3)
	assert.Equal(t, 0, sink.Len())

	// Enqueue order is preserved and every event is stamped.
	assert.Equal(t, "connected", events[0].Message)
	assert.Equal(t, "published to a/b", events[1].Message)
	assert.Equal(t, "certificate rejected", events[2].Message)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.False(t, events[0].Unusual)
	assert.True(t, events[2].Unusual)

	// Events have unique ids.
	assert.NotEqual(t, events[0].ID, events[1].ID)

	// A second drain yields nothing; events are delivered at most once.
	assert.Empty(t, sink.Drain())
}

func TestSinkFlushBatchesEverythingQueued(t *testing.T) {
	reporter := &recordingReporter{}
	sink := NewSink(reporter, time.Minute)

	sink.Record("client-1", "one")
	sink.Record("client-1", "two")
	sink.Record("client-1", "three")

	sink.Flush(context.Background())

	batches := reporter.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	assert.Equal(t, 0, sink.Len())
}

func TestSinkFlushSkipsEmptyQueue(t *testing.T) {
	reporter := &recordingReporter{}
	sink := NewSink(reporter, time.Minute)

	sink.Flush(context.Background())
	assert.Empty(t, reporter.Batches())
}

func TestSinkFlushDropsFailedBatch(t *testing.T) {
	reporter := &recordingReporter{err: errors.New("dashboard unreachable")}
	sink := NewSink(reporter, time.Minute)

	sink.Record("client-1", "lost")
	sink.Flush(context.Background())

	// The failed batch is not requeued.
	assert.Equal(t, 0, sink.Len())

	reporter.mu.Lock()
	reporter.err = nil
	reporter.mu.Unlock()

	sink.Record("client-1", "kept")
	sink.Flush(context.Background())

	batches := reporter.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "kept", batches[0][0].Message)
}

func TestSinkDrainCycle(t *testing.T) {
	reporter := &recordingReporter{}
	sink := NewSink(reporter, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sink.Start(ctx, nil) }()

	sink.Record("client-1", "periodic")
	assert.Eventually(t, func() bool {
		return len(reporter.Batches()) >= 1
	}, time.Second, 10*time.Millisecond)

	// A final flush runs on shutdown.
	sink.Record("client-1", "parting")
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("drain cycle did not stop on cancellation")
	}
	assert.Equal(t, 0, sink.Len())
}

func TestSinkDefaultInterval(t *testing.T) {
	sink := NewSink(&recordingReporter{}, 0)
	assert.Equal(t, time.Minute, sink.interval)
}

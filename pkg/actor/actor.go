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

// Package actor provides the minimal mailbox-and-process primitive used
// for the relay's long-running tasks: session writers, the audit drain
// cycle and the gateway loops all run as supervised actors.
package actor

import "context"

// Actor is a long-running process driven by messages from its mailbox.
type Actor interface {
	// Start runs the actor until the context is canceled or the actor
	// terminates. It blocks for the lifetime of the actor and returns a
	// non-nil error on abnormal termination.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a buffered message queue feeding a single actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox with the given buffer capacity.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is
// full. Callers that must not block should use TrySend.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox if buffer space is available
// and reports whether the message was accepted. Message fan-out uses
// this so one slow client cannot stall delivery to the others.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or the context is canceled.
// On cancellation it returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the underlying channel read-only, for callers that need
// to select over several sources at once.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

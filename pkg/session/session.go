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

// package session holds the state and delivery actor for a single
// authenticated client connection. A session exists only after the
// session gate produced a valid chain verdict; it is destroyed on
// disconnect or protocol violation.
package session

import (
	"bytes"
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/BCHLP/MqttProxy/pkg/actor"
)

// Publish is the message type sent to a Session actor to deliver a
// message to the connected client.
type Publish struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Session is the broker-side state for one authenticated connection:
// identity, remote endpoint, connect time and subscribed topic set,
// plus the writer for outgoing deliveries.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn io.Writer

	mu     sync.Mutex
	topics map[string]struct{}
}

// New creates a Session for an admitted connection.
func New(id, remoteAddr string, conn io.Writer) *Session {
	return &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		topics:      make(map[string]struct{}),
	}
}

// AddTopic records a granted subscription on the session.
func (s *Session) AddTopic(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[filter] = struct{}{}
}

// RemoveTopic drops a subscription from the session.
func (s *Session) RemoveTopic(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, filter)
}

// Topics returns the session's subscribed topic filters.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	return topics
}

// Start is the delivery loop for the Session actor. Messages are
// written to the client as QoS 0 PUBLISH packets; fan-out is
// fire-and-forget and the inbound QoS handshake is handled by the
// broker's read loop.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	log.Printf("Session actor started for client %s", s.ID)
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			log.Printf("Session actor for client %s shutting down: %v", s.ID, err)
			return err
		}

		switch m := msg.(type) {
		case Publish:
			pk := &packets.Packet{
				FixedHeader: packets.FixedHeader{
					Type:   packets.Publish,
					Qos:    0,
					Retain: m.Retain,
				},
				TopicName: m.Topic,
				Payload:   m.Payload,
			}
			var buf bytes.Buffer
			if err := pk.PublishEncode(&buf); err != nil {
				log.Printf("Error encoding publish packet for %s: %v", s.ID, err)
				continue
			}
			if _, err := s.conn.Write(buf.Bytes()); err != nil {
				log.Printf("Error writing to client %s: %v", s.ID, err)
				// Let the supervisor decide whether to restart.
				return err
			}
		default:
			log.Printf("Session actor for %s received unknown message type: %T", s.ID, m)
		}
	}
}

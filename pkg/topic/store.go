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

// Package topic provides the thread-safe, in-memory subscription table
// of the broker. It maps topic filters to subscriber mailboxes and
// supports the MQTT single-level (+) and multi-level (#) wildcards.
package topic

import (
	"strings"
	"sync"

	"github.com/BCHLP/MqttProxy/pkg/actor"
)

// Subscription is one subscriber entry for a topic filter.
type Subscription struct {
	Mailbox *actor.Mailbox
	QoS     byte
}

// Store maps topic filters to their subscribers.
type Store struct {
	subscriptions map[string][]*Subscription
	mu            sync.RWMutex
}

// NewStore creates an empty subscription table.
func NewStore() *Store {
	return &Store{
		subscriptions: make(map[string][]*Subscription),
	}
}

// Subscribe adds mailbox as a subscriber of filter at the given QoS. A
// mailbox is recorded at most once per filter; resubscribing updates
// the QoS.
func (s *Store) Subscribe(filter string, mailbox *actor.Mailbox, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subscriptions[filter] {
		if existing.Mailbox == mailbox {
			existing.QoS = qos
			return
		}
	}
	s.subscriptions[filter] = append(s.subscriptions[filter], &Subscription{
		Mailbox: mailbox,
		QoS:     qos,
	})
}

// Unsubscribe removes mailbox from the subscriber list of filter. The
// filter entry is dropped entirely once its last subscriber leaves.
func (s *Store) Unsubscribe(filter string, mailbox *actor.Mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subscribers, ok := s.subscriptions[filter]
	if !ok {
		return
	}

	var remaining []*Subscription
	for _, sub := range subscribers {
		if sub.Mailbox != mailbox {
			remaining = append(remaining, sub)
		}
	}
	if len(remaining) > 0 {
		s.subscriptions[filter] = remaining
	} else {
		delete(s.subscriptions, filter)
	}
}

// GetSubscribers returns every subscription whose filter matches the
// published topic, wildcards included. The returned slice is a copy.
func (s *Store) GetSubscribers(topic string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Subscription
	for filter, subs := range s.subscriptions {
		if MatchesFilter(topic, filter) {
			matched = append(matched, subs...)
		}
	}

	result := make([]*Subscription, len(matched))
	copy(result, matched)
	return result
}

// RemoveAllSubscriptions removes every entry associated with mailbox
// and returns the affected filters, so the broker can account for the
// teardown of a disconnecting session.
func (s *Store) RemoveAllSubscriptions(mailbox *actor.Mailbox) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mailbox == nil {
		return nil
	}

	var removed []string
	for filter, subs := range s.subscriptions {
		remaining := make([]*Subscription, 0, len(subs))
		found := false
		for _, sub := range subs {
			if sub.Mailbox == mailbox {
				found = true
				continue
			}
			remaining = append(remaining, sub)
		}
		if !found {
			continue
		}
		removed = append(removed, filter)
		if len(remaining) > 0 {
			s.subscriptions[filter] = remaining
		} else {
			delete(s.subscriptions, filter)
		}
	}
	return removed
}

// MatchesFilter reports whether a published topic matches a
// subscription filter under MQTT 3.1.1 wildcard rules.
func MatchesFilter(topic, filter string) bool {
	topicSegments := strings.Split(topic, "/")
	filterSegments := strings.Split(filter, "/")

	for i, filterSegment := range filterSegments {
		if i >= len(topicSegments) {
			// A trailing '#' also matches the parent level itself.
			return filterSegment == "#" && i == len(filterSegments)-1
		}
		if filterSegment == "#" {
			// '#' is only valid as the last filter segment.
			return i == len(filterSegments)-1
		}
		if filterSegment != "+" && filterSegment != topicSegments[i] {
			return false
		}
	}

	return len(topicSegments) == len(filterSegments)
}

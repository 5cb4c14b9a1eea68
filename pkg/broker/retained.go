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

package broker

import (
	"sync"

	"github.com/BCHLP/MqttProxy/pkg/topic"
)

// RetainedMessage is the last retained payload published to a topic.
type RetainedMessage struct {
	Topic   string
	Payload []byte
}

// RetainedStore keeps the latest retained message per topic, replayed
// to new subscribers whose filter matches. State is process-lifetime
// only.
type RetainedStore struct {
	mu       sync.RWMutex
	messages map[string]RetainedMessage
}

// NewRetainedStore creates an empty retained-message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{
		messages: make(map[string]RetainedMessage),
	}
}

// Set stores payload as the retained message for topic. Per MQTT
// semantics, a retained publish with an empty payload clears the entry.
func (rs *RetainedStore) Set(topicName string, payload []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(payload) == 0 {
		delete(rs.messages, topicName)
		return
	}
	rs.messages[topicName] = RetainedMessage{
		Topic:   topicName,
		Payload: append([]byte(nil), payload...),
	}
}

// Matching returns the retained messages whose topic matches filter.
func (rs *RetainedStore) Matching(filter string) []RetainedMessage {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var matched []RetainedMessage
	for topicName, msg := range rs.messages {
		if topic.MatchesFilter(topicName, filter) {
			matched = append(matched, msg)
		}
	}
	return matched
}

// Len reports the number of retained topics.
func (rs *RetainedStore) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.messages)
}

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

// Package hooks defines the broker's extension points: a fixed set of
// named callback slots invoked on connection and message lifecycle
// events. Each kind holds at most one registered handler and the
// default behavior with no handler is "allow". Handler panics never
// propagate into the broker: validating and intercepting kinds fail
// closed, observing kinds degrade to a no-op.
package hooks

import (
	"fmt"
	"log"
	"sync"
)

// Kind identifies one of the broker's extension points.
type Kind int

const (
	// ConnectionValidating runs after certificate validation, before a
	// session is admitted, and may reject the connection.
	ConnectionValidating Kind = iota
	// ClientConnected observes a newly admitted session.
	ClientConnected
	// ClientDisconnected observes a session teardown.
	ClientDisconnected
	// PublishIntercepting observes every publish and may veto it.
	PublishIntercepting
	// SubscribeIntercepting observes every subscribe and may veto it.
	SubscribeIntercepting
)

// String returns the hook kind name used in logs.
func (k Kind) String() string {
	switch k {
	case ConnectionValidating:
		return "connection-validating"
	case ClientConnected:
		return "client-connected"
	case ClientDisconnected:
		return "client-disconnected"
	case PublishIntercepting:
		return "publish-intercepting"
	case SubscribeIntercepting:
		return "subscribe-intercepting"
	default:
		return "unknown"
	}
}

// Connection describes an admitted or connecting client.
type Connection struct {
	ClientID   string
	RemoteAddr string
}

// Message describes a publish passing through the broker.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// Subscription describes a subscribe request.
type Subscription struct {
	ClientID string
	Filter   string
	QoS      byte
}

// Registry holds the registered handler for each hook kind.
type Registry struct {
	mu                    sync.RWMutex
	connectionValidating  func(Connection) error
	clientConnected       func(Connection)
	clientDisconnected    func(Connection)
	publishIntercepting   func(Message) bool
	subscribeIntercepting func(Subscription) bool
}

// NewRegistry creates a registry with no handlers; every slot defaults
// to allow.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterConnectionValidating installs the connection-validating
// handler, replacing any previous one. A nil error from the handler
// admits the connection.
func (r *Registry) RegisterConnectionValidating(fn func(Connection) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectionValidating = fn
}

// RegisterClientConnected installs the client-connected observer.
func (r *Registry) RegisterClientConnected(fn func(Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientConnected = fn
}

// RegisterClientDisconnected installs the client-disconnected observer.
func (r *Registry) RegisterClientDisconnected(fn func(Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientDisconnected = fn
}

// RegisterPublishIntercepting installs the publish interceptor. A true
// return allows the publish.
func (r *Registry) RegisterPublishIntercepting(fn func(Message) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishIntercepting = fn
}

// RegisterSubscribeIntercepting installs the subscribe interceptor. A
// true return allows the subscription.
func (r *Registry) RegisterSubscribeIntercepting(fn func(Subscription) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeIntercepting = fn
}

// ValidateConnection runs the connection-validating hook. With no
// handler registered the connection is admitted. A handler panic is
// converted to a rejection: the gate must fail closed.
func (r *Registry) ValidateConnection(c Connection) (err error) {
	r.mu.RLock()
	fn := r.connectionValidating
	r.mu.RUnlock()
	if fn == nil {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s hook panicked: %v", ConnectionValidating, rec)
		}
	}()
	return fn(c)
}

// OnConnected notifies the client-connected observer, if any.
func (r *Registry) OnConnected(c Connection) {
	r.mu.RLock()
	fn := r.clientConnected
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	defer r.recoverObserver(ClientConnected)
	fn(c)
}

// OnDisconnected notifies the client-disconnected observer, if any.
func (r *Registry) OnDisconnected(c Connection) {
	r.mu.RLock()
	fn := r.clientDisconnected
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	defer r.recoverObserver(ClientDisconnected)
	fn(c)
}

// InterceptPublish runs the publish interceptor. With no handler
// registered every publish is allowed. A handler panic denies the
// publish.
func (r *Registry) InterceptPublish(m Message) (allow bool) {
	r.mu.RLock()
	fn := r.publishIntercepting
	r.mu.RUnlock()
	if fn == nil {
		return true
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Hook %s panicked, denying publish: %v", PublishIntercepting, rec)
			allow = false
		}
	}()
	return fn(m)
}

// InterceptSubscribe runs the subscribe interceptor. With no handler
// registered every subscription is allowed. A handler panic denies the
// subscription.
func (r *Registry) InterceptSubscribe(s Subscription) (allow bool) {
	r.mu.RLock()
	fn := r.subscribeIntercepting
	r.mu.RUnlock()
	if fn == nil {
		return true
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Hook %s panicked, denying subscribe: %v", SubscribeIntercepting, rec)
			allow = false
		}
	}()
	return fn(s)
}

func (r *Registry) recoverObserver(kind Kind) {
	if rec := recover(); rec != nil {
		log.Printf("Hook %s panicked: %v", kind, rec)
	}
}

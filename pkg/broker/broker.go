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

// package broker contains the TLS-terminated pub/sub relay service.
// Admission is decided by the session gate during the TLS handshake;
// the broker itself manages sessions, subscriptions and message
// fan-out, and drives the interception hooks.
package broker

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/BCHLP/MqttProxy/pkg/actor"
	"github.com/BCHLP/MqttProxy/pkg/audit"
	"github.com/BCHLP/MqttProxy/pkg/gate"
	"github.com/BCHLP/MqttProxy/pkg/hooks"
	"github.com/BCHLP/MqttProxy/pkg/metrics"
	"github.com/BCHLP/MqttProxy/pkg/session"
	"github.com/BCHLP/MqttProxy/pkg/storage"
	"github.com/BCHLP/MqttProxy/pkg/supervisor"
	"github.com/BCHLP/MqttProxy/pkg/topic"
)

// sessionHandle ties a registered session to its delivery mailbox.
type sessionHandle struct {
	session *session.Session
	mailbox *actor.Mailbox
}

// Broker accepts mutually-authenticated connections and routes
// published messages to local subscribers.
type Broker struct {
	gate     *gate.Gate
	hooks    *hooks.Registry
	sink     *audit.Sink
	sup      supervisor.Supervisor
	sessions storage.Store[*sessionHandle]
	topics   *topic.Store
	retained *RetainedStore
}

// New creates a new Broker. The gate decides admission; the registry
// carries the lifecycle and interception hooks; every security- or
// lifecycle-relevant occurrence is recorded on the audit sink.
func New(g *gate.Gate, registry *hooks.Registry, sink *audit.Sink) *Broker {
	return &Broker{
		gate:     g,
		hooks:    registry,
		sink:     sink,
		sup:      supervisor.NewOneForOneSupervisor(),
		sessions: storage.NewMemStore[*sessionHandle](),
		topics:   topic.NewStore(),
		retained: NewRetainedStore(),
	}
}

// StartServer listens for TLS connections on addr, presenting cert and
// enforcing the gate's client certificate policy. It blocks until the
// context is canceled; cancellation closes the listener so the accept
// loop terminates within one accept cycle.
func (b *Broker) StartServer(ctx context.Context, addr string, cert tls.Certificate) error {
	listener, err := tls.Listen("tcp", addr, b.gate.TLSConfig(cert))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	log.Printf("MQTT relay listening on %s", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Println("Listener is shutting down.")
				return nil
			default:
				log.Printf("Failed to accept connection: %v", err)
				continue
			}
		}
		go b.handleConnection(ctx, conn)
	}
}

// handleConnection manages a single client connection, from TLS
// handshake to disconnect.
func (b *Broker) handleConnection(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	// Complete the handshake eagerly so the gate's verdict is known
	// before any packet is read. Chain validation runs inside the
	// handshake; a rejected peer sees nothing but the handshake failure.
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Printf("TLS handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	log.Printf("Accepted connection from %s", conn.RemoteAddr())

	reader := bufio.NewReader(conn)
	var clientID string
	var handle *sessionHandle
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if handle != nil {
			b.teardownSession(clientID, handle, conn.RemoteAddr().String())
		}
	}()

	for {
		pk, err := readPacket(reader)
		if err != nil {
			if err != io.EOF {
				log.Printf("Error reading packet from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		switch pk.FixedHeader.Type {
		case packets.Connect:
			clientID = pk.Connect.ClientIdentifier
			if clientID == "" {
				b.sink.RecordUnusual("", fmt.Sprintf("CONNECT from %s with empty client id", conn.RemoteAddr()))
				return
			}
			c := hooks.Connection{ClientID: clientID, RemoteAddr: conn.RemoteAddr().String()}
			if err := b.gate.Admit(c); err != nil {
				log.Printf("Client %s not admitted: %v", clientID, err)
				return
			}
			handle = b.registerSession(connCtx, clientID, conn)
			b.sink.Record(clientID, fmt.Sprintf("client connected from %s", conn.RemoteAddr()))
			b.hooks.OnConnected(c)
			resp := packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Connack},
				ReasonCode:  packets.CodeSuccess.Code,
			}
			err = writePacket(conn, &resp)

		case packets.Subscribe:
			if handle == nil {
				b.sink.RecordUnusual("", "SUBSCRIBE received before CONNECT")
				return
			}
			reasonCodes := make([]byte, 0, len(pk.Filters))
			for _, sub := range pk.Filters {
				reasonCodes = append(reasonCodes, b.subscribe(handle, clientID, sub.Filter, sub.Qos))
			}
			resp := packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Suback},
				PacketID:    pk.PacketID,
				ReasonCodes: reasonCodes,
			}
			err = writePacket(conn, &resp)

		case packets.Unsubscribe:
			if handle == nil {
				return
			}
			for _, sub := range pk.Filters {
				b.topics.Unsubscribe(sub.Filter, handle.mailbox)
				handle.session.RemoveTopic(sub.Filter)
				b.sink.Record(clientID, fmt.Sprintf("unsubscribed from %s", sub.Filter))
			}
			resp := packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
				PacketID:    pk.PacketID,
			}
			err = writePacket(conn, &resp)

		case packets.Publish:
			if handle == nil {
				b.sink.RecordUnusual("", "PUBLISH received before CONNECT")
				return
			}
			b.handlePublish(clientID, pk)
			switch pk.FixedHeader.Qos {
			case 1:
				resp := packets.Packet{
					FixedHeader: packets.FixedHeader{Type: packets.Puback},
					PacketID:    pk.PacketID,
				}
				err = writePacket(conn, &resp)
			case 2:
				resp := packets.Packet{
					FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
					PacketID:    pk.PacketID,
				}
				err = writePacket(conn, &resp)
			}

		case packets.Pubrel:
			resp := packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
				PacketID:    pk.PacketID,
			}
			err = writePacket(conn, &resp)

		case packets.Puback:
			// Deliveries are QoS 0 fan-out; a stray PUBACK needs no tracking.

		case packets.Pingreq:
			resp := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
			err = writePacket(conn, &resp)

		case packets.Disconnect:
			log.Printf("Client %s sent DISCONNECT.", clientID)
			return

		default:
			log.Printf("Received unhandled packet type: %v", pk.FixedHeader.Type)
		}

		if err != nil {
			log.Printf("Error handling packet for %s: %v", clientID, err)
			return
		}
	}
}

// subscribe runs the subscribe interceptor and, when allowed, records
// the subscription and replays matching retained messages. It returns
// the SUBACK reason code for this filter.
func (b *Broker) subscribe(handle *sessionHandle, clientID, filter string, qos byte) byte {
	allowed := b.hooks.InterceptSubscribe(hooks.Subscription{
		ClientID: clientID,
		Filter:   filter,
		QoS:      qos,
	})
	if !allowed {
		b.sink.RecordUnusual(clientID, fmt.Sprintf("subscribe to %s denied", filter))
		return packets.ErrUnspecifiedError.Code
	}

	b.topics.Subscribe(filter, handle.mailbox, qos)
	handle.session.AddTopic(filter)
	b.sink.Record(clientID, fmt.Sprintf("subscribed to %s", filter))
	log.Printf("Client %s subscribed to %s", clientID, filter)

	for _, retained := range b.retained.Matching(filter) {
		handle.mailbox.TrySend(session.Publish{
			Topic:   retained.Topic,
			Payload: retained.Payload,
			Retain:  true,
		})
	}

	return grantCode(qos)
}

// handlePublish runs the publish interceptor and routes the message.
// Interception is observe-and-allow by default; a veto drops the
// message but the packet is still acknowledged at its QoS, since the
// sender committed no protocol violation.
func (b *Broker) handlePublish(clientID string, pk *packets.Packet) {
	allowed := b.hooks.InterceptPublish(hooks.Message{
		ClientID: clientID,
		Topic:    pk.TopicName,
		Payload:  pk.Payload,
		QoS:      pk.FixedHeader.Qos,
		Retain:   pk.FixedHeader.Retain,
	})
	if !allowed {
		b.sink.RecordUnusual(clientID, fmt.Sprintf("publish to %s denied", pk.TopicName))
		return
	}

	b.sink.Record(clientID, fmt.Sprintf("published %d bytes to %s", len(pk.Payload), pk.TopicName))
	metrics.MessagesPublishedTotal.Inc()

	if pk.FixedHeader.Retain {
		b.retained.Set(pk.TopicName, pk.Payload)
	}
	b.routePublish(pk.TopicName, pk.Payload)
}

// routePublish fans a message out to all local subscribers of a topic.
func (b *Broker) routePublish(topicName string, payload []byte) {
	subscribers := b.topics.GetSubscribers(topicName)
	msg := session.Publish{
		Topic:   topicName,
		Payload: payload,
	}
	for _, sub := range subscribers {
		if !sub.Mailbox.TrySend(msg) {
			log.Printf("Dropped message on %s: subscriber mailbox full", topicName)
			continue
		}
		metrics.MessagesDeliveredTotal.Inc()
	}
}

func (b *Broker) registerSession(ctx context.Context, clientID string, conn net.Conn) *sessionHandle {
	if existing, err := b.sessions.Get(clientID); err == nil {
		// Session takeover: the newest connection wins.
		log.Printf("Client %s reconnected, replacing existing session.", clientID)
		b.topics.RemoveAllSubscriptions(existing.mailbox)
		b.sessions.Delete(clientID)
		metrics.SessionsActive.Dec()
	}

	log.Printf("Registering new session for client %s", clientID)
	sess := session.New(clientID, conn.RemoteAddr().String(), conn)
	mb := actor.NewMailbox(100)

	spec := supervisor.Spec{
		ID:      fmt.Sprintf("session-%s", clientID),
		Actor:   sess,
		Restart: supervisor.RestartTransient,
		Mailbox: mb,
	}
	b.sup.StartChild(ctx, spec)

	handle := &sessionHandle{session: sess, mailbox: mb}
	b.sessions.Set(clientID, handle)
	metrics.SessionsActive.Inc()
	return handle
}

func (b *Broker) teardownSession(clientID string, handle *sessionHandle, remoteAddr string) {
	b.topics.RemoveAllSubscriptions(handle.mailbox)
	// After a takeover the registry holds the successor's handle; only
	// the owning connection may remove its entry.
	if current, err := b.sessions.Get(clientID); err == nil && current == handle {
		b.sessions.Delete(clientID)
		metrics.SessionsActive.Dec()
	}
	b.sink.Record(clientID, "client disconnected")
	b.hooks.OnDisconnected(hooks.Connection{ClientID: clientID, RemoteAddr: remoteAddr})
	log.Printf("Client %s disconnected.", clientID)
}

// SessionCount reports the number of currently registered sessions.
func (b *Broker) SessionCount() int {
	return b.sessions.Len()
}

func grantCode(qos byte) byte {
	switch qos {
	case 1:
		return packets.CodeGrantedQos1.Code
	case 2:
		return packets.CodeGrantedQos2.Code
	default:
		return packets.CodeGrantedQos0.Code
	}
}

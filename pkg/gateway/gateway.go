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

// Package gateway implements the UDP edge of the relay. Inbound sensor
// datagrams are decoded and published on the device's uplink topic;
// messages arriving on the gateway's downlink subscription are written
// back to the sensor endpoint as raw datagrams. Both directions share
// one authenticated pub/sub connection.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"

	"github.com/BCHLP/MqttProxy/pkg/actor"
	"github.com/BCHLP/MqttProxy/pkg/audit"
	"github.com/BCHLP/MqttProxy/pkg/metrics"
)

// AckPayload is the fixed confirmation-of-receipt datagram sent back to
// the source address of every successfully decoded inbound datagram.
const AckPayload = "ACK"

// Client is the gateway's pub/sub connection surface. It is satisfied
// by the paho adapter in this package and by fakes in tests.
type Client interface {
	// Publish sends payload to topic and blocks until the broker
	// acknowledged it at the requested QoS.
	Publish(topic string, qos byte, retained bool, payload []byte) error
	// Subscribe registers handler for messages matching filter.
	Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error
	// Disconnect closes the connection.
	Disconnect()
}

// ForwardingRule is the gateway's static configuration, derived from
// the process configuration at startup and fixed for its lifetime.
type ForwardingRule struct {
	// ListenPort is the UDP port bound for inbound sensor datagrams.
	ListenPort int
	// SendHost and SendPort name the sensor's receive endpoint for
	// broker-originated forwarding. Acknowledgments do NOT go here:
	// they return to each datagram's own source address.
	SendHost string
	SendPort int
	// ClientID identifies the gateway and determines its topics.
	ClientID string
	// DownlinkTopic overrides the default downlink subscription.
	DownlinkTopic string
}

// UplinkTopic is the topic inbound sensor traffic is published to. It
// is a function of the configured client id, never of datagram content.
func (r ForwardingRule) UplinkTopic() string {
	return fmt.Sprintf("application/1/device/%s/command/up", r.ClientID)
}

// Downlink is the subscription carrying messages destined for the sensor.
func (r ForwardingRule) Downlink() string {
	if r.DownlinkTopic != "" {
		return r.DownlinkTopic
	}
	return fmt.Sprintf("application/1/device/%s/command/down", r.ClientID)
}

// Gateway runs the two translation loops over a shared client.
type Gateway struct {
	rule   ForwardingRule
	client Client
	sink   *audit.Sink
}

// New creates a gateway for the given forwarding rule.
func New(rule ForwardingRule, client Client, sink *audit.Sink) *Gateway {
	return &Gateway{
		rule:   rule,
		client: client,
		sink:   sink,
	}
}

// Start binds the UDP socket, establishes the downlink subscription and
// runs the inbound receive loop until the context is canceled. It
// implements actor.Actor. Cancellation closes the socket, so the loop
// returns once the in-flight receive completes; the socket is released
// on every exit path.
func (g *Gateway) Start(ctx context.Context, _ *actor.Mailbox) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: g.rule.ListenPort})
	if err != nil {
		return fmt.Errorf("failed to bind udp port %d: %w", g.rule.ListenPort, err)
	}
	defer conn.Close()

	sendAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(g.rule.SendHost, strconv.Itoa(g.rule.SendPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve sensor endpoint: %w", err)
	}

	if err := g.client.Subscribe(g.rule.Downlink(), 1, g.downlinkHandler(conn, sendAddr)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", g.rule.Downlink(), err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Printf("UDP gateway listening on %s, forwarding downlink to %s", conn.LocalAddr(), sendAddr)
	g.sink.Record(g.rule.ClientID, fmt.Sprintf("udp gateway started on port %d", g.rule.ListenPort))

	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Println("UDP gateway shutting down.")
				return nil
			default:
				return fmt.Errorf("udp receive failed: %w", err)
			}
		}
		metrics.UDPDatagramsReceivedTotal.Inc()
		g.handleDatagram(conn, buf[:n], src)
	}
}

// handleDatagram translates one inbound datagram into a publish and
// acknowledges receipt to the datagram's own source address — not the
// configured send endpoint, which serves only broker-originated
// forwarding. Malformed datagrams are logged and dropped; the receive
// loop never terminates over one.
func (g *Gateway) handleDatagram(conn *net.UDPConn, data []byte, src *net.UDPAddr) {
	payload, qos, retain, err := DecodeEnvelope(data)
	if err != nil {
		log.Printf("Dropping malformed datagram from %s: %v", src, err)
		g.sink.RecordUnusual(g.rule.ClientID, fmt.Sprintf("malformed datagram from %s dropped", src))
		metrics.UDPDatagramsMalformedTotal.Inc()
		return
	}

	if err := g.client.Publish(g.rule.UplinkTopic(), qos, retain, payload); err != nil {
		log.Printf("Failed to publish datagram from %s: %v", src, err)
		g.sink.RecordUnusual(g.rule.ClientID, fmt.Sprintf("publish of sensor datagram failed: %v", err))
	}

	// Receipt is acknowledged unconditionally once the envelope decoded;
	// delivery guarantees beyond that are the broker's concern.
	if _, err := conn.WriteToUDP([]byte(AckPayload), src); err != nil {
		log.Printf("Failed to acknowledge datagram to %s: %v", src, err)
	}
}

// downlinkHandler returns the subscription callback for the outbound
// loop: payload bytes pass through to the sensor endpoint exactly as
// delivered, with no framing or JSON wrapping.
func (g *Gateway) downlinkHandler(conn *net.UDPConn, sendAddr *net.UDPAddr) func(string, []byte) {
	return func(topicName string, payload []byte) {
		if _, err := conn.WriteToUDP(payload, sendAddr); err != nil {
			log.Printf("Failed to forward message from %s to sensor: %v", topicName, err)
			return
		}
		metrics.UDPDatagramsForwardedTotal.Inc()
	}
}

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

package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BCHLP/MqttProxy/pkg/audit"
)

// fakeClient is an in-memory stand-in for the broker connection.
type fakeClient struct {
	mu        sync.Mutex
	published []publishedMsg
	handler   func(topic string, payload []byte)
	pubErr    error
}

type publishedMsg struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, publishedMsg{
		topic:   topic,
		qos:     qos,
		retain:  retained,
		payload: append([]byte(nil), payload...),
	})
	return nil
}

func (f *fakeClient) Subscribe(_ string, _ byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeClient) Disconnect() {}

func (f *fakeClient) Published() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMsg(nil), f.published...)
}

func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// freeUDPPort reserves an ephemeral UDP port and releases it for the
// gateway to rebind.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func startTestGateway(t *testing.T, client *fakeClient, rule ForwardingRule) (*net.UDPAddr, context.CancelFunc) {
	t.Helper()

	gw := New(rule, client, audit.NewSink(&nopReporter{}, time.Minute))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- gw.Start(ctx, nil) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("gateway did not shut down")
		}
	})

	gwAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rule.ListenPort}

	// Wait for the socket and the downlink subscription to be up.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.handler != nil
	}, 2*time.Second, 10*time.Millisecond)

	return gwAddr, cancel
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, []audit.Event) error { return nil }

func TestForwardingRuleTopics(t *testing.T) {
	rule := ForwardingRule{ClientID: "sensor-7"}
	assert.Equal(t, "application/1/device/sensor-7/command/up", rule.UplinkTopic())
	assert.Equal(t, "application/1/device/sensor-7/command/down", rule.Downlink())

	rule.DownlinkTopic = "custom/down"
	assert.Equal(t, "custom/down", rule.Downlink())
}

func TestGatewayUplinkAndAck(t *testing.T) {
	client := &fakeClient{}
	rule := ForwardingRule{
		ListenPort: freeUDPPort(t),
		SendHost:   "127.0.0.1",
		SendPort:   freeUDPPort(t),
		ClientID:   "sensor-7",
	}
	gwAddr, _ := startTestGateway(t, client, rule)

	sensor, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sensor.Close()

	_, err = sensor.WriteToUDP([]byte(`{"payload":"23.5C"}`), gwAddr)
	require.NoError(t, err)

	// The datagram arrives on the device's uplink topic at QoS 1.
	require.Eventually(t, func() bool {
		return len(client.Published()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := client.Published()[0]
	assert.Equal(t, "application/1/device/sensor-7/command/up", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.Equal(t, "23.5C", string(msg.payload))

	// The acknowledgment returns to the datagram's source address.
	require.NoError(t, sensor.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, _, err := sensor.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, AckPayload, string(buf[:n]))
}

func TestGatewayDropsMalformedDatagram(t *testing.T) {
	client := &fakeClient{}
	rule := ForwardingRule{
		ListenPort: freeUDPPort(t),
		SendHost:   "127.0.0.1",
		SendPort:   freeUDPPort(t),
		ClientID:   "sensor-7",
	}
	gwAddr, _ := startTestGateway(t, client, rule)

	sensor, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sensor.Close()

	// Not JSON: dropped without an ack, and the loop survives.
	_, err = sensor.WriteToUDP([]byte("not json at all"), gwAddr)
	require.NoError(t, err)

	// A valid datagram after the malformed one still goes through.
	_, err = sensor.WriteToUDP([]byte(`{"payload":"ok"}`), gwAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(client.Published()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ok", string(client.Published()[0].payload))
}

func TestGatewayDownlinkForwardsRawBytes(t *testing.T) {
	client := &fakeClient{}

	sensor, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sensor.Close()
	sensorPort := sensor.LocalAddr().(*net.UDPAddr).Port

	rule := ForwardingRule{
		ListenPort: freeUDPPort(t),
		SendHost:   "127.0.0.1",
		SendPort:   sensorPort,
		ClientID:   "sensor-7",
	}
	startTestGateway(t, client, rule)

	// Non-UTF-8 payloads survive byte for byte, no framing added.
	payload := []byte{0x00, 0xff, 0x80, 'a', 0x01}
	client.deliver(rule.Downlink(), payload)

	require.NoError(t, sensor.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, _, err := sensor.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestGatewaySurvivesPublishFailure(t *testing.T) {
	client := &fakeClient{pubErr: fmt.Errorf("broker unavailable")}
	rule := ForwardingRule{
		ListenPort: freeUDPPort(t),
		SendHost:   "127.0.0.1",
		SendPort:   freeUDPPort(t),
		ClientID:   "sensor-7",
	}
	gwAddr, _ := startTestGateway(t, client, rule)

	sensor, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sensor.Close()

	_, err = sensor.WriteToUDP([]byte(`{"payload":"x"}`), gwAddr)
	require.NoError(t, err)

	// The ack still goes out; the loop keeps running.
	require.NoError(t, sensor.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, _, err := sensor.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, AckPayload, string(buf[:n]))
}

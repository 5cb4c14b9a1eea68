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
	"encoding/json"
	"fmt"
)

// Envelope is the JSON wire shape accepted from sensors. "message" is
// accepted as a synonym for "payload"; QoS defaults to 1 and retain to
// false when absent.
type Envelope struct {
	Payload *string `json:"payload"`
	Message *string `json:"message"`
	QoS     *byte   `json:"qos"`
	Retain  bool    `json:"retain"`
}

// DecodeEnvelope parses an inbound datagram. Non-JSON input is an
// error; the caller logs and drops it. Valid JSON that does not carry a
// payload or message field is forwarded verbatim — the whole document
// text becomes the payload — with default QoS and retain.
func DecodeEnvelope(data []byte) (payload []byte, qos byte, retain bool, err error) {
	if !json.Valid(data) {
		return nil, 0, false, fmt.Errorf("datagram is not valid JSON")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Valid JSON of an unexpected shape; pass the document through.
		return append([]byte(nil), data...), 1, false, nil
	}

	qos = 1
	if env.QoS != nil && *env.QoS <= 2 {
		qos = *env.QoS
	}

	switch {
	case env.Payload != nil:
		payload = []byte(*env.Payload)
	case env.Message != nil:
		payload = []byte(*env.Message)
	default:
		payload = append([]byte(nil), data...)
	}

	return payload, qos, env.Retain, nil
}

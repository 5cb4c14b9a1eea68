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

package pki

import (
	"crypto/tls"
	"fmt"
)

// LoadServerCertificate loads the broker's serving credentials: a PEM
// bundle carrying the leaf certificate followed by the rest of its
// chain, and the matching private key. The full chain is presented to
// clients during the handshake.
func LoadServerCertificate(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load server certificate bundle: %w", err)
	}
	return cert, nil
}

// ClientTLSConfig builds the TLS configuration for a client connecting
// to the broker: the client presents cert and trusts only the relay's
// own anchors, never the system roots.
func ClientTLSConfig(store *TrustStore, cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      store.Pool(),
		MinVersion:   tls.VersionTLS12,
	}
}

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

// Package gate implements the broker-side connection authenticator. It
// intercepts the TLS handshake, extracts the peer certificate, invokes
// the chain validator against the private trust store, and accepts or
// rejects the session. A rejected peer observes only a failed TLS
// handshake; the specific failure reason is visible to operators
// through the audit stream alone.
package gate

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/BCHLP/MqttProxy/pkg/audit"
	"github.com/BCHLP/MqttProxy/pkg/hooks"
	"github.com/BCHLP/MqttProxy/pkg/metrics"
	"github.com/BCHLP/MqttProxy/pkg/pki"
)

// Gate decides session admission. It owns no session state: admitted
// connections are handed to the broker, rejected ones never reach it.
type Gate struct {
	validator *pki.Validator
	sink      *audit.Sink
	hooks     *hooks.Registry

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a gate over the given chain validator and hook registry.
func New(validator *pki.Validator, sink *audit.Sink, registry *hooks.Registry) *Gate {
	return &Gate{
		validator: validator,
		sink:      sink,
		hooks:     registry,
		now:       time.Now,
	}
}

// TLSConfig builds the listener configuration. ClientAuth is
// RequestClientCert rather than RequireAndVerifyClientCert so the
// verification callback also observes the no-certificate case and can
// audit it; VerifyPeer then enforces the mandatory-certificate policy
// itself. Chain validation runs inside the handshake, so a rejected
// peer learns nothing beyond the handshake failure.
func (g *Gate) TLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS12,
		ClientAuth:            tls.RequestClientCert,
		VerifyPeerCertificate: g.VerifyPeer,
	}
}

// VerifyPeer is the handshake-time checkpoint. Any panic during
// validation is converted to a rejection: the gate fails closed.
func (g *Gate) VerifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			g.sink.RecordUnusual("", fmt.Sprintf("certificate validation panicked: %v", rec))
			metrics.AuthFailuresTotal.WithLabelValues("internal-error").Inc()
			err = fmt.Errorf("certificate validation failed")
		}
	}()

	if len(rawCerts) == 0 {
		g.sink.RecordUnusual("", "connection attempt without a client certificate")
		metrics.AuthFailuresTotal.WithLabelValues("no-certificate").Inc()
		return errors.New("client certificate required")
	}

	verdict := g.validator.ValidateRaw(rawCerts, g.now())
	if verdict != pki.VerdictValid {
		metrics.AuthFailuresTotal.WithLabelValues(verdict.String()).Inc()
		return fmt.Errorf("certificate rejected: %s", verdict)
	}
	return nil
}

// Admit runs the application-level connection-validating hook for a
// connection whose certificate chain already validated. Current policy
// always admits; the hook point exists for policy not expressible via
// certificates.
func (g *Gate) Admit(c hooks.Connection) error {
	if err := g.hooks.ValidateConnection(c); err != nil {
		g.sink.RecordUnusual(c.ClientID, fmt.Sprintf("connection rejected by validating hook: %v", err))
		metrics.AuthFailuresTotal.WithLabelValues("hook-rejected").Inc()
		return err
	}
	return nil
}

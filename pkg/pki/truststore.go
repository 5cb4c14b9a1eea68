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

// Package pki implements the private trust model of the relay: loading
// the trust-anchor chain file and validating peer certificate paths
// against those anchors, independent of the platform trust store.
package pki

import (
	"bufio"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	beginCertificate = "-----BEGIN CERTIFICATE-----"
	endCertificate   = "-----END CERTIFICATE-----"
)

// TrustStore holds the anchor certificates loaded at startup, in file
// order. It is immutable after loading; replacing the anchors requires
// a process restart, so reads need no locking.
type TrustStore struct {
	anchors []*x509.Certificate
	roots   *x509.CertPool
}

// LoadTrustStore reads the chain file at path. The relay cannot open
// its gate without trust roots, so callers treat any error as fatal.
func LoadTrustStore(path string) (*TrustStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust store %s: %w", path, err)
	}
	defer f.Close()

	ts, err := ReadTrustStore(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust store %s: %w", path, err)
	}
	return ts, nil
}

// ReadTrustStore parses zero or more PEM-armored certificates
// concatenated back to back. The stream is scanned line by line for the
// BEGIN/END CERTIFICATE delimiters: the chain file bundles unrelated CA
// certificates with no wrapping container, so a whole-stream decode is
// not assumed. A malformed block fails the whole load rather than being
// skipped — a silently missing root would degrade the authentication
// gate without any visible error.
func ReadTrustStore(r io.Reader) (*TrustStore, error) {
	scanner := bufio.NewScanner(r)

	var (
		anchors []*x509.Certificate
		body    strings.Builder
		inBlock bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == beginCertificate:
			if inBlock {
				return nil, fmt.Errorf("certificate %d: nested BEGIN CERTIFICATE", len(anchors)+1)
			}
			inBlock = true
			body.Reset()

		case line == endCertificate:
			if !inBlock {
				return nil, fmt.Errorf("certificate %d: END CERTIFICATE without BEGIN", len(anchors)+1)
			}
			cert, err := parseCertificateBlock(body.String())
			if err != nil {
				return nil, fmt.Errorf("certificate %d: %w", len(anchors)+1, err)
			}
			anchors = append(anchors, cert)
			inBlock = false

		default:
			if inBlock {
				body.WriteString(line)
				body.WriteString("\n")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trust store: %w", err)
	}
	if inBlock {
		return nil, fmt.Errorf("certificate %d: unterminated certificate block", len(anchors)+1)
	}

	roots := x509.NewCertPool()
	for _, cert := range anchors {
		roots.AddCert(cert)
	}

	return &TrustStore{anchors: anchors, roots: roots}, nil
}

func parseCertificateBlock(body string) (*x509.Certificate, error) {
	armored := beginCertificate + "\n" + body + endCertificate + "\n"
	block, _ := pem.Decode([]byte(armored))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM encoding")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Anchors returns the trust anchors in file order.
func (ts *TrustStore) Anchors() []*x509.Certificate {
	return append([]*x509.Certificate(nil), ts.anchors...)
}

// Len returns the number of loaded anchors.
func (ts *TrustStore) Len() int {
	return len(ts.anchors)
}

// Pool returns the anchor set as a certificate pool for use as explicit
// verification roots.
func (ts *TrustStore) Pool() *x509.CertPool {
	return ts.roots
}

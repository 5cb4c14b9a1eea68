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
	"crypto/x509"
	"fmt"
	"time"

	"github.com/BCHLP/MqttProxy/pkg/audit"
)

// Verdict is the outcome of validating a peer certificate against the
// trust anchors. It is consumed immediately by the session gate and
// never persisted.
type Verdict int

const (
	// VerdictValid means a certification path of length >= 1 reaches a
	// trust anchor and every intermediate satisfies basic constraints.
	VerdictValid Verdict = iota
	// VerdictExpired means the certificate's notAfter has passed.
	VerdictExpired
	// VerdictNotYetValid means the certificate's notBefore is in the future.
	VerdictNotYetValid
	// VerdictNoPath means no certification path reaches a trust anchor.
	VerdictNoPath
	// VerdictMalformed means the presented certificate could not be parsed.
	VerdictMalformed
)

// String returns the verdict name used in audit messages and metrics.
func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictExpired:
		return "invalid-expired"
	case VerdictNotYetValid:
		return "invalid-not-yet-valid"
	case VerdictNoPath:
		return "invalid-no-path"
	case VerdictMalformed:
		return "invalid-malformed"
	default:
		return "unknown"
	}
}

// Evaluate builds and checks a certification path from leaf to any
// member of the trust store, using only the store's anchors as
// verification roots. The platform trust store is deliberately
// excluded: this is a custom-root trust policy, not an augmentation of
// system trust. Intermediates presented by the peer alongside the leaf
// participate in path building but are never trusted as roots.
//
// Revocation is not checked. The relay assumes no CRL/OCSP
// infrastructure; this is a documented residual risk, and the absence
// of verdict caching keeps every connection attempt independently
// revalidated so a future revocation mechanism is not masked.
//
// Evaluate is a pure function over (leaf, intermediates, store, now)
// with no hidden global trust state. On failure the returned reasons
// describe the chain status for the audit stream.
func Evaluate(leaf *x509.Certificate, intermediates []*x509.Certificate, store *TrustStore, now time.Time) (Verdict, []string) {
	if leaf == nil {
		return VerdictMalformed, []string{"no certificate presented"}
	}
	if now.Before(leaf.NotBefore) {
		return VerdictNotYetValid, []string{fmt.Sprintf("certificate not valid before %s", leaf.NotBefore.Format(time.RFC3339))}
	}
	if now.After(leaf.NotAfter) {
		return VerdictExpired, []string{fmt.Sprintf("certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))}
	}

	interPool := x509.NewCertPool()
	for _, cert := range intermediates {
		interPool.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         store.Pool(),
		Intermediates: interPool,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	chains, err := leaf.Verify(opts)
	if err != nil || len(chains) == 0 {
		reasons := []string{"no certification path to a trust anchor"}
		if err != nil {
			reasons = append(reasons, err.Error())
		}
		return VerdictNoPath, reasons
	}

	return VerdictValid, nil
}

// Validator validates peer certificates and records one audit event per
// invocation.
type Validator struct {
	store *TrustStore
	sink  *audit.Sink
}

// NewValidator creates a validator over the given trust store.
func NewValidator(store *TrustStore, sink *audit.Sink) *Validator {
	return &Validator{store: store, sink: sink}
}

// Validate evaluates leaf against the trust store at time now and
// audits the verdict, including the specific chain-status reasons on
// failure.
func (v *Validator) Validate(leaf *x509.Certificate, intermediates []*x509.Certificate, now time.Time) Verdict {
	verdict, reasons := Evaluate(leaf, intermediates, v.store, now)
	v.audit(leaf, verdict, reasons)
	return verdict
}

// ValidateRaw parses the DER certificates presented during the TLS
// handshake and validates the leaf. An unparseable certificate yields
// VerdictMalformed; intermediates that fail to parse are ignored, since
// path building can still succeed without them.
func (v *Validator) ValidateRaw(rawCerts [][]byte, now time.Time) Verdict {
	if len(rawCerts) == 0 {
		v.audit(nil, VerdictMalformed, []string{"no certificate presented"})
		return VerdictMalformed
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		v.audit(nil, VerdictMalformed, []string{fmt.Sprintf("failed to parse certificate: %v", err)})
		return VerdictMalformed
	}

	var intermediates []*x509.Certificate
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			continue
		}
		intermediates = append(intermediates, cert)
	}

	return v.Validate(leaf, intermediates, now)
}

func (v *Validator) audit(leaf *x509.Certificate, verdict Verdict, reasons []string) {
	subject := "(unparseable)"
	if leaf != nil {
		subject = leaf.Subject.String()
	}
	if verdict == VerdictValid {
		v.sink.Record("", fmt.Sprintf("certificate %q validated: %s", subject, verdict))
		return
	}
	msg := fmt.Sprintf("certificate %q rejected: %s", subject, verdict)
	for _, reason := range reasons {
		msg += "; " + reason
	}
	v.sink.RecordUnusual("", msg)
}

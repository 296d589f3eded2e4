/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package trustbundle holds the set of issuer certificates the Auth Gate
// trusts when validating a presented certificate chain (spec §4.2,
// §12 supplemented feature: certificate chain trust store). It is
// process-wide global state, built once at start-up (spec §9).
package trustbundle

import (
	"crypto/x509"
	"sync"

	"github.com/gravitational/trace"
)

// Bundle is a concurrency-safe, mutable set of trusted issuer
// certificates. Certificates can be added (e.g. on issuer rotation)
// without restarting the process.
type Bundle struct {
	mu    sync.RWMutex
	pool  *x509.CertPool
	certs []*x509.Certificate
}

// New constructs an empty Bundle.
func New() *Bundle {
	return &Bundle{pool: x509.NewCertPool()}
}

// Add registers cert as a trusted issuer.
func (b *Bundle) Add(cert *x509.Certificate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pool.AddCert(cert)
	b.certs = append(b.certs, cert)
}

// Verify validates chain against the trusted issuer set, returning the
// verified chains on success.
func (b *Bundle) Verify(leaf *x509.Certificate, intermediates *x509.CertPool) ([][]*x509.Certificate, error) {
	b.mu.RLock()
	pool := b.pool
	b.mu.RUnlock()

	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return chains, nil
}

// IssuerCertificates returns a snapshot of the trusted issuer set.
func (b *Bundle) IssuerCertificates() []*x509.Certificate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*x509.Certificate, len(b.certs))
	copy(out, b.certs)
	return out
}

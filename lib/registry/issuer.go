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

package registry

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// precomputedKeySize is the RSA key size used for device certificates.
const precomputedKeySize = 2048

// precomputedKeys is a queue of RSA key pairs generated ahead of demand,
// so the latency-sensitive Issue step of registration (spec §4.3 step 3)
// never blocks on key generation. Mirrors the precompute-queue idiom
// used for host certificate issuance in the codebase this was adapted
// from: a background goroutine tops the channel back up whenever a key
// is drawn from it.
var (
	precomputedKeys     = make(chan *rsa.PrivateKey, 25)
	startPrecomputeOnce sync.Once
)

func precomputeKeys() {
	for {
		key, err := rsa.GenerateKey(rand.Reader, precomputedKeySize)
		if err != nil {
			continue
		}
		precomputedKeys <- key
	}
}

func generatePrivateKey() (*rsa.PrivateKey, error) {
	startPrecomputeOnce.Do(func() { go precomputeKeys() })
	select {
	case key := <-precomputedKeys:
		return key, nil
	default:
		return rsa.GenerateKey(rand.Reader, precomputedKeySize)
	}
}

// Issuer mints device certificates on behalf of the hub's own identity
// (spec §4.3 step 3).
type Issuer struct {
	signerKey *rsa.PrivateKey
	signerCrt *x509.Certificate
	issuerCN  string
	clock     clockwork.Clock
}

// NewIssuer constructs an Issuer from the hub's own signing key and
// self-signed (or CA-issued) certificate.
func NewIssuer(signerKey *rsa.PrivateKey, signerCrt *x509.Certificate, clock clockwork.Clock) *Issuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{signerKey: signerKey, signerCrt: signerCrt, issuerCN: signerCrt.Subject.CommonName, clock: clock}
}

// IssueDeviceCertificate signs a certificate for devicePublicKey with
// subject CN = deviceID, valid for validity starting now.
func (iss *Issuer) IssueDeviceCertificate(deviceID string, devicePublicKey *rsa.PublicKey, validity time.Duration) (*x509.Certificate, []byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	now := iss.clock.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: deviceID},
		Issuer:       iss.signerCrt.Subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, iss.signerCrt, devicePublicKey, iss.signerKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return cert, der, nil
}

// GenerateDeviceKeyPair generates a fresh RSA key pair for a registering
// device, drawing from the precompute queue when available.
func GenerateDeviceKeyPair() (*rsa.PrivateKey, error) {
	return generatePrivateKey()
}

// parsePublicKey decodes a PKIX-encoded RSA public key as submitted by a
// device during the Solve step (spec §4.3 step 2).
func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("device public key is not RSA")
	}
	return rsaPub, nil
}

// fingerprintOf returns the hex-encoded SHA-256 fingerprint of a DER
// certificate, used to index certificates for fast lookup during
// certificate-chain authentication (spec §4.2).
func fingerprintOf(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

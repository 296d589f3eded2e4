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

package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/openuaip/hub/lib/config"
)

// caIdentity is the CA key pair used to sign JWTs and issue device
// certificates.
type caIdentity struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

// loadOrGenerateCA loads the CA key pair from cfg, or - if unconfigured -
// generates an ephemeral self-signed one for single-process development
// deployments (spec §9 open question: the source's CA lifecycle is out
// of scope; this composition root needs *a* signer to exist at start-up).
func loadOrGenerateCA(cfg config.PKIConfig, clusterName string) (*caIdentity, error) {
	if cfg.CAKeyPath != "" {
		return loadCA(cfg.CAKeyPath, cfg.CACertPath)
	}

	logrus.Warn("no pki.ca_key_path configured, generating an ephemeral self-signed CA for this process lifetime only")
	return generateEphemeralCA(clusterName)
}

func loadCA(keyPath, certPath string) (*caIdentity, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, trace.BadParameter("pki: %q does not contain a PEM block", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing CA private key")
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, trace.BadParameter("pki: %q does not contain a PEM block", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing CA certificate")
	}

	return &caIdentity{key: key, cert: cert}, nil
}

func generateEphemeralCA(clusterName string) (*caIdentity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: clusterName + "-hub-issuer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &caIdentity{key: key, cert: cert}, nil
}

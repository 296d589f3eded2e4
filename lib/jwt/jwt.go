/*
Copyright 2020 Gravitational, Inc.

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

// Package jwt signs and verifies the access and refresh tokens the Auth
// Gate issues to principals (spec §4.2).
package jwt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/cryptosigner"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/openuaip/hub/lib/model"
)

// RSAKeySize is the key size used for hub-issued signing keys.
const RSAKeySize = 2048

// Config defines the clock and key material used to sign and verify
// tokens.
type Config struct {
	// Clock is used to control expiry time.
	Clock clockwork.Clock

	// PublicKey is used to verify a signed token.
	PublicKey crypto.PublicKey

	// PrivateKey is used to sign tokens. Nil on a verify-only instance.
	PrivateKey crypto.Signer

	// Algorithm is the algorithm used to sign tokens.
	Algorithm jose.SignatureAlgorithm

	// Issuer is embedded as the JWT issuer claim, identifying the hub
	// instance that signed the token.
	Issuer string
}

// CheckAndSetDefaults validates the values of a *Config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PrivateKey != nil {
		c.PublicKey = c.PrivateKey.Public()
	}
	if c.PrivateKey == nil && c.PublicKey == nil {
		return trace.BadParameter("public or private key is required")
	}
	if c.Algorithm == "" {
		c.Algorithm = jose.RS256
	}
	if c.Issuer == "" {
		return trace.BadParameter("issuer is required")
	}
	return nil
}

// Key signs and verifies access/refresh tokens.
type Key struct {
	config *Config
}

// New creates a Key that can be used to sign and/or verify tokens.
func New(config *Config) (*Key, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Key{config: config}, nil
}

// TokenKind distinguishes access tokens from refresh tokens so Verify can
// reject a refresh token presented where an access token is expected and
// vice versa (spec §4.2).
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// SignParams are the claims embedded within an issued token.
type SignParams struct {
	// PrincipalID is the subject of the token.
	PrincipalID string

	// PrincipalKind is the kind of principal the subject is.
	PrincipalKind model.PrincipalKind

	// Roles are the role names resolved for the principal at issuance time.
	Roles []string

	// TokenKind distinguishes an access token from a refresh token.
	TokenKind TokenKind

	// TokenID uniquely identifies this token instance; for refresh tokens
	// it is the value consulted against the single-use rotation record
	// (spec §12 supplemented feature: refresh token rotation).
	TokenID string

	// Expires is the time to live for the token.
	Expires time.Time
}

func (p *SignParams) Check() error {
	if p.PrincipalID == "" {
		return trace.BadParameter("principal id missing")
	}
	if p.TokenID == "" {
		return trace.BadParameter("token id missing")
	}
	if p.Expires.IsZero() {
		return trace.BadParameter("expires missing")
	}
	switch p.TokenKind {
	case TokenAccess, TokenRefresh:
	default:
		return trace.BadParameter("unknown token kind %q", p.TokenKind)
	}
	return nil
}

// Sign returns a signed, compact-serialized JWT embedding p's claims.
func (k *Key) Sign(p SignParams) (string, error) {
	if err := p.Check(); err != nil {
		return "", trace.Wrap(err)
	}

	if k.config.PrivateKey == nil {
		return "", trace.BadParameter("cannot sign token with a verify-only key")
	}

	var signer interface{}
	switch k.config.PrivateKey.(type) {
	case *rsa.PrivateKey:
		signer = k.config.PrivateKey
	default:
		signer = cryptosigner.Opaque(k.config.PrivateKey)
	}
	signingKey := jose.SigningKey{
		Algorithm: k.config.Algorithm,
		Key:       signer,
	}
	sig, err := jose.NewSigner(signingKey, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", trace.Wrap(err)
	}

	claims := Claims{
		Claims: jwt.Claims{
			ID:        p.TokenID,
			Subject:   p.PrincipalID,
			Issuer:    k.config.Issuer,
			NotBefore: jwt.NewNumericDate(k.config.Clock.Now().Add(-10 * time.Second)),
			IssuedAt:  jwt.NewNumericDate(k.config.Clock.Now()),
			Expiry:    jwt.NewNumericDate(p.Expires),
		},
		PrincipalKind: p.PrincipalKind,
		Roles:         p.Roles,
		TokenKind:     p.TokenKind,
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// VerifyParams are the parameters needed to verify a presented token.
type VerifyParams struct {
	// RawToken is the compact-serialized JWT.
	RawToken string

	// ExpectTokenKind, if set, rejects tokens of any other TokenKind.
	ExpectTokenKind TokenKind
}

func (p *VerifyParams) Check() error {
	if p.RawToken == "" {
		return trace.BadParameter("raw token missing")
	}
	return nil
}

// Verify validates the signature, expiry, and issuer of a presented
// token and returns its claims.
func (k *Key) Verify(p VerifyParams) (*Claims, error) {
	if err := p.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if k.config.PublicKey == nil {
		return nil, trace.BadParameter("cannot verify token without a public key")
	}

	tok, err := jwt.ParseSigned(p.RawToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var out Claims
	if err := tok.Claims(k.config.PublicKey, &out); err != nil {
		return nil, trace.Wrap(err)
	}

	expected := jwt.Expected{
		Issuer: k.config.Issuer,
		Time:   k.config.Clock.Now(),
	}
	if err := out.ValidateWithLeeway(expected, 0); err != nil {
		return nil, trace.Wrap(err)
	}

	if p.ExpectTokenKind != "" && out.TokenKind != p.ExpectTokenKind {
		return nil, trace.BadParameter("expected a %s token, got a %s token", p.ExpectTokenKind, out.TokenKind)
	}

	return &out, nil
}

// Claims represents the public and private claims of a hub-issued token.
type Claims struct {
	jwt.Claims

	// PrincipalKind is the kind of principal the subject claim identifies.
	PrincipalKind model.PrincipalKind `json:"principal_kind"`

	// Roles are the role names resolved for the principal at issuance time.
	// Permission checks re-resolve against the Credential Store rather than
	// trusting this list alone once a role's permissions change.
	Roles []string `json:"roles"`

	// TokenKind distinguishes an access token from a refresh token.
	TokenKind TokenKind `json:"token_kind"`
}

// GenerateKeyPair generates a PEM encoded private and public key pair in
// the format used by this package.
func GenerateKeyPair() (publicPEM, privatePEM []byte, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return publicPEM, privatePEM, nil
}

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

// Package auth implements the Auth Gate: it turns an inbound credential
// (bearer token, client-id/secret pair, or certificate chain) into a
// validated Principal + PermissionSet, or rejects it (spec §4.2).
package auth

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/openuaip/hub/lib/audit"
	"github.com/openuaip/hub/lib/auth/trustbundle"
	"github.com/openuaip/hub/lib/cache"
	"github.com/openuaip/hub/lib/jwt"
	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/ratelimit"
	"github.com/openuaip/hub/lib/store"
	"github.com/openuaip/hub/lib/uaiperr"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "authgate"})

// Config configures a Gate.
type Config struct {
	Store       store.Store
	Tokens      *jwt.Key
	TrustBundle *trustbundle.Bundle

	// ConsumedRefresh tracks refresh-token single-use consumption keyed by
	// token id, so replaying a rotated-out refresh token is rejected even
	// before its signature is checked again (spec §4.2, §9 open question:
	// refresh tokens rotate on use).
	ConsumedRefresh cache.Cache

	Audit     audit.Log
	RateLimit *ratelimit.Limiter

	Clock clockwork.Clock

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("store is required")
	}
	if c.Tokens == nil {
		return trace.BadParameter("token signer is required")
	}
	if c.Audit == nil {
		return trace.BadParameter("audit log is required")
	}
	if c.RateLimit == nil {
		return trace.BadParameter("rate limiter is required")
	}
	if c.ConsumedRefresh == nil {
		return trace.BadParameter("consumed-refresh cache is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	return nil
}

// Gate is the Auth Gate component.
type Gate struct {
	cfg Config
}

// New constructs a Gate from cfg.
func New(cfg Config) (*Gate, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Gate{cfg: cfg}, nil
}

// AuthContext is the outcome of a successful authentication: the
// resolved principal plus the set of permissions it holds right now.
// Role assignment changes take effect on the *next* AuthContext, never
// retroactively on one already granted (spec §5).
type AuthContext struct {
	Principal  model.Principal
	Permission model.PermissionSet
}

// TokenPair is returned on successful credential-grant authentication or
// refresh (spec §4.2, §6).
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

func (g *Gate) audit(ctx context.Context, actor model.PrincipalRef, resource, action string, success bool, reason string, kind uaiperr.Kind, sourceAddr string) {
	if err := g.cfg.Audit.Emit(ctx, audit.Entry{
		Actor: actor, Resource: resource, Action: action,
		Success: success, Reason: reason, Kind: kind, SourceAddr: sourceAddr,
		Timestamp: g.cfg.Clock.Now(),
	}); err != nil {
		log.WithError(err).Warn("failed to write audit entry")
	}
}

func (g *Gate) resolvePermissions(ctx context.Context, principal *model.Principal) (model.PermissionSet, error) {
	var perms []model.Permission
	now := g.cfg.Clock.Now()
	for _, ra := range principal.Roles {
		if !ra.Active(now) {
			continue
		}
		role, err := g.cfg.Store.GetRole(ctx, ra.Role)
		if err != nil {
			if uaiperr.Is(err, uaiperr.NotFound) {
				continue
			}
			return model.PermissionSet{}, trace.Wrap(err)
		}
		perms = append(perms, role.Permissions...)
	}
	return model.PermissionSet{Permissions: perms}, nil
}

// AuthenticateToken validates a bearer access token (spec §4.2 inputs a).
func (g *Gate) AuthenticateToken(ctx context.Context, rawToken, sourceAddr string) (*AuthContext, error) {
	claims, err := g.cfg.Tokens.Verify(jwt.VerifyParams{RawToken: rawToken, ExpectTokenKind: jwt.TokenAccess})
	if err != nil {
		kind := uaiperr.InvalidToken
		if isExpiry(err) {
			kind = uaiperr.ExpiredToken
		}
		g.audit(ctx, model.PrincipalRef{}, "token", "authenticate", false, err.Error(), kind, sourceAddr)
		return nil, uaiperr.New(kind, "%v", err)
	}

	principal, err := g.cfg.Store.GetPrincipal(ctx, claims.Subject)
	if err != nil {
		return nil, uaiperr.New(uaiperr.AuthenticationFailed, "unknown subject")
	}
	if principal.Disabled {
		g.audit(ctx, principal.Ref(), "token", "authenticate", false, "principal disabled", uaiperr.Disabled, sourceAddr)
		return nil, uaiperr.New(uaiperr.Disabled, "principal is disabled")
	}

	perms, err := g.resolvePermissions(ctx, principal)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	g.audit(ctx, principal.Ref(), "token", "authenticate", true, "", "", sourceAddr)
	return &AuthContext{Principal: *principal, Permission: perms}, nil
}

// isExpiry is a best-effort classifier: go-jose's jwt.Validate returns its
// own sentinel errors for expiry, which trace.Wrap does not preserve a
// type for, so the substring is matched defensively instead of asserting
// a concrete error type that may change across go-jose versions.
func isExpiry(err error) bool {
	return err != nil && strings.Contains(traceUnwrap(err), "token is expired")
}

func traceUnwrap(err error) string {
	return trace.Unwrap(err).Error()
}

// AuthenticateClientCredentials validates a client-id/client-secret pair
// and issues a token pair on success (spec §4.2 inputs b).
func (g *Gate) AuthenticateClientCredentials(ctx context.Context, clientID, clientSecret, sourceAddr string) (*TokenPair, error) {
	if !g.cfg.RateLimit.Allow("client:"+clientID) || !g.cfg.RateLimit.Allow("addr:"+sourceAddr) {
		g.audit(ctx, model.PrincipalRef{ID: clientID}, "credentials", "authenticate", false, "rate limited", uaiperr.TooManyRequests, sourceAddr)
		return nil, uaiperr.New(uaiperr.TooManyRequests, "too many login attempts")
	}

	principalID, hash, disabled, err := g.cfg.Store.GetAgentSecretHash(ctx, clientID)
	if err != nil {
		g.audit(ctx, model.PrincipalRef{ID: clientID}, "credentials", "authenticate", false, "unknown client id", uaiperr.AuthenticationFailed, sourceAddr)
		return nil, uaiperr.New(uaiperr.AuthenticationFailed, "invalid client credentials")
	}
	if disabled {
		g.audit(ctx, model.PrincipalRef{ID: principalID, Kind: model.PrincipalAgent}, "credentials", "authenticate", false, "agent disabled", uaiperr.Disabled, sourceAddr)
		return nil, uaiperr.New(uaiperr.Disabled, "agent is disabled")
	}

	// Constant-time comparison is enforced by bcrypt itself.
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)); err != nil {
		g.audit(ctx, model.PrincipalRef{ID: principalID, Kind: model.PrincipalAgent}, "credentials", "authenticate", false, "secret mismatch", uaiperr.AuthenticationFailed, sourceAddr)
		return nil, uaiperr.New(uaiperr.AuthenticationFailed, "invalid client credentials")
	}

	if err := g.cfg.Store.TouchLastAuthenticated(ctx, principalID, g.cfg.Clock.Now()); err != nil {
		log.WithError(err).Warn("failed to update last authenticated timestamp")
	}
	g.audit(ctx, model.PrincipalRef{ID: principalID, Kind: model.PrincipalAgent}, "credentials", "authenticate", true, "", "", sourceAddr)

	return g.issueTokenPair(principalID, model.PrincipalAgent)
}

// Refresh exchanges an unexpired refresh token for a new token pair,
// rotating it: the presented refresh token is marked consumed and a
// second presentation fails with TokenConsumed (spec §4.2, §9).
func (g *Gate) Refresh(ctx context.Context, rawRefreshToken string) (*TokenPair, error) {
	claims, err := g.cfg.Tokens.Verify(jwt.VerifyParams{RawToken: rawRefreshToken, ExpectTokenKind: jwt.TokenRefresh})
	if err != nil {
		kind := uaiperr.InvalidToken
		if isExpiry(err) {
			kind = uaiperr.ExpiredToken
		}
		return nil, uaiperr.New(kind, "%v", err)
	}

	consumedKey := "refresh:consumed:" + claims.ID
	if _, ok, err := g.cfg.ConsumedRefresh.Get(ctx, consumedKey); err == nil && ok {
		return nil, uaiperr.New(uaiperr.TokenConsumed, "refresh token already used")
	}
	if err := g.cfg.ConsumedRefresh.Put(ctx, consumedKey, []byte{1}, g.cfg.RefreshTokenTTL); err != nil {
		return nil, uaiperr.New(uaiperr.Transient, "mark refresh token consumed: %v", err)
	}

	principal, err := g.cfg.Store.GetPrincipal(ctx, claims.Subject)
	if err != nil {
		return nil, uaiperr.New(uaiperr.AuthenticationFailed, "unknown subject")
	}
	if principal.Disabled {
		return nil, uaiperr.New(uaiperr.Disabled, "principal is disabled")
	}

	return g.issueTokenPair(principal.ID, principal.Kind)
}

func (g *Gate) issueTokenPair(principalID string, kind model.PrincipalKind) (*TokenPair, error) {
	now := g.cfg.Clock.Now()

	access, err := g.cfg.Tokens.Sign(jwt.SignParams{
		PrincipalID:   principalID,
		PrincipalKind: kind,
		TokenKind:     jwt.TokenAccess,
		TokenID:       uuid.NewString(),
		Expires:       now.Add(g.cfg.AccessTokenTTL),
	})
	if err != nil {
		return nil, uaiperr.New(uaiperr.Internal, "sign access token: %v", err)
	}

	refresh, err := g.cfg.Tokens.Sign(jwt.SignParams{
		PrincipalID:   principalID,
		PrincipalKind: kind,
		TokenKind:     jwt.TokenRefresh,
		TokenID:       uuid.NewString(),
		Expires:       now.Add(g.cfg.RefreshTokenTTL),
	})
	if err != nil {
		return nil, uaiperr.New(uaiperr.Internal, "sign refresh token: %v", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: g.cfg.AccessTokenTTL}, nil
}

// CertificateChain is a presented certificate chain (spec §4.2 inputs c):
// leaf first, then any intermediates.
type CertificateChain struct {
	Leaf          *x509.Certificate
	Intermediates *x509.CertPool
	Fingerprint   string
}

// AuthenticateCertificate validates a presented certificate chain at
// session handshake and binds it to a device by fingerprint.
func (g *Gate) AuthenticateCertificate(ctx context.Context, chain CertificateChain, sourceAddr string) (*AuthContext, error) {
	now := g.cfg.Clock.Now()

	record, err := g.cfg.Store.GetCertificateByFingerprint(ctx, chain.Fingerprint)
	if err != nil {
		g.audit(ctx, model.PrincipalRef{}, "certificate", "authenticate", false, "unknown fingerprint", uaiperr.UnknownDevice, sourceAddr)
		return nil, uaiperr.New(uaiperr.UnknownDevice, "no device bound to this certificate")
	}

	if record.Revoked() {
		g.audit(ctx, model.PrincipalRef{ID: record.DeviceID, Kind: model.PrincipalDevice}, "certificate", "authenticate", false, "revoked", uaiperr.CertificateRevoked, sourceAddr)
		return nil, uaiperr.New(uaiperr.CertificateRevoked, "certificate has been revoked")
	}
	if !record.ValidAt(now) {
		kind := uaiperr.CertificateExpired
		g.audit(ctx, model.PrincipalRef{ID: record.DeviceID, Kind: model.PrincipalDevice}, "certificate", "authenticate", false, "outside validity window", kind, sourceAddr)
		return nil, uaiperr.New(kind, "certificate is outside its validity window")
	}

	if g.cfg.TrustBundle != nil {
		if _, err := g.cfg.TrustBundle.Verify(chain.Leaf, chain.Intermediates); err != nil {
			g.audit(ctx, model.PrincipalRef{ID: record.DeviceID, Kind: model.PrincipalDevice}, "certificate", "authenticate", false, "chain verification failed", uaiperr.CertificateInvalid, sourceAddr)
			return nil, uaiperr.New(uaiperr.CertificateInvalid, "certificate chain does not verify against any trusted issuer: %v", err)
		}
	}

	device, err := g.cfg.Store.GetDevice(ctx, record.DeviceID)
	if err != nil {
		return nil, uaiperr.New(uaiperr.UnknownDevice, "device not found for certificate")
	}

	principal := model.Principal{ID: device.ID, Kind: model.PrincipalDevice, ExternalID: device.MAC}
	perms, err := g.resolvePermissions(ctx, &principal)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	g.audit(ctx, principal.Ref(), "certificate", "authenticate", true, "", "", sourceAddr)
	return &AuthContext{Principal: principal, Permission: perms}, nil
}

// HashClientSecret hashes a plaintext client secret for storage (used by
// the registration/provisioning path, never by Authenticate).
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(hash), nil
}

// ConstantTimeEqual is used where a comparison doesn't go through bcrypt,
// e.g. comparing precomputed HMAC digests in the registration
// challenge-response flow (spec §4.3).
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

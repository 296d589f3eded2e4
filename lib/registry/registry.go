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

// Package registry implements the Device Registry: a write-through,
// read-through cached view over devices and their capabilities, plus
// the three-step challenge-response device registration flow
// (spec §4.3).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/openuaip/hub/lib/auth"
	"github.com/openuaip/hub/lib/cache"
	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/store"
	"github.com/openuaip/hub/lib/uaiperr"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "registry"})

// Config configures a Registry.
type Config struct {
	Store  store.Store
	Cache  cache.Cache
	Issuer *Issuer

	Clock clockwork.Clock

	// CacheTTL is the read-through cache entry lifetime (spec §4.3:
	// "seconds-range").
	CacheTTL time.Duration

	// ChallengeTTL bounds how long an Announce challenge remains solvable
	// (spec §4.3 step 1, default 5 min).
	ChallengeTTL time.Duration

	// CertificateValidity is how long an issued device certificate is
	// valid for (spec §4.3 step 3).
	CertificateValidity time.Duration

	// HeartbeatInterval and OfflineThreshold drive the online/offline
	// transition (spec §4.3 heartbeat, default offline = 2x interval).
	HeartbeatInterval time.Duration
	OfflineThreshold  time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("store is required")
	}
	if c.Cache == nil {
		return trace.BadParameter("cache is required")
	}
	if c.Issuer == nil {
		return trace.BadParameter("issuer is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.ChallengeTTL == 0 {
		c.ChallengeTTL = 5 * time.Minute
	}
	if c.CertificateValidity == 0 {
		c.CertificateValidity = 365 * 24 * time.Hour
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.OfflineThreshold == 0 {
		c.OfflineThreshold = 2 * c.HeartbeatInterval
	}
	return nil
}

// Registry is the Device Registry component.
type Registry struct {
	cfg Config
}

// New constructs a Registry from cfg.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{cfg: cfg}, nil
}

func deviceCacheKey(id string) string { return "device:" + id }

// GetDevice is the hot-path read: cache first, store on miss, populate
// cache on the way out (spec §4.3 read-through; "reads never fail on
// cache misses").
func (r *Registry) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	if raw, ok, err := r.cfg.Cache.Get(ctx, deviceCacheKey(id)); err != nil {
		log.WithError(err).Warn("cache read failed, falling through to store")
	} else if ok {
		var d model.Device
		if err := json.Unmarshal(raw, &d); err == nil {
			return &d, nil
		}
	}

	device, err := r.cfg.Store.GetDevice(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.populateCache(ctx, device)
	return device, nil
}

func (r *Registry) populateCache(ctx context.Context, device *model.Device) {
	raw, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := r.cfg.Cache.Put(ctx, deviceCacheKey(device.ID), raw, r.cfg.CacheTTL); err != nil {
		log.WithError(err).Warn("cache populate failed")
	}
}

// invalidate drops the cache entry for id. Always called before the
// corresponding store write completes (spec §5, §9: "always invalidate
// before writing the store; readers that race see a cache miss").
func (r *Registry) invalidate(ctx context.Context, id string) {
	if err := r.cfg.Cache.Delete(ctx, deviceCacheKey(id)); err != nil {
		log.WithError(err).Warn("cache invalidate failed")
	}
}

// UpdateDevice applies device's new fields, invalidating the cache
// before the store write commits.
func (r *Registry) UpdateDevice(ctx context.Context, device *model.Device) error {
	r.invalidate(ctx, device.ID)
	if err := r.cfg.Store.UpdateDevice(ctx, device); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// DeactivateDevice deactivates device and cascades certificate
// revocation (spec §4.1 edge policy, delegated to the store).
func (r *Registry) DeactivateDevice(ctx context.Context, deviceID string) error {
	r.invalidate(ctx, deviceID)
	if err := r.cfg.Store.DeactivateDevice(ctx, deviceID); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// ListDevices delegates straight to the store; listings are not cached
// since they are not the hot single-device path (spec §4.3).
func (r *Registry) ListDevices(ctx context.Context, filter store.DeviceFilter) ([]model.Device, error) {
	devices, err := r.cfg.Store.ListDevices(ctx, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return devices, nil
}

// FindDevicesWith implements the capability query (spec §4.3).
func (r *Registry) FindDevicesWith(ctx context.Context, capabilityID, action string) ([]model.Device, error) {
	devices, err := r.cfg.Store.FindDevicesWithCapability(ctx, capabilityID, action)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return devices, nil
}

// Heartbeat folds a session heartbeat into the device's last-seen and
// online status (spec §4.3, §4.4 "a device's last-seen is the maximum
// of its session heartbeats").
func (r *Registry) Heartbeat(ctx context.Context, deviceID string, at time.Time) error {
	device, err := r.cfg.Store.GetDevice(ctx, deviceID)
	if err != nil {
		return trace.Wrap(err)
	}
	device.ObserveHeartbeat(at)

	r.invalidate(ctx, deviceID)
	if err := r.cfg.Store.UpdateDevice(ctx, device); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// SweepOffline transitions devices whose last heartbeat predates the
// offline threshold to status offline (spec §4.3). cmd/uaip-hubd runs
// it on the same ticker as the session expiry sweep.
func (r *Registry) SweepOffline(ctx context.Context, now time.Time) (int, error) {
	devices, err := r.cfg.Store.ListDevices(ctx, store.DeviceFilter{Status: model.DeviceOnline, Limit: 10000})
	if err != nil {
		return 0, trace.Wrap(err)
	}

	transitioned := 0
	for _, d := range devices {
		if !d.IsOffline(now, r.cfg.OfflineThreshold) {
			continue
		}
		d.Status = model.DeviceOffline
		r.invalidate(ctx, d.ID)
		if err := r.cfg.Store.UpdateDevice(ctx, &d); err != nil {
			log.WithError(err).WithField("device", d.ID).Warn("failed to mark device offline")
			continue
		}
		transitioned++
	}
	return transitioned, nil
}

// --- Three-step challenge-response registration (spec §4.3) ---

// AnnounceRequest is the identification tuple a device submits to begin
// registration.
type AnnounceRequest struct {
	MAC             string
	Model           string
	FirmwareVersion string
	Nonce           string
}

// AnnounceResponse carries the one-time temporary token and challenge
// value the device must solve.
type AnnounceResponse struct {
	TemporaryToken string
	Challenge      string
	ExpiresAt      time.Time
}

type announceRecord struct {
	MAC             string    `json:"mac"`
	Model           string    `json:"model"`
	FirmwareVersion string    `json:"firmware_version"`
	Challenge       string    `json:"challenge"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func announceCacheKey(token string) string { return "registration:announce:" + token }

// Announce is step 1: issue a temporary token and challenge.
func (r *Registry) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	if req.MAC == "" {
		return nil, uaiperr.New(uaiperr.InvalidArgument, "MAC is required")
	}

	token := uuid.NewString()
	challenge := uuid.NewString()
	expiresAt := r.cfg.Clock.Now().Add(r.cfg.ChallengeTTL)

	rec := announceRecord{
		MAC: req.MAC, Model: req.Model, FirmwareVersion: req.FirmwareVersion,
		Challenge: challenge, ExpiresAt: expiresAt,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.cfg.Cache.Put(ctx, announceCacheKey(token), raw, r.cfg.ChallengeTTL); err != nil {
		return nil, uaiperr.New(uaiperr.Transient, "store challenge: %v", err)
	}

	return &AnnounceResponse{TemporaryToken: token, Challenge: challenge, ExpiresAt: expiresAt}, nil
}

// SolveRequest is step 2: the device proves possession of the challenge
// and presents its public key.
type SolveRequest struct {
	TemporaryToken     string
	ChallengeSolution  string
	DevicePublicKeyDER []byte
}

type solvedRecord struct {
	announceRecord
	DevicePublicKeyDER []byte `json:"device_public_key_der"`
	Solved             bool   `json:"solved"`
}

func solvedCacheKey(token string) string { return "registration:solved:" + token }

// Solve is step 2: verify the solution and mark the token solved,
// awaiting Issue. The temporary token itself (from Announce) is
// consumed here; a fresh, equally short-lived "solved" record replaces
// it so Issue can still be rejected if it never arrives.
func (r *Registry) Solve(ctx context.Context, req SolveRequest) error {
	raw, ok, err := r.cfg.Cache.TakeOnce(ctx, announceCacheKey(req.TemporaryToken))
	if err != nil {
		return uaiperr.New(uaiperr.Transient, "read challenge: %v", err)
	}
	if !ok {
		return uaiperr.New(uaiperr.TokenConsumed, "temporary token is unknown, expired, or already consumed")
	}

	var rec announceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return trace.Wrap(err)
	}
	if r.cfg.Clock.Now().After(rec.ExpiresAt) {
		return uaiperr.New(uaiperr.TtlExpired, "challenge has expired")
	}

	// The expected solution is the challenge itself, bound to the
	// device's claimed MAC, hashed; comparison is constant-time.
	expected := solutionFor(rec.Challenge, rec.MAC)
	if !auth.ConstantTimeEqual([]byte(expected), []byte(req.ChallengeSolution)) {
		return uaiperr.New(uaiperr.AuthenticationFailed, "challenge solution is incorrect")
	}

	solved := solvedRecord{announceRecord: rec, DevicePublicKeyDER: req.DevicePublicKeyDER, Solved: true}
	sraw, err := json.Marshal(solved)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := r.cfg.Cache.Put(ctx, solvedCacheKey(req.TemporaryToken), sraw, r.cfg.ChallengeTTL); err != nil {
		return uaiperr.New(uaiperr.Transient, "store solved token: %v", err)
	}
	return nil
}

// solutionFor derives the expected challenge-response solution. Real
// devices compute the same function over their own provisioned secret;
// here it is a placeholder binding function since provisioning secrets
// are out of scope for the message plane this registry serves.
func solutionFor(challenge, mac string) string {
	return fmt.Sprintf("%s:%s", challenge, mac)
}

// IssueResponse carries the minted device certificate and the device-id.
type IssueResponse struct {
	DeviceID    string
	Certificate model.Certificate
	CertDER     []byte
}

// Issue is step 3: mint the device certificate and persist the device
// record. A second Issue call for the same token fails with
// TokenConsumed because Solve's token was already taken and this one
// is consumed here too.
func (r *Registry) Issue(ctx context.Context, temporaryToken string) (*IssueResponse, error) {
	raw, ok, err := r.cfg.Cache.TakeOnce(ctx, solvedCacheKey(temporaryToken))
	if err != nil {
		return nil, uaiperr.New(uaiperr.Transient, "read solved token: %v", err)
	}
	if !ok {
		return nil, uaiperr.New(uaiperr.TokenConsumed, "token is unknown, expired, or already issued")
	}

	var solved solvedRecord
	if err := json.Unmarshal(raw, &solved); err != nil {
		return nil, trace.Wrap(err)
	}
	if r.cfg.Clock.Now().After(solved.ExpiresAt) {
		return nil, uaiperr.New(uaiperr.TtlExpired, "registration challenge has expired")
	}

	pub, err := parsePublicKey(solved.DevicePublicKeyDER)
	if err != nil {
		return nil, uaiperr.New(uaiperr.InvalidArgument, "invalid device public key: %v", err)
	}

	device := &model.Device{
		MAC:             solved.MAC,
		Model:           solved.Model,
		FirmwareVersion: solved.FirmwareVersion,
		Status:          model.DeviceOffline,
	}
	if err := r.cfg.Store.CreateDevice(ctx, device); err != nil {
		return nil, trace.Wrap(err)
	}

	cert, der, err := r.cfg.Issuer.IssueDeviceCertificate(device.ID, pub, r.cfg.CertificateValidity)
	if err != nil {
		return nil, uaiperr.New(uaiperr.Internal, "issue device certificate: %v", err)
	}

	fingerprint := fingerprintOf(der)
	modelCert := &model.Certificate{
		SerialNumber: cert.SerialNumber.String(),
		DeviceID:     device.ID,
		SubjectCN:    cert.Subject.CommonName,
		IssuerCN:     cert.Issuer.CommonName,
		PublicKey:    der,
		Fingerprint:  fingerprint,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		IssuedAt:     r.cfg.Clock.Now(),
	}
	if err := r.cfg.Store.AttachCertificate(ctx, modelCert); err != nil {
		return nil, trace.Wrap(err)
	}

	device.CertificateUntil = cert.NotAfter
	if err := r.cfg.Store.UpdateDevice(ctx, device); err != nil {
		return nil, trace.Wrap(err)
	}

	return &IssueResponse{DeviceID: device.ID, Certificate: *modelCert, CertDER: der}, nil
}

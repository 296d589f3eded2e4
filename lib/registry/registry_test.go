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
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openuaip/hub/lib/cache"
	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/store"
	"github.com/openuaip/hub/lib/uaiperr"
)

func mustSignerIdentity(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-hub-issuer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func newTestRegistry(t *testing.T, clock clockwork.Clock) (*Registry, store.Store) {
	t.Helper()
	signerKey, signerCert := mustSignerIdentity(t)
	issuer := NewIssuer(signerKey, signerCert, clock)
	st := store.NewMemoryStore()
	c := cache.NewMemoryCache(clock)

	reg, err := New(Config{
		Store:  st,
		Cache:  c,
		Issuer: issuer,
		Clock:  clock,
	})
	require.NoError(t, err)
	return reg, st
}

func mustDevicePublicKeyDER(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return der
}

func TestAnnounceSolveIssueHappyPath(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, st := newTestRegistry(t, clock)
	ctx := context.Background()

	announce, err := reg.Announce(ctx, AnnounceRequest{MAC: "aa:bb:cc:dd:ee:ff", Model: "sensor-x1"})
	require.NoError(t, err)
	require.NotEmpty(t, announce.TemporaryToken)
	require.NotEmpty(t, announce.Challenge)

	solution := solutionFor(announce.Challenge, "aa:bb:cc:dd:ee:ff")
	pubDER := mustDevicePublicKeyDER(t)

	err = reg.Solve(ctx, SolveRequest{
		TemporaryToken:     announce.TemporaryToken,
		ChallengeSolution:  solution,
		DevicePublicKeyDER: pubDER,
	})
	require.NoError(t, err)

	issued, err := reg.Issue(ctx, announce.TemporaryToken)
	require.NoError(t, err)
	require.NotEmpty(t, issued.DeviceID)
	require.Equal(t, issued.DeviceID, issued.Certificate.DeviceID)

	device, err := st.GetDevice(ctx, issued.DeviceID)
	require.NoError(t, err)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", device.MAC)
}

func TestSolveRejectsWrongSolution(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, _ := newTestRegistry(t, clock)
	ctx := context.Background()

	announce, err := reg.Announce(ctx, AnnounceRequest{MAC: "11:22:33:44:55:66"})
	require.NoError(t, err)

	err = reg.Solve(ctx, SolveRequest{
		TemporaryToken:     announce.TemporaryToken,
		ChallengeSolution:  "wrong",
		DevicePublicKeyDER: mustDevicePublicKeyDER(t),
	})
	require.Error(t, err)
	require.Equal(t, uaiperr.AuthenticationFailed, uaiperr.KindOf(err))
}

func TestSolveTokenIsSingleUse(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, _ := newTestRegistry(t, clock)
	ctx := context.Background()

	announce, err := reg.Announce(ctx, AnnounceRequest{MAC: "aa:aa:aa:aa:aa:aa"})
	require.NoError(t, err)

	solution := solutionFor(announce.Challenge, "aa:aa:aa:aa:aa:aa")
	req := SolveRequest{TemporaryToken: announce.TemporaryToken, ChallengeSolution: solution, DevicePublicKeyDER: mustDevicePublicKeyDER(t)}

	require.NoError(t, reg.Solve(ctx, req))

	err = reg.Solve(ctx, req)
	require.Error(t, err)
	require.Equal(t, uaiperr.TokenConsumed, uaiperr.KindOf(err))
}

func TestIssueTokenIsSingleUse(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, _ := newTestRegistry(t, clock)
	ctx := context.Background()

	announce, err := reg.Announce(ctx, AnnounceRequest{MAC: "bb:bb:bb:bb:bb:bb"})
	require.NoError(t, err)

	solution := solutionFor(announce.Challenge, "bb:bb:bb:bb:bb:bb")
	require.NoError(t, reg.Solve(ctx, SolveRequest{
		TemporaryToken:     announce.TemporaryToken,
		ChallengeSolution:  solution,
		DevicePublicKeyDER: mustDevicePublicKeyDER(t),
	}))

	_, err = reg.Issue(ctx, announce.TemporaryToken)
	require.NoError(t, err)

	_, err = reg.Issue(ctx, announce.TemporaryToken)
	require.Error(t, err)
	require.Equal(t, uaiperr.TokenConsumed, uaiperr.KindOf(err))
}

func TestChallengeExpires(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, _ := newTestRegistry(t, clock)
	reg.cfg.ChallengeTTL = time.Minute
	ctx := context.Background()

	announce, err := reg.Announce(ctx, AnnounceRequest{MAC: "cc:cc:cc:cc:cc:cc"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	err = reg.Solve(ctx, SolveRequest{
		TemporaryToken:     announce.TemporaryToken,
		ChallengeSolution:  solutionFor(announce.Challenge, "cc:cc:cc:cc:cc:cc"),
		DevicePublicKeyDER: mustDevicePublicKeyDER(t),
	})
	require.Error(t, err)
	require.Equal(t, uaiperr.TokenConsumed, uaiperr.KindOf(err))
}

func TestHeartbeatMarksDeviceOnline(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, st := newTestRegistry(t, clock)
	ctx := context.Background()

	device := &model.Device{MAC: "dd:dd:dd:dd:dd:dd"}
	require.NoError(t, st.CreateDevice(ctx, device))

	clock.Advance(time.Minute)
	require.NoError(t, reg.Heartbeat(ctx, device.ID, clock.Now()))

	got, err := reg.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, model.DeviceOnline, got.Status)
}

func TestSweepOfflineTransitionsStaleDevices(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, st := newTestRegistry(t, clock)
	reg.cfg.OfflineThreshold = time.Minute
	ctx := context.Background()

	device := &model.Device{MAC: "ee:ee:ee:ee:ee:ee"}
	require.NoError(t, st.CreateDevice(ctx, device))
	require.NoError(t, reg.Heartbeat(ctx, device.ID, clock.Now()))

	clock.Advance(5 * time.Minute)

	n, err := reg.SweepOffline(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := reg.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, model.DeviceOffline, got.Status)
}

func TestGetDevicePopulatesCache(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, st := newTestRegistry(t, clock)
	ctx := context.Background()

	device := &model.Device{MAC: "ff:ff:ff:ff:ff:ff"}
	require.NoError(t, st.CreateDevice(ctx, device))

	first, err := reg.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, device.ID, first.ID)

	raw, ok, err := reg.cfg.Cache.Get(ctx, deviceCacheKey(device.ID))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, raw)
}

func TestFindDevicesWith(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, st := newTestRegistry(t, clock)
	ctx := context.Background()

	device := &model.Device{MAC: "01:01:01:01:01:01"}
	require.NoError(t, st.CreateDevice(ctx, device))
	require.NoError(t, reg.Heartbeat(ctx, device.ID, clock.Now()))
	require.NoError(t, st.PutCapabilities(ctx, device.ID, []model.Capability{
		{DeviceID: device.ID, Kind: model.CapabilitySensor, Actions: []string{"read"}},
	}))

	found, err := reg.FindDevicesWith(ctx, "", "read")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, device.ID, found[0].ID)
}

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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/uaiperr"
)

func newTestManager(t *testing.T, clock clockwork.Clock) *Manager {
	t.Helper()
	m, err := New(Config{Clock: clock, SessionTTL: time.Minute, OutboxSize: 2})
	require.NoError(t, err)
	return m
}

func TestOpenAndDeliver(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	principal := model.PrincipalRef{ID: "p1", Kind: model.PrincipalAgent}
	sess, err := m.Open(ctx, principal)
	require.NoError(t, err)
	require.Equal(t, model.SessionActive, sess.State)

	env := &model.Envelope{}
	require.NoError(t, m.Deliver(ctx, sess.ID, env))

	outbox, ok := m.Outbox(sess.ID)
	require.True(t, ok)
	select {
	case got := <-outbox:
		require.Same(t, env, got)
	default:
		t.Fatal("expected envelope in outbox")
	}
}

func TestDeliverBackpressureWhenOutboxFull(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	sess, err := m.Open(ctx, model.PrincipalRef{ID: "p1", Kind: model.PrincipalAgent})
	require.NoError(t, err)

	require.NoError(t, m.Deliver(ctx, sess.ID, &model.Envelope{}))
	require.NoError(t, m.Deliver(ctx, sess.ID, &model.Envelope{}))

	err = m.Deliver(ctx, sess.ID, &model.Envelope{})
	require.Error(t, err)
	require.Equal(t, uaiperr.Backpressure, uaiperr.KindOf(err))
}

func TestDeliverUnknownSessionIsNoRoute(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	err := m.Deliver(context.Background(), "nope", &model.Envelope{})
	require.Error(t, err)
	require.Equal(t, uaiperr.NoRoute, uaiperr.KindOf(err))
}

func TestBroadcastFansOutToSubscribers(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	s1, err := m.Open(ctx, model.PrincipalRef{ID: "p1", Kind: model.PrincipalAgent})
	require.NoError(t, err)
	s2, err := m.Open(ctx, model.PrincipalRef{ID: "p2", Kind: model.PrincipalAgent})
	require.NoError(t, err)

	require.NoError(t, m.Subscribe(s1.ID, "uaip.evt.topic1"))
	require.NoError(t, m.Subscribe(s2.ID, "uaip.evt.topic1"))

	delivered, err := m.Broadcast(ctx, "uaip.evt.topic1", &model.Envelope{})
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	require.NoError(t, m.Unsubscribe(s1.ID, "uaip.evt.topic1"))
	delivered, err = m.Broadcast(ctx, "uaip.evt.topic1", &model.Envelope{})
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
}

func TestHeartbeatExtendsExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	sess, err := m.Open(ctx, model.PrincipalRef{ID: "p1", Kind: model.PrincipalAgent})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, m.Heartbeat(ctx, sess.ID))

	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	require.Equal(t, clock.Now(), got.LastHeartbeat)
	require.Equal(t, clock.Now().Add(time.Minute), got.ExpiresAt)
}

type fakeHeartbeatFolder struct {
	calls []string
}

func (f *fakeHeartbeatFolder) Heartbeat(ctx context.Context, deviceID string, at time.Time) error {
	f.calls = append(f.calls, deviceID)
	return nil
}

func TestHeartbeatFoldsIntoDeviceRegistry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	folder := &fakeHeartbeatFolder{}
	m, err := New(Config{Clock: clock, Devices: folder})
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := m.Open(ctx, model.PrincipalRef{ID: "device-1", Kind: model.PrincipalDevice})
	require.NoError(t, err)

	require.NoError(t, m.Heartbeat(ctx, sess.ID))
	require.Equal(t, []string{"device-1"}, folder.calls)
}

func TestCloseDrainsBeforeFreeingSession(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	sess, err := m.Open(ctx, model.PrincipalRef{ID: "p1", Kind: model.PrincipalAgent})
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, sess.ID))

	// Draining: no longer a live route for new sends, but an in-flight
	// QoS retry can still redeliver to it directly by session-id.
	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	require.Equal(t, model.SessionDraining, got.State)
	require.Empty(t, m.SessionsFor("p1"))
	require.NoError(t, m.Deliver(ctx, sess.ID, &model.Envelope{}))

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		_, ok := m.Get(sess.ID)
		return !ok
	}, time.Second, time.Millisecond)

	err = m.Deliver(ctx, sess.ID, &model.Envelope{})
	require.Error(t, err)
	require.Equal(t, uaiperr.NoRoute, uaiperr.KindOf(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	sess, err := m.Open(ctx, model.PrincipalRef{ID: "p1", Kind: model.PrincipalAgent})
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, sess.ID))
	require.NoError(t, m.Close(ctx, sess.ID))

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		_, ok := m.Get(sess.ID)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestSweepExpiredClosesStaleSessions(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	sess, err := m.Open(ctx, model.PrincipalRef{ID: "p1", Kind: model.PrincipalAgent})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	n := m.SweepExpired(ctx, clock.Now())
	require.Equal(t, 1, n)

	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	require.Equal(t, model.SessionDraining, got.State)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		_, ok := m.Get(sess.ID)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestSessionsForReturnsLiveSessions(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	sess, err := m.Open(ctx, model.PrincipalRef{ID: "p1", Kind: model.PrincipalAgent})
	require.NoError(t, err)

	ids := m.SessionsFor("p1")
	require.Equal(t, []string{sess.ID}, ids)

	require.NoError(t, m.Close(ctx, sess.ID))
	require.Empty(t, m.SessionsFor("p1"))
}

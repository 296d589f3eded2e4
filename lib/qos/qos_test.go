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

package qos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/uaiperr"
)

func newTestEnvelope(qos model.QoS) *model.Envelope {
	return &model.Envelope{
		Header: model.Header{
			EnvelopeID: uuid.NewString(),
			CreatedAt:  time.Now(),
			TTL:        time.Hour,
			Priority:   model.PriorityNormal,
			Sender:     model.PrincipalRef{ID: "sender", Kind: model.PrincipalAgent},
			Recipient:  model.PrincipalRef{ID: "recipient", Kind: model.PrincipalDevice},
		},
		Action: model.ActionNotify,
		QoS:    qos,
	}
}

// fakeDeliverer lets tests script per-call outcomes for Deliver.
type fakeDeliverer struct {
	mu    sync.Mutex
	calls int
	errs  []error // errs[i] is returned on the i-th call; last entry repeats
}

func (f *fakeDeliverer) Deliver(ctx context.Context, sessionID string, envelope *model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.errs) {
		idx = len(f.errs) - 1
	}
	f.calls++
	if idx < 0 {
		return nil
	}
	return f.errs[idx]
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type terminalRecorder struct {
	mu    sync.Mutex
	kinds []uaiperr.Kind
}

func (r *terminalRecorder) record(envelope *model.Envelope, kind uaiperr.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *terminalRecorder) last() uaiperr.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.kinds) == 0 {
		return ""
	}
	return r.kinds[len(r.kinds)-1]
}

func (r *terminalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func TestBackoffIsBoundedAndJittered(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	cap := 2 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(base, cap, attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Duration(float64(cap)*1.2))
	}
}

func TestQoS0DeliversOnceAndDropsOnFailure(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	deliverer := &fakeDeliverer{errs: []error{uaiperr.New(uaiperr.NoRoute, "no route")}}
	recorder := &terminalRecorder{}

	e, err := New(Config{Sessions: deliverer, Clock: clock, OnTerminal: recorder.record})
	require.NoError(t, err)

	e.Handle(context.Background(), "sess-1", newTestEnvelope(model.QoSAtMostOnce))

	require.Equal(t, 1, deliverer.callCount())
	require.Equal(t, uaiperr.NoRoute, recorder.last())
}

func TestQoS1RetriesUntilAcked(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	deliverer := &fakeDeliverer{errs: []error{nil}}
	recorder := &terminalRecorder{}

	e, err := New(Config{
		Sessions:    deliverer,
		Clock:       clock,
		BaseBackoff: time.Millisecond,
		CapBackoff:  10 * time.Millisecond,
		OnTerminal:  recorder.record,
	})
	require.NoError(t, err)

	envelope := newTestEnvelope(model.QoSAtLeastOnce)
	e.Handle(context.Background(), "sess-1", envelope)

	waitFor(t, func() bool { return deliverer.callCount() >= 1 })
	require.True(t, e.Ack(envelope.Header.EnvelopeID))
	waitFor(t, func() bool { return recorder.count() == 1 })
	require.Equal(t, uaiperr.Kind(""), recorder.last())
}

func TestQoS1ExhaustsRetriesAndReportsInternal(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewRealClock()
	deliverer := &fakeDeliverer{errs: []error{nil}} // delivered but never acked
	recorder := &terminalRecorder{}

	e, err := New(Config{
		Sessions:     deliverer,
		Clock:        clock,
		QoS1Attempts: 2,
		BaseBackoff:  time.Millisecond,
		CapBackoff:   2 * time.Millisecond,
		OnTerminal:   recorder.record,
	})
	require.NoError(t, err)

	envelope := newTestEnvelope(model.QoSAtLeastOnce)
	e.Handle(context.Background(), "sess-1", envelope)

	waitFor(t, func() bool { return recorder.count() == 1 })
	require.Equal(t, uaiperr.Internal, recorder.last())
	require.GreaterOrEqual(t, deliverer.callCount(), 2)
}

func TestQoS1DropsOnTTLExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	deliverer := &fakeDeliverer{errs: []error{nil}}
	recorder := &terminalRecorder{}

	e, err := New(Config{
		Sessions:    deliverer,
		Clock:       clock,
		BaseBackoff: time.Millisecond,
		CapBackoff:  time.Millisecond,
		OnTerminal:  recorder.record,
	})
	require.NoError(t, err)

	envelope := newTestEnvelope(model.QoSAtLeastOnce)
	envelope.Header.TTL = time.Second
	envelope.Header.CreatedAt = time.Now().Add(-time.Hour) // already dead
	e.Handle(context.Background(), "sess-1", envelope)

	waitFor(t, func() bool { return recorder.count() == 1 })
	require.Equal(t, uaiperr.TtlExpired, recorder.last())
}

func TestQoS2AdvancesThroughPhasesOnAck(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	deliverer := &fakeDeliverer{errs: []error{nil}}
	recorder := &terminalRecorder{}

	e, err := New(Config{
		Sessions:    deliverer,
		Clock:       clock,
		BaseBackoff: time.Millisecond,
		CapBackoff:  2 * time.Millisecond,
		OnTerminal:  recorder.record,
	})
	require.NoError(t, err)

	envelope := newTestEnvelope(model.QoSExactlyOnce)
	e.Handle(context.Background(), "sess-1", envelope)

	// Exactly two deliveries and two acks clear a QoS 2 envelope: the
	// first ack (pubrel) advances to the release phase and re-delivers
	// the complete frame; the second ack (pubcomp) clears it (spec §4.6
	// steps 1-3) - no third round-trip.
	for i := 0; i < 2; i++ {
		waitFor(t, func() bool { return deliverer.callCount() >= i+1 })
		require.True(t, e.Ack(envelope.Header.EnvelopeID))
	}

	waitFor(t, func() bool { return recorder.count() == 1 })
	require.Equal(t, uaiperr.Kind(""), recorder.last())
	require.Equal(t, 2, deliverer.callCount())
}

func TestQoS2DuplicateAckForSamePhaseIgnored(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	deliverer := &fakeDeliverer{errs: []error{nil}}
	recorder := &terminalRecorder{}

	e, err := New(Config{
		Sessions:    deliverer,
		Clock:       clock,
		BaseBackoff: time.Millisecond,
		CapBackoff:  2 * time.Millisecond,
		OnTerminal:  recorder.record,
	})
	require.NoError(t, err)

	envelope := newTestEnvelope(model.QoSExactlyOnce)
	e.Handle(context.Background(), "sess-1", envelope)

	waitFor(t, func() bool { return deliverer.callCount() >= 1 })
	require.True(t, e.Ack(envelope.Header.EnvelopeID))
	// A second ack for the same (now-past) phase before the next
	// delivery races in is simply a no-op - it can't double the effect.
	e.Ack(envelope.Header.EnvelopeID)

	waitFor(t, func() bool { return deliverer.callCount() >= 2 })
	require.True(t, e.Ack(envelope.Header.EnvelopeID))

	waitFor(t, func() bool { return recorder.count() == 1 })
	require.Equal(t, 2, deliverer.callCount())
}

func TestBackpressureEscalatesToRecipientUnavailable(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewRealClock()
	deliverer := &fakeDeliverer{errs: []error{uaiperr.New(uaiperr.Backpressure, "full")}}
	recorder := &terminalRecorder{}

	e, err := New(Config{
		Sessions:              deliverer,
		Clock:                 clock,
		BackpressureDelay:     time.Millisecond,
		BackpressureThreshold: 5 * time.Millisecond,
		BaseBackoff:           time.Millisecond,
		CapBackoff:            time.Millisecond,
		OnTerminal:            recorder.record,
	})
	require.NoError(t, err)

	envelope := newTestEnvelope(model.QoSAtLeastOnce)
	e.Handle(context.Background(), "sess-1", envelope)

	waitFor(t, func() bool { return recorder.count() == 1 })
	require.Equal(t, uaiperr.RecipientUnavailable, recorder.last())
}

func TestCancelStopsRetryLoop(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	deliverer := &fakeDeliverer{errs: []error{nil}}
	recorder := &terminalRecorder{}

	e, err := New(Config{
		Sessions:    deliverer,
		Clock:       clock,
		BaseBackoff: time.Millisecond,
		CapBackoff:  2 * time.Millisecond,
		OnTerminal:  recorder.record,
	})
	require.NoError(t, err)

	envelope := newTestEnvelope(model.QoSAtLeastOnce)
	e.Handle(context.Background(), "sess-1", envelope)

	waitFor(t, func() bool { return deliverer.callCount() >= 1 })
	e.Cancel(envelope.Header.EnvelopeID)

	require.False(t, e.Ack(envelope.Header.EnvelopeID))
}

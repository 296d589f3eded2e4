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

// Package session implements the Session Manager: the mapping from
// principal-id to its live session-ids and outboxes, heartbeats, and
// topic fan-out (spec §4.4).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/uaiperr"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "session"})

// HeartbeatFolder folds a session heartbeat into device state. The Device
// Registry implements this; kept as a narrow interface here so the
// Session Manager doesn't import the registry package directly.
type HeartbeatFolder interface {
	Heartbeat(ctx context.Context, deviceID string, at time.Time) error
}

// Config configures a Manager.
type Config struct {
	Clock clockwork.Clock

	// SessionTTL is how long a session lives without a heartbeat.
	SessionTTL time.Duration

	// OutboxSize bounds each session's outbox channel (spec §5: "each
	// session owns its outbox channel").
	OutboxSize int

	// DrainWindow bounds graceful Shutdown (spec §5, default 30s).
	DrainWindow time.Duration

	// Devices folds heartbeats into device last-seen/status. Optional;
	// a nil value skips the fold (useful for agent/user-only deployments).
	Devices HeartbeatFolder
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 60 * time.Second
	}
	if c.OutboxSize == 0 {
		c.OutboxSize = 256
	}
	if c.DrainWindow == 0 {
		c.DrainWindow = 30 * time.Second
	}
	return nil
}

// handle is the Session Manager's private bookkeeping for one live
// session, wrapping the public model.Session record with its outbox and
// topic subscriptions.
type handle struct {
	mu     sync.Mutex
	record model.Session
	outbox chan *model.Envelope
	topics map[string]struct{}
}

// Manager is the Session Manager component.
type Manager struct {
	cfg Config

	// principals is keyed by principal-id; each value is guarded by its
	// own lock so concurrent opens/closes for different principals don't
	// contend (spec §5).
	mu         sync.RWMutex
	principals map[string]*principalSessions

	// sessions indexes handles by session-id for O(1) deliver/heartbeat/close.
	sessionsMu sync.RWMutex
	sessions   map[string]*handle

	// topics indexes session-ids subscribed to each topic.
	topicsMu sync.RWMutex
	topics   map[string]map[string]struct{}

	shutdown   chan struct{}
	shutdownMu sync.Mutex
	draining   bool
}

type principalSessions struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// New constructs a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:        cfg,
		principals: make(map[string]*principalSessions),
		sessions:   make(map[string]*handle),
		topics:     make(map[string]map[string]struct{}),
		shutdown:   make(chan struct{}),
	}, nil
}

func (m *Manager) principalLock(principalID string) *principalSessions {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.principals[principalID]
	if !ok {
		ps = &principalSessions{ids: make(map[string]struct{})}
		m.principals[principalID] = ps
	}
	return ps
}

// Open creates a new session for principal and subscribes it to inbox
// events (spec §4.4 "open").
func (m *Manager) Open(ctx context.Context, principal model.PrincipalRef) (*model.Session, error) {
	if m.isDraining() {
		return nil, uaiperr.New(uaiperr.Internal, "session manager is shutting down")
	}

	now := m.cfg.Clock.Now()
	record := model.Session{
		ID:            uuid.NewString(),
		Principal:     principal,
		State:         model.SessionActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.SessionTTL),
		LastHeartbeat: now,
	}
	if err := record.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	h := &handle{
		record: record,
		outbox: make(chan *model.Envelope, m.cfg.OutboxSize),
		topics: make(map[string]struct{}),
	}

	ps := m.principalLock(principal.ID)
	ps.mu.Lock()
	ps.ids[record.ID] = struct{}{}
	ps.mu.Unlock()

	m.sessionsMu.Lock()
	m.sessions[record.ID] = h
	m.sessionsMu.Unlock()

	out := record
	return &out, nil
}

// Outbox returns the send-only view of a session's outbox, for a
// transport adapter to drain. Returns ok=false if the session doesn't exist.
func (m *Manager) Outbox(sessionID string) (<-chan *model.Envelope, bool) {
	m.sessionsMu.RLock()
	h, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()
	if !ok {
		return nil, false
	}
	return h.outbox, true
}

// Deliver enqueues envelope into sessionID's outbox (spec §4.4 "deliver").
// A Draining session still accepts deliveries - it's no longer a live
// route for new sends (SessionsFor/Subscribers already exclude it) but
// the QoS Engine may still be redelivering an in-flight QoS 1/2 envelope
// to it directly by session-id until the drain grace elapses (spec §9
// "continue processing acks until grace elapses"). The state check and
// the send happen under the same lock as Close's finalization so a
// concurrent Close can never close the outbox out from under this send.
func (m *Manager) Deliver(ctx context.Context, sessionID string, envelope *model.Envelope) error {
	m.sessionsMu.RLock()
	h, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()
	if !ok {
		return uaiperr.New(uaiperr.NoRoute, "session %q has no route", sessionID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.record.State == model.SessionClosed {
		return uaiperr.New(uaiperr.NoRoute, "session %q is not active", sessionID)
	}

	select {
	case h.outbox <- envelope:
		return nil
	default:
		return uaiperr.New(uaiperr.Backpressure, "outbox for session %q is full", sessionID)
	}
}

// Broadcast fans envelope out to every session subscribed to topic (spec
// §4.4 "broadcast"). Returns the number of sessions it was handed to;
// individual Backpressure failures are logged, not returned, matching
// the "no global order, best effort per subscriber" fan-out contract.
func (m *Manager) Broadcast(ctx context.Context, topic string, envelope *model.Envelope) (int, error) {
	m.topicsMu.RLock()
	subscribers := make([]string, 0, len(m.topics[topic]))
	for id := range m.topics[topic] {
		subscribers = append(subscribers, id)
	}
	m.topicsMu.RUnlock()

	delivered := 0
	for _, id := range subscribers {
		envCopy := *envelope
		if err := m.Deliver(ctx, id, &envCopy); err != nil {
			log.WithError(err).WithField("session_id", id).Debug("broadcast delivery skipped")
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Subscribers returns the session-ids currently subscribed to topic and
// still accepting new sends, for a caller that wants to drive delivery
// itself (e.g. the Router fanning a broadcast envelope through the QoS
// Engine per recipient).
func (m *Manager) Subscribers(topic string) []string {
	m.topicsMu.RLock()
	ids := make([]string, 0, len(m.topics[topic]))
	for id := range m.topics[topic] {
		ids = append(ids, id)
	}
	m.topicsMu.RUnlock()
	return m.filterActive(ids)
}

// filterActive keeps only the session-ids still in model.SessionActive,
// excluding Draining and Closed sessions from new-send routing (spec
// §4.4, §9 "refuse new sends").
func (m *Manager) filterActive(ids []string) []string {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()

	live := make([]string, 0, len(ids))
	for _, id := range ids {
		h, ok := m.sessions[id]
		if !ok {
			continue
		}
		h.mu.Lock()
		active := h.record.State == model.SessionActive
		h.mu.Unlock()
		if active {
			live = append(live, id)
		}
	}
	return live
}

// Subscribe adds sessionID as a subscriber of topic (spec §4.4).
func (m *Manager) Subscribe(sessionID, topic string) error {
	m.sessionsMu.RLock()
	h, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "session %q not found", sessionID)
	}

	h.mu.Lock()
	h.topics[topic] = struct{}{}
	h.mu.Unlock()

	m.topicsMu.Lock()
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]struct{})
	}
	m.topics[topic][sessionID] = struct{}{}
	m.topicsMu.Unlock()
	return nil
}

// Unsubscribe removes sessionID from topic's subscriber set.
func (m *Manager) Unsubscribe(sessionID, topic string) error {
	m.sessionsMu.RLock()
	h, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "session %q not found", sessionID)
	}

	h.mu.Lock()
	delete(h.topics, topic)
	h.mu.Unlock()

	m.topicsMu.Lock()
	delete(m.topics[topic], sessionID)
	m.topicsMu.Unlock()
	return nil
}

// Heartbeat extends sessionID's expiry and, for device principals, folds
// the heartbeat into the Device Registry's last-seen (spec §4.4, §4.3).
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	m.sessionsMu.RLock()
	h, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "session %q not found", sessionID)
	}

	now := m.cfg.Clock.Now()
	h.mu.Lock()
	h.record.Heartbeat(now, m.cfg.SessionTTL)
	principal := h.record.Principal
	h.mu.Unlock()

	if principal.Kind == model.PrincipalDevice && m.cfg.Devices != nil {
		if err := m.cfg.Devices.Heartbeat(ctx, principal.ID, now); err != nil {
			log.WithError(err).WithField("session_id", sessionID).Warn("device heartbeat fold failed")
		}
	}
	return nil
}

// Close begins draining sessionID (spec §4.4's lifecycle, Active ->
// Draining -> Closed): the session stops being a live route for new
// sends immediately (SessionsFor/Subscribers exclude it), while the QoS
// Engine may keep redelivering an in-flight QoS 1/2 envelope to it
// directly until DrainWindow elapses, at which point the session is
// fully freed (spec §9 "enter Draining; refuse new sends; continue
// processing acks until grace elapses"). Calling Close again on an
// already-draining or already-closed session is a no-op.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	h, started := m.beginDrain(sessionID)
	if h == nil {
		return uaiperr.New(uaiperr.NotFound, "session %q not found", sessionID)
	}
	if !started {
		return nil
	}

	go func() {
		select {
		case <-m.cfg.Clock.After(m.cfg.DrainWindow):
		case <-ctx.Done():
		}
		m.finishDrain(sessionID, h)
	}()
	return nil
}

// beginDrain transitions sessionID from Active to Draining. started is
// false (with no error) if the session was already draining or closed.
func (m *Manager) beginDrain(sessionID string) (h *handle, started bool) {
	m.sessionsMu.RLock()
	h, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()
	if !ok {
		return nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.record.State != model.SessionActive {
		return h, false
	}
	h.record.State = model.SessionDraining
	return h, true
}

// finishDrain transitions sessionID from Draining to Closed, removes it
// from every index, and closes its outbox. The close happens under
// h.mu, the same lock Deliver holds across its state check and send, so
// a send can never race a concurrent close of the channel it's sending
// on.
func (m *Manager) finishDrain(sessionID string, h *handle) {
	h.mu.Lock()
	if h.record.State == model.SessionClosed {
		h.mu.Unlock()
		return
	}
	h.record.State = model.SessionClosed
	principal := h.record.Principal
	topics := make([]string, 0, len(h.topics))
	for t := range h.topics {
		topics = append(topics, t)
	}
	close(h.outbox)
	h.mu.Unlock()

	m.sessionsMu.Lock()
	delete(m.sessions, sessionID)
	m.sessionsMu.Unlock()

	for _, t := range topics {
		m.topicsMu.Lock()
		delete(m.topics[t], sessionID)
		m.topicsMu.Unlock()
	}

	m.mu.RLock()
	ps, ok := m.principals[principal.ID]
	m.mu.RUnlock()
	if ok {
		ps.mu.Lock()
		delete(ps.ids, sessionID)
		ps.mu.Unlock()
	}
}

// Get returns a copy of the session record for sessionID.
func (m *Manager) Get(sessionID string) (*model.Session, bool) {
	m.sessionsMu.RLock()
	h, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	out := h.record
	h.mu.Unlock()
	return &out, true
}

// SessionsFor returns the live session-ids for principalID (spec §3
// Route: "a recipient may have zero or more live routes"). Draining and
// Closed sessions are excluded - only Active sessions are live routes
// for new sends.
func (m *Manager) SessionsFor(principalID string) []string {
	m.mu.RLock()
	ps, ok := m.principals[principalID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	ps.mu.Lock()
	ids := make([]string, 0, len(ps.ids))
	for id := range ps.ids {
		ids = append(ids, id)
	}
	ps.mu.Unlock()
	return m.filterActive(ids)
}

// SweepExpired closes every session whose expiry has elapsed as of now.
// cmd/uaip-hubd runs it on its own ticker, once per transport heartbeat
// interval.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) int {
	m.sessionsMu.RLock()
	expired := make([]string, 0)
	for id, h := range m.sessions {
		h.mu.Lock()
		isExpired := h.record.Expired(now)
		h.mu.Unlock()
		if isExpired {
			expired = append(expired, id)
		}
	}
	m.sessionsMu.RUnlock()

	for _, id := range expired {
		if err := m.Close(ctx, id); err != nil {
			log.WithError(err).WithField("session_id", id).Debug("sweep close failed")
		}
	}
	return len(expired)
}

func (m *Manager) isDraining() bool {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()
	return m.draining
}

// Shutdown stops accepting new sessions (Open starts failing) and, once
// DrainWindow elapses or ctx is cancelled (whichever comes first), force
// closes every session still live (spec §5, §12). The manager-wide wait
// here already gave in-flight QoS state its grace period, so remaining
// sessions are finalized immediately rather than through another
// per-session Close drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownMu.Lock()
	if m.draining {
		m.shutdownMu.Unlock()
		return nil
	}
	m.draining = true
	close(m.shutdown)
	m.shutdownMu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainWindow)
	defer cancel()
	<-drainCtx.Done()

	m.sessionsMu.RLock()
	remaining := make(map[string]*handle, len(m.sessions))
	for id, h := range m.sessions {
		remaining[id] = h
	}
	m.sessionsMu.RUnlock()

	for id, h := range remaining {
		m.finishDrain(id, h)
	}
	return nil
}

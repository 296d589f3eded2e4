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

// Package router implements the Router: the single entry point that
// validates, authorizes, resolves, and enqueues an envelope, then drives
// a background dispatcher that drains the Priority Queue into the QoS
// Engine (spec §4.7).
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openuaip/hub/lib/audit"
	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/qos/dedup"
	"github.com/openuaip/hub/lib/uaiperr"
)

// failureEnvelopeTTL bounds how long an asynchronous nack is itself
// allowed to sit in the queue before it is considered stale.
const failureEnvelopeTTL = time.Minute

var log = logrus.WithFields(logrus.Fields{trace.Component: "router"})

// Registry is the narrow slice of the Device Registry the Router needs
// to confirm a device recipient exists before resolving its sessions.
type Registry interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
}

// Sessions is the narrow slice of the Session Manager the Router
// depends on: looking up live routes and delivering to them.
type Sessions interface {
	SessionsFor(principalID string) []string
	Subscribers(topic string) []string
	Deliver(ctx context.Context, sessionID string, envelope *model.Envelope) error
}

// Queue is the narrow slice of the Priority Queue the Router drives.
type Queue interface {
	Enqueue(envelope *model.Envelope) error
	Dequeue() (*model.Envelope, bool)
}

// QoSHandler is the narrow slice of the QoS Engine the dispatcher hands
// dequeued envelopes to.
type QoSHandler interface {
	Handle(ctx context.Context, sessionID string, envelope *model.Envelope)
}

// AuthContext is the resolved identity + permission set the caller has
// already obtained from the Auth Gate (spec §4.7 "route(envelope,
// auth-context)").
type AuthContext struct {
	Principal  model.PrincipalRef
	Permission model.PermissionSet
}

// Config configures a Router.
type Config struct {
	Registry Registry
	Sessions Sessions
	Queue    Queue
	QoS      QoSHandler
	Audit    audit.Log
	Clock    clockwork.Clock

	// EnvelopeDedupWindow bounds the Validate step's envelope-id
	// uniqueness check (spec §4.7 step 1, default 5m).
	EnvelopeDedupWindow time.Duration

	// DispatchPollInterval is how often an idle dispatcher worker
	// re-checks the queue (spec §5: the queue itself never suspends).
	DispatchPollInterval time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("sessions is required")
	}
	if c.Queue == nil {
		return trace.BadParameter("queue is required")
	}
	if c.QoS == nil {
		return trace.BadParameter("qos handler is required")
	}
	if c.Audit == nil {
		return trace.BadParameter("audit log is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.EnvelopeDedupWindow == 0 {
		c.EnvelopeDedupWindow = 5 * time.Minute
	}
	if c.DispatchPollInterval == 0 {
		c.DispatchPollInterval = 25 * time.Millisecond
	}
	return nil
}

// Decision is the outcome of Route: either Accepted, or Rejected with a
// Kind/Reason the caller returns to the sender synchronously (spec §4.7
// step 5, §7 "acknowledged synchronously with Rejected(reason) if
// detected before enqueue").
type Decision struct {
	Accepted   bool
	EnvelopeID string
	Kind       uaiperr.Kind
	Reason     string
}

// Router is the Router component.
type Router struct {
	cfg   Config
	dedup *dedup.Window

	mu     sync.Mutex
	routes map[string][]string // envelope-id -> target session-ids, broadcast excluded
	topics map[string]string   // envelope-id -> broadcast topic, set instead of routes
}

// New constructs a Router from cfg.
func New(cfg Config) (*Router, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Router{
		cfg:    cfg,
		dedup:  dedup.New(cfg.Clock, cfg.EnvelopeDedupWindow),
		routes: make(map[string][]string),
		topics: make(map[string]string),
	}, nil
}

// broadcastTopic derives the fan-out topic for a broadcast envelope from
// its sender, following the bus adapter's subject pattern (spec §6):
// `uaip.<sender-kind>.<sender-id>.evt`. This is this Router's resolution
// of the open question "how a broadcast envelope names its topic",
// since the envelope header carries no dedicated topic field.
func broadcastTopic(envelope *model.Envelope) string {
	return fmt.Sprintf("uaip.%s.%s.evt", envelope.Header.Sender.Kind, envelope.Header.Sender.ID)
}

// Route implements the Validate -> Authorize -> Resolve -> Enqueue ->
// Acknowledge pipeline of spec §4.7.
func (r *Router) Route(ctx context.Context, envelope *model.Envelope, authCtx AuthContext) Decision {
	if err := envelope.CheckAndSetDefaults(); err != nil {
		return r.reject(ctx, authCtx, envelope, uaiperr.InvalidArgument, err.Error())
	}

	now := r.cfg.Clock.Now()
	if envelope.Header.Dead(now) {
		return r.reject(ctx, authCtx, envelope, uaiperr.TtlExpired, "envelope already past its deadline")
	}
	if r.dedup.Seen(envelope.Header.EnvelopeID) {
		return r.reject(ctx, authCtx, envelope, uaiperr.Conflict, "envelope id already seen")
	}

	if err := r.authorize(envelope, authCtx); err != nil {
		return r.reject(ctx, authCtx, envelope, uaiperr.KindOf(err), err.Error())
	}

	sessionIDs, topic, err := r.resolve(ctx, envelope)
	if err != nil {
		return r.reject(ctx, authCtx, envelope, uaiperr.KindOf(err), err.Error())
	}

	if err := r.cfg.Queue.Enqueue(envelope); err != nil {
		return r.reject(ctx, authCtx, envelope, uaiperr.KindOf(err), err.Error())
	}

	r.mu.Lock()
	if topic != "" {
		r.topics[envelope.Header.EnvelopeID] = topic
	} else {
		r.routes[envelope.Header.EnvelopeID] = sessionIDs
	}
	r.mu.Unlock()

	r.emitAudit(ctx, authCtx, envelope, true, "")
	return Decision{Accepted: true, EnvelopeID: envelope.Header.EnvelopeID}
}

func (r *Router) authorize(envelope *model.Envelope, authCtx AuthContext) error {
	if envelope.IsBroadcast() {
		if !authCtx.Permission.Check("broadcast", "publish") {
			return uaiperr.New(uaiperr.AuthorizationDenied, "missing broadcast:publish permission")
		}
		return nil
	}
	resource := string(envelope.Header.Recipient.Kind)
	action := string(envelope.Action)
	if !authCtx.Permission.Check(resource, action) {
		return uaiperr.New(uaiperr.AuthorizationDenied, "missing %s:%s permission", resource, action)
	}
	return nil
}

// resolve implements spec §4.7 step 3: devices resolve through the
// Device Registry first (to confirm the recipient exists at all) before
// falling back to the Session Manager's live routes for both devices and
// agents; broadcast envelopes resolve to a topic instead of a session list.
func (r *Router) resolve(ctx context.Context, envelope *model.Envelope) ([]string, string, error) {
	if envelope.IsBroadcast() {
		return nil, broadcastTopic(envelope), nil
	}

	recipient := envelope.Header.Recipient
	if recipient.Kind == model.PrincipalDevice && r.cfg.Registry != nil {
		if _, err := r.cfg.Registry.GetDevice(ctx, recipient.ID); err != nil {
			return nil, "", uaiperr.New(uaiperr.NoRoute, "recipient device %q is unknown", recipient.ID)
		}
	}

	ids := r.cfg.Sessions.SessionsFor(recipient.ID)
	if len(ids) == 0 {
		return nil, "", uaiperr.New(uaiperr.NoRoute, "no live session for recipient %q", recipient.ID)
	}
	return ids, "", nil
}

func (r *Router) reject(ctx context.Context, authCtx AuthContext, envelope *model.Envelope, kind uaiperr.Kind, reason string) Decision {
	r.emitAudit(ctx, authCtx, envelope, false, reason)
	return Decision{EnvelopeID: envelope.Header.EnvelopeID, Kind: kind, Reason: reason}
}

func (r *Router) emitAudit(ctx context.Context, authCtx AuthContext, envelope *model.Envelope, success bool, reason string) {
	if err := r.cfg.Audit.Emit(ctx, audit.Entry{
		Actor:     authCtx.Principal,
		Resource:  "envelope",
		Action:    string(envelope.Action),
		Success:   success,
		Reason:    reason,
		Timestamp: r.cfg.Clock.Now(),
	}); err != nil {
		log.WithError(err).Warn("failed to write audit entry")
	}
}

// takeRoute pops the resolved delivery target(s) for envelopeID, set by
// Route at enqueue time. Broadcast targets are re-resolved fresh from
// current subscribers rather than snapshotted, since subscribers can
// change between enqueue and dispatch.
func (r *Router) takeRoute(envelopeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic, ok := r.topics[envelopeID]; ok {
		delete(r.topics, envelopeID)
		return r.cfg.Sessions.Subscribers(topic)
	}
	ids := r.routes[envelopeID]
	delete(r.routes, envelopeID)
	return ids
}

// RunDispatcher drains the Priority Queue into the QoS Engine using n
// concurrent workers until ctx is cancelled (spec §4.7 "a dispatcher
// task dequeues and drives the QoS Engine").
func (r *Router) RunDispatcher(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error { return r.dispatchLoop(ctx) })
	}
	return g.Wait()
}

func (r *Router) dispatchLoop(ctx context.Context) error {
	ticker := r.cfg.Clock.NewTicker(r.cfg.DispatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		envelope, ok := r.cfg.Queue.Dequeue()
		if !ok {
			select {
			case <-ticker.Chan():
				continue
			case <-ctx.Done():
				return nil
			}
		}
		r.dispatch(ctx, envelope)
	}
}

func (r *Router) dispatch(ctx context.Context, envelope *model.Envelope) {
	sessionIDs := r.takeRoute(envelope.Header.EnvelopeID)
	if !envelope.IsBroadcast() {
		live := make(map[string]bool)
		for _, id := range r.cfg.Sessions.SessionsFor(envelope.Header.Recipient.ID) {
			live[id] = true
		}
		kept := sessionIDs[:0]
		for _, id := range sessionIDs {
			if live[id] {
				kept = append(kept, id)
			}
		}
		sessionIDs = kept
	}
	if len(sessionIDs) == 0 {
		log.WithField("envelope_id", envelope.Header.EnvelopeID).Debug("dispatch found no live route")
		r.NotifyFailure(ctx, envelope, uaiperr.NoRoute)
		return
	}
	for _, sessionID := range sessionIDs {
		envCopy := *envelope
		r.cfg.QoS.Handle(ctx, sessionID, &envCopy)
	}
}

// NotifyFailure reports a terminal routing failure back to the
// original sender as an asynchronous envelope correlated by the failed
// envelope's id (spec §4.6 "failure states ... flow to the sender's
// session if the sender requested an ack"; §4.7/§7 "route failures
// after enqueue are reported asynchronously to the sender by
// correlation-id"). It is the dispatcher's own no-route branch's and
// the QoS Engine's shared notification path: a successful outcome
// (empty kind) and a nack envelope's own delivery failure are both
// no-ops, so a failed notification can never recurse.
func (r *Router) NotifyFailure(ctx context.Context, envelope *model.Envelope, kind uaiperr.Kind) {
	if kind == "" || envelope.Action == model.ActionNack {
		return
	}

	now := r.cfg.Clock.Now()
	nack := &model.Envelope{
		Header: model.Header{
			EnvelopeID:    uuid.NewString(),
			CorrelationID: envelope.Header.EnvelopeID,
			CreatedAt:     now,
			TTL:           failureEnvelopeTTL,
			Priority:      envelope.Header.Priority,
			Sender:        envelope.Header.Recipient,
			Recipient:     envelope.Header.Sender,
		},
		Action:      model.ActionNack,
		QoS:         model.QoSAtMostOnce,
		ContentType: "text/plain",
		Payload:     []byte(kind),
	}

	for _, sessionID := range r.cfg.Sessions.SessionsFor(envelope.Header.Sender.ID) {
		r.cfg.QoS.Handle(ctx, sessionID, nack)
	}
}

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

package model

import (
	"time"

	"github.com/gravitational/trace"
)

// Priority is the envelope's scheduling priority (spec §3, §4.5). Order
// matters: higher value is higher priority, so sorting by Priority desc
// then CreatedAt asc gives dequeue order directly.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses the wire representation of a priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, trace.BadParameter("unknown priority %q", s)
	}
}

// Action is the operation an envelope requests of its recipient (spec §3).
type Action string

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionExecute   Action = "execute"
	ActionStream    Action = "stream"
	ActionSubscribe Action = "subscribe"
	ActionNotify    Action = "notify"
	ActionAck       Action = "ack"
	ActionNack      Action = "nack"
)

// QoS is the delivery guarantee level requested for an envelope (spec §3).
type QoS int

const (
	QoSAtMostOnce QoS = iota
	QoSAtLeastOnce
	QoSExactlyOnce
)

func (q QoS) String() string {
	switch q {
	case QoSAtMostOnce:
		return "at-most-once"
	case QoSAtLeastOnce:
		return "at-least-once"
	case QoSExactlyOnce:
		return "exactly-once"
	default:
		return "unknown"
	}
}

// QoS2Phase tracks the exactly-once protocol state machine (spec §4.6).
type QoS2Phase string

const (
	QoS2Received QoS2Phase = "received"
	QoS2PubRec   QoS2Phase = "pubrec"
	QoS2Released QoS2Phase = "released"
	QoS2Complete QoS2Phase = "complete"
	QoS2Cleared  QoS2Phase = "cleared"
)

// DeliveryState is the router-private mutable state attached to an
// envelope while it is in flight (spec §3).
type DeliveryState struct {
	AttemptsRemaining int
	NextRetryAt       time.Time
	Phase             QoS2Phase
}

// Header carries the addressing and scheduling metadata of an envelope
// (spec §3).
type Header struct {
	EnvelopeID    string       `json:"envelope_id"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	TTL           time.Duration `json:"ttl"`
	Priority      Priority     `json:"priority"`
	Sender        PrincipalRef `json:"sender"`
	Recipient     PrincipalRef `json:"recipient"`
}

// DeadlineAt returns the absolute instant at which the envelope expires.
func (h Header) DeadlineAt() time.Time {
	return h.CreatedAt.Add(h.TTL)
}

// Dead reports whether the envelope has outlived its TTL as of now
// (spec §3 invariant: "if now > created_at + TTL the envelope is dead").
func (h Header) Dead(now time.Time) bool {
	return now.After(h.DeadlineAt())
}

// Envelope is the unit the router moves (spec §3).
type Envelope struct {
	Header Header `json:"header"`

	Action Action `json:"action"`
	QoS    QoS    `json:"qos"`

	ContentType string `json:"content_type"`
	Payload     []byte `json:"payload"`

	// Delivery is router-private state; it is never serialized on the wire.
	Delivery DeliveryState `json:"-"`
}

func (e *Envelope) CheckAndSetDefaults() error {
	if e.Header.EnvelopeID == "" {
		return trace.BadParameter("envelope id is required")
	}
	if e.Header.CreatedAt.IsZero() {
		return trace.BadParameter("envelope created_at is required")
	}
	if e.Header.TTL <= 0 {
		return trace.BadParameter("envelope TTL must be positive")
	}
	if e.Header.Sender.ID == "" {
		return trace.BadParameter("envelope sender is required")
	}
	if e.Header.Recipient.ID == "" {
		return trace.BadParameter("envelope recipient is required")
	}
	switch e.Action {
	case ActionRead, ActionWrite, ActionExecute, ActionStream, ActionSubscribe, ActionNotify, ActionAck, ActionNack:
	default:
		return trace.BadParameter("unknown envelope action %q", e.Action)
	}
	return nil
}

// IsBroadcast reports whether the envelope targets every subscriber of a
// topic rather than a single recipient.
func (e Envelope) IsBroadcast() bool {
	return e.Header.Recipient.ID == Broadcast.ID && e.Header.Recipient.Kind == ""
}

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

// SessionState is the lifecycle state of a live Session (spec §4.4).
type SessionState string

const (
	SessionActive   SessionState = "active"
	SessionDraining SessionState = "draining"
	SessionClosed   SessionState = "closed"
)

// Session is a live authenticated connection between a principal and the
// hub. It carries only a PrincipalRef (value), not a back-pointer to the
// full Principal, breaking the Session<->Principal cycle present in the
// source (spec §9) - the Credential Store is consulted on demand for the
// full principal record.
type Session struct {
	ID            string       `json:"id"`
	Principal     PrincipalRef `json:"principal"`
	State         SessionState `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

func (s *Session) CheckAndSetDefaults() error {
	if s.ID == "" {
		return trace.BadParameter("session id is required")
	}
	if s.Principal.ID == "" {
		return trace.BadParameter("session must reference a principal")
	}
	if s.State == "" {
		s.State = SessionActive
	}
	return nil
}

// Expired reports whether the session's expiry has elapsed as of now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Heartbeat extends the session's expiry to now+ttl and records the
// heartbeat time, provided the session isn't already draining or closed.
func (s *Session) Heartbeat(now time.Time, ttl time.Duration) {
	if s.State != SessionActive {
		return
	}
	s.LastHeartbeat = now
	s.ExpiresAt = now.Add(ttl)
}

// Route is a (recipient-kind, recipient-id) -> session-id binding
// maintained by the Session Manager (spec §3).
type Route struct {
	Recipient PrincipalRef
	SessionID string
}

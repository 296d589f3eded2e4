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

// Package model defines the hub's core data model: principals, roles,
// devices, certificates, sessions, tokens, envelopes, and routes (spec §3).
package model

import (
	"time"

	"github.com/gravitational/trace"
)

// PrincipalKind identifies what kind of thing a Principal is.
type PrincipalKind string

const (
	PrincipalDevice PrincipalKind = "device"
	PrincipalAgent  PrincipalKind = "agent"
	PrincipalUser   PrincipalKind = "user"
)

// PrincipalRef is a lightweight (kind, id) pair used anywhere a principal
// needs to be referenced without pulling in its full record - envelope
// headers, session records, audit rows. Sessions deliberately carry only
// this value, not a pointer back to the full Principal, to avoid the
// cyclic Session<->Principal reference the source has (spec §9).
type PrincipalRef struct {
	ID   string        `json:"id"`
	Kind PrincipalKind `json:"kind"`
}

func (r PrincipalRef) IsBroadcast() bool {
	return r.Kind == "" && r.ID == "broadcast"
}

// Broadcast is the well-known recipient reference used for fan-out envelopes.
var Broadcast = PrincipalRef{ID: "broadcast"}

// Principal is anything that can authenticate: a Device, Agent, or User.
type Principal struct {
	ID         string        `json:"id"`
	Kind       PrincipalKind `json:"kind"`
	ExternalID string        `json:"external_id"`
	Disabled   bool          `json:"disabled"`

	// ClientSecretHash is only populated for Agent principals authenticating
	// via client-credentials (spec §4.2); empty otherwise.
	ClientSecretHash string `json:"-"`

	CreatedAt         time.Time  `json:"created_at"`
	LastAuthenticated *time.Time `json:"last_authenticated,omitempty"`

	Roles []RoleAssignment `json:"roles"`
}

func (p *Principal) Ref() PrincipalRef {
	return PrincipalRef{ID: p.ID, Kind: p.Kind}
}

// CheckAndSetDefaults validates a Principal before it is persisted,
// following the Config.CheckAndSetDefaults convention used throughout
// the hub (e.g. lib/jwt.Config, lib/auth.RegisterParams in the codebase
// this was adapted from).
func (p *Principal) CheckAndSetDefaults() error {
	if p.ExternalID == "" {
		return trace.BadParameter("external id is required")
	}
	switch p.Kind {
	case PrincipalDevice, PrincipalAgent, PrincipalUser:
	default:
		return trace.BadParameter("unknown principal kind %q", p.Kind)
	}
	if p.CreatedAt.IsZero() {
		return trace.BadParameter("created_at is required")
	}
	return nil
}

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

// Wildcard matches any resource or action in a Permission pair (spec §3).
const Wildcard = "*"

// Permission is a (resource, action) pair. Either field may be Wildcard.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Matches reports whether this permission (possibly containing wildcards)
// grants the concrete (resource, action) pair being checked.
func (p Permission) Matches(resource, action string) bool {
	if p.Resource != Wildcard && p.Resource != resource {
		return false
	}
	if p.Action != Wildcard && p.Action != action {
		return false
	}
	return true
}

// Role is a named set of permissions.
type Role struct {
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}

func (r *Role) CheckAndSetDefaults() error {
	if r.Name == "" {
		return trace.BadParameter("role name is required")
	}
	return nil
}

// RoleAssignment binds a principal to a role, with an optional expiry.
// Expired assignments are ignored by permission checks (spec §3).
type RoleAssignment struct {
	Role   string     `json:"role"`
	Expiry *time.Time `json:"expiry,omitempty"`
}

// Active reports whether the assignment is in effect at instant now.
func (a RoleAssignment) Active(now time.Time) bool {
	return a.Expiry == nil || now.Before(*a.Expiry)
}

// PermissionSet is the resolved, flattened set of permissions a principal
// holds at a point in time - the output of Auth Gate resolution (spec §4.2).
type PermissionSet struct {
	Permissions []Permission
}

// Check implements the wildcard matching rule of spec §3 / §8: true iff
// any permission in the set matches (resource, action).
func (s PermissionSet) Check(resource, action string) bool {
	for _, p := range s.Permissions {
		if p.Matches(resource, action) {
			return true
		}
	}
	return false
}

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

// Certificate is a device's identity certificate (spec §3). Certificates
// are immutable once revoked: RevokedAt, once set, is permanent.
type Certificate struct {
	SerialNumber string `json:"serial_number"`
	DeviceID     string `json:"device_id"`
	SubjectCN    string `json:"subject_cn"`
	IssuerCN     string `json:"issuer_cn"`
	PublicKey    []byte `json:"public_key"`
	Fingerprint  string `json:"fingerprint"`

	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	IssuedAt  time.Time `json:"issued_at"`

	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (c *Certificate) CheckAndSetDefaults() error {
	if c.SerialNumber == "" {
		return trace.BadParameter("certificate serial number is required")
	}
	if c.DeviceID == "" {
		return trace.BadParameter("certificate must reference a device")
	}
	if c.Fingerprint == "" {
		return trace.BadParameter("certificate fingerprint is required")
	}
	if !c.NotAfter.After(c.NotBefore) {
		return trace.BadParameter("certificate validity window is empty or inverted")
	}
	return nil
}

// Revoked reports whether the certificate has been permanently revoked.
func (c Certificate) Revoked() bool {
	return c.RevokedAt != nil
}

// ValidAt reports whether the certificate is usable at instant now: not
// revoked, and now falls within [NotBefore, NotAfter] (spec §3 invariant).
func (c Certificate) ValidAt(now time.Time) bool {
	if c.Revoked() {
		return false
	}
	return !now.Before(c.NotBefore) && !now.After(c.NotAfter)
}

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

// DeviceStatus is the lifecycle status of a Device (spec §3).
type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceError       DeviceStatus = "error"
	DeviceMaintenance DeviceStatus = "maintenance"
	DeviceDeactivated DeviceStatus = "deactivated"
)

// CapabilityKind classifies what a Capability lets a device do.
type CapabilityKind string

const (
	CapabilitySensor   CapabilityKind = "sensor"
	CapabilityActuator CapabilityKind = "actuator"
	CapabilityHybrid   CapabilityKind = "hybrid"
)

// Capability is a named action surface a device exposes. It belongs to
// exactly one device; deleting the device deletes its capabilities
// (spec §3 ownership rule).
type Capability struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	Kind     CapabilityKind `json:"kind"`
	Actions  []string       `json:"actions"`
	// Schema is an opaque, caller-defined parameter schema document.
	Schema []byte `json:"schema,omitempty"`
}

// HasAction reports whether the capability exposes the given action, or
// whether action is empty (no action filter requested).
func (c Capability) HasAction(action string) bool {
	if action == "" {
		return true
	}
	for _, a := range c.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (c *Capability) CheckAndSetDefaults() error {
	if c.DeviceID == "" {
		return trace.BadParameter("capability must reference a device")
	}
	switch c.Kind {
	case CapabilitySensor, CapabilityActuator, CapabilityHybrid:
	default:
		return trace.BadParameter("unknown capability kind %q", c.Kind)
	}
	return nil
}

// Device is a physical endpoint registered with the hub (spec §3).
type Device struct {
	ID               string         `json:"id"`
	MAC              string         `json:"mac"`
	Manufacturer     string         `json:"manufacturer"`
	Model            string         `json:"model"`
	FirmwareVersion  string         `json:"firmware_version"`
	Status           DeviceStatus   `json:"status"`
	LastSeen         time.Time      `json:"last_seen"`
	CertificateUntil time.Time      `json:"certificate_until"`
	Configuration    []byte         `json:"configuration,omitempty"`
	Capabilities     []Capability   `json:"capabilities,omitempty"`
}

func (d *Device) CheckAndSetDefaults() error {
	if d.MAC == "" {
		return trace.BadParameter("device MAC is required")
	}
	switch d.Status {
	case "":
		d.Status = DeviceOffline
	case DeviceOnline, DeviceOffline, DeviceError, DeviceMaintenance, DeviceDeactivated:
	default:
		return trace.BadParameter("unknown device status %q", d.Status)
	}
	return nil
}

// ObserveHeartbeat folds a session heartbeat into the device's last-seen
// time. last-seen is monotonically non-decreasing: a heartbeat with an
// earlier timestamp than the current value never regresses it, so
// concurrent heartbeats racing on the same device converge on the newer
// one regardless of arrival order (spec §5, §8).
func (d *Device) ObserveHeartbeat(at time.Time) {
	if at.After(d.LastSeen) {
		d.LastSeen = at
	}
	if d.Status != DeviceDeactivated {
		d.Status = DeviceOnline
	}
}

// IsOffline reports whether the device should be considered offline given
// threshold elapsed since its last heartbeat, relative to now.
func (d *Device) IsOffline(now time.Time, threshold time.Duration) bool {
	return now.Sub(d.LastSeen) > threshold
}

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

// Package store implements the Credential Store: durable storage for
// principals, devices, certificates, roles, permissions, and sessions
// (spec §4.1).
package store

import (
	"context"
	"time"

	"github.com/openuaip/hub/lib/model"
)

// DeviceFilter narrows list_devices (spec §4.1).
type DeviceFilter struct {
	Status     model.DeviceStatus
	Capability string
	Offset     int
	Limit      int
}

// Store is the durable backing for all credential and registry state. It
// is the only component in the hub that talks to the relational schema
// of spec §6; the components that need it (the Auth Gate, the Device
// Registry) hold this interface directly in their Config.
//
// Every method suspends on I/O (spec §5); implementations must honor
// ctx cancellation.
type Store interface {
	// Principals.
	CreateAgent(ctx context.Context, agent *model.Principal, clientSecretHash string) error
	CreateDevice(ctx context.Context, device *model.Device) error
	UpdateDevice(ctx context.Context, device *model.Device) error
	DeactivateDevice(ctx context.Context, deviceID string) error
	GetPrincipalByExternalID(ctx context.Context, kind model.PrincipalKind, externalID string) (*model.Principal, error)
	GetPrincipal(ctx context.Context, id string) (*model.Principal, error)
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, error)
	TouchLastAuthenticated(ctx context.Context, principalID string, at time.Time) error

	// Client credential verification (spec §4.2 "client-id + client-secret").
	GetAgentSecretHash(ctx context.Context, clientID string) (principalID string, hash string, disabled bool, err error)

	// Certificates.
	AttachCertificate(ctx context.Context, cert *model.Certificate) error
	RevokeCertificate(ctx context.Context, serial, reason string) error
	GetCertificateBySerial(ctx context.Context, serial string) (*model.Certificate, error)
	GetCertificateByFingerprint(ctx context.Context, fingerprint string) (*model.Certificate, error)
	ListActiveCertificates(ctx context.Context, deviceID string) ([]model.Certificate, error)

	// Roles and permissions.
	AssignRole(ctx context.Context, principalID, role string, expiry *time.Time) error
	RevokeRole(ctx context.Context, principalID, role string) error
	CheckPermission(ctx context.Context, principalID, resource, action string) (bool, error)
	GetRole(ctx context.Context, name string) (*model.Role, error)
	PutRole(ctx context.Context, role *model.Role) error

	// Capabilities.
	PutCapabilities(ctx context.Context, deviceID string, capabilities []model.Capability) error
	FindDevicesWithCapability(ctx context.Context, capabilityID, action string) ([]model.Device, error)

	Close()
}

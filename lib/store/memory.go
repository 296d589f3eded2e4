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

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/uaiperr"
)

// MemoryStore is an in-process Store used by tests and by the
// single-process quickstart deployment.
type MemoryStore struct {
	mu sync.RWMutex

	principals   map[string]*model.Principal
	byExternalID map[model.PrincipalKind]map[string]string // kind -> external-id -> principal-id
	agentSecrets map[string]string                          // client-id (external-id) -> hash
	devices      map[string]*model.Device
	certsBySerial map[string]*model.Certificate
	certsByFingerprint map[string]string // fingerprint -> serial
	roles        map[string]*model.Role
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:         make(map[string]*model.Principal),
		byExternalID:       make(map[model.PrincipalKind]map[string]string),
		agentSecrets:       make(map[string]string),
		devices:            make(map[string]*model.Device),
		certsBySerial:      make(map[string]*model.Certificate),
		certsByFingerprint: make(map[string]string),
		roles:              make(map[string]*model.Role),
	}
}

func (s *MemoryStore) indexExternalID(kind model.PrincipalKind, externalID, principalID string) {
	if s.byExternalID[kind] == nil {
		s.byExternalID[kind] = make(map[string]string)
	}
	s.byExternalID[kind][externalID] = principalID
}

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *model.Principal, clientSecretHash string) error {
	if err := agent.CheckAndSetDefaults(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if _, exists := s.byExternalID[agent.Kind][agent.ExternalID]; exists {
		return uaiperr.New(uaiperr.Conflict, "agent with external id %q already exists", agent.ExternalID)
	}
	cp := *agent
	s.principals[agent.ID] = &cp
	s.indexExternalID(agent.Kind, agent.ExternalID, agent.ID)
	s.agentSecrets[agent.ExternalID] = clientSecretHash
	return nil
}

func (s *MemoryStore) CreateDevice(ctx context.Context, device *model.Device) error {
	if err := device.CheckAndSetDefaults(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if d.MAC == device.MAC {
			return uaiperr.New(uaiperr.Conflict, "device with MAC %q already exists", device.MAC)
		}
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	cp := *device
	s.devices[device.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateDevice(ctx context.Context, device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.ID]; !ok {
		return uaiperr.New(uaiperr.NotFound, "device %q not found", device.ID)
	}
	cp := *device
	s.devices[device.ID] = &cp
	return nil
}

func (s *MemoryStore) DeactivateDevice(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "device %q not found", deviceID)
	}
	d.Status = model.DeviceDeactivated

	// Cascade: revoke all outstanding certificates with reason "deactivated"
	// (spec §4.1 edge policy).
	now := time.Now()
	for _, c := range s.certsBySerial {
		if c.DeviceID == deviceID && !c.Revoked() {
			c.RevokedAt = &now
			c.Reason = "deactivated"
		}
	}
	return nil
}

func (s *MemoryStore) GetPrincipalByExternalID(ctx context.Context, kind model.PrincipalKind, externalID string) (*model.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternalID[kind][externalID]
	if !ok {
		return nil, uaiperr.New(uaiperr.NotFound, "principal with external id %q not found", externalID)
	}
	cp := *s.principals[id]
	return &cp, nil
}

func (s *MemoryStore) GetPrincipal(ctx context.Context, id string) (*model.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return nil, uaiperr.New(uaiperr.NotFound, "principal %q not found", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, uaiperr.New(uaiperr.NotFound, "device %q not found", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Device
	for _, d := range s.devices {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.Capability != "" && !hasCapability(*d, filter.Capability, "") {
			continue
		}
		matched = append(matched, *d)
	}
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func paginate(devices []model.Device, offset, limit int) []model.Device {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(devices) {
		return nil
	}
	devices = devices[offset:]
	if limit > 0 && limit < len(devices) {
		devices = devices[:limit]
	}
	return devices
}

func hasCapability(d model.Device, capabilityID, action string) bool {
	for _, c := range d.Capabilities {
		if c.ID == capabilityID && c.HasAction(action) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) TouchLastAuthenticated(ctx context.Context, principalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[principalID]
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "principal %q not found", principalID)
	}
	p.LastAuthenticated = &at
	return nil
}

func (s *MemoryStore) GetAgentSecretHash(ctx context.Context, clientID string) (string, string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	principalID, ok := s.byExternalID[model.PrincipalAgent][clientID]
	if !ok {
		return "", "", false, uaiperr.New(uaiperr.NotFound, "agent with client id %q not found", clientID)
	}
	hash := s.agentSecrets[clientID]
	return principalID, hash, s.principals[principalID].Disabled, nil
}

func (s *MemoryStore) AttachCertificate(ctx context.Context, cert *model.Certificate) error {
	if err := cert.CheckAndSetDefaults(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingSerial, ok := s.certsByFingerprint[cert.Fingerprint]; ok {
		if existing := s.certsBySerial[existingSerial]; existing != nil && !existing.Revoked() {
			return uaiperr.New(uaiperr.Conflict, "fingerprint %q already bound to an active certificate", cert.Fingerprint)
		}
	}
	cp := *cert
	s.certsBySerial[cert.SerialNumber] = &cp
	s.certsByFingerprint[cert.Fingerprint] = cert.SerialNumber
	return nil
}

func (s *MemoryStore) RevokeCertificate(ctx context.Context, serial, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certsBySerial[serial]
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "certificate %q not found", serial)
	}
	if c.Revoked() {
		return nil // idempotent (spec §4.1)
	}
	now := time.Now()
	c.RevokedAt = &now
	c.Reason = reason
	return nil
}

func (s *MemoryStore) GetCertificateBySerial(ctx context.Context, serial string) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.certsBySerial[serial]
	if !ok {
		return nil, uaiperr.New(uaiperr.NotFound, "certificate %q not found", serial)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetCertificateByFingerprint(ctx context.Context, fingerprint string) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	serial, ok := s.certsByFingerprint[fingerprint]
	if !ok {
		return nil, uaiperr.New(uaiperr.NotFound, "certificate with fingerprint %q not found", fingerprint)
	}
	cp := *s.certsBySerial[serial]
	return &cp, nil
}

func (s *MemoryStore) ListActiveCertificates(ctx context.Context, deviceID string) ([]model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Certificate
	for _, c := range s.certsBySerial {
		if c.DeviceID == deviceID && !c.Revoked() {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) AssignRole(ctx context.Context, principalID, role string, expiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[principalID]
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "principal %q not found", principalID)
	}
	for i, ra := range p.Roles {
		if ra.Role == role {
			p.Roles[i].Expiry = expiry
			return nil
		}
	}
	p.Roles = append(p.Roles, model.RoleAssignment{Role: role, Expiry: expiry})
	return nil
}

func (s *MemoryStore) RevokeRole(ctx context.Context, principalID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[principalID]
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "principal %q not found", principalID)
	}
	kept := p.Roles[:0]
	for _, ra := range p.Roles {
		if ra.Role != role {
			kept = append(kept, ra)
		}
	}
	p.Roles = kept
	return nil
}

func (s *MemoryStore) CheckPermission(ctx context.Context, principalID, resource, action string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[principalID]
	if !ok {
		return false, uaiperr.New(uaiperr.NotFound, "principal %q not found", principalID)
	}
	now := time.Now()
	var perms []model.Permission
	for _, ra := range p.Roles {
		if !ra.Active(now) {
			continue
		}
		role, ok := s.roles[ra.Role]
		if !ok {
			continue
		}
		perms = append(perms, role.Permissions...)
	}
	return model.PermissionSet{Permissions: perms}.Check(resource, action), nil
}

func (s *MemoryStore) GetRole(ctx context.Context, name string) (*model.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[name]
	if !ok {
		return nil, uaiperr.New(uaiperr.NotFound, "role %q not found", name)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) PutRole(ctx context.Context, role *model.Role) error {
	if err := role.CheckAndSetDefaults(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *role
	s.roles[role.Name] = &cp
	return nil
}

func (s *MemoryStore) PutCapabilities(ctx context.Context, deviceID string, capabilities []model.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return uaiperr.New(uaiperr.NotFound, "device %q not found", deviceID)
	}
	d.Capabilities = capabilities
	return nil
}

func (s *MemoryStore) FindDevicesWithCapability(ctx context.Context, capabilityID, action string) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Device
	for _, d := range s.devices {
		if d.Status != model.DeviceOnline {
			continue
		}
		if hasCapability(*d, capabilityID, action) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() {}

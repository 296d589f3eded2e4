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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/uaiperr"
)

func TestCreateDeviceRejectsDuplicateMAC(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	d1 := &model.Device{MAC: "aa:bb:cc", Status: model.DeviceOffline}
	require.NoError(t, s.CreateDevice(ctx, d1))

	d2 := &model.Device{MAC: "aa:bb:cc", Status: model.DeviceOffline}
	err := s.CreateDevice(ctx, d2)
	require.True(t, uaiperr.Is(err, uaiperr.Conflict))
}

func TestDeactivateDeviceCascadesCertificateRevocation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	d := &model.Device{MAC: "aa:bb:cc", Status: model.DeviceOnline}
	require.NoError(t, s.CreateDevice(ctx, d))

	cert := &model.Certificate{
		SerialNumber: "s1", DeviceID: d.ID, Fingerprint: "fp1",
		NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.AttachCertificate(ctx, cert))

	require.NoError(t, s.DeactivateDevice(ctx, d.ID))

	got, err := s.GetCertificateBySerial(ctx, "s1")
	require.NoError(t, err)
	require.True(t, got.Revoked())
	require.Equal(t, "deactivated", got.Reason)
}

func TestCheckPermissionWildcardMatching(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutRole(ctx, &model.Role{
		Name: "operator",
		Permissions: []model.Permission{
			{Resource: "device:*", Action: "execute"},
		},
	}))

	agent := &model.Principal{Kind: model.PrincipalAgent, ExternalID: "agent-1", CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, agent, "hash"))
	require.NoError(t, s.AssignRole(ctx, agent.ID, "operator", nil))

	ok, err := s.CheckPermission(ctx, agent.ID, "device:*", "execute")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CheckPermission(ctx, agent.ID, "device:*", "delete")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckPermissionIgnoresExpiredAssignment(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutRole(ctx, &model.Role{
		Name:        "temp",
		Permissions: []model.Permission{{Resource: "*", Action: "*"}},
	}))

	agent := &model.Principal{Kind: model.PrincipalAgent, ExternalID: "agent-2", CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, agent, "hash"))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.AssignRole(ctx, agent.ID, "temp", &past))

	ok, err := s.CheckPermission(ctx, agent.ID, "anything", "anything")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAttachCertificateRejectsDuplicateFingerprint(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	d := &model.Device{MAC: "aa:bb:cc"}
	require.NoError(t, s.CreateDevice(ctx, d))

	cert1 := &model.Certificate{SerialNumber: "s1", DeviceID: d.ID, Fingerprint: "dup",
		NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour)}
	require.NoError(t, s.AttachCertificate(ctx, cert1))

	cert2 := &model.Certificate{SerialNumber: "s2", DeviceID: d.ID, Fingerprint: "dup",
		NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour)}
	err := s.AttachCertificate(ctx, cert2)
	require.True(t, uaiperr.Is(err, uaiperr.Conflict))
}

func TestRevokeCertificateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	d := &model.Device{MAC: "aa:bb:cc"}
	require.NoError(t, s.CreateDevice(ctx, d))
	cert := &model.Certificate{SerialNumber: "s1", DeviceID: d.ID, Fingerprint: "fp",
		NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour)}
	require.NoError(t, s.AttachCertificate(ctx, cert))

	require.NoError(t, s.RevokeCertificate(ctx, "s1", "compromised"))
	require.NoError(t, s.RevokeCertificate(ctx, "s1", "compromised"))
}

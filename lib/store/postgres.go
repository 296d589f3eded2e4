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
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/uaiperr"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "store"})

// principalsTable returns the relational table a principal kind is
// persisted to - agents and users share the ai_agents/users split named
// in spec §6, devices get their own richer table.
func principalsTable(kind model.PrincipalKind) string {
	switch kind {
	case model.PrincipalAgent:
		return "ai_agents"
	case model.PrincipalUser:
		return "users"
	default:
		return "ai_agents"
	}
}

// PostgresStore is the durable Credential Store backed by PostgreSQL
// (spec §4.1, §6 persisted state layout).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. The pool's lifecycle (including
// Close) is owned by the caller unless Close is called through the Store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func wrapPgErr(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return uaiperr.New(uaiperr.NotFound, "%s", notFoundMsg)
	}
	if isUniqueViolation(err) {
		return uaiperr.New(uaiperr.Conflict, "%v", err)
	}
	return uaiperr.New(uaiperr.Transient, "%v", err)
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), without importing the full pgconn error-code table.
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var pgErr sqlStater
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *model.Principal, clientSecretHash string) error {
	if err := agent.CheckAndSetDefaults(); err != nil {
		return err
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_agents (id, external_id, disabled, client_secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, agent.ID, agent.ExternalID, agent.Disabled, clientSecretHash, agent.CreatedAt)
	return wrapPgErr(err, "")
}

func (s *PostgresStore) CreateDevice(ctx context.Context, device *model.Device) error {
	if err := device.CheckAndSetDefaults(); err != nil {
		return err
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, mac, manufacturer, model, firmware_version, status, last_seen, certificate_until, configuration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, device.ID, device.MAC, device.Manufacturer, device.Model, device.FirmwareVersion,
		device.Status, device.LastSeen, device.CertificateUntil, device.Configuration)
	return wrapPgErr(err, "")
}

func (s *PostgresStore) UpdateDevice(ctx context.Context, device *model.Device) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET manufacturer=$2, model=$3, firmware_version=$4, status=$5, last_seen=$6, certificate_until=$7, configuration=$8
		WHERE id=$1
	`, device.ID, device.Manufacturer, device.Model, device.FirmwareVersion,
		device.Status, device.LastSeen, device.CertificateUntil, device.Configuration)
	if err != nil {
		return wrapPgErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return uaiperr.New(uaiperr.NotFound, "device %q not found", device.ID)
	}
	return nil
}

func (s *PostgresStore) DeactivateDevice(ctx context.Context, deviceID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uaiperr.New(uaiperr.Transient, "%v", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE devices SET status=$2 WHERE id=$1`, deviceID, model.DeviceDeactivated)
	if err != nil {
		return wrapPgErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return uaiperr.New(uaiperr.NotFound, "device %q not found", deviceID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE certificates SET revoked_at=now(), reason='deactivated'
		WHERE device_id=$1 AND revoked_at IS NULL
	`, deviceID); err != nil {
		return wrapPgErr(err, "")
	}

	if err := tx.Commit(ctx); err != nil {
		return uaiperr.New(uaiperr.Transient, "%v", err)
	}
	return nil
}

func (s *PostgresStore) GetPrincipalByExternalID(ctx context.Context, kind model.PrincipalKind, externalID string) (*model.Principal, error) {
	table := principalsTable(kind)
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_id, disabled, created_at, last_authenticated
		FROM `+table+` WHERE external_id=$1
	`, externalID)

	var p model.Principal
	p.Kind = kind
	if err := row.Scan(&p.ID, &p.ExternalID, &p.Disabled, &p.CreatedAt, &p.LastAuthenticated); err != nil {
		return nil, wrapPgErr(err, "principal not found")
	}
	return &p, nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id string) (*model.Principal, error) {
	// Agents and users share a schema shape; try both tables since the
	// kind isn't known from the id alone.
	for _, kind := range []model.PrincipalKind{model.PrincipalAgent, model.PrincipalUser} {
		row := s.pool.QueryRow(ctx, `
			SELECT id, external_id, disabled, created_at, last_authenticated
			FROM `+principalsTable(kind)+` WHERE id=$1
		`, id)
		var p model.Principal
		p.Kind = kind
		if err := row.Scan(&p.ID, &p.ExternalID, &p.Disabled, &p.CreatedAt, &p.LastAuthenticated); err == nil {
			return &p, nil
		}
	}
	return nil, uaiperr.New(uaiperr.NotFound, "principal %q not found", id)
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, mac, manufacturer, model, firmware_version, status, last_seen, certificate_until, configuration
		FROM devices WHERE id=$1
	`, id)
	var d model.Device
	if err := row.Scan(&d.ID, &d.MAC, &d.Manufacturer, &d.Model, &d.FirmwareVersion,
		&d.Status, &d.LastSeen, &d.CertificateUntil, &d.Configuration); err != nil {
		return nil, wrapPgErr(err, "device not found")
	}
	return &d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, mac, manufacturer, model, firmware_version, status, last_seen, certificate_until, configuration
		FROM devices
		WHERE ($1 = '' OR status = $1)
		ORDER BY id
		OFFSET $2 LIMIT $3
	`, string(filter.Status), filter.Offset, filter.Limit)
	if err != nil {
		return nil, wrapPgErr(err, "")
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.MAC, &d.Manufacturer, &d.Model, &d.FirmwareVersion,
			&d.Status, &d.LastSeen, &d.CertificateUntil, &d.Configuration); err != nil {
			return nil, wrapPgErr(err, "")
		}
		out = append(out, d)
	}
	return out, wrapPgErr(rows.Err(), "")
}

func (s *PostgresStore) TouchLastAuthenticated(ctx context.Context, principalID string, at time.Time) error {
	for _, table := range []string{"ai_agents", "users"} {
		tag, err := s.pool.Exec(ctx, `UPDATE `+table+` SET last_authenticated=$2 WHERE id=$1`, principalID, at)
		if err != nil {
			return wrapPgErr(err, "")
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return uaiperr.New(uaiperr.NotFound, "principal %q not found", principalID)
}

func (s *PostgresStore) GetAgentSecretHash(ctx context.Context, clientID string) (string, string, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_secret_hash, disabled FROM ai_agents WHERE external_id=$1
	`, clientID)
	var id, hash string
	var disabled bool
	if err := row.Scan(&id, &hash, &disabled); err != nil {
		return "", "", false, wrapPgErr(err, "agent not found")
	}
	return id, hash, disabled, nil
}

func (s *PostgresStore) AttachCertificate(ctx context.Context, cert *model.Certificate) error {
	if err := cert.CheckAndSetDefaults(); err != nil {
		return err
	}
	var conflicting int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM certificates WHERE fingerprint=$1 AND revoked_at IS NULL
	`, cert.Fingerprint).Scan(&conflicting); err != nil {
		return wrapPgErr(err, "")
	}
	if conflicting > 0 {
		return uaiperr.New(uaiperr.Conflict, "fingerprint %q already bound to an active certificate", cert.Fingerprint)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificates
			(serial_number, device_id, subject_cn, issuer_cn, public_key, fingerprint, not_before, not_after, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, cert.SerialNumber, cert.DeviceID, cert.SubjectCN, cert.IssuerCN, cert.PublicKey,
		cert.Fingerprint, cert.NotBefore, cert.NotAfter, cert.IssuedAt)
	return wrapPgErr(err, "")
}

func (s *PostgresStore) RevokeCertificate(ctx context.Context, serial, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE certificates SET revoked_at=now(), reason=$2
		WHERE serial_number=$1 AND revoked_at IS NULL
	`, serial, reason)
	// Idempotent by design: a second revoke of an already-revoked serial
	// affects zero rows and is not an error (spec §4.1).
	return wrapPgErr(err, "")
}

func (s *PostgresStore) GetCertificateBySerial(ctx context.Context, serial string) (*model.Certificate, error) {
	return s.scanCertificate(ctx, `WHERE serial_number=$1`, serial)
}

func (s *PostgresStore) GetCertificateByFingerprint(ctx context.Context, fingerprint string) (*model.Certificate, error) {
	return s.scanCertificate(ctx, `WHERE fingerprint=$1`, fingerprint)
}

func (s *PostgresStore) scanCertificate(ctx context.Context, where string, arg interface{}) (*model.Certificate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT serial_number, device_id, subject_cn, issuer_cn, public_key, fingerprint, not_before, not_after, issued_at, revoked_at, reason
		FROM certificates `+where, arg)
	var c model.Certificate
	if err := row.Scan(&c.SerialNumber, &c.DeviceID, &c.SubjectCN, &c.IssuerCN, &c.PublicKey,
		&c.Fingerprint, &c.NotBefore, &c.NotAfter, &c.IssuedAt, &c.RevokedAt, &c.Reason); err != nil {
		return nil, wrapPgErr(err, "certificate not found")
	}
	return &c, nil
}

func (s *PostgresStore) ListActiveCertificates(ctx context.Context, deviceID string) ([]model.Certificate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT serial_number, device_id, subject_cn, issuer_cn, public_key, fingerprint, not_before, not_after, issued_at, revoked_at, reason
		FROM certificates WHERE device_id=$1 AND revoked_at IS NULL
	`, deviceID)
	if err != nil {
		return nil, wrapPgErr(err, "")
	}
	defer rows.Close()

	var out []model.Certificate
	for rows.Next() {
		var c model.Certificate
		if err := rows.Scan(&c.SerialNumber, &c.DeviceID, &c.SubjectCN, &c.IssuerCN, &c.PublicKey,
			&c.Fingerprint, &c.NotBefore, &c.NotAfter, &c.IssuedAt, &c.RevokedAt, &c.Reason); err != nil {
			return nil, wrapPgErr(err, "")
		}
		out = append(out, c)
	}
	return out, wrapPgErr(rows.Err(), "")
}

func (s *PostgresStore) AssignRole(ctx context.Context, principalID, role string, expiry *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_roles (principal_id, role, expiry)
		VALUES ($1, $2, $3)
		ON CONFLICT (principal_id, role) DO UPDATE SET expiry=$3
	`, principalID, role, expiry)
	return wrapPgErr(err, "")
}

func (s *PostgresStore) RevokeRole(ctx context.Context, principalID, role string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM entity_roles WHERE principal_id=$1 AND role=$2`, principalID, role)
	return wrapPgErr(err, "")
}

func (s *PostgresStore) CheckPermission(ctx context.Context, principalID, resource, action string) (bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.resource, p.action
		FROM entity_roles er
		JOIN role_permissions rp ON rp.role = er.role
		JOIN permissions p ON p.id = rp.permission_id
		WHERE er.principal_id = $1 AND (er.expiry IS NULL OR er.expiry > now())
	`, principalID)
	if err != nil {
		return false, wrapPgErr(err, "")
	}
	defer rows.Close()

	var perms []model.Permission
	for rows.Next() {
		var p model.Permission
		if err := rows.Scan(&p.Resource, &p.Action); err != nil {
			return false, wrapPgErr(err, "")
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return false, wrapPgErr(err, "")
	}
	return model.PermissionSet{Permissions: perms}.Check(resource, action), nil
}

func (s *PostgresStore) GetRole(ctx context.Context, name string) (*model.Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.resource, p.action
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role = $1
	`, name)
	if err != nil {
		return nil, wrapPgErr(err, "")
	}
	defer rows.Close()

	role := &model.Role{Name: name}
	for rows.Next() {
		var p model.Permission
		if err := rows.Scan(&p.Resource, &p.Action); err != nil {
			return nil, wrapPgErr(err, "")
		}
		role.Permissions = append(role.Permissions, p)
	}
	if len(role.Permissions) == 0 {
		return nil, uaiperr.New(uaiperr.NotFound, "role %q not found", name)
	}
	return role, nil
}

func (s *PostgresStore) PutRole(ctx context.Context, role *model.Role) error {
	if err := role.CheckAndSetDefaults(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uaiperr.New(uaiperr.Transient, "%v", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role=$1`, role.Name); err != nil {
		return wrapPgErr(err, "")
	}
	for _, p := range role.Permissions {
		var permID string
		err := tx.QueryRow(ctx, `
			INSERT INTO permissions (resource, action) VALUES ($1, $2)
			ON CONFLICT (resource, action) DO UPDATE SET resource=excluded.resource
			RETURNING id
		`, p.Resource, p.Action).Scan(&permID)
		if err != nil {
			return wrapPgErr(err, "")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role, permission_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, role.Name, permID); err != nil {
			return wrapPgErr(err, "")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return uaiperr.New(uaiperr.Transient, "%v", err)
	}
	return nil
}

func (s *PostgresStore) PutCapabilities(ctx context.Context, deviceID string, capabilities []model.Capability) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uaiperr.New(uaiperr.Transient, "%v", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM capabilities WHERE device_id=$1`, deviceID); err != nil {
		return wrapPgErr(err, "")
	}
	for _, c := range capabilities {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.DeviceID = deviceID
		if _, err := tx.Exec(ctx, `
			INSERT INTO capabilities (id, device_id, kind, actions, schema)
			VALUES ($1, $2, $3, $4, $5)
		`, c.ID, c.DeviceID, c.Kind, c.Actions, c.Schema); err != nil {
			return wrapPgErr(err, "")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return uaiperr.New(uaiperr.Transient, "%v", err)
	}
	return nil
}

func (s *PostgresStore) FindDevicesWithCapability(ctx context.Context, capabilityID, action string) ([]model.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.mac, d.manufacturer, d.model, d.firmware_version, d.status, d.last_seen, d.certificate_until, d.configuration
		FROM devices d
		JOIN capabilities c ON c.device_id = d.id
		WHERE d.status = $1 AND c.id = $2 AND ($3 = '' OR $3 = ANY(c.actions))
	`, model.DeviceOnline, capabilityID, action)
	if err != nil {
		return nil, wrapPgErr(err, "")
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.MAC, &d.Manufacturer, &d.Model, &d.FirmwareVersion,
			&d.Status, &d.LastSeen, &d.CertificateUntil, &d.Configuration); err != nil {
			return nil, wrapPgErr(err, "")
		}
		out = append(out, d)
	}
	return out, wrapPgErr(rows.Err(), "")
}

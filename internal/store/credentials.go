package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/telemyapp/linkgate/internal/model"
)

// CredentialLimit returns the credential's hourly override, 0 when unset or
// when the credential is unknown.
func (s *Store) CredentialLimit(ctx context.Context, credentialID string) (int, error) {
	var limit *int
	err := s.db.QueryRow(ctx, `select hourly_limit from api_credentials where id = $1`, credentialID).Scan(&limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if limit == nil {
		return 0, nil
	}
	return *limit, nil
}

// TenantPlan falls back to the free plan for tenants without a row.
func (s *Store) TenantPlan(ctx context.Context, tenantID string) (model.PlanTier, error) {
	var plan string
	err := s.db.QueryRow(ctx, `select plan from tenants where id = $1`, tenantID).Scan(&plan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PlanFree, nil
		}
		return "", err
	}
	return model.PlanTier(plan), nil
}

// TouchCredential records one accepted action for the credential.
func (s *Store) TouchCredential(ctx context.Context, credentialID string) error {
	_, err := s.db.Exec(ctx, `update api_credentials set use_count = use_count + 1, last_used_at = now() where id = $1`, credentialID)
	return err
}

// SessionCredentials keeps protocol auth blobs in the session_credentials
// table.
type SessionCredentials struct {
	db DB
}

func (s *Store) SessionCredentials() *SessionCredentials {
	return &SessionCredentials{db: s.db}
}

func (c *SessionCredentials) Load(ctx context.Context, instanceID string) ([]byte, error) {
	var blob []byte
	err := c.db.QueryRow(ctx, `select blob from session_credentials where instance_id = $1`, instanceID).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return blob, nil
}

func (c *SessionCredentials) Save(ctx context.Context, instanceID string, blob []byte) error {
	const q = `
insert into session_credentials (instance_id, blob, updated_at)
values ($1, $2, now())
on conflict (instance_id)
do update set blob = excluded.blob, updated_at = now()`
	_, err := c.db.Exec(ctx, q, instanceID, blob)
	return err
}

func (c *SessionCredentials) Delete(ctx context.Context, instanceID string) error {
	_, err := c.db.Exec(ctx, `delete from session_credentials where instance_id = $1`, instanceID)
	return err
}

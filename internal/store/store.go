package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/linkgate/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

const instanceColumns = `
select id, tenant_id, name, status, coalesce(phone, ''), coalesce(display_name, ''),
       coalesce(pairing_code, ''), pairing_expires_at, connection_attempts,
       coalesce(last_error, ''), last_error_at, settings, created_at, updated_at
from instances`

func scanInstance(row pgx.Row) (*model.Instance, error) {
	var out model.Instance
	var status string
	var settings []byte
	if err := row.Scan(
		&out.ID, &out.TenantID, &out.Name, &status, &out.Phone, &out.DisplayName,
		&out.PairingCode, &out.PairingExpiresAt, &out.ConnectionAttempts,
		&out.LastError, &out.LastErrorAt, &settings, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	out.Status = model.InstanceStatus(status)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &out.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for %s: %w", out.ID, err)
		}
	}
	return &out, nil
}

func (s *Store) GetInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	out, err := scanInstance(s.db.QueryRow(ctx, instanceColumns+`
where id = $1`, instanceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]model.Instance, error) {
	rows, err := s.db.Query(ctx, instanceColumns+`
order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, u model.StatusUpdate) error {
	const q = `
update instances
set status = $2,
    phone = coalesce($3, phone),
    display_name = coalesce($4, display_name),
    last_error = case when $6 then null else coalesce($5, last_error) end,
    last_error_at = case when $6 then null when $5::text is not null then now() else last_error_at end,
    updated_at = now()
where id = $1`
	tag, err := s.db.Exec(ctx, q, u.InstanceID, string(u.Status), u.Phone, u.DisplayName, u.LastError, u.ClearError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPairingCode stores the current pairing code. An empty code clears it.
func (s *Store) SetPairingCode(ctx context.Context, instanceID, code string, expiresAt *time.Time) error {
	const q = `
update instances
set pairing_code = nullif($2, ''),
    pairing_expires_at = $3,
    updated_at = now()
where id = $1`
	_, err := s.db.Exec(ctx, q, instanceID, code, expiresAt)
	return err
}

func (s *Store) IncrementConnectionAttempts(ctx context.Context, instanceID string) error {
	_, err := s.db.Exec(ctx, `update instances set connection_attempts = connection_attempts + 1, updated_at = now() where id = $1`, instanceID)
	return err
}

func (s *Store) IncrementMessageCounter(ctx context.Context, instanceID string, day time.Time, direction model.MessageDirection, n int) error {
	const q = `
insert into message_counters (instance_id, day, direction, count)
values ($1, $2::date, $3, $4)
on conflict (instance_id, day, direction)
do update set count = message_counters.count + excluded.count`
	_, err := s.db.Exec(ctx, q, instanceID, day.UTC().Format("2006-01-02"), string(direction), n)
	return err
}

func (s *Store) ExpirePairingCodes(ctx context.Context) error {
	const q = `
update instances
set pairing_code = null,
    pairing_expires_at = null,
    updated_at = now()
where pairing_code is not null
  and pairing_expires_at <= now()`
	_, err := s.db.Exec(ctx, q)
	return err
}

func (s *Store) PruneMessageCounters(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention).Format("2006-01-02")
	_, err := s.db.Exec(ctx, `delete from message_counters where day < $1::date`, cutoff)
	return err
}

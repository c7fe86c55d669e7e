package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/telemyapp/linkgate/internal/model"
)

// GetSubscription returns the instance's webhook subscription, or nil when
// it has none.
func (s *Store) GetSubscription(ctx context.Context, instanceID string) (*model.EventSubscription, error) {
	const q = `
select es.instance_id, i.name, es.url, es.events, es.secret, es.headers, es.active,
       es.success_count, es.failure_count, es.last_success_at, es.last_failure_at, coalesce(es.last_error, '')
from event_subscriptions es
join instances i on i.id = es.instance_id
where es.instance_id = $1`

	var out model.EventSubscription
	var headers []byte
	if err := s.db.QueryRow(ctx, q, instanceID).Scan(
		&out.InstanceID, &out.InstanceName, &out.URL, &out.Events, &out.Secret, &headers, &out.Active,
		&out.SuccessCount, &out.FailureCount, &out.LastSuccessAt, &out.LastFailureAt, &out.LastError,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &out.Headers); err != nil {
			return nil, fmt.Errorf("decode webhook headers for %s: %w", instanceID, err)
		}
	}
	return &out, nil
}

func (s *Store) RecordDeliverySuccess(ctx context.Context, instanceID string, at time.Time) error {
	const q = `
update event_subscriptions
set success_count = success_count + 1,
    last_success_at = $2,
    updated_at = now()
where instance_id = $1`
	_, err := s.db.Exec(ctx, q, instanceID, at)
	return err
}

func (s *Store) RecordDeliveryFailure(ctx context.Context, instanceID string, at time.Time, lastErr string) error {
	const q = `
update event_subscriptions
set failure_count = failure_count + 1,
    last_failure_at = $2,
    last_error = $3,
    updated_at = now()
where instance_id = $1`
	_, err := s.db.Exec(ctx, q, instanceID, at, lastErr)
	return err
}

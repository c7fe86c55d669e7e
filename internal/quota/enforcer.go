package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/metrics"
	"github.com/telemyapp/linkgate/internal/model"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

type ExceededError struct {
	Scope   string
	Key     string
	Used    int
	Limit   int
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s %s: %d/%d until %s", e.Scope, e.Key, e.Used, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

type Usage struct {
	Used    int
	Limit   int
	ResetAt time.Time
}

type Kind string

const (
	KindMessage Kind = "message"
	KindSession Kind = "session"
)

// Request is one logical gated action.
type Request struct {
	TenantID     string
	CredentialID string
	Kind         Kind
}

// LimitSource resolves the configured limits for a credential and a tenant.
// CredentialLimit returns 0 when the credential has no override.
type LimitSource interface {
	CredentialLimit(ctx context.Context, credentialID string) (int, error)
	TenantPlan(ctx context.Context, tenantID string) (model.PlanTier, error)
}

type Enforcer struct {
	counter                Counter
	limits                 LimitSource
	defaultCredentialLimit int
	logger                 *zap.Logger
	now                    func() time.Time
}

func NewEnforcer(counter Counter, limits LimitSource, defaultCredentialLimit int, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultCredentialLimit == 0 {
		defaultCredentialLimit = 1000
	}
	return &Enforcer{
		counter:                counter,
		limits:                 limits,
		defaultCredentialLimit: defaultCredentialLimit,
		logger:                 logger,
		now:                    time.Now,
	}
}

// CheckAndRecord records one action against scopeKey when the window count
// is below limit. At or above the limit it returns *ExceededError and leaves
// the count unchanged.
func (e *Enforcer) CheckAndRecord(ctx context.Context, scopeKey string, limit int, w Window) (Usage, error) {
	u, _, err := e.record(ctx, scopeKey, limit, w)
	return u, err
}

// record is CheckAndRecord that also returns the window key it counted
// against.
func (e *Enforcer) record(ctx context.Context, scopeKey string, limit int, w Window) (Usage, string, error) {
	start, end := w.Bounds(e.now())
	key := windowKey(scopeKey, w, start)
	used, ok, err := e.counter.IncrIfBelow(ctx, key, limit, end)
	if err != nil {
		return Usage{}, key, fmt.Errorf("quota counter: %w", err)
	}
	u := Usage{Used: used, Limit: limit, ResetAt: end}
	if !ok {
		return u, key, &ExceededError{Scope: w.Name(), Key: scopeKey, Used: used, Limit: limit, ResetAt: end}
	}
	return u, key, nil
}

// Gate checks the credential scope and then the tenant scope, recording the
// action in both exactly once. A tenant rejection rolls back the credential
// increment so the rejected action is not counted anywhere.
func (e *Enforcer) Gate(ctx context.Context, req Request) error {
	credLimit, err := e.credentialLimit(ctx, req.CredentialID)
	if err != nil {
		return err
	}
	tenantLimit, tenantWindow, err := e.tenantLimit(ctx, req)
	if err != nil {
		return err
	}

	_, credWindowKey, err := e.record(ctx, "cred:"+req.CredentialID, credLimit, Hourly())
	if err != nil {
		e.reject(err, "credential", req)
		return err
	}

	tenantKey := "tenant:" + req.TenantID + ":" + string(req.Kind)
	if _, err := e.CheckAndRecord(ctx, tenantKey, tenantLimit, tenantWindow); err != nil {
		// The window the credential was counted in, even if the hour has
		// since rolled over.
		if rbErr := e.counter.Decr(ctx, credWindowKey); rbErr != nil {
			e.logger.Warn("quota_rollback_failed", zap.String("credential_id", req.CredentialID), zap.Error(rbErr))
		}
		e.reject(err, "tenant", req)
		return err
	}
	return nil
}

func (e *Enforcer) credentialLimit(ctx context.Context, credentialID string) (int, error) {
	if e.limits == nil || credentialID == "" {
		return e.defaultCredentialLimit, nil
	}
	n, err := e.limits.CredentialLimit(ctx, credentialID)
	if err != nil {
		return 0, fmt.Errorf("credential limit: %w", err)
	}
	if n == 0 {
		return e.defaultCredentialLimit, nil
	}
	return n, nil
}

func (e *Enforcer) tenantLimit(ctx context.Context, req Request) (int, Window, error) {
	tier := model.PlanFree
	if e.limits != nil {
		t, err := e.limits.TenantPlan(ctx, req.TenantID)
		if err != nil {
			return 0, nil, fmt.Errorf("tenant plan: %w", err)
		}
		tier = t
	}
	limits := model.LimitsForPlan(tier)
	if req.Kind == KindMessage {
		return limits.MonthlyMessages, Monthly(), nil
	}
	return limits.HourlySessionActions, Hourly(), nil
}

func (e *Enforcer) reject(err error, scope string, req Request) {
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		return
	}
	metrics.Default().IncCounter("linkgate_quota_rejections_total", map[string]string{"scope": scope})
	e.logger.Info("quota_rejected",
		zap.String("scope", scope),
		zap.String("tenant_id", req.TenantID),
		zap.String("credential_id", req.CredentialID),
		zap.String("kind", string(req.Kind)),
		zap.Int("used", exceeded.Used),
		zap.Int("limit", exceeded.Limit),
		zap.Time("reset_at", exceeded.ResetAt),
	)
}

func windowKey(scopeKey string, w Window, start time.Time) string {
	return scopeKey + ":" + w.Name() + ":" + strconv.FormatInt(start.Unix(), 10)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/auth"
	"github.com/telemyapp/linkgate/internal/config"
	"github.com/telemyapp/linkgate/internal/metrics"
	"github.com/telemyapp/linkgate/internal/model"
	"github.com/telemyapp/linkgate/internal/quota"
	"github.com/telemyapp/linkgate/internal/session"
	"github.com/telemyapp/linkgate/internal/status"
	"github.com/telemyapp/linkgate/internal/webhook"
)

type Store interface {
	GetInstance(ctx context.Context, instanceID string) (*model.Instance, error)
	TouchCredential(ctx context.Context, credentialID string) error
}

type Sessions interface {
	Initialize(ctx context.Context, instanceID string, cfg session.Config) error
	Connect(ctx context.Context, instanceID string) error
	Disconnect(ctx context.Context, instanceID string) error
	Restart(ctx context.Context, instanceID string) error
	Logout(ctx context.Context, instanceID string) error
	ForceDisconnect(ctx context.Context, instanceID, reason string) error
	Remove(ctx context.Context, instanceID string) error
	SendMessage(ctx context.Context, instanceID, to, content string) (string, error)
	Status(ctx context.Context, instanceID string) (session.Snapshot, error)
}

type WebhookTester interface {
	SendTest(ctx context.Context, instanceID string) (webhook.TestResult, error)
}

type QuotaGate interface {
	Gate(ctx context.Context, req quota.Request) error
}

type Events interface {
	SubscribeInstance(instanceID string, buffer int) *status.Subscription
	SubscribeTenant(tenantID string, buffer int) *status.Subscription
}

type Deps struct {
	Store    Store
	Sessions Sessions
	Webhooks WebhookTester
	Quota    QuotaGate
	Events   Events
	Logger   *zap.Logger
	// Done ends open event streams; http.Server.Shutdown does not track
	// hijacked connections.
	Done <-chan struct{}
}

type Server struct {
	cfg      config.Config
	store    Store
	sessions Sessions
	webhooks WebhookTester
	quota    QuotaGate
	events   Events
	logger   *zap.Logger
	done     <-chan struct{}
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		webhooks: deps.Webhooks,
		quota:    deps.Quota,
		events:   deps.Events,
		logger:   logger,
		done:     deps.Done,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(cfg.JWTSecret))
		v1.Get("/events", s.handleTenantEvents)

		v1.Route("/instances/{id}", func(inst chi.Router) {
			inst.Use(s.instanceOwner)
			inst.Get("/events", s.handleInstanceEvents)

			// Protocol opens are bounded by the manager's own timeout; this
			// only caps a request stuck behind a busy instance worker.
			inst.With(middleware.Timeout(time.Minute)).Group(func(act chi.Router) {
				act.Get("/status", s.handleStatus)
				act.Post("/init", s.handleInit)
				act.Post("/connect", s.handleConnect)
				act.Post("/disconnect", s.handleDisconnect)
				act.Post("/restart", s.handleRestart)
				act.Post("/logout", s.handleLogout)
				act.Post("/force-disconnect", s.handleForceDisconnect)
				act.Delete("/", s.handleRemove)
				act.Post("/messages", s.handleSendMessage)
				act.Post("/webhook/test", s.handleWebhookTest)
			})
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/auth"
	"github.com/telemyapp/linkgate/internal/model"
	"github.com/telemyapp/linkgate/internal/quota"
	"github.com/telemyapp/linkgate/internal/session"
	"github.com/telemyapp/linkgate/internal/store"
	"github.com/telemyapp/linkgate/internal/webhook"
)

type instanceKey struct{}

type forceDisconnectRequest struct {
	Reason string `json:"reason"`
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type quotaErrorResponse struct {
	apiError
	Used    int    `json:"used"`
	Limit   int    `json:"limit"`
	ResetAt string `json:"reset_at"`
}

// instanceOwner loads the instance row and hides instances owned by other
// tenants behind the same 404 as missing ones.
func (s *Server) instanceOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := auth.TenantIDFromContext(r.Context())
		if !ok {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing tenant identity")
			return
		}
		inst, err := s.store.GetInstance(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeAPIError(w, http.StatusNotFound, "not_found", "instance not found")
				return
			}
			s.logger.Error("instance_lookup_failed", zap.String("instance_id", chi.URLParam(r, "id")), zap.Error(err))
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query instance")
			return
		}
		if inst.TenantID != tenantID {
			writeAPIError(w, http.StatusNotFound, "not_found", "instance not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), instanceKey{}, inst)))
	})
}

func instanceFromContext(ctx context.Context) *model.Instance {
	inst, _ := ctx.Value(instanceKey{}).(*model.Instance)
	return inst
}

// gate passes the request through the quota enforcer exactly once. It
// writes the response and returns false when the action must not run.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, kind quota.Kind) bool {
	tenantID, _ := auth.TenantIDFromContext(r.Context())
	credentialID, _ := auth.CredentialIDFromContext(r.Context())
	err := s.quota.Gate(r.Context(), quota.Request{TenantID: tenantID, CredentialID: credentialID, Kind: kind})
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			retryAfter := int(math.Ceil(time.Until(exceeded.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			var payload quotaErrorResponse
			payload.Error.Code = "quota_exceeded"
			payload.Error.Message = exceeded.Scope + " quota exceeded"
			payload.Used = exceeded.Used
			payload.Limit = exceeded.Limit
			payload.ResetAt = exceeded.ResetAt.UTC().Format(time.RFC3339)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, payload)
			return false
		}
		s.logger.Error("quota_gate_failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "quota check failed")
		return false
	}
	if err := s.store.TouchCredential(r.Context(), credentialID); err != nil {
		s.logger.Warn("credential_touch_failed", zap.String("credential_id", credentialID), zap.Error(err))
	}
	return true
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error, instanceID, action string) {
	switch {
	case errors.Is(err, session.ErrValidation):
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, session.ErrNotInitialized):
		writeAPIError(w, http.StatusConflict, "not_initialized", "instance is not initialized")
	case errors.Is(err, session.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, session.ErrAlreadyExists):
		writeAPIError(w, http.StatusConflict, "already_exists", "instance has a live session")
	case errors.Is(err, session.ErrNotConnected):
		writeAPIError(w, http.StatusConflict, "not_connected", "instance is not connected")
	case errors.Is(err, session.ErrShuttingDown):
		writeAPIError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeAPIError(w, http.StatusGatewayTimeout, "timeout", action+" timed out")
	default:
		s.logger.Error("session_action_failed", zap.String("instance_id", instanceID), zap.String("action", action), zap.Error(err))
		writeAPIError(w, http.StatusInternalServerError, "internal_error", action+" failed")
	}
}

// respondStatus writes the in-memory snapshot, falling back to the persisted
// row for instances the manager does not hold.
func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, inst *model.Instance, code int) {
	snap, err := s.sessions.Status(r.Context(), inst.ID)
	if errors.Is(err, session.ErrNotFound) {
		snap = session.Snapshot{
			InstanceID:  inst.ID,
			TenantID:    inst.TenantID,
			Name:        inst.Name,
			Status:      inst.Status,
			Phone:       inst.Phone,
			DisplayName: inst.DisplayName,
			LastError:   inst.LastError,
		}
		err = nil
	}
	if err != nil {
		s.writeSessionError(w, err, inst.ID, "status")
		return
	}
	writeJSON(w, code, map[string]any{"instance": snap})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondStatus(w, r, instanceFromContext(r.Context()), http.StatusOK)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	inst := instanceFromContext(r.Context())
	if !s.gate(w, r, quota.KindSession) {
		return
	}
	err := s.sessions.Initialize(r.Context(), inst.ID, session.Config{
		TenantID: inst.TenantID,
		Name:     inst.Name,
		Settings: inst.Settings,
	})
	if err != nil {
		s.writeSessionError(w, err, inst.ID, "init")
		return
	}
	s.respondStatus(w, r, inst, http.StatusOK)
}

// lifecycle runs one gated manager call and answers with the resulting
// status snapshot.
func (s *Server) lifecycle(action string, fn func(ctx context.Context, instanceID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst := instanceFromContext(r.Context())
		if !s.gate(w, r, quota.KindSession) {
			return
		}
		if err := fn(r.Context(), inst.ID); err != nil {
			s.writeSessionError(w, err, inst.ID, action)
			return
		}
		s.respondStatus(w, r, inst, http.StatusOK)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("connect", s.sessions.Connect)(w, r)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("disconnect", s.sessions.Disconnect)(w, r)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("restart", s.sessions.Restart)(w, r)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("logout", s.sessions.Logout)(w, r)
}

func (s *Server) handleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	var req forceDisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	s.lifecycle("force_disconnect", func(ctx context.Context, instanceID string) error {
		return s.sessions.ForceDisconnect(ctx, instanceID, req.Reason)
	})(w, r)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	inst := instanceFromContext(r.Context())
	if !s.gate(w, r, quota.KindSession) {
		return
	}
	if err := s.sessions.Remove(r.Context(), inst.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.writeSessionError(w, err, inst.ID, "remove")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": inst.ID, "removed": true})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	inst := instanceFromContext(r.Context())
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if req.To == "" || req.Content == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "to and content are required")
		return
	}
	if !s.gate(w, r, quota.KindMessage) {
		return
	}
	msgID, err := s.sessions.SendMessage(r.Context(), inst.ID, req.To, req.Content)
	if err != nil {
		s.writeSessionError(w, err, inst.ID, "send_message")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message_id": msgID, "instance_id": inst.ID})
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	inst := instanceFromContext(r.Context())
	if !s.gate(w, r, quota.KindSession) {
		return
	}
	res, err := s.webhooks.SendTest(r.Context(), inst.ID)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNoSubscription):
			writeAPIError(w, http.StatusNotFound, "not_found", "no webhook subscription")
		case errors.Is(err, webhook.ErrSubscriptionInactive):
			writeAPIError(w, http.StatusConflict, "subscription_inactive", "webhook subscription is inactive")
		default:
			s.logger.Error("webhook_test_failed", zap.String("instance_id", inst.ID), zap.Error(err))
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "webhook test failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     res.Error == "",
		"status_code": res.StatusCode,
		"duration_ms": res.Duration.Milliseconds(),
		"error":       res.Error,
	})
}

package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/metrics"
	"github.com/telemyapp/linkgate/internal/model"
	"github.com/telemyapp/linkgate/internal/status"
)

const pairingCeilingReason = "pairing attempt ceiling reached"

// onPairingCode counts one pairing-code presentation for the current
// connection attempt. Past the ceiling the code is discarded and the session
// is force-disconnected.
func (m *Manager) onPairingCode(e *Entry, code string) {
	e.PairingAttempts++
	attempt := e.PairingAttempts
	if attempt > m.opts.PairingMaxAttempts {
		metrics.Default().IncCounter("linkgate_pairing_codes_total", map[string]string{"outcome": "ceiling"})
		m.logger.Warn("pairing_ceiling_reached",
			zap.String("instance_id", e.InstanceID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.opts.PairingMaxAttempts),
		)
		m.forceDisconnect(e, pairingCeilingReason)
		return
	}

	expiresAt := m.now().UTC().Add(m.opts.PairingTTL)
	e.PairingCode = code
	e.PairingExpiresAt = expiresAt
	sctx, cancel := m.storeCtx()
	if err := m.store.SetPairingCode(sctx, e.InstanceID, code, &expiresAt); err != nil {
		m.logger.Warn("pairing_code_persist_failed", zap.String("instance_id", e.InstanceID), zap.Error(err))
	}
	cancel()

	metrics.Default().IncCounter("linkgate_pairing_codes_total", map[string]string{"outcome": "presented"})
	m.transition(e, model.StatusQRRequired, transitionOpts{metadata: map[string]any{"attempt": attempt}})
	if m.publisher != nil {
		m.publisher.PublishPairingCode(status.PairingCode{
			InstanceID: e.InstanceID,
			TenantID:   e.Config.TenantID,
			Code:       code,
			ExpiresAt:  expiresAt,
			Attempt:    attempt,
		})
	}
	m.dispatch(e, "qr.updated", map[string]any{
		"attempt":      attempt,
		"max_attempts": m.opts.PairingMaxAttempts,
		"expires_at":   expiresAt.Format(time.RFC3339),
	})

	if attempt == m.opts.PairingMaxAttempts {
		m.armPairingExpiry(e, code)
	}
}

// armPairingExpiry force-disconnects when the last permitted code lapses
// without the session opening. A connecting update after the code does not
// disarm it; only an open connection or the end of the session does.
func (m *Manager) armPairingExpiry(e *Entry, code string) {
	gen := e.Generation
	id := e.InstanceID
	m.timer.Schedule(pairingKey(id), m.opts.PairingTTL, func() {
		_ = e.mbox.submit(m.ctx, func() {
			if gen != e.Generation || e.Handle == nil || e.Status == model.StatusConnected || e.PairingCode != code {
				return
			}
			metrics.Default().IncCounter("linkgate_pairing_codes_total", map[string]string{"outcome": "expired"})
			m.forceDisconnect(e, pairingCeilingReason)
		})
	})
}

package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/metrics"
	"github.com/telemyapp/linkgate/internal/model"
)

// backoff returns base * 2^attempts, capped at ReconnectMaxDelay when set.
func (m *Manager) backoff(attempts int) time.Duration {
	base := m.opts.ReconnectBase
	if attempts > 30 {
		attempts = 30
	}
	d := base << uint(attempts)
	if d < base {
		d = time.Duration(1<<63 - 1)
	}
	if m.opts.ReconnectMaxDelay > 0 && d > m.opts.ReconnectMaxDelay {
		d = m.opts.ReconnectMaxDelay
	}
	return d
}

// scheduleReconnect arms the next automatic reconnect, or moves the instance
// to ERROR once the attempt budget is used up. The attempt counter advances
// when the reconnect fires.
func (m *Manager) scheduleReconnect(e *Entry, cause error) {
	msg := "connection closed"
	if cause != nil {
		msg = cause.Error()
	}
	if e.ReconnectAttempts >= m.opts.ReconnectMaxAttempts {
		e.Terminal = true
		metrics.Default().IncCounter("linkgate_reconnects_exhausted_total", nil)
		m.logger.Warn("reconnect_attempts_exhausted",
			zap.String("instance_id", e.InstanceID),
			zap.Int("attempts", e.ReconnectAttempts),
			zap.String("error", msg),
		)
		m.transition(e, model.StatusError, transitionOpts{lastError: msg, metadata: map[string]any{"reconnect_attempts": e.ReconnectAttempts}})
		return
	}

	delay := m.backoff(e.ReconnectAttempts)
	gen := e.Generation
	id := e.InstanceID
	m.transition(e, model.StatusReconnecting, transitionOpts{
		lastError: msg,
		metadata:  map[string]any{"attempt": e.ReconnectAttempts + 1, "delay_ms": delay.Milliseconds()},
	})
	if !m.timer.Schedule(reconnectKey(id), delay, func() { m.fireReconnect(e, gen) }) {
		return
	}
	metrics.Default().IncCounter("linkgate_reconnects_scheduled_total", nil)
	m.logger.Info("reconnect_scheduled",
		zap.String("instance_id", id),
		zap.Int("attempt", e.ReconnectAttempts+1),
		zap.Duration("delay", delay),
		zap.String("error", msg),
	)
}

// fireReconnect runs on the timer goroutine and hands the reconnect to the
// worker, which drops it when anything changed since it was armed.
func (m *Manager) fireReconnect(e *Entry, gen uint64) {
	err := e.mbox.submit(m.ctx, func() {
		if gen != e.Generation || e.Manual || e.Terminal || e.Status != model.StatusReconnecting || m.closing() {
			m.logger.Debug("stale_reconnect_dropped", zap.String("instance_id", e.InstanceID))
			return
		}
		e.ReconnectAttempts++
		m.open(e, false)
	})
	if err != nil {
		m.logger.Debug("reconnect_not_submitted", zap.String("instance_id", e.InstanceID), zap.Error(err))
	}
}

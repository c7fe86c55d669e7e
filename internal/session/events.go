package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/metrics"
	"github.com/telemyapp/linkgate/internal/model"
	"github.com/telemyapp/linkgate/internal/protocol"
)

// pump forwards h's events to the instance mailbox in arrival order. After
// stop is closed it keeps draining h so the producer never blocks on a
// retired handle.
func (m *Manager) pump(e *Entry, h protocol.Handle, gen uint64, stop <-chan struct{}) {
	for ev := range h.Events() {
		select {
		case <-stop:
			continue
		default:
		}
		ev := ev
		if !m.enqueue(e, stop, func() { m.handleEvent(e, gen, ev) }) {
			metrics.Default().IncCounter("linkgate_session_events_dropped_total", nil)
			m.logger.Debug("session_event_dropped", zap.String("instance_id", e.InstanceID), zap.String("kind", ev.Kind.String()))
		}
	}
	select {
	case <-stop:
		return
	default:
	}
	m.enqueue(e, stop, func() {
		m.closed(e, gen, &protocol.CloseReason{Message: "event stream ended"}, false)
	})
}

func (m *Manager) enqueue(e *Entry, stop <-chan struct{}, fn func()) bool {
	select {
	case e.mbox.ch <- fn:
		return true
	case <-stop:
		return false
	case <-e.mbox.quit:
		return false
	}
}

func (m *Manager) handleEvent(e *Entry, gen uint64, ev protocol.Event) {
	if gen != e.Generation {
		m.logger.Debug("stale_session_event", zap.String("instance_id", e.InstanceID), zap.String("kind", ev.Kind.String()))
		return
	}
	switch ev.Kind {
	case protocol.EventConnectionUpdate:
		if ev.Connection != nil {
			m.handleConnection(e, gen, ev.Connection)
		}
	case protocol.EventCredentialsUpdate:
		m.saveCredentials(e, ev.Credentials)
	case protocol.EventMessagesReceived:
		m.handleMessages(e, ev.Messages)
	case protocol.EventContactsUpdated:
		m.handleContacts(e, ev.Contacts)
	default:
		m.logger.Debug("session_event_ignored", zap.String("instance_id", e.InstanceID), zap.Int("kind", int(ev.Kind)))
	}
}

func (m *Manager) handleConnection(e *Entry, gen uint64, u *protocol.ConnectionUpdate) {
	if u.PairingCode != "" {
		m.onPairingCode(e, u.PairingCode)
		if gen != e.Generation {
			return
		}
	}
	switch u.State {
	case protocol.StateOpen:
		m.timer.Cancel(pairingKey(e.InstanceID))
		e.ReconnectAttempts = 0
		m.clearPairing(e)
		opts := transitionOpts{clearError: true}
		if u.Phone != "" {
			opts.phone = &u.Phone
		}
		if u.DisplayName != "" {
			opts.displayName = &u.DisplayName
		}
		m.transition(e, model.StatusConnected, opts)
	case protocol.StateConnecting:
		if u.PairingCode == "" && e.Status != model.StatusConnecting {
			m.transition(e, model.StatusConnecting, transitionOpts{})
		}
	case protocol.StateClose:
		loggedOut := u.Close != nil && u.Close.LoggedOut
		var cause error
		if u.Close != nil {
			cause = u.Close
		} else {
			cause = &protocol.CloseReason{Message: "connection closed"}
		}
		m.closed(e, gen, cause, loggedOut)
	}
}

// closed handles the end of the session identified by gen, whether the
// remote side closed it or it never opened.
func (m *Manager) closed(e *Entry, gen uint64, cause error, loggedOut bool) {
	if gen != e.Generation {
		return
	}
	m.retire(e, nil)
	if m.closing() {
		return
	}
	switch {
	case loggedOut:
		m.loggedOut(e, "logged out remotely")
	case e.Manual:
		if e.Status != model.StatusDisconnected {
			m.transition(e, model.StatusDisconnected, transitionOpts{})
		}
	case e.Terminal:
		m.logger.Debug("close_on_terminal_session", zap.String("instance_id", e.InstanceID))
	default:
		m.scheduleReconnect(e, cause)
	}
}

func (m *Manager) saveCredentials(e *Entry, blob []byte) {
	if len(blob) == 0 {
		return
	}
	sctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.creds.Save(sctx, e.InstanceID, blob); err != nil {
		m.logger.Error("credentials_save_failed", zap.String("instance_id", e.InstanceID), zap.Error(err))
	}
}

// handleMessages forwards metadata only. Message bodies never leave the
// process through webhooks.
func (m *Manager) handleMessages(e *Entry, msgs []protocol.Message) {
	inbound := 0
	for _, msg := range msgs {
		if msg.FromMe {
			continue
		}
		inbound++
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = m.now()
		}
		m.dispatch(e, "message.received", map[string]any{
			"message_id": msg.ID,
			"from":       msg.From,
			"to":         msg.To,
			"type":       msg.Type,
			"timestamp":  ts.UTC().Format(time.RFC3339),
		})
	}
	if inbound > 0 {
		m.countMessages(e, model.DirectionInbound, inbound, m.now().UTC())
	}
}

func (m *Manager) handleContacts(e *Entry, contacts []protocol.Contact) {
	if len(contacts) == 0 {
		return
	}
	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	m.dispatch(e, "contacts.updated", map[string]any{"count": len(contacts), "ids": ids})
}

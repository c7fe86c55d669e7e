// Package session owns the lifecycle of every instance's protocol session:
// the state machine, the pairing-code budget, reconnect backoff and forced
// termination.
//
// Each instance has one mailbox worker. Public operations and protocol events
// for an instance are queued on its mailbox and run one at a time, so entry
// state is never touched concurrently. Instances never share a worker.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/credentials"
	"github.com/telemyapp/linkgate/internal/metrics"
	"github.com/telemyapp/linkgate/internal/model"
	"github.com/telemyapp/linkgate/internal/protocol"
	"github.com/telemyapp/linkgate/internal/schedule"
	"github.com/telemyapp/linkgate/internal/status"
)

// Store is the persistence the manager writes lifecycle state to.
type Store interface {
	UpdateInstanceStatus(ctx context.Context, u model.StatusUpdate) error
	SetPairingCode(ctx context.Context, instanceID, code string, expiresAt *time.Time) error
	IncrementConnectionAttempts(ctx context.Context, instanceID string) error
	IncrementMessageCounter(ctx context.Context, instanceID string, day time.Time, direction model.MessageDirection, n int) error
	ListInstances(ctx context.Context) ([]model.Instance, error)
}

type Dispatcher interface {
	Dispatch(instanceID, eventType string, data any)
	CancelInstance(instanceID string)
}

type Publisher interface {
	PublishTransition(t status.Transition)
	PublishPairingCode(pc status.PairingCode)
}

type Options struct {
	PairingMaxAttempts   int
	PairingTTL           time.Duration
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
	// ReconnectMaxDelay caps the backoff delay. Zero disables the cap.
	ReconnectMaxDelay time.Duration
	OpenTimeout       time.Duration
	MailboxSize       int
}

func DefaultOptions() Options {
	return Options{
		PairingMaxAttempts:   3,
		PairingTTL:           60 * time.Second,
		ReconnectBase:        5 * time.Second,
		ReconnectMaxAttempts: 5,
		OpenTimeout:          30 * time.Second,
		MailboxSize:          64,
	}
}

type Deps struct {
	Client      protocol.Client
	Store       Store
	Credentials credentials.Store
	Publisher   Publisher
	Dispatcher  Dispatcher
	Logger      *zap.Logger
}

type Manager struct {
	client     protocol.Client
	store      Store
	creds      credentials.Store
	publisher  Publisher
	dispatcher Dispatcher
	logger     *zap.Logger
	opts       Options

	reg   *Registry
	timer *schedule.Scheduler
	now   func() time.Time

	shutting atomic.Bool
	workers  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(deps Deps, opts Options) *Manager {
	def := DefaultOptions()
	if opts.PairingMaxAttempts <= 0 {
		opts.PairingMaxAttempts = def.PairingMaxAttempts
	}
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = def.PairingTTL
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = def.ReconnectBase
	}
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = def.OpenTimeout
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = def.MailboxSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	creds := deps.Credentials
	if creds == nil {
		creds = credentials.NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		client:     deps.Client,
		store:      deps.Store,
		creds:      creds,
		publisher:  deps.Publisher,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		opts:       opts,
		reg:        NewRegistry(),
		timer:      schedule.New(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func reconnectKey(instanceID string) string { return "reconnect:" + instanceID }
func pairingKey(instanceID string) string   { return "pairing:" + instanceID }

func (m *Manager) closing() bool {
	return m.shutting.Load()
}

// storeCtx bounds a single persistence call made from a worker.
func (m *Manager) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, 5*time.Second)
}

// Initialize registers cfg for instanceID without opening a session. It may
// be repeated while no session is live; with a live session it fails with
// ErrAlreadyExists.
func (m *Manager) Initialize(ctx context.Context, instanceID string, cfg Config) error {
	if strings.TrimSpace(instanceID) == "" || strings.TrimSpace(cfg.TenantID) == "" {
		return fmt.Errorf("%w: instance id and tenant id are required", ErrValidation)
	}
	if m.closing() {
		return ErrShuttingDown
	}
	e, created := m.register(instanceID, cfg, model.StatusUninitialized)
	if created {
		m.logger.Info("session_initialized", zap.String("instance_id", instanceID), zap.String("tenant_id", cfg.TenantID))
		return m.do(ctx, instanceID, func(e *Entry) error {
			m.transition(e, model.StatusDisconnected, transitionOpts{})
			return nil
		})
	}
	return m.do(ctx, e.InstanceID, func(e *Entry) error {
		if e.Handle != nil {
			return ErrAlreadyExists
		}
		e.Config = cfg
		return nil
	})
}

// register creates the entry and starts its worker when none exists.
func (m *Manager) register(instanceID string, cfg Config, st model.InstanceStatus) (*Entry, bool) {
	e := &Entry{
		InstanceID: instanceID,
		Config:     cfg,
		Status:     st,
		mbox:       newMailbox(m.opts.MailboxSize),
	}
	got, created := m.reg.Insert(e)
	if !created {
		return got, false
	}
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		e.mbox.run(func(r any) { m.recoverPanic(e, r) })
	}()
	return e, true
}

// do runs fn on the instance's worker and waits for its result.
func (m *Manager) do(ctx context.Context, instanceID string, fn func(e *Entry) error) error {
	e, ok := m.reg.Get(instanceID)
	if !ok {
		return ErrNotFound
	}
	result := make(chan error, 1)
	err := e.mbox.submit(ctx, func() {
		err := ErrInternal
		defer func() { result <- err }()
		err = fn(e)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-e.mbox.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrNotFound
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect opens a new protocol session with a fresh pairing and reconnect
// budget. It is a no-op while a session is already live.
func (m *Manager) Connect(ctx context.Context, instanceID string) error {
	if m.closing() {
		return ErrShuttingDown
	}
	err := m.do(ctx, instanceID, func(e *Entry) error {
		if m.closing() {
			return ErrShuttingDown
		}
		if e.Handle != nil && e.Status.Live() {
			m.logger.Debug("connect_noop_live_session", zap.String("instance_id", instanceID), zap.String("status", string(e.Status)))
			return nil
		}
		m.open(e, true)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotInitialized
	}
	return err
}

// Restart ends any live session without entering backoff and connects again
// with a fresh pairing budget.
func (m *Manager) Restart(ctx context.Context, instanceID string) error {
	if m.closing() {
		return ErrShuttingDown
	}
	err := m.do(ctx, instanceID, func(e *Entry) error {
		if m.closing() {
			return ErrShuttingDown
		}
		m.logger.Info("session_restart", zap.String("instance_id", instanceID), zap.String("status", string(e.Status)))
		m.open(e, true)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotInitialized
	}
	return err
}

// Disconnect ends the live session and keeps stored credentials. No
// reconnect is scheduled until the next explicit Connect.
func (m *Manager) Disconnect(ctx context.Context, instanceID string) error {
	return m.do(ctx, instanceID, func(e *Entry) error {
		e.Manual = true
		m.cancelTimers(e)
		m.retire(e, nil)
		m.clearPairing(e)
		if e.Status.Terminal() {
			return nil
		}
		m.transition(e, model.StatusDisconnected, transitionOpts{metadata: map[string]any{"reason": "manual"}})
		return nil
	})
}

// Logout unlinks the device on the protocol side and erases stored
// credentials. The next Connect needs a new pairing.
func (m *Manager) Logout(ctx context.Context, instanceID string) error {
	return m.do(ctx, instanceID, func(e *Entry) error {
		m.cancelTimers(e)
		if e.Handle != nil {
			lctx, cancel := context.WithTimeout(ctx, m.opts.OpenTimeout)
			if err := e.Handle.Logout(lctx); err != nil {
				m.logger.Warn("protocol_logout_failed", zap.String("instance_id", instanceID), zap.Error(err))
			}
			cancel()
		}
		m.loggedOut(e, "logout requested")
		return nil
	})
}

// ForceDisconnect terminates the session into FORCE_DISCONNECTED. Automatic
// reconnects stay off until an explicit Connect or Restart.
func (m *Manager) ForceDisconnect(ctx context.Context, instanceID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "forced disconnect"
	}
	return m.do(ctx, instanceID, func(e *Entry) error {
		m.forceDisconnect(e, reason)
		return nil
	})
}

// Remove tears the instance down completely: scheduled work, the live
// session, stored credentials and its registry entry.
func (m *Manager) Remove(ctx context.Context, instanceID string) error {
	return m.do(ctx, instanceID, func(e *Entry) error {
		m.cancelTimers(e)
		if m.dispatcher != nil {
			m.dispatcher.CancelInstance(instanceID)
		}
		m.retire(e, nil)
		sctx, cancel := m.storeCtx()
		if err := m.creds.Delete(sctx, instanceID); err != nil {
			m.logger.Error("credentials_delete_failed", zap.String("instance_id", instanceID), zap.Error(err))
		}
		cancel()
		m.reg.Delete(instanceID)
		e.mbox.stop()
		m.logger.Info("session_removed", zap.String("instance_id", instanceID))
		return nil
	})
}

// SendMessage sends a text message through the live session.
func (m *Manager) SendMessage(ctx context.Context, instanceID, to, content string) (string, error) {
	if strings.TrimSpace(to) == "" || content == "" {
		return "", fmt.Errorf("%w: recipient and content are required", ErrValidation)
	}
	var msgID string
	err := m.do(ctx, instanceID, func(e *Entry) error {
		if e.Handle == nil || e.Status != model.StatusConnected {
			return ErrNotConnected
		}
		id, err := e.Handle.SendMessage(ctx, to, content)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		msgID = id
		now := m.now().UTC()
		m.countMessages(e, model.DirectionOutbound, 1, now)
		m.dispatch(e, "message.sent", map[string]any{
			"message_id": id,
			"to":         to,
			"type":       "text",
			"timestamp":  now.Format(time.RFC3339),
		})
		return nil
	})
	return msgID, err
}

// Status returns a snapshot of the instance's in-memory session state.
func (m *Manager) Status(ctx context.Context, instanceID string) (Snapshot, error) {
	var snap Snapshot
	err := m.do(ctx, instanceID, func(e *Entry) error {
		snap = e.snapshot()
		return nil
	})
	return snap, err
}

// Restore rebuilds entries from persisted instances. Only instances that
// were CONNECTED are reconnected; stale in-flight statuses are reset to
// DISCONNECTED.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	insts, err := m.store.ListInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}
	reconnected := 0
	for _, inst := range insts {
		cfg := Config{TenantID: inst.TenantID, Name: inst.Name, Settings: inst.Settings}
		e, created := m.register(inst.ID, cfg, inst.Status)
		if !created {
			continue
		}
		restore := inst
		err := m.do(ctx, e.InstanceID, func(e *Entry) error {
			e.Phone = restore.Phone
			e.DisplayName = restore.DisplayName
			e.LastError = restore.LastError
			switch {
			case restore.Status == model.StatusConnected:
				m.open(e, true)
				reconnected++
			case restore.Status.Live() || restore.Status == model.StatusReconnecting:
				m.transition(e, model.StatusDisconnected, transitionOpts{metadata: map[string]any{"reason": "restart"}})
			case restore.Status.Terminal():
				e.Terminal = true
			}
			return nil
		})
		if err != nil {
			return reconnected, err
		}
	}
	m.logger.Info("sessions_restored", zap.Int("instances", len(insts)), zap.Int("reconnected", reconnected))
	return reconnected, nil
}

// Shutdown stops new connects, cancels scheduled reconnects and ends every
// live session without touching credentials or persisted status, so the
// next Restore picks the same sessions up again.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shutting.CompareAndSwap(false, true) {
		return nil
	}
	m.timer.Stop()

	entries := m.reg.All()
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			err := m.do(ctx, e.InstanceID, func(e *Entry) error {
				if e.Handle != nil {
					m.logger.Info("session_end_on_shutdown", zap.String("instance_id", e.InstanceID))
				}
				m.retire(e, nil)
				return nil
			})
			if err != nil && !errors.Is(err, ErrNotFound) {
				m.logger.Warn("session_shutdown_incomplete", zap.String("instance_id", e.InstanceID), zap.Error(err))
			}
		}(e)
	}
	wg.Wait()

	for _, e := range entries {
		e.mbox.stop()
	}
	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	m.cancel()
	return ctx.Err()
}

// open starts a protocol session for e, replacing any live one. fresh resets
// the pairing and reconnect budgets and clears the terminal and manual flags.
func (m *Manager) open(e *Entry, fresh bool) {
	id := e.InstanceID
	m.cancelTimers(e)
	m.retire(e, nil)
	if fresh {
		e.PairingAttempts = 0
		e.ReconnectAttempts = 0
		e.Terminal = false
		e.Manual = false
	}
	e.Generation++
	gen := e.Generation

	opts := transitionOpts{metadata: map[string]any{"reconnect_attempt": e.ReconnectAttempts}}
	if fresh {
		opts.clearError = true
	}
	m.transition(e, model.StatusConnecting, opts)

	sctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.IncrementConnectionAttempts(sctx, id); err != nil {
		m.logger.Warn("connection_attempts_update_failed", zap.String("instance_id", id), zap.Error(err))
	}

	blob, err := m.creds.Load(sctx, id)
	if err != nil {
		m.logger.Error("credentials_load_failed", zap.String("instance_id", id), zap.Error(err))
		m.closed(e, gen, fmt.Errorf("load credentials: %w", err), false)
		return
	}

	octx, ocancel := context.WithTimeout(m.ctx, m.opts.OpenTimeout)
	h, err := m.client.Open(octx, protocol.Config{
		InstanceID:  id,
		TenantID:    e.Config.TenantID,
		Credentials: blob,
		Settings:    e.Config.Settings,
	})
	ocancel()
	if err != nil {
		m.logger.Warn("protocol_open_failed", zap.String("instance_id", id), zap.Error(err))
		m.closed(e, gen, err, false)
		return
	}

	e.Handle = h
	e.stop = make(chan struct{})
	metrics.Default().AddGauge("linkgate_live_sessions", 1, nil)
	go m.pump(e, h, gen, e.stop)
	m.logger.Info("session_opened",
		zap.String("instance_id", id),
		zap.Bool("fresh", fresh),
		zap.Bool("has_credentials", len(blob) > 0),
		zap.Int("reconnect_attempts", e.ReconnectAttempts),
	)
}

// retire ends the live handle, if any, and advances the generation so that
// anything still queued for the old handle is ignored.
func (m *Manager) retire(e *Entry, cause error) {
	if e.Handle == nil {
		return
	}
	h := e.Handle
	close(e.stop)
	e.Handle = nil
	e.stop = nil
	e.Generation++
	metrics.Default().AddGauge("linkgate_live_sessions", -1, nil)
	if err := h.End(cause); err != nil {
		m.logger.Warn("protocol_end_failed", zap.String("instance_id", e.InstanceID), zap.Error(err))
	}
}

func (m *Manager) cancelTimers(e *Entry) {
	m.timer.Cancel(reconnectKey(e.InstanceID))
	m.timer.Cancel(pairingKey(e.InstanceID))
}

func (m *Manager) forceDisconnect(e *Entry, reason string) {
	m.cancelTimers(e)
	e.Terminal = true
	e.Manual = false
	m.retire(e, errors.New(reason))
	m.clearPairing(e)
	m.transition(e, model.StatusForceDisconnected, transitionOpts{lastError: reason, metadata: map[string]any{"reason": reason}})
	m.dispatch(e, "session.force_disconnected", map[string]any{"reason": reason})
	m.logger.Warn("session_force_disconnected", zap.String("instance_id", e.InstanceID), zap.String("reason", reason))
}

func (m *Manager) loggedOut(e *Entry, reason string) {
	m.cancelTimers(e)
	m.retire(e, nil)
	e.Manual = true
	e.Terminal = false
	sctx, cancel := m.storeCtx()
	if err := m.creds.Delete(sctx, e.InstanceID); err != nil {
		m.logger.Error("credentials_delete_failed", zap.String("instance_id", e.InstanceID), zap.Error(err))
	}
	cancel()
	m.clearPairing(e)
	e.Phone = ""
	e.DisplayName = ""
	m.transition(e, model.StatusLoggedOut, transitionOpts{metadata: map[string]any{"reason": reason}})
	m.dispatch(e, "session.logged_out", map[string]any{"reason": reason})
	m.logger.Info("session_logged_out", zap.String("instance_id", e.InstanceID), zap.String("reason", reason))
}

func (m *Manager) clearPairing(e *Entry) {
	m.timer.Cancel(pairingKey(e.InstanceID))
	if e.PairingCode == "" {
		return
	}
	e.PairingCode = ""
	e.PairingExpiresAt = time.Time{}
	sctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.SetPairingCode(sctx, e.InstanceID, "", nil); err != nil {
		m.logger.Warn("pairing_code_clear_failed", zap.String("instance_id", e.InstanceID), zap.Error(err))
	}
}

type transitionOpts struct {
	phone       *string
	displayName *string
	lastError   string
	clearError  bool
	metadata    map[string]any
}

// transition persists the new status and, when it differs from the old
// one, publishes it and emits connection.update.
func (m *Manager) transition(e *Entry, to model.InstanceStatus, o transitionOpts) {
	from := e.Status
	e.Status = to
	u := model.StatusUpdate{InstanceID: e.InstanceID, Status: to, Phone: o.phone, DisplayName: o.displayName}
	if o.phone != nil {
		e.Phone = *o.phone
	}
	if o.displayName != nil {
		e.DisplayName = *o.displayName
	}
	switch {
	case o.lastError != "":
		e.LastError = o.lastError
		u.LastError = &o.lastError
	case o.clearError:
		e.LastError = ""
		u.ClearError = true
	}

	sctx, cancel := m.storeCtx()
	if err := m.store.UpdateInstanceStatus(sctx, u); err != nil {
		m.logger.Error("status_persist_failed", zap.String("instance_id", e.InstanceID), zap.String("status", string(to)), zap.Error(err))
	}
	cancel()

	if from == to {
		return
	}
	metrics.Default().IncCounter("linkgate_session_transitions_total", map[string]string{"from": string(from), "to": string(to)})
	m.logger.Info("session_transition",
		zap.String("instance_id", e.InstanceID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if m.publisher != nil {
		m.publisher.PublishTransition(status.Transition{
			InstanceID: e.InstanceID,
			TenantID:   e.Config.TenantID,
			OldStatus:  from,
			NewStatus:  to,
			Metadata:   o.metadata,
			At:         m.now().UTC(),
		})
	}
	data := map[string]any{"status": string(to), "previous_status": string(from)}
	if to == model.StatusConnected {
		data["phone"] = e.Phone
		data["display_name"] = e.DisplayName
	}
	if e.LastError != "" && (to == model.StatusError || to == model.StatusForceDisconnected || to == model.StatusReconnecting) {
		data["error"] = e.LastError
	}
	m.dispatch(e, "connection.update", data)
}

func (m *Manager) dispatch(e *Entry, eventType string, data any) {
	if m.dispatcher == nil {
		return
	}
	m.dispatcher.Dispatch(e.InstanceID, eventType, data)
}

func (m *Manager) countMessages(e *Entry, dir model.MessageDirection, n int, at time.Time) {
	metrics.Default().IncCounter("linkgate_messages_total", map[string]string{"direction": string(dir)})
	sctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.IncrementMessageCounter(sctx, e.InstanceID, at, dir, n); err != nil {
		m.logger.Warn("message_counter_update_failed", zap.String("instance_id", e.InstanceID), zap.Error(err))
	}
}

// recoverPanic runs on the worker after a queued function panicked. The
// instance goes to ERROR and needs an explicit Connect or Restart.
func (m *Manager) recoverPanic(e *Entry, r any) {
	defer func() {
		if r2 := recover(); r2 != nil {
			m.logger.Error("session_panic_recovery_failed", zap.String("instance_id", e.InstanceID), zap.Any("panic", r2))
		}
	}()
	msg := fmt.Sprintf("internal error: %v", r)
	m.logger.Error("session_panic",
		zap.String("instance_id", e.InstanceID),
		zap.String("tenant_id", e.Config.TenantID),
		zap.String("status", string(e.Status)),
		zap.Uint64("generation", e.Generation),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()),
	)
	m.cancelTimers(e)
	e.Terminal = true
	m.retire(e, errors.New(msg))
	m.transition(e, model.StatusError, transitionOpts{lastError: msg})
}

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telemyapp/linkgate/internal/credentials"
	"github.com/telemyapp/linkgate/internal/model"
	"github.com/telemyapp/linkgate/internal/protocol"
	"github.com/telemyapp/linkgate/internal/status"
)

type recordingStore struct {
	mu        sync.Mutex
	updates   []model.StatusUpdate
	pairing   map[string]string
	attempts  map[string]int
	messages  map[model.MessageDirection]int
	instances []model.Instance
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		pairing:  make(map[string]string),
		attempts: make(map[string]int),
		messages: make(map[model.MessageDirection]int),
	}
}

func (s *recordingStore) UpdateInstanceStatus(_ context.Context, u model.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingStore) SetPairingCode(_ context.Context, instanceID, code string, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairing[instanceID] = code
	return nil
}

func (s *recordingStore) IncrementConnectionAttempts(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[instanceID]++
	return nil
}

func (s *recordingStore) IncrementMessageCounter(_ context.Context, _ string, _ time.Time, dir model.MessageDirection, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[dir] += n
	return nil
}

func (s *recordingStore) ListInstances(context.Context) ([]model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Instance(nil), s.instances...), nil
}

func (s *recordingStore) lastStatus(instanceID string) model.InstanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].InstanceID == instanceID {
			return s.updates[i].Status
		}
	}
	return ""
}

type dispatched struct {
	instanceID string
	eventType  string
	data       any
}

type recordingDispatcher struct {
	mu        sync.Mutex
	events    []dispatched
	cancelled []string
}

func (d *recordingDispatcher) Dispatch(instanceID, eventType string, data any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, dispatched{instanceID, eventType, data})
}

func (d *recordingDispatcher) CancelInstance(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, instanceID)
}

func (d *recordingDispatcher) ofType(eventType string) []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dispatched
	for _, ev := range d.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	m      *Manager
	client *protocol.FakeClient
	store  *recordingStore
	creds  *credentials.MemoryStore
	disp   *recordingDispatcher
	pub    *status.Publisher
}

func testOptions() Options {
	return Options{
		PairingMaxAttempts:   3,
		PairingTTL:           time.Minute,
		ReconnectBase:        20 * time.Millisecond,
		ReconnectMaxAttempts: 5,
		OpenTimeout:          time.Second,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		client: protocol.NewFakeClient(),
		store:  newRecordingStore(),
		creds:  credentials.NewMemoryStore(),
		disp:   &recordingDispatcher{},
		pub:    status.NewPublisher(nil),
	}
	h.m = NewManager(Deps{
		Client:      h.client,
		Store:       h.store,
		Credentials: h.creds,
		Publisher:   h.pub,
		Dispatcher:  h.disp,
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) init(t *testing.T, id string) {
	t.Helper()
	if err := h.m.Initialize(context.Background(), id, Config{TenantID: "ten_1", Name: "line " + id}); err != nil {
		t.Fatalf("initialize %s: %v", id, err)
	}
}

func (h *harness) connect(t *testing.T, id string) *protocol.FakeHandle {
	t.Helper()
	if err := h.m.Connect(context.Background(), id); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	fh := h.client.Last(id)
	if fh == nil {
		t.Fatalf("no protocol handle opened for %s", id)
	}
	return fh
}

func (h *harness) status(t *testing.T, id string) Snapshot {
	t.Helper()
	snap, err := h.m.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status %s: %v", id, err)
	}
	return snap
}

func (h *harness) waitStatus(t *testing.T, id string, want model.InstanceStatus) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := h.status(t, id)
		if snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("status=%s want %s (last error %q)", snap.Status, want, snap.LastError)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func emitOpen(fh *protocol.FakeHandle) {
	fh.Emit(protocol.Event{Kind: protocol.EventConnectionUpdate, Connection: &protocol.ConnectionUpdate{
		State: protocol.StateOpen, Phone: "15551234567", DisplayName: "Acme Support",
	}})
}

func emitCode(fh *protocol.FakeHandle, code string) {
	fh.Emit(protocol.Event{Kind: protocol.EventConnectionUpdate, Connection: &protocol.ConnectionUpdate{
		State: protocol.StateConnecting, PairingCode: code,
	}})
}

func TestConnectReachesConnected(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	if got := h.status(t, "inst_1").Status; got != model.StatusConnecting {
		t.Fatalf("status after connect=%s want CONNECTING", got)
	}
	emitOpen(fh)
	snap := h.waitStatus(t, "inst_1", model.StatusConnected)
	if snap.Phone != "15551234567" || snap.DisplayName != "Acme Support" {
		t.Fatalf("identity not recorded: %+v", snap)
	}
	if h.store.lastStatus("inst_1") != model.StatusConnected {
		t.Fatalf("persisted status=%s want CONNECTED", h.store.lastStatus("inst_1"))
	}
	if len(h.disp.ofType("connection.update")) == 0 {
		t.Fatal("expected connection.update dispatch")
	}
}

func TestConnectRequiresInitialize(t *testing.T) {
	h := newHarness(t, testOptions())
	if err := h.m.Connect(context.Background(), "missing"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeSemantics(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	if err := h.m.Initialize(context.Background(), "inst_1", Config{TenantID: "ten_1", Name: "renamed"}); err != nil {
		t.Fatalf("repeat initialize without session: %v", err)
	}
	h.connect(t, "inst_1")
	err := h.m.Initialize(context.Background(), "inst_1", Config{TenantID: "ten_1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists with live session, got %v", err)
	}
	if err := h.m.Initialize(context.Background(), "", Config{TenantID: "ten_1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAtMostOneLiveSession(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.m.Connect(context.Background(), "inst_1")
		}()
	}
	wg.Wait()
	if n := h.client.LiveCount("inst_1"); n != 1 {
		t.Fatalf("live handles=%d want 1", n)
	}
	if n := len(h.client.Handles()); n != 1 {
		t.Fatalf("opened handles=%d want 1 (connect on a live session is a no-op)", n)
	}

	for i := 0; i < 3; i++ {
		if err := h.m.Restart(context.Background(), "inst_1"); err != nil {
			t.Fatalf("restart: %v", err)
		}
		if n := h.client.LiveCount("inst_1"); n != 1 {
			t.Fatalf("after restart live handles=%d want 1", n)
		}
	}
}

func TestPairingCeilingForceDisconnects(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	sub := h.pub.SubscribeInstance("inst_1", 64)
	defer sub.Close()
	fh := h.connect(t, "inst_1")

	for i, code := range []string{"code-1", "code-2", "code-3"} {
		emitCode(fh, code)
		snap := h.waitStatus(t, "inst_1", model.StatusQRRequired)
		for snap.PairingAttempts != i+1 {
			snap = h.status(t, "inst_1")
		}
		if snap.PairingCode != code {
			t.Fatalf("pairing code=%q want %q", snap.PairingCode, code)
		}
	}
	emitCode(fh, "code-4")
	snap := h.waitStatus(t, "inst_1", model.StatusForceDisconnected)
	if snap.LastError != pairingCeilingReason {
		t.Fatalf("last error=%q want %q", snap.LastError, pairingCeilingReason)
	}
	if snap.PairingCode != "" {
		t.Fatalf("pairing code kept after force disconnect: %q", snap.PairingCode)
	}
	if !fh.Ended() {
		t.Fatal("protocol handle not ended")
	}
	if n := len(h.disp.ofType("qr.updated")); n != 3 {
		t.Fatalf("qr.updated dispatched %d times want 3", n)
	}

	codes := 0
	for {
		select {
		case n := <-sub.C:
			if n.Kind == status.KindPairingCode {
				codes++
				if n.PairingCode.Code == "code-4" {
					t.Fatal("code past the ceiling was presented")
				}
			}
			continue
		default:
		}
		break
	}
	if codes != 3 {
		t.Fatalf("pairing notifications=%d want 3", codes)
	}
}

func TestLastPairingCodeExpiryForceDisconnects(t *testing.T) {
	opts := testOptions()
	opts.PairingTTL = 30 * time.Millisecond
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")

	emitCode(fh, "code-1")
	emitCode(fh, "code-2")
	emitCode(fh, "code-3")
	snap := h.waitStatus(t, "inst_1", model.StatusForceDisconnected)
	if snap.LastError != pairingCeilingReason || snap.PairingAttempts != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLastPairingCodeExpiresWhileConnecting(t *testing.T) {
	opts := testOptions()
	opts.PairingTTL = 30 * time.Millisecond
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")

	emitCode(fh, "code-1")
	emitCode(fh, "code-2")
	emitCode(fh, "code-3")
	fh.Emit(protocol.Event{Kind: protocol.EventConnectionUpdate, Connection: &protocol.ConnectionUpdate{
		State: protocol.StateConnecting,
	}})
	snap := h.waitStatus(t, "inst_1", model.StatusForceDisconnected)
	if snap.LastError != pairingCeilingReason || snap.PairingAttempts != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.client.LiveCount("inst_1") != 0 {
		t.Fatalf("session still live after last code expired")
	}
}

func TestOpenDisarmsLastPairingCodeExpiry(t *testing.T) {
	opts := testOptions()
	opts.PairingTTL = 30 * time.Millisecond
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")

	emitCode(fh, "code-1")
	emitCode(fh, "code-2")
	emitCode(fh, "code-3")
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)
	time.Sleep(5 * opts.PairingTTL)
	if snap := h.status(t, "inst_1"); snap.Status != model.StatusConnected {
		t.Fatalf("status=%s after expiry window, want CONNECTED", snap.Status)
	}
}

func TestRestartGrantsFreshPairingBudget(t *testing.T) {
	opts := testOptions()
	opts.PairingMaxAttempts = 2
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	emitCode(fh, "a")
	emitCode(fh, "b")
	h.waitStatus(t, "inst_1", model.StatusQRRequired)

	if err := h.m.Restart(context.Background(), "inst_1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	fh2 := h.client.Last("inst_1")
	if fh2 == fh {
		t.Fatal("restart did not open a new session")
	}
	emitCode(fh2, "c")
	snap := h.waitStatus(t, "inst_1", model.StatusQRRequired)
	for snap.PairingAttempts != 1 {
		snap = h.status(t, "inst_1")
	}
	if snap.Terminal {
		t.Fatal("restart inherited the exhausted pairing budget")
	}
}

func TestTransientDisconnectReconnectsAfterBaseDelay(t *testing.T) {
	opts := testOptions()
	opts.ReconnectBase = 40 * time.Millisecond
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)

	closedAt := time.Now()
	fh.CloseRemote(&protocol.CloseReason{Code: 428, Message: "connection lost"})
	snap := h.waitStatus(t, "inst_1", model.StatusReconnecting)
	if snap.ReconnectAttempts != 0 {
		t.Fatalf("attempts incremented on scheduling: %d", snap.ReconnectAttempts)
	}

	var fh2 *protocol.FakeHandle
	deadline := time.Now().Add(2 * time.Second)
	for {
		if last := h.client.Last("inst_1"); last != fh {
			fh2 = last
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reconnect never fired")
		}
		time.Sleep(time.Millisecond)
	}
	if elapsed := time.Since(closedAt); elapsed < 35*time.Millisecond {
		t.Fatalf("reconnect fired after %s, want about %s", elapsed, opts.ReconnectBase)
	}
	if got := h.status(t, "inst_1").ReconnectAttempts; got != 1 {
		t.Fatalf("attempts after firing=%d want 1", got)
	}

	emitOpen(fh2)
	snap = h.waitStatus(t, "inst_1", model.StatusConnected)
	if snap.ReconnectAttempts != 0 {
		t.Fatalf("attempts after reconnect=%d want 0", snap.ReconnectAttempts)
	}
}

func TestReconnectCeilingYieldsError(t *testing.T) {
	opts := testOptions()
	opts.ReconnectBase = 2 * time.Millisecond
	opts.ReconnectMaxAttempts = 2
	h := newHarness(t, opts)
	h.client.OnOpen = func(fh *protocol.FakeHandle) {
		go fh.CloseRemote(&protocol.CloseReason{Message: "stream errored"})
	}
	h.init(t, "inst_1")
	if err := h.m.Connect(context.Background(), "inst_1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	snap := h.waitStatus(t, "inst_1", model.StatusError)
	if snap.LastError != "stream errored" {
		t.Fatalf("last error=%q", snap.LastError)
	}
	if snap.ReconnectAttempts != 2 {
		t.Fatalf("attempts=%d want 2", snap.ReconnectAttempts)
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(h.client.Handles()); n != 3 {
		t.Fatalf("opens=%d want 3 (initial + 2 reconnects)", n)
	}
	if h.m.timer.Pending(reconnectKey("inst_1")) {
		t.Fatal("reconnect still scheduled after ceiling")
	}
}

func TestOpenFailureIsAbsorbedByReconnect(t *testing.T) {
	opts := testOptions()
	opts.ReconnectBase = time.Hour
	h := newHarness(t, opts)
	h.client.OpenErr = func(protocol.Config) error { return errors.New("dial failed") }
	h.init(t, "inst_1")
	if err := h.m.Connect(context.Background(), "inst_1"); err != nil {
		t.Fatalf("connect surfaced connection error: %v", err)
	}
	snap := h.status(t, "inst_1")
	if snap.Status != model.StatusReconnecting || snap.LastError != "dial failed" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestForceDisconnectBlocksReconnectUntilConnect(t *testing.T) {
	opts := testOptions()
	opts.ReconnectBase = 30 * time.Millisecond
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)
	fh.CloseRemote(&protocol.CloseReason{Message: "connection lost"})
	h.waitStatus(t, "inst_1", model.StatusReconnecting)

	if err := h.m.ForceDisconnect(context.Background(), "inst_1", "abuse report"); err != nil {
		t.Fatalf("force disconnect: %v", err)
	}
	snap := h.status(t, "inst_1")
	if snap.Status != model.StatusForceDisconnected || snap.LastError != "abuse report" || !snap.Terminal {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	time.Sleep(80 * time.Millisecond)
	if n := len(h.client.Handles()); n != 1 {
		t.Fatalf("reconnect fired after force disconnect: %d opens", n)
	}
	if len(h.disp.ofType("session.force_disconnected")) != 1 {
		t.Fatal("expected session.force_disconnected dispatch")
	}

	h.connect(t, "inst_1")
	if n := len(h.client.Handles()); n != 2 {
		t.Fatalf("explicit connect did not open a session: %d opens", n)
	}
	if snap := h.status(t, "inst_1"); snap.Terminal || snap.Status != model.StatusConnecting {
		t.Fatalf("unexpected snapshot after connect %+v", snap)
	}
}

func TestDisconnectThenConnectOpensNewSession(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	fh.Emit(protocol.Event{Kind: protocol.EventCredentialsUpdate, Credentials: []byte(`{"k":1}`)})
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)

	if err := h.m.Disconnect(context.Background(), "inst_1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	snap := h.status(t, "inst_1")
	if snap.Status != model.StatusDisconnected || !snap.Manual {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !fh.Ended() {
		t.Fatal("handle not ended")
	}
	blob, _ := h.creds.Load(context.Background(), "inst_1")
	if string(blob) != `{"k":1}` {
		t.Fatalf("credentials lost on disconnect: %q", blob)
	}

	fh2 := h.connect(t, "inst_1")
	if fh2 == fh {
		t.Fatal("expected a new session")
	}
	if string(fh2.Config.Credentials) != `{"k":1}` {
		t.Fatalf("stored credentials not reused: %q", fh2.Config.Credentials)
	}
	if h.status(t, "inst_1").Manual {
		t.Fatal("connect did not clear the manual flag")
	}
}

func TestDisconnectKeepsTerminalStatus(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)

	if err := h.m.ForceDisconnect(context.Background(), "inst_1", "abuse report"); err != nil {
		t.Fatalf("force disconnect: %v", err)
	}
	if err := h.m.Disconnect(context.Background(), "inst_1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	snap := h.status(t, "inst_1")
	if snap.Status != model.StatusForceDisconnected || snap.LastError != "abuse report" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.m.timer.Pending(reconnectKey("inst_1")) {
		t.Fatal("reconnect scheduled after disconnect")
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	opts := testOptions()
	opts.ReconnectBase = 5 * time.Millisecond
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)
	if err := h.m.Disconnect(context.Background(), "inst_1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	fh.CloseRemote(&protocol.CloseReason{Message: "late close"})
	time.Sleep(40 * time.Millisecond)
	if n := len(h.client.Handles()); n != 1 {
		t.Fatalf("reconnect after manual disconnect: %d opens", n)
	}
}

func TestLogoutErasesCredentials(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	fh.Emit(protocol.Event{Kind: protocol.EventCredentialsUpdate, Credentials: []byte("blob")})
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)

	if err := h.m.Logout(context.Background(), "inst_1"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !fh.LoggedOut() || !fh.Ended() {
		t.Fatal("protocol logout/end not called")
	}
	if blob, _ := h.creds.Load(context.Background(), "inst_1"); blob != nil {
		t.Fatalf("credentials kept after logout: %q", blob)
	}
	if got := h.status(t, "inst_1").Status; got != model.StatusLoggedOut {
		t.Fatalf("status=%s want LOGGED_OUT", got)
	}
	if len(h.disp.ofType("session.logged_out")) != 1 {
		t.Fatal("expected session.logged_out dispatch")
	}
	h.connect(t, "inst_1")
}

func TestRemoteLogoutIsNotRetried(t *testing.T) {
	opts := testOptions()
	opts.ReconnectBase = 5 * time.Millisecond
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	fh.Emit(protocol.Event{Kind: protocol.EventCredentialsUpdate, Credentials: []byte("blob")})
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)

	fh.CloseRemote(&protocol.CloseReason{Code: 401, Message: "device removed", LoggedOut: true})
	h.waitStatus(t, "inst_1", model.StatusLoggedOut)
	time.Sleep(30 * time.Millisecond)
	if n := len(h.client.Handles()); n != 1 {
		t.Fatalf("reconnect after remote logout: %d opens", n)
	}
	if blob, _ := h.creds.Load(context.Background(), "inst_1"); blob != nil {
		t.Fatal("credentials kept after remote logout")
	}
}

func TestRemoveCancelsScheduledWork(t *testing.T) {
	opts := testOptions()
	opts.ReconnectBase = 30 * time.Millisecond
	h := newHarness(t, opts)
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)
	fh.CloseRemote(&protocol.CloseReason{Message: "connection lost"})
	h.waitStatus(t, "inst_1", model.StatusReconnecting)

	if err := h.m.Remove(context.Background(), "inst_1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if n := len(h.client.Handles()); n != 1 {
		t.Fatalf("reconnect fired after remove: %d opens", n)
	}
	if _, err := h.m.Status(context.Background(), "inst_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	h.disp.mu.Lock()
	cancelled := append([]string(nil), h.disp.cancelled...)
	h.disp.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "inst_1" {
		t.Fatalf("webhook retries not cancelled: %v", cancelled)
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")

	if _, err := h.m.SendMessage(context.Background(), "inst_1", "15550001111", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before open, got %v", err)
	}
	if _, err := h.m.SendMessage(context.Background(), "inst_1", "", "hi"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	emitOpen(fh)
	h.waitStatus(t, "inst_1", model.StatusConnected)
	id, err := h.m.SendMessage(context.Background(), "inst_1", "15550001111", "secret body")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" || len(fh.Sent()) != 1 {
		t.Fatalf("message not sent through handle: id=%q sent=%d", id, len(fh.Sent()))
	}
	sent := h.disp.ofType("message.sent")
	if len(sent) != 1 {
		t.Fatalf("message.sent dispatched %d times", len(sent))
	}
	data := sent[0].data.(map[string]any)
	if data["message_id"] != id {
		t.Fatalf("unexpected payload %v", data)
	}
	for _, v := range data {
		if v == "secret body" {
			t.Fatal("message content leaked into webhook payload")
		}
	}
	h.store.mu.Lock()
	out := h.store.messages[model.DirectionOutbound]
	h.store.mu.Unlock()
	if out != 1 {
		t.Fatalf("outbound counter=%d want 1", out)
	}
}

func TestInboundMessagesDispatchMetadataOnly(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	fh := h.connect(t, "inst_1")
	emitOpen(fh)
	fh.Emit(protocol.Event{Kind: protocol.EventMessagesReceived, Messages: []protocol.Message{
		{ID: "m1", From: "15550002222", Type: "text", Content: "private"},
		{ID: "m2", From: "me", FromMe: true, Content: "echo"},
	}})
	fh.Emit(protocol.Event{Kind: protocol.EventContactsUpdated, Contacts: []protocol.Contact{{ID: "c1"}}})

	deadline := time.Now().Add(2 * time.Second)
	for len(h.disp.ofType("contacts.updated")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("contacts.updated never dispatched")
		}
		time.Sleep(time.Millisecond)
	}
	received := h.disp.ofType("message.received")
	if len(received) != 1 {
		t.Fatalf("message.received dispatched %d times want 1", len(received))
	}
	data := received[0].data.(map[string]any)
	if _, ok := data["content"]; ok || data["message_id"] != "m1" {
		t.Fatalf("unexpected payload %v", data)
	}
}

func TestStaleEventsFromReplacedHandleAreIgnored(t *testing.T) {
	h := newHarness(t, testOptions())
	h.init(t, "inst_1")
	old := h.connect(t, "inst_1")
	if err := h.m.Restart(context.Background(), "inst_1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	emitOpen(old)
	fresh := h.client.Last("inst_1")
	emitCode(fresh, "code-1")
	h.waitStatus(t, "inst_1", model.StatusQRRequired)
	if got := h.status(t, "inst_1").Status; got != model.StatusQRRequired {
		t.Fatalf("stale open event changed status to %s", got)
	}
}

func TestPanicInWorkerMarksError(t *testing.T) {
	h := newHarness(t, testOptions())
	h.client.OpenErr = func(protocol.Config) error { panic("boom") }
	h.init(t, "inst_1")
	err := h.m.Connect(context.Background(), "inst_1")
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	snap := h.status(t, "inst_1")
	if snap.Status != model.StatusError || !snap.Terminal || snap.LastError == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	h.client.OpenErr = nil
	h.connect(t, "inst_1")
	if got := h.status(t, "inst_1").Status; got != model.StatusConnecting {
		t.Fatalf("status after recovery connect=%s", got)
	}
}

func TestRestoreReconnectsOnlyConnected(t *testing.T) {
	h := newHarness(t, testOptions())
	h.store.instances = []model.Instance{
		{ID: "a", TenantID: "ten_1", Name: "a", Status: model.StatusConnected},
		{ID: "b", TenantID: "ten_1", Name: "b", Status: model.StatusDisconnected},
		{ID: "c", TenantID: "ten_1", Name: "c", Status: model.StatusReconnecting},
		{ID: "d", TenantID: "ten_1", Name: "d", Status: model.StatusForceDisconnected, LastError: "abuse"},
	}
	n, err := h.m.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconnected=%d want 1", n)
	}
	if h.client.Last("a") == nil || h.client.Last("b") != nil || h.client.Last("c") != nil || h.client.Last("d") != nil {
		t.Fatal("unexpected set of sessions opened")
	}
	if got := h.status(t, "c").Status; got != model.StatusDisconnected {
		t.Fatalf("stale RECONNECTING restored as %s", got)
	}
	if snap := h.status(t, "d"); !snap.Terminal || snap.LastError != "abuse" {
		t.Fatalf("terminal instance restored as %+v", snap)
	}
}

func TestShutdownEndsSessionsQuietly(t *testing.T) {
	h := newHarness(t, testOptions())
	for _, id := range []string{"a", "b"} {
		h.init(t, id)
		fh := h.connect(t, id)
		fh.Emit(protocol.Event{Kind: protocol.EventCredentialsUpdate, Credentials: []byte("blob-" + id)})
		emitOpen(fh)
		h.waitStatus(t, id, model.StatusConnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if !h.client.Last(id).Ended() {
			t.Fatalf("%s still live after shutdown", id)
		}
		if blob, _ := h.creds.Load(context.Background(), id); string(blob) != "blob-"+id {
			t.Fatalf("%s credentials touched on shutdown", id)
		}
		if got := h.store.lastStatus(id); got != model.StatusConnected {
			t.Fatalf("%s persisted status=%s, want CONNECTED kept for restore", id, got)
		}
	}
	if err := h.m.Connect(context.Background(), "a"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestBackoffDoubles(t *testing.T) {
	m := NewManager(Deps{}, Options{ReconnectBase: time.Second, ReconnectMaxDelay: 10 * time.Second})
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{64, 10 * time.Second},
	}
	for _, tc := range tests {
		if got := m.backoff(tc.attempts); got != tc.want {
			t.Fatalf("backoff(%d)=%s want %s", tc.attempts, got, tc.want)
		}
	}
}

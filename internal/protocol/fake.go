package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrHandleClosed = errors.New("protocol handle closed")

// FakeClient is an in-process Client. Every Open returns a FakeHandle whose
// events are driven by the caller, or by OnOpen when set.
type FakeClient struct {
	mu      sync.Mutex
	handles []*FakeHandle
	OpenErr func(cfg Config) error
	OnOpen  func(h *FakeHandle)
}

func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// NewAutoPairingClient returns a fake that presents one pairing code and then
// reports the session as open, for running the service without a real
// protocol backend.
func NewAutoPairingClient(delay time.Duration) *FakeClient {
	c := NewFakeClient()
	c.OnOpen = func(h *FakeHandle) {
		go func() {
			if len(h.Config.Credentials) == 0 {
				h.Emit(Event{Kind: EventConnectionUpdate, Connection: &ConnectionUpdate{
					State:       StateConnecting,
					PairingCode: "fake-pairing-" + uuid.NewString()[:8],
				}})
				time.Sleep(delay)
				h.Emit(Event{Kind: EventCredentialsUpdate, Credentials: []byte(`{"fake":true}`)})
			}
			h.Emit(Event{Kind: EventConnectionUpdate, Connection: &ConnectionUpdate{
				State:       StateOpen,
				Phone:       "15550000000",
				DisplayName: "linkgate fake",
			}})
		}()
	}
	return c
}

func (c *FakeClient) Open(ctx context.Context, cfg Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.OpenErr != nil {
		if err := c.OpenErr(cfg); err != nil {
			return nil, err
		}
	}
	h := &FakeHandle{
		Config: cfg,
		events: make(chan Event, 64),
	}
	c.mu.Lock()
	c.handles = append(c.handles, h)
	onOpen := c.OnOpen
	c.mu.Unlock()
	if onOpen != nil {
		onOpen(h)
	}
	return h, nil
}

// Handles returns every handle opened so far, oldest first.
func (c *FakeClient) Handles() []*FakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeHandle(nil), c.handles...)
}

// Last returns the most recently opened handle for instanceID.
func (c *FakeClient) Last(instanceID string) *FakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.handles) - 1; i >= 0; i-- {
		if c.handles[i].Config.InstanceID == instanceID {
			return c.handles[i]
		}
	}
	return nil
}

// LiveCount reports how many handles for instanceID have not been ended.
func (c *FakeClient) LiveCount(instanceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.handles {
		if h.Config.InstanceID == instanceID && !h.Ended() {
			n++
		}
	}
	return n
}

type FakeHandle struct {
	Config Config

	mu        sync.Mutex
	events    chan Event
	ended     bool
	loggedOut bool
	sent      []Message
}

func (h *FakeHandle) Events() <-chan Event {
	return h.events
}

// Emit delivers ev to the consumer. It is a no-op once the handle ended.
func (h *FakeHandle) Emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.events <- ev
}

// CloseRemote simulates the remote side dropping the session.
func (h *FakeHandle) CloseRemote(reason *CloseReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.events <- Event{Kind: EventConnectionUpdate, Connection: &ConnectionUpdate{State: StateClose, Close: reason}}
	h.ended = true
	close(h.events)
}

func (h *FakeHandle) SendMessage(_ context.Context, to, content string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return "", ErrHandleClosed
	}
	id := "msg_" + uuid.NewString()
	h.sent = append(h.sent, Message{ID: id, To: to, Type: "text", FromMe: true, Timestamp: time.Now().UTC(), Content: content})
	return id, nil
}

func (h *FakeHandle) Logout(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return nil
}

func (h *FakeHandle) End(_ error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return nil
	}
	h.ended = true
	close(h.events)
	return nil
}

func (h *FakeHandle) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

func (h *FakeHandle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

func (h *FakeHandle) Sent() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.sent...)
}

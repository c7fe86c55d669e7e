package session

import (
	"sort"
	"sync"
	"time"

	"github.com/telemyapp/linkgate/internal/model"
	"github.com/telemyapp/linkgate/internal/protocol"
)

// Config is what Initialize registers for an instance.
type Config struct {
	TenantID string
	Name     string
	Settings map[string]any
}

// Entry is the single in-memory record for one instance. Fields are only
// read or written from the instance's mailbox worker.
type Entry struct {
	InstanceID string
	Config     Config
	Status     model.InstanceStatus

	Handle     protocol.Handle
	Generation uint64
	stop       chan struct{}

	ReconnectAttempts int
	PairingAttempts   int
	Manual            bool
	Terminal          bool

	Phone            string
	DisplayName      string
	PairingCode      string
	PairingExpiresAt time.Time
	LastError        string

	mbox *mailbox
}

// Snapshot is a copy of an Entry safe to hand out of the worker.
type Snapshot struct {
	InstanceID        string               `json:"instanceId"`
	TenantID          string               `json:"tenantId"`
	Name              string               `json:"name"`
	Status            model.InstanceStatus `json:"status"`
	Live              bool                 `json:"live"`
	ReconnectAttempts int                  `json:"reconnectAttempts"`
	PairingAttempts   int                  `json:"pairingAttempts"`
	Manual            bool                 `json:"manualDisconnect"`
	Terminal          bool                 `json:"terminal"`
	Phone             string               `json:"phone,omitempty"`
	DisplayName       string               `json:"displayName,omitempty"`
	PairingCode       string               `json:"pairingCode,omitempty"`
	PairingExpiresAt  *time.Time           `json:"pairingExpiresAt,omitempty"`
	LastError         string               `json:"lastError,omitempty"`
}

func (e *Entry) snapshot() Snapshot {
	s := Snapshot{
		InstanceID:        e.InstanceID,
		TenantID:          e.Config.TenantID,
		Name:              e.Config.Name,
		Status:            e.Status,
		Live:              e.Handle != nil,
		ReconnectAttempts: e.ReconnectAttempts,
		PairingAttempts:   e.PairingAttempts,
		Manual:            e.Manual,
		Terminal:          e.Terminal,
		Phone:             e.Phone,
		DisplayName:       e.DisplayName,
		PairingCode:       e.PairingCode,
		LastError:         e.LastError,
	}
	if e.PairingCode != "" && !e.PairingExpiresAt.IsZero() {
		exp := e.PairingExpiresAt
		s.PairingExpiresAt = &exp
	}
	return s
}

// Registry maps instance ids to entries. Its lock only guards the map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func (r *Registry) Get(instanceID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[instanceID]
	return e, ok
}

// Insert adds e unless an entry for the id exists, in which case the
// existing entry is returned with false.
func (r *Registry) Insert(e *Entry) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.InstanceID]; ok {
		return cur, false
	}
	r.entries[e.InstanceID] = e
	return e, true
}

func (r *Registry) Delete(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, instanceID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All returns the entries ordered by instance id.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

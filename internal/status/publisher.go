// Package status fans lifecycle transitions and pairing codes out to
// per-instance and per-tenant subscribers.
package status

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/metrics"
	"github.com/telemyapp/linkgate/internal/model"
)

type Kind string

const (
	KindTransition  Kind = "status"
	KindPairingCode Kind = "pairing_code"
)

type Transition struct {
	InstanceID string               `json:"instanceId"`
	TenantID   string               `json:"tenantId"`
	OldStatus  model.InstanceStatus `json:"oldStatus"`
	NewStatus  model.InstanceStatus `json:"newStatus"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	At         time.Time            `json:"at"`
}

type PairingCode struct {
	InstanceID string    `json:"instanceId"`
	TenantID   string    `json:"tenantId"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Attempt    int       `json:"attempt"`
}

type Notification struct {
	Kind        Kind         `json:"kind"`
	Transition  *Transition  `json:"transition,omitempty"`
	PairingCode *PairingCode `json:"pairingCode,omitempty"`
}

func (n Notification) instanceAndTenant() (string, string) {
	switch {
	case n.Transition != nil:
		return n.Transition.InstanceID, n.Transition.TenantID
	case n.PairingCode != nil:
		return n.PairingCode.InstanceID, n.PairingCode.TenantID
	default:
		return "", ""
	}
}

// Sink receives every notification after local fan-out, e.g. a message bus
// bridge. Publish must not block for long.
type Sink interface {
	Publish(n Notification)
}

type Subscription struct {
	C <-chan Notification

	ch     chan Notification
	pub    *Publisher
	scope  string
	key    string
	id     uint64
	closed bool
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.pub.unsubscribe(s)
}

type Publisher struct {
	mu         sync.RWMutex
	seq        uint64
	byInstance map[string]map[uint64]*Subscription
	byTenant   map[string]map[uint64]*Subscription
	sinks      []Sink
	logger     *zap.Logger
}

func NewPublisher(logger *zap.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		byInstance: make(map[string]map[uint64]*Subscription),
		byTenant:   make(map[string]map[uint64]*Subscription),
		sinks:      sinks,
		logger:     logger,
	}
}

func (p *Publisher) SubscribeInstance(instanceID string, buffer int) *Subscription {
	return p.subscribe("instance", instanceID, buffer)
}

func (p *Publisher) SubscribeTenant(tenantID string, buffer int) *Subscription {
	return p.subscribe("tenant", tenantID, buffer)
}

func (p *Publisher) subscribe(scope, key string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	sub := &Subscription{C: ch, ch: ch, pub: p, scope: scope, key: key, id: p.seq}
	m := p.scopeMap(scope)
	if m[key] == nil {
		m[key] = make(map[uint64]*Subscription)
	}
	m[key][sub.id] = sub
	return sub
}

func (p *Publisher) unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	m := p.scopeMap(sub.scope)
	delete(m[sub.key], sub.id)
	if len(m[sub.key]) == 0 {
		delete(m, sub.key)
	}
	close(sub.ch)
}

func (p *Publisher) scopeMap(scope string) map[string]map[uint64]*Subscription {
	if scope == "tenant" {
		return p.byTenant
	}
	return p.byInstance
}

func (p *Publisher) PublishTransition(t Transition) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	p.publish(Notification{Kind: KindTransition, Transition: &t})
}

func (p *Publisher) PublishPairingCode(pc PairingCode) {
	p.publish(Notification{Kind: KindPairingCode, PairingCode: &pc})
}

func (p *Publisher) publish(n Notification) {
	instanceID, tenantID := n.instanceAndTenant()
	p.mu.RLock()
	for _, sub := range p.byInstance[instanceID] {
		p.offer(sub, n)
	}
	if tenantID != "" {
		for _, sub := range p.byTenant[tenantID] {
			p.offer(sub, n)
		}
	}
	sinks := p.sinks
	p.mu.RUnlock()

	for _, s := range sinks {
		s.Publish(n)
	}
}

// offer never blocks the lifecycle path; a full subscriber loses the
// notification.
func (p *Publisher) offer(sub *Subscription, n Notification) {
	select {
	case sub.ch <- n:
	default:
		metrics.Default().IncCounter("linkgate_status_notifications_dropped_total", nil)
		p.logger.Warn("status_notification_dropped",
			zap.String("scope", sub.scope),
			zap.String("key", sub.key),
			zap.String("kind", string(n.Kind)),
		)
	}
}

package model

import "time"

type InstanceStatus string

const (
	StatusUninitialized     InstanceStatus = "UNINITIALIZED"
	StatusDisconnected      InstanceStatus = "DISCONNECTED"
	StatusConnecting        InstanceStatus = "CONNECTING"
	StatusQRRequired        InstanceStatus = "QR_REQUIRED"
	StatusConnected         InstanceStatus = "CONNECTED"
	StatusReconnecting      InstanceStatus = "RECONNECTING"
	StatusLoggedOut         InstanceStatus = "LOGGED_OUT"
	StatusError             InstanceStatus = "ERROR"
	StatusForceDisconnected InstanceStatus = "FORCE_DISCONNECTED"
)

// Live reports whether a protocol session is open or being opened.
func (s InstanceStatus) Live() bool {
	switch s {
	case StatusConnecting, StatusQRRequired, StatusConnected:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status blocks automatic reconnection until an
// explicit connect or restart.
func (s InstanceStatus) Terminal() bool {
	return s == StatusError || s == StatusForceDisconnected
}

type Instance struct {
	ID                 string
	TenantID           string
	Name               string
	Status             InstanceStatus
	Phone              string
	DisplayName        string
	PairingCode        string
	PairingExpiresAt   *time.Time
	ConnectionAttempts int
	LastError          string
	LastErrorAt        *time.Time
	Settings           map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StatusUpdate carries one persisted lifecycle transition. Nil pointers leave
// the stored column untouched.
type StatusUpdate struct {
	InstanceID  string
	Status      InstanceStatus
	Phone       *string
	DisplayName *string
	LastError   *string
	ClearError  bool
}

type EventSubscription struct {
	InstanceID    string
	InstanceName  string
	URL           string
	Events        []string
	Secret        string
	Headers       map[string]string
	Active        bool
	SuccessCount  int64
	FailureCount  int64
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// Wants reports whether the subscription is active and subscribed to
// eventType. The "*" entry subscribes to every event.
func (s *EventSubscription) Wants(eventType string) bool {
	if s == nil || !s.Active || s.URL == "" {
		return false
	}
	for _, e := range s.Events {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// Unlimited disables a quota scope.
const Unlimited = -1

type PlanLimits struct {
	MonthlyMessages      int
	HourlySessionActions int
}

func LimitsForPlan(tier PlanTier) PlanLimits {
	switch tier {
	case PlanStarter:
		return PlanLimits{MonthlyMessages: 10000, HourlySessionActions: 120}
	case PlanPro:
		return PlanLimits{MonthlyMessages: 100000, HourlySessionActions: 600}
	case PlanEnterprise:
		return PlanLimits{MonthlyMessages: Unlimited, HourlySessionActions: Unlimited}
	default:
		return PlanLimits{MonthlyMessages: 1000, HourlySessionActions: 60}
	}
}

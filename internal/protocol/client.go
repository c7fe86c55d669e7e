// Package protocol describes the messaging-protocol client that linkgate
// drives. Connection establishment, encryption and multi-device sync live
// behind Client; the lifecycle manager only consumes Handle events and issues
// Handle commands.
package protocol

import (
	"context"
	"time"
)

type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

type EventKind int

const (
	EventConnectionUpdate EventKind = iota + 1
	EventCredentialsUpdate
	EventMessagesReceived
	EventContactsUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionUpdate:
		return "connection_update"
	case EventCredentialsUpdate:
		return "credentials_update"
	case EventMessagesReceived:
		return "messages_received"
	case EventContactsUpdated:
		return "contacts_updated"
	default:
		return "unknown"
	}
}

// CloseReason explains why the remote side closed a session. LoggedOut means
// the linked device was removed and stored credentials are no longer valid.
type CloseReason struct {
	Code      int
	Message   string
	LoggedOut bool
}

func (r *CloseReason) Error() string {
	if r == nil {
		return "connection closed"
	}
	if r.Message == "" {
		return "connection closed"
	}
	return r.Message
}

type ConnectionUpdate struct {
	State       ConnState
	PairingCode string
	Close       *CloseReason
	Phone       string
	DisplayName string
}

type Message struct {
	ID        string
	From      string
	To        string
	Type      string
	FromMe    bool
	Timestamp time.Time
	Content   string
}

type Contact struct {
	ID   string
	Name string
}

type Event struct {
	Kind        EventKind
	Connection  *ConnectionUpdate
	Credentials []byte
	Messages    []Message
	Contacts    []Contact
}

type Config struct {
	InstanceID  string
	TenantID    string
	Credentials []byte
	Settings    map[string]any
}

type Client interface {
	Open(ctx context.Context, cfg Config) (Handle, error)
}

// Handle is one live protocol session. Events is closed after End or after
// the remote side closes the session.
type Handle interface {
	Events() <-chan Event
	SendMessage(ctx context.Context, to, content string) (string, error)
	Logout(ctx context.Context) error
	End(err error) error
}

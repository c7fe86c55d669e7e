package status

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// MsgPublisher is the part of *nats.Conn the sink uses.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink mirrors notifications onto
// <prefix>.instance.<id>.<kind> and <prefix>.tenant.<id>.<kind>.
type NATSSink struct {
	conn   MsgPublisher
	prefix string
	logger *zap.Logger
}

func NewNATSSink(conn MsgPublisher, prefix string, logger *zap.Logger) *NATSSink {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "linkgate"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}
}

func (s *NATSSink) Publish(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("nats_marshal_failed", zap.Error(err))
		return
	}
	instanceID, tenantID := n.instanceAndTenant()
	for _, subject := range Subjects(s.prefix, n.Kind, instanceID, tenantID) {
		msg := nats.NewMsg(subject)
		msg.Data = data
		msg.Header.Set("Linkgate-Kind", string(n.Kind))
		if err := s.conn.PublishMsg(msg); err != nil {
			s.logger.Warn("nats_publish_failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

// Subjects lists the subjects a notification is published on.
func Subjects(prefix string, kind Kind, instanceID, tenantID string) []string {
	out := make([]string, 0, 2)
	if instanceID != "" {
		out = append(out, prefix+".instance."+subjectToken(instanceID)+"."+string(kind))
	}
	if tenantID != "" {
		out = append(out, prefix+".tenant."+subjectToken(tenantID)+"."+string(kind))
	}
	return out
}

func subjectToken(v string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(v)
}

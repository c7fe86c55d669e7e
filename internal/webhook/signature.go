package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderInstance  = "X-Webhook-Instance"
	UserAgent       = "linkgate-webhook/1.0"
)

type InstanceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Envelope struct {
	Event     string      `json:"event"`
	Instance  InstanceRef `json:"instance"`
	Data      any         `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// BuildBody serializes the envelope once; the same bytes are signed and sent
// on every attempt.
func BuildBody(eventType string, inst InstanceRef, data any, at time.Time) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(Envelope{
		Event:     eventType,
		Instance:  inst,
		Data:      data,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

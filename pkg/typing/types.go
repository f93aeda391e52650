// Package typing holds the wire model shared by the capturer, the collector
// and the analytics service: key events, batches and verification requests.
package typing

import (
	"encoding/json"
	"errors"
)

var (
	ErrMalformed         = errors.New("malformed JSON body")
	ErrMissingUserID     = errors.New("userId must be a non-empty string")
	ErrInvalidTypingData = errors.New("typingData must be an array")
	ErrInvalidEvent      = errors.New("invalid typing event")
)

// Event is a single key transition. Timestamp is epoch milliseconds.
type Event struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
	Keydown   bool   `json:"keydown"`
}

// Batch is the unit a capturer flushes and the collector relays.
// TypingData keeps capture order.
type Batch struct {
	UserID     string  `json:"userId"`
	TypingData []Event `json:"typingData"`
}

// VerificationRequest is accepted by the auth verify endpoint. TypingPattern
// is opaque and never reinterpreted.
type VerificationRequest struct {
	Token         string          `json:"token"`
	TypingPattern json.RawMessage `json:"typingPattern,omitempty"`
}

// Marshal encodes the batch with an empty array instead of null for no events.
func (b Batch) Marshal() ([]byte, error) {
	if b.TypingData == nil {
		b.TypingData = []Event{}
	}
	return json.Marshal(b)
}

package typing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidVerification marks a well-formed body that does not match the
// VerificationRequest shape.
var ErrInvalidVerification = errors.New("invalid verification request")

// DecodeBatch validates a collect request body and returns the batch together
// with the body to forward downstream. The forwarded body carries only userId
// and typingData, and the typingData bytes are the caller's bytes unchanged.
func DecodeBatch(body []byte) (Batch, []byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Batch{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Batch{}, nil, fmt.Errorf("%w: body must be a JSON object", ErrMalformed)
	}

	var userID string
	rawUser, ok := fields["userId"]
	if !ok || json.Unmarshal(rawUser, &userID) != nil || userID == "" {
		return Batch{}, nil, ErrMissingUserID
	}

	rawData := bytes.TrimSpace(fields["typingData"])
	if len(rawData) == 0 || rawData[0] != '[' {
		return Batch{}, nil, ErrInvalidTypingData
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(rawData, &elems); err != nil {
		return Batch{}, nil, fmt.Errorf("%w: %v", ErrInvalidTypingData, err)
	}

	events := make([]Event, 0, len(elems))
	for i, raw := range elems {
		ev, err := decodeEvent(raw)
		if err != nil {
			return Batch{}, nil, fmt.Errorf("%w at index %d: %v", ErrInvalidEvent, i, err)
		}
		events = append(events, ev)
	}

	userJSON, err := json.Marshal(userID)
	if err != nil {
		return Batch{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	forward := make([]byte, 0, len(rawData)+len(userJSON)+28)
	forward = append(forward, `{"userId":`...)
	forward = append(forward, userJSON...)
	forward = append(forward, `,"typingData":`...)
	forward = append(forward, rawData...)
	forward = append(forward, '}')

	return Batch{UserID: userID, TypingData: events}, forward, nil
}

type wireEvent struct {
	Key       *string `json:"key"`
	Timestamp *int64  `json:"timestamp"`
	Keydown   *bool   `json:"keydown"`
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, errors.New("event must be an object")
	}
	var w wireEvent
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Event{}, err
	}
	switch {
	case w.Key == nil:
		return Event{}, errors.New("missing key")
	case w.Timestamp == nil:
		return Event{}, errors.New("missing timestamp")
	case w.Keydown == nil:
		return Event{}, errors.New("missing keydown")
	}
	return Event{Key: *w.Key, Timestamp: *w.Timestamp, Keydown: *w.Keydown}, nil
}

// DecodeVerificationRequest parses a verify body. Syntax errors return
// ErrMalformed. A well-formed body of the wrong shape returns the fields that
// could be read together with ErrInvalidVerification, so callers decide
// whether shape matters.
func DecodeVerificationRequest(body []byte) (VerificationRequest, error) {
	if !json.Valid(body) {
		var v any
		err := json.Unmarshal(body, &v)
		if err == nil {
			err = errors.New("invalid JSON")
		}
		return VerificationRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return VerificationRequest{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidVerification)
	}

	var req VerificationRequest
	if p, ok := fields["typingPattern"]; ok && !bytes.Equal(bytes.TrimSpace(p), []byte("null")) {
		req.TypingPattern = append(json.RawMessage(nil), p...)
	}
	if raw, ok := fields["token"]; ok {
		if err := json.Unmarshal(raw, &req.Token); err != nil {
			return req, fmt.Errorf("%w: token must be a string", ErrInvalidVerification)
		}
	}
	return req, nil
}

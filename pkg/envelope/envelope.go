// Package envelope implements the JSON wire envelope exchanged with the message server.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Canonical type tags for the built-in frames. Lookups always go through Canonical.
const (
	TagPing      = "PING"
	TagPong      = "PONG"
	TagHeartbeat = "HEARTBEAT"
	TagUpload    = "UPLOAD"
)

// Wire spelling of outbound control frames. The server expects these exact strings.
const (
	wirePong      = "PONG"
	wireHeartbeat = "heartbeat"
	wireUpload    = "upload"
)

// typeAliases lists the fields that may carry the type tag, in priority order.
var typeAliases = []string{"biztype", "type", "BIZTYPE"}

// dataAliases lists the fields that may carry the payload body, in priority order.
var dataAliases = []string{"data", "DATA"}

// Envelope is one JSON frame. BizType keeps the spelling it was received or
// created with; use Tag for lookups.
type Envelope struct {
	BizType   string          // type tag as written on the wire
	Data      json.RawMessage // payload body, nil when absent
	RequestID string          // correlation id
	Token     string          // opaque credential, forwarded verbatim
	Code      *int            // response status, 0 means success
	Msg       string          // server supplied failure message
	Timestamp int64           // heartbeat timestamp in unix milliseconds

	// Extra holds every other top-level field. On encode, known fields win.
	Extra map[string]json.RawMessage
}

// ErrorPayload is kept for callers that want the response status as a value.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"msg,omitempty"`
}

// UploadRequest is the data body of an upload envelope.
type UploadRequest struct {
	File      string `json:"file"`
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// UploadResult is the data body of a successful upload response.
type UploadResult struct {
	URL string `json:"url"`
}

// Canonical folds a type tag to the single form used for registration and lookup.
func Canonical(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

// Tag returns the canonical type tag.
func (e *Envelope) Tag() string {
	return Canonical(e.BizType)
}

// Succeeded reports whether the envelope carries a success status code.
func (e *Envelope) Succeeded() bool {
	return e.Code != nil && *e.Code == 0
}

// Status returns the response status as an ErrorPayload, or nil for a success.
func (e *Envelope) Status() *ErrorPayload {
	if e.Succeeded() {
		return nil
	}
	p := &ErrorPayload{Code: -1, Message: e.Msg}
	if e.Code != nil {
		p.Code = *e.Code
	}
	return p
}

// New creates an envelope with the given type tag, marshalling data into the body.
// A nil data leaves the body absent.
func New(tag string, data interface{}) (*Envelope, error) {
	env := &Envelope{BizType: tag}
	if err := env.SetData(data); err != nil {
		return nil, err
	}
	return env, nil
}

// SetData replaces the body with the JSON encoding of data.
func (e *Envelope) SetData(data interface{}) error {
	switch v := data.(type) {
	case nil:
		e.Data = nil
	case json.RawMessage:
		e.Data = v
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data for envelope %q: %w", e.BizType, err)
		}
		e.Data = raw
	}
	return nil
}

// DecodeData unmarshals the body into v, which must be a pointer.
// An absent or null body leaves v untouched.
func (e *Envelope) DecodeData(v interface{}) error {
	if e.Data == nil || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Set stores an arbitrary top-level field.
func (e *Envelope) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal field %q: %w", key, err)
	}
	if e.Extra == nil {
		e.Extra = make(map[string]json.RawMessage)
	}
	e.Extra[key] = raw
	return nil
}

// Get unmarshals an arbitrary top-level field into v. It reports whether the field exists.
func (e *Envelope) Get(key string, v interface{}) (bool, error) {
	raw, ok := e.Extra[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Pong is the reply to an inbound PING probe.
func Pong() *Envelope {
	return &Envelope{
		BizType: wirePong,
		Extra:   map[string]json.RawMessage{"DATA": json.RawMessage(`"PONG"`)},
	}
}

// Heartbeat is the bidirectional liveness frame.
func Heartbeat(ts int64) *Envelope {
	return &Envelope{BizType: wireHeartbeat, Timestamp: ts}
}

// Upload builds the socket upload request. The correlation id travels inside the body.
func Upload(base64File, kind, requestID string) (*Envelope, error) {
	return New(wireUpload, UploadRequest{File: base64File, Type: kind, RequestID: requestID})
}

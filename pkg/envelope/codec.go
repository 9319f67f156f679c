package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrProtocol marks a frame that could not be decoded.
var ErrProtocol = errors.New("protocol error")

// maxQuotedFrame bounds how much of a bad frame ends up in an error message.
const maxQuotedFrame = 256

// ProtocolError describes a malformed inbound frame.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (frame: %s)", e.Err, e.Frame)
}

func (e *ProtocolError) Unwrap() []error { return []error{ErrProtocol, e.Err} }

func newProtocolError(frame []byte, err error) *ProtocolError {
	quoted := string(frame)
	if len(quoted) > maxQuotedFrame {
		quoted = quoted[:maxQuotedFrame] + "..."
	}
	return &ProtocolError{Frame: quoted, Err: err}
}

// Decode parses one inbound frame into a canonical envelope.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := env.UnmarshalJSON(frame); err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, newProtocolError(frame, err)
	}
	return &env, nil
}

// Encode serializes an envelope to a single frame.
func Encode(env *Envelope) ([]byte, error) {
	return env.MarshalJSON()
}

// UnmarshalJSON resolves the aliased fields and keeps everything else in Extra.
func (e *Envelope) UnmarshalJSON(frame []byte) error {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return newProtocolError(frame, errors.New("frame is not a JSON object"))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return newProtocolError(frame, err)
	}

	*e = Envelope{}
	for _, key := range typeAliases {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) != nil || s == "" {
			continue
		}
		e.BizType = s
		delete(fields, key)
		break
	}
	for _, key := range dataAliases {
		if raw, ok := fields[key]; ok {
			e.Data = raw
			delete(fields, key)
			break
		}
	}

	var err error
	if e.RequestID, err = takeString(fields, "requestId"); err != nil {
		return newProtocolError(frame, err)
	}
	if e.Token, err = takeString(fields, "token"); err != nil {
		return newProtocolError(frame, err)
	}
	if e.Msg, err = takeString(fields, "msg"); err != nil {
		return newProtocolError(frame, err)
	}
	if e.Code, err = takeCode(fields); err != nil {
		return newProtocolError(frame, err)
	}
	if raw, ok := fields["timestamp"]; ok {
		if err := json.Unmarshal(raw, &e.Timestamp); err != nil {
			return newProtocolError(frame, fmt.Errorf("timestamp: %w", err))
		}
		delete(fields, "timestamp")
	}

	if len(fields) > 0 {
		e.Extra = fields
	}
	return nil
}

// MarshalJSON writes the known fields first, then Extra in key order.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Extra)+7)
	for k, v := range e.Extra {
		out[k] = v
	}
	put := func(key string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		out[key] = raw
		return nil
	}
	if e.BizType != "" {
		if err := put("biztype", e.BizType); err != nil {
			return nil, err
		}
	}
	if e.Data != nil {
		if !json.Valid(e.Data) {
			return nil, fmt.Errorf("envelope %q: data is not valid JSON", e.BizType)
		}
		out["data"] = e.Data
	}
	if e.RequestID != "" {
		_ = put("requestId", e.RequestID)
	}
	if e.Token != "" {
		_ = put("token", e.Token)
	}
	if e.Code != nil {
		_ = put("code", *e.Code)
	}
	if e.Msg != "" {
		_ = put("msg", e.Msg)
	}
	if e.Timestamp != 0 {
		_ = put("timestamp", e.Timestamp)
	}

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(out[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func takeString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	delete(fields, key)
	if string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Numeric ids show up from some servers.
		var n json.Number
		if json.Unmarshal(raw, &n) == nil {
			return n.String(), nil
		}
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return s, nil
}

func takeCode(fields map[string]json.RawMessage) (*int, error) {
	raw, ok := fields["code"]
	if !ok {
		return nil, nil
	}
	delete(fields, "code")
	if string(raw) == "null" {
		return nil, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("code: unsupported value %s", raw)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	return &n, nil
}

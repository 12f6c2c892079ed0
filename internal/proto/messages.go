package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Type tags every frame on the tunnel connection.
type Type string

const (
	TypeConnected    Type = "connected"
	TypeHTTPRequest  Type = "http_request"
	TypeHTTPResponse Type = "http_response"
)

// EncodingBase64 marks a body carried as a base64 JSON string.
const EncodingBase64 = "base64"

// Connected is sent by the listener once, right after a connection authenticates.
type Connected struct {
	Type Type `json:"type"`
}

// Request is listener -> daemon: one public HTTP request.
type Request struct {
	Type     Type            `json:"type"`
	ID       string          `json:"id,omitempty"`
	Method   string          `json:"method"`
	Path     string          `json:"path"`
	Headers  Values          `json:"headers"`
	Query    Values          `json:"query"`
	Body     json.RawMessage `json:"body,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
}

// Response is daemon -> listener: the reply to the Request with the same ID.
type Response struct {
	Type     Type            `json:"type"`
	ID       string          `json:"id,omitempty"`
	Status   int             `json:"status"`
	Headers  Values          `json:"headers"`
	Body     json.RawMessage `json:"body,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
}

// Values is a multi-valued string map. On the wire a key with one value is a
// plain string and a key with several values is an array of strings.
type Values map[string][]string

func (v Values) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v))
	for k, vs := range v {
		switch len(vs) {
		case 0:
			continue
		case 1:
			out[k] = vs[0]
		default:
			out[k] = vs
		}
	}
	return json.Marshal(out)
}

func (v *Values) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for k, r := range raw {
		if string(r) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out[k] = []string{s}
			continue
		}
		var ss []string
		if err := json.Unmarshal(r, &ss); err != nil {
			return fmt.Errorf("value for %q is neither string nor string array", k)
		}
		out[k] = ss
	}
	*v = out
	return nil
}

// Keys returns the keys in sorted order.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var ErrMissingType = errors.New("frame has no type")

// Envelope is a decoded frame whose payload has not yet been interpreted.
type Envelope struct {
	Type Type
	ID   string
	raw  []byte
}

// Decode reads the tag of a text frame. Only a JSON object with a string
// "type" is accepted; the payload is parsed later by Request or Response.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type Type   `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return Envelope{Type: head.Type, ID: head.ID, raw: data}, nil
}

// Request interprets the envelope as an http_request.
func (e Envelope) Request() (*Request, error) {
	if e.Type != TypeHTTPRequest {
		return nil, fmt.Errorf("frame type %q is not %q", e.Type, TypeHTTPRequest)
	}
	var r Request
	if err := json.Unmarshal(e.raw, &r); err != nil {
		return nil, fmt.Errorf("decode http_request: %w", err)
	}
	if r.Method == "" {
		return nil, errors.New("http_request without method")
	}
	if r.Path == "" {
		r.Path = "/"
	}
	return &r, nil
}

// Response interprets the envelope as an http_response. A missing status
// defaults to 200; anything outside 100..999 is rejected.
func (e Envelope) Response() (*Response, error) {
	if e.Type != TypeHTTPResponse {
		return nil, fmt.Errorf("frame type %q is not %q", e.Type, TypeHTTPResponse)
	}
	var r Response
	if err := json.Unmarshal(e.raw, &r); err != nil {
		return nil, fmt.Errorf("decode http_response: %w", err)
	}
	if r.Status == 0 {
		r.Status = 200
	}
	if r.Status < 100 || r.Status > 999 {
		return nil, fmt.Errorf("invalid status %d", r.Status)
	}
	if r.Encoding != "" && r.Encoding != EncodingBase64 {
		return nil, fmt.Errorf("unknown body encoding %q", r.Encoding)
	}
	return &r, nil
}

// Encode marshals any frame struct.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

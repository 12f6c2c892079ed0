package httpx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/matst80/wsrelay/internal/proto"
)

// EncodeBody picks the JSON representation of a payload:
//
//	application/json  -> embedded JSON value (string fallback if it does not parse)
//	text/*, *html*    -> JSON string
//	anything else     -> base64 JSON string, encoding "base64"
//
// Compressed payloads and text that is not valid UTF-8 are always base64.
// An empty body yields a nil message.
func EncodeBody(body []byte, contentType, contentEncoding string) (json.RawMessage, string) {
	if len(body) == 0 {
		return nil, ""
	}
	if ce := strings.ToLower(strings.TrimSpace(contentEncoding)); ce != "" && ce != "identity" {
		return base64Body(body)
	}
	ct := strings.ToLower(contentType)
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		ct = mt
	}
	switch {
	case strings.Contains(ct, "application/json") || strings.HasSuffix(ct, "+json"):
		if json.Valid(body) {
			return json.RawMessage(append([]byte(nil), body...)), ""
		}
		return stringBody(body)
	case strings.HasPrefix(ct, "text/") || strings.Contains(ct, "html") ||
		ct == "application/x-www-form-urlencoded" || strings.HasSuffix(ct, "xml"):
		return stringBody(body)
	default:
		return base64Body(body)
	}
}

func stringBody(body []byte) (json.RawMessage, string) {
	if !utf8.Valid(body) {
		return base64Body(body)
	}
	b, _ := json.Marshal(string(body))
	return b, ""
}

func base64Body(body []byte) (json.RawMessage, string) {
	b, _ := json.Marshal(base64.StdEncoding.EncodeToString(body))
	return b, proto.EncodingBase64
}

// DecodeBody restores the bytes carried by raw. isJSON reports that the body
// was a non-string JSON value, which callers send as application/json.
func DecodeBody(raw json.RawMessage, encoding string) (data []byte, isJSON bool, err error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, false, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false, fmt.Errorf("decode string body: %w", err)
		}
		if encoding == proto.EncodingBase64 {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, false, fmt.Errorf("decode base64 body: %w", err)
			}
			return b, false, nil
		}
		return []byte(s), false, nil
	}
	if encoding == proto.EncodingBase64 {
		return nil, false, fmt.Errorf("base64 encoding on non-string body")
	}
	if !json.Valid(raw) {
		return nil, false, fmt.Errorf("body is not valid JSON")
	}
	return []byte(trimmed), true, nil
}

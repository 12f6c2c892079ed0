// Package auth signs and verifies the timestamp/signature pair a daemon
// attaches to the listener URL when it opens the tunnel connection.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// DefaultWindow is the accepted skew between a signed timestamp and server time.
const DefaultWindow = 30 * time.Second

const (
	TimestampParam = "timestamp"
	SignatureParam = "signature"
)

var (
	ErrMissingCredential  = errors.New("missing timestamp or signature")
	ErrMalformedTimestamp = errors.New("invalid timestamp format")
	ErrStaleTimestamp     = errors.New("timestamp outside window")
	ErrSignatureMismatch  = errors.New("invalid signature")
)

// InvalidError describes why a credential was refused. Reason is one of the
// Err* sentinels; errors.Is matches against it.
type InvalidError struct {
	Reason error
	Detail string
}

func (e *InvalidError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return e.Reason.Error() + " (" + e.Detail + ")"
}

func (e *InvalidError) Unwrap() error { return e.Reason }

// Sign returns the lowercase hex HMAC-SHA256 of the decimal timestamp keyed by secret.
func Sign(secret string, timestamp int64) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(m.Sum(nil))
}

// Verify checks raw query values taken from the connection URL. Every failure
// is terminal for the connection attempt.
func Verify(secret, timestamp, signature string, now time.Time, window time.Duration) error {
	if timestamp == "" || signature == "" {
		return &InvalidError{Reason: ErrMissingCredential}
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &InvalidError{Reason: ErrMalformedTimestamp}
	}
	diff := now.Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(window/time.Second) {
		return &InvalidError{Reason: ErrStaleTimestamp, Detail: fmt.Sprintf("diff: %ds, window: %s", diff, window)}
	}
	want := Sign(secret, ts)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return &InvalidError{Reason: ErrSignatureMismatch}
	}
	return nil
}

// VerifyQuery reads the credential from q and verifies it.
func VerifyQuery(secret string, q url.Values, now time.Time, window time.Duration) error {
	return Verify(secret, q.Get(TimestampParam), q.Get(SignatureParam), now, window)
}

// SignURL returns a copy of raw with timestamp and signature query parameters
// set for now. Other query parameters are preserved.
func SignURL(raw, secret string, now time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse listener url: %w", err)
	}
	ts := now.Unix()
	q := u.Query()
	q.Set(TimestampParam, strconv.FormatInt(ts, 10))
	q.Set(SignatureParam, Sign(secret, ts))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ReasonLabel maps a verification error to a short metric label.
func ReasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrMalformedTimestamp):
		return "malformed_timestamp"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	default:
		return "other"
	}
}

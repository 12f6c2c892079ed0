package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestSignMatchesIndependentHMAC(t *testing.T) {
	cases := []struct {
		secret string
		ts     int64
	}{
		{"test-secret-key", 1234567890},
		{"another", 0},
		{"", 1700000000},
	}
	hexRe := regexp.MustCompile(`^[a-f0-9]{64}$`)
	for _, c := range cases {
		m := hmac.New(sha256.New, []byte(c.secret))
		m.Write([]byte(strconv.FormatInt(c.ts, 10)))
		want := hex.EncodeToString(m.Sum(nil))
		got := Sign(c.secret, c.ts)
		if got != want {
			t.Errorf("Sign(%q, %d) = %s, want %s", c.secret, c.ts, got, want)
		}
		if got != Sign(c.secret, c.ts) {
			t.Errorf("Sign not deterministic for %q", c.secret)
		}
		if !hexRe.MatchString(got) {
			t.Errorf("signature %q is not 64 lowercase hex chars", got)
		}
	}
}

func TestSignDiffers(t *testing.T) {
	if Sign("secret-a", 1000) == Sign("secret-b", 1000) {
		t.Error("different secrets produced the same signature")
	}
	if Sign("secret-a", 1000) == Sign("secret-a", 1001) {
		t.Error("different timestamps produced the same signature")
	}
}

func TestVerify(t *testing.T) {
	const secret = "test-secret-key"
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	old := strconv.FormatInt(now.Unix()-60, 10)
	edge := strconv.FormatInt(now.Unix()+30, 10)

	tests := []struct {
		name      string
		timestamp string
		signature string
		want      error
	}{
		{"valid", ts, Sign(secret, now.Unix()), nil},
		{"edge of window", edge, Sign(secret, now.Unix()+30), nil},
		{"missing timestamp", "", Sign(secret, now.Unix()), ErrMissingCredential},
		{"missing signature", ts, "", ErrMissingCredential},
		{"malformed timestamp", "abc", "deadbeef", ErrMalformedTimestamp},
		{"stale with valid signature", old, Sign(secret, now.Unix()-60), ErrStaleTimestamp},
		{"wrong signature", ts, "invalid-signature-here", ErrSignatureMismatch},
		{"signature for other secret", ts, Sign("other", now.Unix()), ErrSignatureMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(secret, tt.timestamp, tt.signature, now, DefaultWindow)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var inv *InvalidError
			if !errors.As(err, &inv) {
				t.Fatalf("error %T is not *InvalidError", err)
			}
		})
	}
}

func TestMalformedTimestampDoesNotEchoInput(t *testing.T) {
	raw := strings.Repeat("9", 200)
	err := Verify("s", raw, "abc", time.Now(), DefaultWindow)
	if !errors.Is(err, ErrMalformedTimestamp) {
		t.Fatalf("got %v", err)
	}
	if strings.Contains(err.Error(), raw) {
		t.Errorf("error echoes the raw timestamp: %q", err.Error())
	}
}

func TestSignURLPreservesQuery(t *testing.T) {
	now := time.Unix(1234567890, 0)
	signed, err := SignURL("wss://example.com/accept?existing=param", "s3cret", now)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("existing") != "param" {
		t.Errorf("existing param lost: %s", signed)
	}
	if q.Get(TimestampParam) != "1234567890" {
		t.Errorf("timestamp = %q", q.Get(TimestampParam))
	}
	if q.Get(SignatureParam) != Sign("s3cret", 1234567890) {
		t.Errorf("signature = %q", q.Get(SignatureParam))
	}
	if u.Path != "/accept" || u.Scheme != "wss" {
		t.Errorf("url mangled: %s", signed)
	}
	if err := VerifyQuery("s3cret", q, now.Add(5*time.Second), DefaultWindow); err != nil {
		t.Errorf("signed url does not verify: %v", err)
	}
}

func TestReasonLabel(t *testing.T) {
	err := Verify("x", "", "", time.Now(), DefaultWindow)
	if got := ReasonLabel(err); got != "missing_credential" {
		t.Errorf("ReasonLabel = %q", got)
	}
	if got := ReasonLabel(errors.New("boom")); got != "other" {
		t.Errorf("ReasonLabel = %q", got)
	}
}

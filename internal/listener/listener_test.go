package listener

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/auth"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
)

const testSecret = "test-secret-key"

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, ts
}

func acceptURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultAcceptPath
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialSigned(t *testing.T, ts *httptest.Server, secret string, at time.Time) *websocket.Conn {
	t.Helper()
	signed, err := auth.SignURL(acceptURL(ts, "existing=param"), secret, at)
	if err != nil {
		t.Fatal(err)
	}
	c, _, err := websocket.DefaultDialer.Dial(signed, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// readEnvelope is safe to call from helper goroutines.
func readEnvelope(c *websocket.Conn) (proto.Envelope, error) {
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		return proto.Envelope{}, err
	}
	return proto.Decode(data)
}

func readFrame(t *testing.T, c *websocket.Conn) proto.Envelope {
	t.Helper()
	env, err := readEnvelope(c)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return env
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func connectTunnel(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	c := dialSigned(t, ts, testSecret, time.Now())
	if env := readFrame(t, c); env.Type != proto.TypeConnected {
		t.Fatalf("first frame = %q, want connected", env.Type)
	}
	return c
}

func expectPolicyClose(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d (%s)", ce.Code, websocket.ClosePolicyViolation, ce.Text)
	}
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestNoTunnelReturns503(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.URL + "/proxy/test")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != "No active tunnel connection" {
		t.Errorf("error = %q", msg)
	}
}

func TestAuthRejections(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	now := time.Now()

	t.Run("stale timestamp with valid signature", func(t *testing.T) {
		c := dialSigned(t, ts, testSecret, now.Add(-60*time.Second))
		expectPolicyClose(t, c)
	})
	t.Run("wrong signature", func(t *testing.T) {
		q := "timestamp=" + strconv.FormatInt(now.Unix(), 10) + "&signature=invalid-signature-here"
		c, _, err := websocket.DefaultDialer.Dial(acceptURL(ts, q), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		expectPolicyClose(t, c)
	})
	t.Run("missing credential", func(t *testing.T) {
		c, _, err := websocket.DefaultDialer.Dial(acceptURL(ts, ""), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		expectPolicyClose(t, c)
	})
	t.Run("other secret", func(t *testing.T) {
		c := dialSigned(t, ts, "not-the-secret", now)
		expectPolicyClose(t, c)
	})
	t.Run("oversized timestamp", func(t *testing.T) {
		q := "timestamp=" + strings.Repeat("9", 200) + "&signature=abc"
		c, _, err := websocket.DefaultDialer.Dial(acceptURL(ts, q), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		expectPolicyClose(t, c)
	})
	t.Run("non-utf8 timestamp", func(t *testing.T) {
		c, _, err := websocket.DefaultDialer.Dial(acceptURL(ts, "timestamp=%FF&signature=abc"), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		expectPolicyClose(t, c)
	})
}

func TestCloseReasonFitsControlFrame(t *testing.T) {
	long := strings.Repeat("é", 100)
	got := closeReason(long)
	if len(got) > maxCloseReason {
		t.Errorf("len = %d", len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncated reason is not valid UTF-8")
	}
	if got := closeReason("bad \xff byte"); !utf8.ValidString(got) {
		t.Errorf("reason %q is not valid UTF-8", got)
	}
	if got := closeReason("invalid signature"); got != "invalid signature" {
		t.Errorf("short reason changed: %q", got)
	}
}

func TestAcceptRegistersAndSendsConnectedFirst(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	connectTunnel(t, ts)
	if srv.Registry().Active() == nil {
		t.Fatal("registry should hold the accepted connection")
	}
}

func TestRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := connectTunnel(t, ts)

	errCh := make(chan error, 1)
	go func() {
		env, err := readEnvelope(c)
		if err != nil {
			errCh <- err
			return
		}
		req, err := env.Request()
		if err != nil {
			errCh <- err
			return
		}
		if req.Method != "GET" || req.Path != "/test/path" || req.ID == "" {
			errCh <- errors.New("unexpected request " + req.Method + " " + req.Path)
			return
		}
		if req.Query["q"][0] != "1" {
			errCh <- errors.New("query not forwarded")
			return
		}
		// A peer that does not echo the correlation ID still gets matched.
		errCh <- c.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"http_response","status":200,"headers":{"content-type":"application/json"},"body":{"message":"Hello from tunnel!"}}`))
	}()

	resp, err := http.Get(ts.URL + "/test/path?q=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "Hello from tunnel!" {
		t.Errorf("body = %v", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestConcurrentRequestsGetTheirOwnResponse(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := connectTunnel(t, ts)

	go func() {
		// Collect both requests, then answer in reverse order.
		var reqs []*proto.Request
		for len(reqs) < 2 {
			env, err := readEnvelope(c)
			if err != nil {
				return
			}
			req, err := env.Request()
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			body, _ := json.Marshal(map[string]string{"path": reqs[i].Path})
			_ = c.WriteJSON(proto.Response{
				Type:    proto.TypeHTTPResponse,
				ID:      reqs[i].ID,
				Status:  200,
				Headers: proto.Values{"content-type": {"application/json"}},
				Body:    body,
			})
		}
	}()

	var wg sync.WaitGroup
	paths := []string{"/first", "/second"}
	got := make([]string, len(paths))
	errs := make([]error, len(paths))
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			resp, err := http.Get(ts.URL + p)
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			var body map[string]string
			errs[i] = json.NewDecoder(resp.Body).Decode(&body)
			got[i] = body["path"]
		}(i, p)
	}
	wg.Wait()
	for i, p := range paths {
		if errs[i] != nil {
			t.Fatalf("%s: %v", p, errs[i])
		}
		if got[i] != p {
			t.Errorf("request %s received response for %s", p, got[i])
		}
	}
}

func TestTimeoutReturns504(t *testing.T) {
	srv, ts := newTestServer(t, Config{RequestTimeout: 100 * time.Millisecond})
	c := connectTunnel(t, ts)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
	resp, err := http.Get(ts.URL + "/slow")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != "Tunnel response timeout" {
		t.Errorf("error = %q", msg)
	}
	eventually(t, func() bool { return srv.Pending() == 0 }, "pending request not released after timeout")
	if srv.Registry().Active() == nil {
		t.Error("a timeout must not close the tunnel")
	}
}

func TestMalformedReplyReturns500(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := connectTunnel(t, ts)
	go func() {
		env, err := readEnvelope(c)
		if err != nil {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"http_response","id":"`+env.ID+`","status":200,"body":"%%%","encoding":"base64"}`))
	}()
	resp, err := http.Get(ts.URL + "/bad")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != "Invalid response from tunnel" {
		t.Errorf("error = %q", msg)
	}
}

func TestUndecodableFrameKeepsConnection(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	c := connectTunnel(t, ts)
	go func() {
		env, err := readEnvelope(c)
		if err != nil {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		_ = c.WriteJSON(proto.Response{Type: proto.TypeHTTPResponse, ID: env.ID, Status: 201,
			Headers: proto.Values{"content-type": {"text/plain"}}, Body: json.RawMessage(`"created"`)})
	}()
	resp, err := http.Post(ts.URL+"/items", "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 201 || string(b) != "created" {
		t.Errorf("got %d %q", resp.StatusCode, b)
	}
	if srv.Registry().Active() == nil {
		t.Error("tunnel should stay registered")
	}
}

func TestBinaryResponseBody(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := connectTunnel(t, ts)
	go func() {
		env, err := readEnvelope(c)
		if err != nil {
			return
		}
		_ = c.WriteJSON(proto.Response{Type: proto.TypeHTTPResponse, ID: env.ID, Status: 200,
			Headers: proto.Values{"content-type": {"image/png"}, "content-length": {"999"}},
			Body:    json.RawMessage(`"iVA="`), Encoding: proto.EncodingBase64})
	}()
	resp, err := http.Get(ts.URL + "/img.png")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "\x89\x50" {
		t.Errorf("body = %x", b)
	}
}

func TestTunnelCloseFailsPendingRequests(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := connectTunnel(t, ts)
	go func() {
		_, _ = readEnvelope(c)
		c.Close()
	}()
	resp, err := http.Get(ts.URL + "/doomed")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != "Tunnel connection closed" {
		t.Errorf("error = %q", msg)
	}
}

func TestNewConnectionDisplacesOld(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	first := connectTunnel(t, ts)
	second := connectTunnel(t, ts)

	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure || ce.Text != replacedReason {
		t.Fatalf("displaced connection got %v", err)
	}

	// The old connection's teardown must not clear the new registration.
	time.Sleep(50 * time.Millisecond)
	if srv.Registry().Active() == nil {
		t.Fatal("newer connection lost its slot")
	}

	go func() {
		env, err := readEnvelope(second)
		if err != nil {
			return
		}
		_ = second.WriteJSON(proto.Response{Type: proto.TypeHTTPResponse, ID: env.ID, Status: 204})
	}()
	resp, err := http.Get(ts.URL + "/after")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestBodyTooLarge(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxBodyBytes: 8})
	connectTunnel(t, ts)
	resp, err := http.Post(ts.URL+"/upload", "application/octet-stream", strings.NewReader("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != "Request body too large" {
		t.Errorf("error = %q", msg)
	}
}

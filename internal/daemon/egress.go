package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matst80/wsrelay/internal/httpx"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
)

// EgressOptions tune how requests are replayed against the target.
type EgressOptions struct {
	StripHost   bool          // drop the forwarded Host and use the target's
	HostRewrite string        // send this Host instead of the forwarded one
	Timeout     time.Duration // per-request upper bound, 0 = none
	Client      *http.Client  // overrides the default client

	// MaxResponseBytes caps an upstream body; larger replies become a 502
	// so they never exceed the listener's frame limit. 0 selects
	// DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// DefaultMaxResponseBytes matches the listener's default body limit.
const DefaultMaxResponseBytes = 10 << 20

// Egress turns http_request messages into real HTTP calls against one target.
type Egress struct {
	target *url.URL
	opts   EgressOptions
	client *http.Client
	log    *obs.Logger
}

// NewEgress creates an Egress for target (scheme://host[:port]).
func NewEgress(target *url.URL, opts EgressOptions) *Egress {
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				DisableCompression:    true,
			},
			// Redirects go back to the public caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &Egress{
		target: target,
		opts:   opts,
		client: client,
		log:    obs.Named("egress").With(obs.Fields{"target": target.String()}),
	}
}

// ResolveURL combines the target's scheme and host with the message path and query.
func (e *Egress) ResolveURL(path string, query proto.Values) (*url.URL, error) {
	if path == "" {
		path = "/"
	}
	p, err := url.PathUnescape(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	// The message path is never parsed as a URL, so "//x/y" cannot name a host.
	u := *e.target
	u.Path, u.RawPath = p, path
	u.RawQuery, u.Fragment, u.User = "", "", nil
	httpx.ApplyQuery(&u, query)
	return &u, nil
}

// Handle performs req against the target. It always returns a response;
// transport failures become a 502.
func (e *Egress) Handle(ctx context.Context, req *proto.Request) *proto.Response {
	start := time.Now()
	log := e.log.With(obs.Fields{"id": req.ID, "method": req.Method, "path": req.Path})
	log.Info("egress.request", nil)

	resp, err := e.do(ctx, req)
	if err != nil {
		log.Error("egress.upstream", obs.Fields{"err": err.Error()})
		obs.UpstreamRequestsTotal.WithLabelValues("502").Inc()
		return badGateway(req.ID, err)
	}
	obs.UpstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.Status)).Inc()
	log.Info("egress.response", obs.Fields{"status": resp.Status, "elapsed_ms": time.Since(start).Milliseconds()})
	return resp
}

func (e *Egress) do(ctx context.Context, preq *proto.Request) (*proto.Response, error) {
	u, err := e.ResolveURL(preq.Path, preq.Query)
	if err != nil {
		return nil, err
	}
	body, isJSON, err := httpx.DecodeBody(preq.Body, preq.Encoding)
	if err != nil {
		return nil, fmt.Errorf("request body: %w", err)
	}
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, preq.Method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpx.Apply(req.Header, preq.Headers, "host", "content-length")
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case e.opts.HostRewrite != "":
		req.Host = e.opts.HostRewrite
	case e.opts.StripHost:
		req.Host = e.target.Host
	default:
		if h := httpx.Get(preq.Headers, "host"); h != "" {
			req.Host = h
		}
	}

	res, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform http request: %w", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, e.opts.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read http response body: %w", err)
	}
	if int64(len(data)) > e.opts.MaxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", e.opts.MaxResponseBytes)
	}

	out := &proto.Response{
		Type:    proto.TypeHTTPResponse,
		ID:      preq.ID,
		Status:  res.StatusCode,
		Headers: httpx.FromHeader(res.Header, ""),
	}
	out.Body, out.Encoding = httpx.EncodeBody(data, res.Header.Get("Content-Type"), res.Header.Get("Content-Encoding"))
	return out, nil
}

func badGateway(id string, err error) *proto.Response {
	body, _ := json.Marshal(map[string]string{"error": "Bad Gateway", "message": err.Error()})
	return &proto.Response{
		Type:    proto.TypeHTTPResponse,
		ID:      id,
		Status:  http.StatusBadGateway,
		Headers: proto.Values{"content-type": {"application/json"}},
		Body:    body,
	}
}

package listener

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/wsrelay/internal/httpx"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
	"github.com/matst80/wsrelay/internal/state"
)

// Error bodies returned to public callers.
const (
	msgNoTunnel        = "No active tunnel connection"
	msgTimeout         = "Tunnel response timeout"
	msgInvalidResponse = "Invalid response from tunnel"
	msgTunnelClosed    = "Tunnel connection closed"
	msgTooLarge        = "Request body too large"
	msgTooMany         = "Too many requests"
)

// statusClientClosed labels requests abandoned by the caller before a reply.
const statusClientClosed = 499

// handleIngress bridges one public request onto the active tunnel session.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := &statusRecorder{ResponseWriter: w}
	defer func() {
		status := rw.status
		if status == 0 {
			status = statusClientClosed
		}
		obs.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		obs.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	}()
	s.proxy(rw, r)
}

func (s *Server) proxy(w *statusRecorder, r *http.Request) {
	clientIP := httpx.ClientIP(r, s.cfg.TrustForwarded)
	if !s.cfg.Limiter.AllowRequest(clientIP) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		writeJSONError(w, http.StatusTooManyRequests, msgTooMany)
		return
	}
	sess := s.registry.Active()
	if sess == nil {
		writeJSONError(w, http.StatusServiceUnavailable, msgNoTunnel)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		s.log.Error("ingress.body.read", obs.Fields{"err": err.Error()})
		return
	}

	id := uuid.NewString()
	headers := httpx.FromHeader(r.Header, r.Host)
	if s.cfg.AddXFF {
		httpx.AugmentXFF(headers, clientIP)
	}
	msg := proto.Request{
		Type:    proto.TypeHTTPRequest,
		ID:      id,
		Method:  r.Method,
		Path:    r.URL.EscapedPath(),
		Headers: headers,
		Query:   httpx.FromQuery(r.URL.Query()),
	}
	msg.Body, msg.Encoding = httpx.EncodeBody(body, r.Header.Get("Content-Type"), r.Header.Get("Content-Encoding"))

	log := s.log.With(obs.Fields{"id": id, "method": r.Method, "path": msg.Path})
	s.cfg.Store.Incr(r.Context(), state.CounterRequests)

	replyCh, err := sess.await(id)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, msgNoTunnel)
		return
	}
	defer sess.forget(id)

	if err := sess.send(msg); err != nil {
		log.Error("ingress.send", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("tunnel_send").Inc()
		writeJSONError(w, http.StatusBadGateway, msgTunnelClosed)
		return
	}
	log.Debug("ingress.sent", nil)

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case rep := <-replyCh:
		if rep.err != nil {
			if errors.Is(rep.err, errTunnelClosed) {
				log.Warn("ingress.tunnel_closed", nil)
				writeJSONError(w, http.StatusBadGateway, msgTunnelClosed)
				return
			}
			log.Error("ingress.invalid_response", obs.Fields{"err": rep.err.Error()})
			obs.ErrorsTotal.WithLabelValues("invalid_response").Inc()
			writeJSONError(w, http.StatusInternalServerError, msgInvalidResponse)
			return
		}
		if err := writeTunnelResponse(w, rep.resp); err != nil {
			log.Error("ingress.invalid_response", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("invalid_response").Inc()
			writeJSONError(w, http.StatusInternalServerError, msgInvalidResponse)
			return
		}
		log.Debug("ingress.done", obs.Fields{"status": rep.resp.Status})
	case <-timer.C:
		log.Error("ingress.timeout", obs.Fields{"timeout": s.cfg.RequestTimeout.String()})
		obs.ErrorsTotal.WithLabelValues("timeout").Inc()
		s.cfg.Store.Incr(r.Context(), state.CounterTimeouts)
		writeJSONError(w, http.StatusGatewayTimeout, msgTimeout)
	case <-r.Context().Done():
		log.Info("ingress.client_gone", nil)
		obs.ErrorsTotal.WithLabelValues("client_gone").Inc()
	}
}

// writeTunnelResponse replays resp onto w. The body is decoded before any
// header is written so a malformed body can still become a 500.
func writeTunnelResponse(w http.ResponseWriter, resp *proto.Response) error {
	body, isJSON, err := httpx.DecodeBody(resp.Body, resp.Encoding)
	if err != nil {
		return err
	}
	h := w.Header()
	httpx.Apply(h, resp.Headers, "content-length")
	if isJSON && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.Status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

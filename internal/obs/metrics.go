package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrelay_active_tunnels", Help: "Tunnel connections currently registered (0 or 1)"})
	PendingRequests       = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrelay_pending_requests", Help: "Public requests awaiting a tunnel response"})
	TunnelAcceptedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "wsrelay_tunnel_accepted_total", Help: "Authenticated tunnel connections"})
	TunnelReplacedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "wsrelay_tunnel_replaced_total", Help: "Tunnel connections displaced by a newer one"})
	AuthFailuresTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_auth_failures_total", Help: "Rejected tunnel connection attempts by reason"}, []string{"reason"})
	RequestsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_requests_total", Help: "Proxied public requests by method and status"}, []string{"method", "status"})
	RequestDuration       = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "wsrelay_request_duration_seconds", Help: "Public request latency through the tunnel", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)}, []string{"method"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_upstream_requests_total", Help: "Daemon requests against the target by status"}, []string{"status"})
	TunnelDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "wsrelay_tunnel_duration_seconds", Help: "Tunnel connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)

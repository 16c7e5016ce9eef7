package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatmigrate_send_total", Help: "Destination send outcomes"},
		[]string{"result", "http_status"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chatmigrate_send_latency_seconds", Help: "Destination send latency"},
	)
	Posted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatmigrate_posted_total", Help: "Messages successfully posted"},
	)
	DeliveryErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatmigrate_delivery_errors_total", Help: "Messages that exhausted delivery and were recorded as errors"},
	)
	RateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatmigrate_rate_limit_waits_total", Help: "Server-mandated throttling waits"},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatmigrate_token_refresh_total", Help: "Refresh-token exchange outcomes"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(Sends, SendLatency, Posted, DeliveryErrors, RateLimitWaits, TokenRefreshes)
}

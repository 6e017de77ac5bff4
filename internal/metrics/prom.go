package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gate rejection reasons.
const (
	ReasonOrigin    = "origin"
	ReasonBodySize  = "body_size"
	ReasonRateLimit = "rate_limit"
	ReasonPrompt    = "invalid_prompt"
	ReasonDraining  = "draining"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "imgrelay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	generateRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgrelay_generate_requests_total",
			Help: "Number of generation requests that reached the provider",
		},
		[]string{"outcome"},
	)

	gateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgrelay_gate_rejections_total",
			Help: "Requests rejected before contacting the provider",
		},
		[]string{"reason"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgrelay_upstream_duration_seconds",
			Help:    "Image provider round trip duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	imageBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imgrelay_image_bytes_total",
			Help: "Image bytes relayed to callers",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, generateRequests, gateRejections, upstreamDuration, imageBytes)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordGenerate records one provider round trip.
func RecordGenerate(success bool, d time.Duration, n int) {
	o := outcome(success)
	generateRequests.WithLabelValues(o).Inc()
	upstreamDuration.WithLabelValues(o).Observe(d.Seconds())
	if n > 0 {
		imageBytes.Add(float64(n))
	}
}

// RecordRejection increments the gate rejection counter for reason.
func RecordRejection(reason string) {
	gateRejections.WithLabelValues(reason).Inc()
}

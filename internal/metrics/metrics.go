package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scamadvisory/mailrisk/internal/health"
)

var (
	DiagnosticsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailrisk_diagnostics_total", Help: "diagnostic runs by outcome"}, []string{"status"})
	ProbeDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "mailrisk_probe_duration_seconds", Help: "probe latency by kind", Buckets: prometheus.DefBuckets}, []string{"probe"})
	ProviderErrors   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailrisk_provider_errors_total", Help: "soft provider failures"}, []string{"provider"})
	DNSBLHits        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailrisk_dnsbl_hits_total", Help: "blocklist hits by zone"}, []string{"zone"})
	HTTPRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailrisk_http_requests_total", Help: "API requests by route and status"}, []string{"route", "code"})
	CacheEvents      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailrisk_cache_events_total", Help: "result cache hits and misses"}, []string{"outcome"})
	FeedResults      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mailrisk_feed_results_total", Help: "results handed to the ingest feed"}, []string{"status"})
)

func init() {
	prometheus.MustRegister(DiagnosticsTotal, ProbeDuration, ProviderErrors, DNSBLHits, HTTPRequests, CacheEvents, FeedResults)
}

func Serve(addr string, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", healthHandler.HealthHandler)
	http.HandleFunc("/ready", healthHandler.ReadinessHandler)
	http.HandleFunc("/live", healthHandler.LivenessHandler)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}

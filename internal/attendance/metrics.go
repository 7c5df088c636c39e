package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_scans_total",
		Help: "Scan attempts by outcome (success or error classification).",
	}, []string{"outcome"})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qrattend_scan_duration_seconds",
		Help:    "End-to-end scan pipeline processing time.",
		Buckets: prometheus.DefBuckets,
	})
)

func observeScan(res ScanResult, seconds float64) {
	outcome := "success"
	if !res.Success {
		outcome = string(res.ErrorType)
	}
	scansTotal.WithLabelValues(outcome).Inc()
	scanDuration.Observe(seconds)
}

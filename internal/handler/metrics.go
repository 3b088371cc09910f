package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpspeed_requests_total",
			Help: "Number of requests served, by action and status code.",
		},
		[]string{"action", "status"},
	)
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpspeed_transfer_bytes_total",
			Help: "Payload bytes sent (download) or received (upload).",
		},
		[]string{"action"},
	)
	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpspeed_transfer_duration_seconds",
			Help:    "Duration of the served transfers.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"action"},
	)
	sessionsArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpspeed_sessions_archived_total",
			Help: "Number of expired sessions written to disk, by result.",
		},
		[]string{"result"},
	)
)

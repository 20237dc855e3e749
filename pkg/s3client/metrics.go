// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrusfs_s3_requests_total",
		Help: "Completed S3 exchanges by operation and status class",
	}, []string{"op", "status"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrusfs_s3_retries_total",
		Help: "Retried S3 exchanges by operation",
	}, []string{"op"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cirrusfs_s3_request_duration_seconds",
		Help:    "Duration of S3 exchanges including retries",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.7min
	}, []string{"op"})

	bytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrusfs_s3_bytes_sent_total",
		Help: "Payload bytes uploaded to S3 endpoints",
	})

	bytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrusfs_s3_bytes_received_total",
		Help: "Body bytes downloaded from S3 endpoints",
	})
)

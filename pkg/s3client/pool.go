// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3client

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/CirrusDataWorks/cirrusfs/pkg/logger"
)

// Pool manages clients for different endpoints. Clients are cached by
// endpoint+region+bucket+accessKey for connection reuse; all of them share
// one HTTP client so transport limits apply across endpoints.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	opts    Options

	// Shared HTTP client for connection reuse
	httpClient *http.Client
}

// NewPool creates a client pool. timeout bounds each exchange end to end and
// maxIdleConns caps pooled connections across all endpoints.
func NewPool(timeout time.Duration, maxIdleConns int, opts Options) *Pool {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxIdleConns,
			MaxIdleConnsPerHost: maxIdleConns / 10, // 10% per host
			IdleConnTimeout:     90 * time.Second,
		},
	}
	opts.HTTPClient = httpClient

	return &Pool{
		clients:    make(map[string]*Client),
		opts:       opts,
		httpClient: httpClient,
	}
}

// GetClient returns a client for the given config, creating and caching it
// on first use.
func (p *Pool) GetClient(cfg Config) (*Client, error) {
	cacheKey := fmt.Sprintf("%s|%s|%s|%s", cfg.Endpoint, cfg.Region, cfg.Bucket, cfg.AccessKeyID)

	// Check cache first
	p.mu.RLock()
	client, exists := p.clients[cacheKey]
	p.mu.RUnlock()
	if exists {
		return client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := p.clients[cacheKey]; exists {
		return client, nil
	}

	client, err := New(cfg, p.opts)
	if err != nil {
		return nil, err
	}

	p.clients[cacheKey] = client

	logger.Debug().
		Str("endpoint", cfg.Endpoint).
		Str("region", cfg.Region).
		Str("bucket", cfg.Bucket).
		Msg("Created new S3 client")

	return client, nil
}

// Close drops cached clients and releases idle connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clients = make(map[string]*Client)
	p.httpClient.CloseIdleConnections()

	return nil
}

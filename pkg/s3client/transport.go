// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/CirrusDataWorks/cirrusfs/pkg/logger"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3consts"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/sigv4"
	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"
)

const (
	// DefaultTimeout bounds one exchange end to end, retries excluded.
	DefaultTimeout = 5 * time.Minute
	// DefaultMaxRetries is how often a retryable failure is repeated.
	DefaultMaxRetries = 2
	// DefaultRetryBackoff is the base pause between attempts.
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Authorizer adds authentication to an outgoing request. Implementations must
// be safe for concurrent use and must not read the request body; the payload
// hash is handed to them instead.
type Authorizer interface {
	Authorize(req *http.Request, payloadHash string, now time.Time) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(req *http.Request, payloadHash string, now time.Time) error

func (f AuthorizerFunc) Authorize(req *http.Request, payloadHash string, now time.Time) error {
	return f(req, payloadHash, now)
}

// Anonymous returns an Authorizer that leaves requests unsigned.
func Anonymous() Authorizer {
	return AuthorizerFunc(func(*http.Request, string, time.Time) error { return nil })
}

// BearerToken returns an Authorizer that attaches a static bearer token, for
// endpoints that speak plain HTTP instead of the S3 protocol.
func BearerToken(token string) Authorizer {
	return AuthorizerFunc(func(req *http.Request, _ string, _ time.Time) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	})
}

// Request describes one exchange to run through the transport. Payload is a
// byte slice rather than a reader so retried attempts can resend it.
type Request struct {
	Op      string
	Method  string
	URL     *url.URL
	Header  http.Header
	Payload []byte
	Auth    Authorizer
}

// Options tunes transport behavior. The zero value selects the defaults.
type Options struct {
	// HTTPClient overrides the HTTP client used for exchanges. Leave nil to
	// get one with pooled connections and DefaultTimeout.
	HTTPClient *http.Client
	// MaxRetries is how many times a transport failure or 5xx answer is
	// repeated. Negative disables retries entirely.
	MaxRetries int
	// RetryBackoff is the pause between attempts. Each pause is stretched by
	// up to 25% so concurrent transfers do not retry in lockstep.
	RetryBackoff time.Duration
	// RateLimit caps request starts per second across all operations going
	// through the transport (0 = unlimited).
	RateLimit int
}

// Transport executes exchanges with retries, rate limiting, metrics and
// per-attempt logging. The zero value is not usable; construct with
// NewTransport.
type Transport struct {
	client  *http.Client
	limiter *rate.Limiter
	retries int
	backoff time.Duration
}

func NewTransport(opts Options) *Transport {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	retries := opts.MaxRetries
	switch {
	case retries == 0:
		retries = DefaultMaxRetries
	case retries < 0:
		retries = 0
	}

	backoff := opts.RetryBackoff
	if backoff == 0 {
		backoff = DefaultRetryBackoff
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}

	return &Transport{
		client:  hc,
		limiter: limiter,
		retries: retries,
		backoff: backoff,
	}
}

// RoundTrip runs one exchange, repeating retryable failures up to the
// configured limit. The returned Outcome is never nil. Authorization is
// computed inside each attempt, so retries carry fresh signatures.
func (t *Transport) RoundTrip(ctx context.Context, r *Request) *Outcome {
	reqID := uuid.NewString()
	start := time.Now()

	var out *Outcome
loop:
	for attempt := 0; ; attempt++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				out = &Outcome{Err: err}
				break
			}
		}

		out = t.attempt(ctx, r)

		evt := logger.Debug().
			Str("req_id", reqID).
			Str("op", r.Op).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("attempt", attempt)
		if out.Err != nil {
			evt = evt.Err(out.Err)
		} else {
			evt = evt.Int("status", out.Status)
			if id := out.Header.Get(s3consts.XAmzRequestID); id != "" {
				evt = evt.Str("s3_req_id", id)
			}
		}
		evt.Msg("S3 exchange")

		if out.Ok() || attempt >= t.retries || !retryable(out.Status, out.Err) {
			break
		}

		retriesTotal.WithLabelValues(r.Op).Inc()
		timer := time.NewTimer(utils.JitterUp(t.backoff, 0.25))
		select {
		case <-ctx.Done():
			timer.Stop()
			out = &Outcome{Err: ctx.Err()}
			break loop
		case <-timer.C:
		}
	}

	requestDuration.WithLabelValues(r.Op).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(r.Op, statusLabel(out)).Inc()
	return out
}

// attempt performs a single send. Header names and the Authorization value are
// never logged; the signature would leak key material.
func (t *Transport) attempt(ctx context.Context, r *Request) *Outcome {
	var body io.Reader
	if len(r.Payload) > 0 {
		body = bytes.NewReader(r.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return &Outcome{Err: err}
	}
	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	payloadHash := sigv4.HashedEmptyPayload
	if len(r.Payload) > 0 {
		payloadHash = sigv4.HashPayload(r.Payload)
	}
	if r.Auth != nil {
		if err := r.Auth.Authorize(req, payloadHash, time.Now()); err != nil {
			return &Outcome{Err: err}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &Outcome{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// A half-read response counts as a transport failure.
		return &Outcome{Err: err}
	}

	return &Outcome{Status: resp.StatusCode, Header: resp.Header, Body: data}
}

// CloseIdleConnections releases idle connections held by the HTTP client.
func (t *Transport) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}

func statusLabel(o *Outcome) string {
	if o.Err != nil {
		return "error"
	}
	return fmt.Sprintf("%dxx", o.Status/100)
}

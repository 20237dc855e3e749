// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3client issues signed requests against S3-compatible endpoints.
// It covers the object operations the file layer needs: HEAD, ranged GET,
// PUT, and the multipart upload lifecycle. Responses come back as typed
// results; failures come back as one of ConfigError, TransportError,
// ProtocolError or ParseError so callers can tell a refused connection from
// a rejected request.
package s3client

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/url"

	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3consts"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3types"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/sigv4"
)

// Config holds connection settings for one bucket on an S3-compatible
// endpoint.
type Config struct {
	// Endpoint is the absolute http(s) URL of the S3 service.
	Endpoint string
	// Region is the signing region, e.g. "us-east-1".
	Region string
	// Bucket is the bucket all commands on this client address.
	Bucket string

	AccessKeyID     string
	SecretAccessKey string

	// PathStyle addresses objects as endpoint/bucket/key instead of
	// bucket.endpoint/key. Required for most non-AWS endpoints.
	PathStyle bool
}

// Validate reports configuration problems that would otherwise surface as
// confusing request failures. It performs no network I/O.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return &ConfigError{Reason: "endpoint is required"}
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ConfigError{Reason: "endpoint must be an absolute http(s) URL"}
	}
	if c.Region == "" {
		return &ConfigError{Reason: "region is required"}
	}
	if c.Bucket == "" {
		return &ConfigError{Reason: "bucket is required"}
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return &ConfigError{Reason: "access key and secret key are required"}
	}
	return nil
}

// Client issues signed requests for objects in a single bucket. It is safe
// for concurrent use.
type Client struct {
	cfg       Config
	transport *Transport
	auth      Authorizer
	scheme    string
	host      string
}

// New validates cfg and builds a client. All commands go through one
// transport, so retry, rate limit and timeout settings apply uniformly.
func New(cfg Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, _ := url.Parse(cfg.Endpoint)

	signer := sigv4.NewSigner(sigv4.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	}, cfg.Region)

	return &Client{
		cfg:       cfg,
		transport: NewTransport(opts),
		auth:      AuthorizerFunc(signer.Sign),
		scheme:    u.Scheme,
		host:      u.Host,
	}, nil
}

// Bucket returns the bucket this client addresses.
func (c *Client) Bucket() string { return c.cfg.Bucket }

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string { return c.cfg.Endpoint }

// CloseIdleConnections releases idle connections held by the client.
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// objectURL builds the request URL for key. Path-style requests address
// /bucket/key on the endpoint host; virtual-hosted requests address /key on
// bucket.host. RawPath and RawQuery carry the canonical encoding, so the
// bytes on the wire are the same string the signature covers.
func (c *Client) objectURL(key string, query url.Values) *url.URL {
	host := c.host
	path := "/" + c.cfg.Bucket + "/" + key
	if !c.cfg.PathStyle {
		host = c.cfg.Bucket + "." + c.host
		path = "/" + key
	}

	return &url.URL{
		Scheme:   c.scheme,
		Host:     host,
		Path:     path,
		RawPath:  sigv4.EncodeURIPath(path),
		RawQuery: sigv4.EncodeQuery(query),
	}
}

func (c *Client) do(ctx context.Context, op, method, key string, query url.Values, header http.Header, payload []byte) *Outcome {
	return c.transport.RoundTrip(ctx, &Request{
		Op:      op,
		Method:  method,
		URL:     c.objectURL(key, query),
		Header:  header,
		Payload: payload,
		Auth:    c.auth,
	})
}

// check converts a failed Outcome into the matching typed error. A nil return
// means the exchange completed 2xx.
func (c *Client) check(op string, out *Outcome) error {
	if out.Err != nil {
		return &TransportError{Op: op, Err: out.Err}
	}
	if out.Ok() {
		return nil
	}

	perr := &ProtocolError{
		Op:        op,
		Status:    out.Status,
		RequestID: out.Header.Get(s3consts.XAmzRequestID),
	}
	if len(out.Body) > 0 {
		var e s3types.Error
		if xml.Unmarshal(out.Body, &e) == nil && e.Code != "" {
			perr.Response = &e
			if perr.RequestID == "" {
				perr.RequestID = e.RequestID
			}
		}
	}
	return perr
}

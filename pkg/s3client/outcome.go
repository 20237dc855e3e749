// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3types"
)

// Outcome is the terminal result of one exchange, populated for both completed
// HTTP responses and transport failures. Status is 0 when no response was
// received; Err then holds the transport error.
type Outcome struct {
	Status int
	Header http.Header
	Body   []byte
	Err    error
}

// Ok reports whether the exchange completed with a 2xx status.
func (o *Outcome) Ok() bool {
	return o.Err == nil && o.Status >= 200 && o.Status < 300
}

// ConfigError reports invalid client configuration caught before any request
// is sent.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "s3client: invalid configuration: " + e.Reason
}

// TransportError reports a request that produced no HTTP response: DNS
// failures, refused connections, TLS handshakes, timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("s3client: %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a completed exchange the endpoint answered with a
// non-2xx status. Response holds the parsed error document when the endpoint
// returned one.
type ProtocolError struct {
	Op        string
	Status    int
	Response  *s3types.Error
	RequestID string
}

func (e *ProtocolError) Error() string {
	if e.Response != nil && e.Response.Code != "" {
		return fmt.Sprintf("s3client: %s: status %d: %s", e.Op, e.Status, e.Response.Error())
	}
	return fmt.Sprintf("s3client: %s: status %d", e.Op, e.Status)
}

// ParseError reports a 2xx response whose headers or body could not be
// interpreted. Distinct from ProtocolError: the endpoint accepted the request
// but answered with something unusable.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("s3client: %s: parse response: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// retryable reports whether an attempt may be repeated: transport failures and
// 5xx answers are, client errors are not. A dead context ends the loop no
// matter what produced the failure.
func retryable(status int, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return true
	}
	return status >= 500
}

// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3client

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3consts"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3types"
)

// Operation names used in logs, metrics and errors.
const (
	opHead       = "HeadObject"
	opGet        = "GetObject"
	opPut        = "PutObject"
	opCreate     = "CreateMultipartUpload"
	opUploadPart = "UploadPart"
	opComplete   = "CompleteMultipartUpload"
	opAbort      = "AbortMultipartUpload"
)

// HeadObject fetches object metadata. The raw response headers are returned
// for the caller to interpret.
func (c *Client) HeadObject(ctx context.Context, key string) (http.Header, error) {
	out := c.do(ctx, opHead, http.MethodHead, key, nil, nil, nil)
	if err := c.check(opHead, out); err != nil {
		return nil, err
	}
	return out.Header, nil
}

// GetObjectRange reads length bytes starting at offset. The endpoint answers
// 206 with the requested range, or 200 with the whole object when it ignores
// Range; a 200 body is sliced down to the requested window so callers always
// get bytes from offset.
func (c *Client) GetObjectRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	out := c.do(ctx, opGet, http.MethodGet, key, nil, header, nil)
	if err := c.check(opGet, out); err != nil {
		return nil, err
	}

	body := out.Body
	if out.Status == http.StatusOK {
		if offset >= int64(len(body)) {
			body = nil
		} else {
			end := offset + length
			if end > int64(len(body)) {
				end = int64(len(body))
			}
			body = body[offset:end]
		}
	}
	bytesReceived.Add(float64(len(body)))
	return body, nil
}

// PutObject uploads data as a single object.
func (c *Client) PutObject(ctx context.Context, key string, data []byte) error {
	out := c.do(ctx, opPut, http.MethodPut, key, nil, nil, data)
	if err := c.check(opPut, out); err != nil {
		return err
	}
	bytesSent.Add(float64(len(data)))
	return nil
}

// CreateMultipartUpload starts a multipart upload and returns the upload ID
// the endpoint allocated for it.
func (c *Client) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	query := url.Values{s3consts.QueryUploads: {""}}

	out := c.do(ctx, opCreate, http.MethodPost, key, query, nil, nil)
	if err := c.check(opCreate, out); err != nil {
		return "", err
	}

	var result s3types.InitiateMultipartUploadResult
	if err := xml.Unmarshal(out.Body, &result); err != nil {
		return "", &ParseError{Op: opCreate, Err: err}
	}
	if result.UploadID == "" {
		return "", &ParseError{Op: opCreate, Err: fmt.Errorf("response carries no UploadId")}
	}
	return result.UploadID, nil
}

// UploadPart sends one part of a multipart upload and returns the ETag the
// endpoint recorded for it, quotes preserved.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	if partNumber < 1 || partNumber > s3consts.MaxPartID {
		return "", &ConfigError{Reason: fmt.Sprintf("part number %d outside 1-%d", partNumber, s3consts.MaxPartID)}
	}
	query := url.Values{
		s3consts.QueryPartNumber: {strconv.Itoa(partNumber)},
		s3consts.QueryUploadID:   {uploadID},
	}

	out := c.do(ctx, opUploadPart, http.MethodPut, key, query, nil, data)
	if err := c.check(opUploadPart, out); err != nil {
		return "", err
	}

	etag := out.Header.Get("ETag")
	if etag == "" {
		return "", &ParseError{Op: opUploadPart, Err: fmt.Errorf("response carries no ETag")}
	}
	bytesSent.Add(float64(len(data)))
	return etag, nil
}

// CompleteMultipartUpload commits the upload from its recorded parts. Parts
// are submitted in ascending part number order as the protocol demands.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []s3types.CompletePart) error {
	sorted := append([]s3types.CompletePart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	body, err := xml.Marshal(s3types.CompleteMultipartUploadRequest{Parts: sorted})
	if err != nil {
		return fmt.Errorf("s3client: encode complete request: %w", err)
	}

	query := url.Values{s3consts.QueryUploadID: {uploadID}}
	header := http.Header{}
	header.Set("Content-Type", "application/xml")

	out := c.do(ctx, opComplete, http.MethodPost, key, query, header, body)
	if err := c.check(opComplete, out); err != nil {
		return err
	}

	// The protocol allows an error document inside a 200 answer for this
	// operation, so a 2xx status alone does not confirm the commit.
	var e s3types.Error
	if xml.Unmarshal(out.Body, &e) == nil && e.Code != "" {
		return &ProtocolError{
			Op:        opComplete,
			Status:    out.Status,
			Response:  &e,
			RequestID: out.Header.Get(s3consts.XAmzRequestID),
		}
	}
	return nil
}

// AbortMultipartUpload discards an open upload and whatever parts it has
// accumulated.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	query := url.Values{s3consts.QueryUploadID: {uploadID}}
	out := c.do(ctx, opAbort, http.MethodDelete, key, query, nil, nil)
	return c.check(opAbort, out)
}

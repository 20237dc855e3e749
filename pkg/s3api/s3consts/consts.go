// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3consts

// http://docs.aws.amazon.com/AmazonS3/latest/dev/UploadingObjects.html
const (
	// MaxObjectSize is the maximum object size per PUT request (5GiB)
	MaxObjectSize = 1024 * 1024 * 1024 * 5
	// MinPartSize is the minimum size of any multipart part except the last (5MiB)
	MinPartSize = 1024 * 1024 * 5
	// MaxPartID is the maximum Part ID for multipart upload (10000)
	// Acceptable values range from 1 to 10000 inclusive
	MaxPartID = 10000

	// --- Core request / tracing ---
	XAmzDate      = "x-amz-date"
	XAmzRequestID = "x-amz-request-id"
	XAmzId2       = "x-amz-id-2"

	// --- Content / payload ---
	XAmzContentSHA256 = "x-amz-content-sha256"

	// --- Multipart upload query parameters ---
	QueryUploads    = "uploads"
	QueryUploadID   = "uploadId"
	QueryPartNumber = "partNumber"
)

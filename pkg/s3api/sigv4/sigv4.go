// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3consts"
	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"
)

// AWS Signature Version 4 implementation following:
// https://docs.aws.amazon.com/general/latest/gr/signature-version-4.html

const (
	AuthHeaderV4 = "AWS4-HMAC-SHA256"

	Iso8601BasicFormat = "20060102T150405Z"
	Iso8601DateFormat  = "20060102"

	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// Precomputed SHA256 hash of an empty payload
	HashedEmptyPayload = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	serviceS3     = "s3"
	requestSuffix = "aws4_request"
)

// Credentials holds a static access key pair used for signing.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Valid reports whether both halves of the key pair are present.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Signer computes AWS Signature V4 authorization headers for outgoing
// requests against a single region and service.
type Signer struct {
	creds   Credentials
	region  string
	service string
}

// NewSigner creates a signer for the S3 service in the given region.
func NewSigner(creds Credentials, region string) *Signer {
	return &Signer{
		creds:   creds,
		region:  region,
		service: serviceS3,
	}
}

// Sign computes the V4 signature for req and sets the X-Amz-Date,
// X-Amz-Content-Sha256 and Authorization headers. payloadHash must be the
// lowercase hex SHA256 of the request body, HashedEmptyPayload for bodyless
// requests, or UnsignedPayload to skip payload verification.
//
// The signature covers the timestamp, so a request that is resent later must
// be signed again.
func (s *Signer) Sign(req *http.Request, payloadHash string, now time.Time) error {
	if !s.creds.Valid() {
		return errors.New("sigv4: access key and secret key are required")
	}
	if s.region == "" {
		return errors.New("sigv4: region is required")
	}
	if payloadHash == "" {
		payloadHash = HashedEmptyPayload
	}

	now = now.UTC()
	amzDate := now.Format(Iso8601BasicFormat)
	dateStamp := now.Format(Iso8601DateFormat)

	req.Header.Set(s3consts.XAmzDate, amzDate)
	req.Header.Set(s3consts.XAmzContentSHA256, payloadHash)

	canonicalReq, signedHeaders := buildCanonicalRequest(req, payloadHash)

	scope := strings.Join([]string{dateStamp, s.region, s.service, requestSuffix}, "/")
	stringToSign := buildStringToSign(amzDate, scope, canonicalReq)

	signingKey := deriveSigningKey(s.creds.SecretAccessKey, dateStamp, s.region, s.service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		AuthHeaderV4, s.creds.AccessKeyID, scope, signedHeaders, signature))

	return nil
}

// HashPayload returns the lowercase hex SHA256 digest of p, the value S3
// expects in the x-amz-content-sha256 header.
func HashPayload(p []byte) string {
	h := utils.Sha256PoolGetHasher()
	h.Write(p)
	sum := hex.EncodeToString(h.Sum(nil))
	utils.Sha256PoolPutHasher(h)
	return sum
}

// buildStringToSign creates the string to sign per AWS spec
func buildStringToSign(timestamp, scope, canonicalRequest string) string {
	h := utils.Sha256PoolGetHasher()
	h.Write([]byte(canonicalRequest))
	hashedRequest := hex.EncodeToString(h.Sum(nil))
	utils.Sha256PoolPutHasher(h)

	// String to sign format:
	// Algorithm + "\n" +
	// RequestDateTime + "\n" +
	// CredentialScope + "\n" +
	// HashedCanonicalRequest
	return strings.Join([]string{
		AuthHeaderV4,
		timestamp,
		scope,
		hashedRequest,
	}, "\n")
}

// deriveSigningKey derives the signing key using HMAC-SHA256 chain
func deriveSigningKey(secretKey, date, region, service string) []byte {
	// kSecret = "AWS4" + SecretKey
	// kDate = HMAC("AWS4" + SecretKey, Date)
	// kRegion = HMAC(kDate, Region)
	// kService = HMAC(kRegion, Service)
	// kSigning = HMAC(kService, "aws4_request")

	kDate := hmacSHA256([]byte("AWS4"+secretKey), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	kSigning := hmacSHA256(kService, []byte(requestSuffix))

	return kSigning
}

// hmacSHA256 computes HMAC-SHA256
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

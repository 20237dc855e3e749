package sigv4

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// buildCanonicalRequest assembles the canonical request and the signed header
// list for req. The signed set is host plus every header already present on
// the request that S3 canonicalizes: all x-amz-* headers and the date,
// content-type, content-length and range headers when set.
func buildCanonicalRequest(req *http.Request, payloadHash string) (string, string) {
	canonicalURI := EncodeURIPath(req.URL.Path)
	canonicalQuery := EncodeQuery(req.URL.Query())
	names, canonicalHeaders := buildCanonicalHeaders(req)
	signedHeaders := strings.Join(names, ";")

	// Canonical request format:
	// HTTPMethod + "\n" +
	// CanonicalURI + "\n" +
	// CanonicalQueryString + "\n" +
	// CanonicalHeaders + "\n" +
	// SignedHeaders + "\n" +
	// HashedPayload
	canonical := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	return canonical, signedHeaders
}

// EncodeURIPath percent-encodes an object path for the canonical URI, keeping
// slashes as segment separators. S3 canonicalizes with the RFC 3986 unreserved
// set and uppercase hex digits; url.PathEscape leaves too many characters bare
// to match what the server computes.
func EncodeURIPath(path string) string {
	if path == "" {
		return "/"
	}
	return uriEncode(path, false)
}

// EncodeQuery renders query parameters sorted by key, with values sorted
// within repeated keys. A parameter without a value renders as "k=", which is
// how S3 subresources such as "?uploads" appear in the canonical query.
func EncodeQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		encodedKey := uriEncode(k, true)
		for _, v := range vals {
			parts = append(parts, encodedKey+"="+uriEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

// uriEncode implements the AWS flavor of RFC 3986 percent encoding: unreserved
// characters pass through, everything else becomes %XX with uppercase hex.
// encodeSlash controls whether "/" stays literal (canonical URIs) or is
// escaped (query keys and values).
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// buildCanonicalHeaders creates the sorted canonical headers block and returns
// the sorted header names for the signed headers list.
func buildCanonicalHeaders(req *http.Request) ([]string, string) {
	headers := make(map[string][]string)

	// Host lives in req.Host on outgoing requests, not in req.Header.
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	headers["host"] = []string{host}

	for name, vals := range req.Header {
		lower := strings.ToLower(name)
		if len(vals) > 0 && isSignedHeader(lower) {
			headers[lower] = vals
		}
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vals := headers[name]
		trimmed := make([]string, len(vals))
		for i, v := range vals {
			trimmed[i] = canonicalHeaderValue(v)
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteByte('\n')
	}

	return names, b.String()
}

func isSignedHeader(name string) bool {
	switch name {
	case "content-type", "content-length", "date", "range":
		return true
	}
	return strings.HasPrefix(name, "x-amz-")
}

// canonicalHeaderValue trims a header value and collapses internal runs of
// whitespace to a single space.
func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

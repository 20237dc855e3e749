// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
)

// ExportTypeHTTP mounts a plain HTTP object endpoint: GET with Range for
// reads, one PUT per file for writes. No multipart semantics exist here, so
// written files are buffered whole and sent on Close.
const ExportTypeHTTP = "http"

func init() {
	Register(ExportTypeHTTP, newHTTPFileSystem)
}

type httpFS struct {
	transport *s3client.Transport
	auth      s3client.Authorizer
	base      *url.URL
}

func newHTTPFileSystem(exp *Export, opts Options) (FileSystem, error) {
	if exp.Endpoint == "" {
		return nil, fmt.Errorf("export %s: endpoint is required", exp.Name)
	}
	base, err := url.Parse(exp.Endpoint)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("export %s: endpoint must be an absolute http(s) URL", exp.Name)
	}

	auth := s3client.Anonymous()
	token, err := exp.BearerToken()
	if err != nil {
		return nil, err
	}
	if token != "" {
		auth = s3client.BearerToken(token)
	}

	return &httpFS{
		transport: s3client.NewTransport(opts.Client),
		auth:      auth,
		base:      base,
	}, nil
}

func (h *httpFS) fileURL(name string) *url.URL {
	u := *h.base
	u.Path = path.Join("/", h.base.Path, name)
	u.RawPath = ""
	return &u
}

func (h *httpFS) roundTrip(ctx context.Context, op, method, name string, header http.Header, payload []byte) (*s3client.Outcome, error) {
	out := h.transport.RoundTrip(ctx, &s3client.Request{
		Op:      op,
		Method:  method,
		URL:     h.fileURL(name),
		Header:  header,
		Payload: payload,
		Auth:    h.auth,
	})
	if out.Err != nil {
		return nil, &s3client.TransportError{Op: op, Err: out.Err}
	}
	if !out.Ok() {
		return nil, &s3client.ProtocolError{Op: op, Status: out.Status}
	}
	return out, nil
}

func (h *httpFS) Open(ctx context.Context, name string, flag int) (File, error) {
	if name == "" {
		return nil, pathErr("open", name, iofs.ErrInvalid)
	}
	if flag&os.O_RDWR != 0 || flag&os.O_APPEND != 0 {
		return nil, pathErr("open", name, iofs.ErrInvalid)
	}

	if flag&os.O_WRONLY != 0 {
		return &httpWriteFile{fs: h, name: name}, nil
	}

	info, err := h.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	return &httpReadFile{fs: h, name: name, info: info}, nil
}

func (h *httpFS) Stat(ctx context.Context, name string) (FileInfo, error) {
	out, err := h.roundTrip(ctx, "HTTPHead", http.MethodHead, name, nil, nil)
	if err != nil {
		return FileInfo{}, mapError("stat", name, err)
	}
	info, err := infoFromHeader(out.Header)
	if err != nil {
		return FileInfo{}, mapError("stat", name, err)
	}
	return info, nil
}

func (h *httpFS) Close() error {
	h.transport.CloseIdleConnections()
	return nil
}

type httpReadFile struct {
	fs     *httpFS
	name   string
	info   FileInfo
	closed bool
}

func (r *httpReadFile) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if r.closed {
		return 0, pathErr("read", r.name, iofs.ErrClosed)
	}
	if off < 0 {
		return 0, pathErr("read", r.name, iofs.ErrInvalid)
	}
	if len(p) == 0 {
		return 0, nil
	}

	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	out, err := r.fs.roundTrip(ctx, "HTTPGet", http.MethodGet, r.name, header, nil)
	if err != nil {
		var perr *s3client.ProtocolError
		if errors.As(err, &perr) && perr.Status == http.StatusRequestedRangeNotSatisfiable {
			return 0, io.EOF
		}
		return 0, mapError("read", r.name, err)
	}

	body := out.Body
	if out.Status == http.StatusOK {
		// Endpoint ignored Range and sent the whole file.
		if off >= int64(len(body)) {
			return 0, io.EOF
		}
		body = body[off:]
	}

	n := copy(p, body)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *httpReadFile) Write(ctx context.Context, p []byte) (int, error) {
	return 0, pathErr("write", r.name, iofs.ErrInvalid)
}

func (r *httpReadFile) Stat(ctx context.Context) (FileInfo, error) {
	if r.closed {
		return FileInfo{}, pathErr("stat", r.name, iofs.ErrClosed)
	}
	return r.info, nil
}

func (r *httpReadFile) Close(ctx context.Context) error {
	if r.closed {
		return pathErr("close", r.name, iofs.ErrClosed)
	}
	r.closed = true
	return nil
}

// httpWriteFile buffers everything and PUTs once on Close. Fine for the small
// files these exports carry; large streams belong on an s3 export.
type httpWriteFile struct {
	fs     *httpFS
	name   string
	buf    bytes.Buffer
	closed bool
	failed bool
}

func (w *httpWriteFile) Write(ctx context.Context, p []byte) (int, error) {
	if w.closed || w.failed {
		return 0, pathErr("write", w.name, iofs.ErrClosed)
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *httpWriteFile) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, pathErr("read", w.name, iofs.ErrInvalid)
}

func (w *httpWriteFile) Stat(ctx context.Context) (FileInfo, error) {
	if w.closed || w.failed {
		return FileInfo{}, pathErr("stat", w.name, iofs.ErrClosed)
	}
	return FileInfo{Size: int64(w.buf.Len())}, nil
}

func (w *httpWriteFile) Close(ctx context.Context) error {
	if w.failed {
		return nil
	}
	if w.closed {
		return pathErr("close", w.name, iofs.ErrClosed)
	}
	w.closed = true

	// Same contract as the s3 backend: an untouched handle leaves no trace.
	if w.buf.Len() == 0 {
		return nil
	}

	if _, err := w.fs.roundTrip(ctx, "HTTPPut", http.MethodPut, w.name, nil, w.buf.Bytes()); err != nil {
		w.failed = true
		return mapError("close", w.name, err)
	}
	return nil
}

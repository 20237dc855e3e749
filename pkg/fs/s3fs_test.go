// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
)

func newReadFS(t *testing.T, handler http.HandlerFunc) *s3FS {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := s3client.New(s3client.Config{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "test-bucket",
		AccessKeyID:     "ak",
		SecretAccessKey: "sk",
		PathStyle:       true,
	}, s3client.Options{MaxRetries: -1, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	fsys := &s3FS{client: client, exportName: "test", partSize: DefaultPartSize}
	t.Cleanup(func() { fsys.Close() })
	return fsys
}

// serveObject answers HEAD with metadata and GET with honored Range headers,
// including 416 for ranges past the end.
func serveObject(object []byte, requests *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Length", strconv.Itoa(len(object)))
			w.Header().Set("ETag", `"obj-etag"`)
			w.Header().Set("Last-Modified", "Wed, 12 Oct 2022 17:50:00 GMT")
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			var start, end int64
			if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if start >= int64(len(object)) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			if end >= int64(len(object)) {
				end = int64(len(object)) - 1
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(object)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(object[start : end+1])
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func TestS3FS_Stat(t *testing.T) {
	object := []byte("stat me")
	fsys := newReadFS(t, serveObject(object, nil))

	info, err := fsys.Stat(context.Background(), "docs/file.txt")
	require.NoError(t, err)

	assert.Equal(t, int64(len(object)), info.Size)
	assert.Equal(t, `"obj-etag"`, info.ETag)
	assert.True(t, info.ModTime.Equal(time.Date(2022, 10, 12, 17, 50, 0, 0, time.UTC)))
}

func TestS3FS_StatMissing(t *testing.T) {
	fsys := newReadFS(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := fsys.Stat(context.Background(), "absent.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, iofs.ErrNotExist)

	var perr *iofs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "stat", perr.Op)
	assert.Equal(t, "absent.txt", perr.Path)
}

func TestS3FS_OpenRead(t *testing.T) {
	object := []byte("0123456789abcdefghij")
	fsys := newReadFS(t, serveObject(object, nil))
	ctx := context.Background()

	f, err := fsys.Open(ctx, "data.bin", os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close(ctx)

	info, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), info.Size)
}

func TestS3FS_OpenReadMissing(t *testing.T) {
	fsys := newReadFS(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := fsys.Open(context.Background(), "absent.txt", os.O_RDONLY)
	require.Error(t, err)
	assert.ErrorIs(t, err, iofs.ErrNotExist)

	var perr *iofs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "open", perr.Op)
}

func TestS3FS_OpenReadForbidden(t *testing.T) {
	fsys := newReadFS(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := fsys.Open(context.Background(), "locked.txt", os.O_RDONLY)
	assert.ErrorIs(t, err, iofs.ErrPermission)
}

func TestS3FS_OpenRejectsMixedFlags(t *testing.T) {
	fsys := newReadFS(t, serveObject([]byte("x"), nil))
	ctx := context.Background()

	_, err := fsys.Open(ctx, "f", os.O_RDWR)
	assert.ErrorIs(t, err, iofs.ErrInvalid)

	_, err = fsys.Open(ctx, "f", os.O_WRONLY|os.O_APPEND)
	assert.ErrorIs(t, err, iofs.ErrInvalid)

	_, err = fsys.Open(ctx, "", os.O_RDONLY)
	assert.ErrorIs(t, err, iofs.ErrInvalid)
}

func TestS3FS_ReadAt(t *testing.T) {
	object := []byte("0123456789abcdefghij")
	var requests atomic.Int32
	fsys := newReadFS(t, serveObject(object, &requests))
	ctx := context.Background()

	f, err := fsys.Open(ctx, "data.bin", os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close(ctx)

	// Interior read fills the buffer exactly.
	p := make([]byte, 5)
	n, err := f.ReadAt(ctx, p, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("abcde"), p)

	// Tail read comes back short with EOF.
	p = make([]byte, 10)
	n, err = f.ReadAt(ctx, p, 15)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("fghij"), p[:n])

	// At and past the end: clean EOF, nothing read.
	n, err = f.ReadAt(ctx, make([]byte, 4), 20)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	n, err = f.ReadAt(ctx, make([]byte, 4), 100)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	// Empty buffer performs no request at all.
	before := requests.Load()
	n, err = f.ReadAt(ctx, nil, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before, requests.Load())

	// Negative offset is caller error, not a remote one.
	_, err = f.ReadAt(ctx, make([]byte, 4), -1)
	assert.ErrorIs(t, err, iofs.ErrInvalid)
}

func TestS3FS_ReadHandleMisuse(t *testing.T) {
	fsys := newReadFS(t, serveObject([]byte("body"), nil))
	ctx := context.Background()

	f, err := fsys.Open(ctx, "data.bin", os.O_RDONLY)
	require.NoError(t, err)

	_, err = f.Write(ctx, []byte("nope"))
	assert.ErrorIs(t, err, iofs.ErrInvalid)

	require.NoError(t, f.Close(ctx))

	_, err = f.ReadAt(ctx, make([]byte, 1), 0)
	assert.ErrorIs(t, err, iofs.ErrClosed)

	_, err = f.Stat(ctx)
	assert.ErrorIs(t, err, iofs.ErrClosed)

	err = f.Close(ctx)
	assert.ErrorIs(t, err, iofs.ErrClosed)
}

func TestInfoFromHeader(t *testing.T) {
	t.Parallel()

	mk := func(kv ...string) http.Header {
		h := http.Header{}
		for i := 0; i < len(kv); i += 2 {
			h.Set(kv[i], kv[i+1])
		}
		return h
	}

	tests := []struct {
		name    string
		header  http.Header
		want    FileInfo
		wantErr bool
	}{
		{
			name:   "full",
			header: mk("Content-Length", "1234", "ETag", `"e"`, "Last-Modified", "Wed, 12 Oct 2022 17:50:00 GMT"),
			want: FileInfo{
				Size:    1234,
				ETag:    `"e"`,
				ModTime: time.Date(2022, 10, 12, 17, 50, 0, 0, time.UTC),
			},
		},
		{
			name:   "no last modified",
			header: mk("Content-Length", "0"),
			want:   FileInfo{},
		},
		{name: "missing content length", header: mk("ETag", `"e"`), wantErr: true},
		{name: "bad content length", header: mk("Content-Length", "many"), wantErr: true},
		{name: "negative content length", header: mk("Content-Length", "-5"), wantErr: true},
		{name: "bad last modified", header: mk("Content-Length", "1", "Last-Modified", "yesterday"), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			info, err := infoFromHeader(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Size, info.Size)
			assert.Equal(t, tt.want.ETag, info.ETag)
			assert.True(t, info.ModTime.Equal(tt.want.ModTime))
		})
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"not found", &s3client.ProtocolError{Op: "HeadObject", Status: 404}, iofs.ErrNotExist},
		{"forbidden", &s3client.ProtocolError{Op: "HeadObject", Status: 403}, iofs.ErrPermission},
		{"server error", &s3client.ProtocolError{Op: "GetObject", Status: 500}, ErrRemoteIO},
		{"transport", &s3client.TransportError{Op: "GetObject", Err: errors.New("refused")}, ErrRemoteIO},
		{"parse", &s3client.ParseError{Op: "UploadPart", Err: errors.New("no etag")}, ErrRemoteIO},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := mapError("read", "dir/f.txt", tt.err)

			assert.ErrorIs(t, err, tt.sentinel)

			var perr *iofs.PathError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "read", perr.Op)
			assert.Equal(t, "dir/f.txt", perr.Path)

			// The original client error stays reachable for callers that
			// want protocol detail.
			switch tt.err.(type) {
			case *s3client.ProtocolError:
				var orig *s3client.ProtocolError
				assert.ErrorAs(t, err, &orig)
			case *s3client.TransportError:
				var orig *s3client.TransportError
				assert.ErrorAs(t, err, &orig)
			}
		})
	}
}

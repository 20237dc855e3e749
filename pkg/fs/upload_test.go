// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	iofs "io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CirrusDataWorks/cirrusfs/pkg/journal"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3types"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
)

// fakeMultipart is a minimal multipart-capable endpoint for upload tests.
type fakeMultipart struct {
	mu sync.Mutex

	// Failure injection. Statuses apply until cleared; partFailures counts
	// down per part number so a part can fail once and then succeed.
	createStatus   int
	partStatus     int
	completeStatus int
	partFailures   map[int]int

	creates   int
	parts     map[int][]byte
	completed []s3types.CompletePart
	object    []byte
	aborted   []string
}

func (f *fakeMultipart) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		q := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			f.creates++
			if f.createStatus != 0 {
				w.WriteHeader(f.createStatus)
				return
			}
			fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>test-bucket</Bucket><Key>big.bin</Key><UploadId>upload-%d</UploadId></InitiateMultipartUploadResult>`, f.creates)

		case r.Method == http.MethodPut && q.Get("partNumber") != "":
			n, _ := strconv.Atoi(q.Get("partNumber"))
			body, _ := io.ReadAll(r.Body)
			if f.partFailures[n] > 0 {
				f.partFailures[n]--
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if f.partStatus != 0 {
				w.WriteHeader(f.partStatus)
				return
			}
			if f.parts == nil {
				f.parts = make(map[int][]byte)
			}
			f.parts[n] = body
			w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))

		case r.Method == http.MethodPost && q.Get("uploadId") != "":
			if f.completeStatus != 0 {
				w.WriteHeader(f.completeStatus)
				return
			}
			body, _ := io.ReadAll(r.Body)
			var req s3types.CompleteMultipartUploadRequest
			if err := xml.Unmarshal(body, &req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.completed = req.Parts
			f.object = nil
			for _, p := range req.Parts {
				f.object = append(f.object, f.parts[p.PartNumber]...)
			}
			fmt.Fprint(w, `<CompleteMultipartUploadResult><Bucket>test-bucket</Bucket><Key>big.bin</Key><ETag>"final"</ETag></CompleteMultipartUploadResult>`)

		case r.Method == http.MethodDelete && q.Get("uploadId") != "":
			f.aborted = append(f.aborted, q.Get("uploadId"))
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}
}

func (f *fakeMultipart) partSizes() map[int]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make(map[int]int, len(f.parts))
	for n, data := range f.parts {
		sizes[n] = len(data)
	}
	return sizes
}

func (f *fakeMultipart) snapshot() (creates int, completed []s3types.CompletePart, object []byte, aborted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, append([]s3types.CompletePart(nil), f.completed...),
		append([]byte(nil), f.object...), append([]string(nil), f.aborted...)
}

type uploadFSOptions struct {
	partSize       int64
	abortOnFailure bool
	journal        *journal.Journal
	maxRetries     int
}

func newUploadFS(t *testing.T, fake *fakeMultipart, o uploadFSOptions) *s3FS {
	t.Helper()

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	if o.maxRetries == 0 {
		o.maxRetries = -1
	}
	client, err := s3client.New(s3client.Config{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "test-bucket",
		AccessKeyID:     "ak",
		SecretAccessKey: "sk",
		PathStyle:       true,
	}, s3client.Options{MaxRetries: o.maxRetries, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	fsys := &s3FS{
		client:         client,
		journal:        o.journal,
		exportName:     "test",
		partSize:       o.partSize,
		abortOnFailure: o.abortOnFailure,
	}
	t.Cleanup(func() { fsys.Close() })
	return fsys
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func openForWrite(t *testing.T, fsys *s3FS, name string) File {
	t.Helper()
	f, err := fsys.Open(context.Background(), name, os.O_WRONLY|os.O_CREATE)
	require.NoError(t, err)
	return f
}

func TestUpload_SinglePartUnderThreshold(t *testing.T) {
	jrnl, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	fake := &fakeMultipart{}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000, journal: jrnl})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	data := pattern(999)
	n, err := f.Write(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 999, n)

	// The first write allocates the upload, but no part ships until the
	// buffer exceeds the part size.
	creates, _, _, _ := fake.snapshot()
	assert.Equal(t, 1, creates)
	assert.Empty(t, fake.partSizes())

	entries, err := jrnl.List()
	require.NoError(t, err)
	require.Len(t, entries, 1, "allocated upload should be journaled")
	assert.Equal(t, "upload-1", entries[0].UploadID)

	require.NoError(t, f.Close(ctx))

	creates, completed, object, aborted := fake.snapshot()
	assert.Equal(t, 1, creates)
	assert.Equal(t, []s3types.CompletePart{{PartNumber: 1, ETag: `"etag-1"`}}, completed)
	assert.Equal(t, data, object)
	assert.Empty(t, aborted)

	entries, err = jrnl.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "journal entry should be dropped after commit")
}

func TestUpload_ExactThresholdIsSinglePart(t *testing.T) {
	fake := &fakeMultipart{}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	_, err := f.Write(ctx, pattern(1000))
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	assert.Equal(t, map[int]int{1: 1000}, fake.partSizes())
}

func TestUpload_ChunksLargeWrite(t *testing.T) {
	fake := &fakeMultipart{}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	data := pattern(2500)
	_, err := f.Write(ctx, data)
	require.NoError(t, err)

	// Two full parts leave during the write, the 500-byte tail on Close.
	assert.Equal(t, map[int]int{1: 1000, 2: 1000}, fake.partSizes())

	require.NoError(t, f.Close(ctx))

	assert.Equal(t, map[int]int{1: 1000, 2: 1000, 3: 500}, fake.partSizes())
	_, completed, object, _ := fake.snapshot()
	assert.Equal(t, []s3types.CompletePart{
		{PartNumber: 1, ETag: `"etag-1"`},
		{PartNumber: 2, ETag: `"etag-2"`},
		{PartNumber: 3, ETag: `"etag-3"`},
	}, completed)
	assert.Equal(t, data, object)
}

func TestUpload_IncrementalWrites(t *testing.T) {
	fake := &fakeMultipart{}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	var sent []byte
	for i := 0; i < 5; i++ {
		chunk := pattern(600)
		sent = append(sent, chunk...)
		n, err := f.Write(ctx, chunk)
		require.NoError(t, err)
		assert.Equal(t, 600, n)
	}
	require.NoError(t, f.Close(ctx))

	assert.Equal(t, map[int]int{1: 1000, 2: 1000, 3: 1000}, fake.partSizes())
	_, _, object, _ := fake.snapshot()
	assert.Equal(t, sent, object)
}

func TestUpload_ZeroWriteCloseLeavesNoTrace(t *testing.T) {
	jrnl, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	fake := &fakeMultipart{}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000, journal: jrnl})

	ctx := context.Background()
	f := openForWrite(t, fsys, "untouched.bin")

	_, err = f.Write(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	creates, completed, _, aborted := fake.snapshot()
	assert.Zero(t, creates)
	assert.Empty(t, completed)
	assert.Empty(t, aborted)

	entries, err := jrnl.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpload_PartRetryDoesNotSkipNumbers(t *testing.T) {
	fake := &fakeMultipart{partFailures: map[int]int{2: 1}}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000, maxRetries: 2})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	data := pattern(2500)
	_, err := f.Write(ctx, data)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	// Part 2 failed once and was retried under the same number.
	_, completed, object, _ := fake.snapshot()
	assert.Equal(t, []s3types.CompletePart{
		{PartNumber: 1, ETag: `"etag-1"`},
		{PartNumber: 2, ETag: `"etag-2"`},
		{PartNumber: 3, ETag: `"etag-3"`},
	}, completed)
	assert.Equal(t, data, object)
}

func TestUpload_FailureAbortsWhenConfigured(t *testing.T) {
	jrnl, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	fake := &fakeMultipart{partStatus: http.StatusForbidden}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000, abortOnFailure: true, journal: jrnl})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	_, err = f.Write(ctx, pattern(1500))
	require.Error(t, err)
	assert.ErrorIs(t, err, iofs.ErrPermission)

	var perr *iofs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "write", perr.Op)
	assert.Equal(t, "big.bin", perr.Path)

	_, _, _, aborted := fake.snapshot()
	assert.Equal(t, []string{"upload-1"}, aborted)

	entries, err := jrnl.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "aborted upload should leave no journal entry")

	// The handle is dead: writes are rejected, Close is a quiet no-op.
	_, err = f.Write(ctx, pattern(10))
	assert.ErrorIs(t, err, iofs.ErrClosed)
	assert.NoError(t, f.Close(ctx))
}

func TestUpload_FailureKeepsUploadForReap(t *testing.T) {
	jrnl, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	fake := &fakeMultipart{partStatus: http.StatusForbidden}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000, journal: jrnl})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	_, err = f.Write(ctx, pattern(1500))
	require.Error(t, err)

	_, _, _, aborted := fake.snapshot()
	assert.Empty(t, aborted)

	entries, err := jrnl.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "big.bin", entries[0].Key)
	assert.Equal(t, "upload-1", entries[0].UploadID)
	assert.Equal(t, "test-bucket", entries[0].Bucket)
}

func TestUpload_CreateFailure(t *testing.T) {
	fake := &fakeMultipart{createStatus: http.StatusServiceUnavailable}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	_, err := f.Write(ctx, pattern(1500))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteIO)

	// Nothing to abort: the upload never existed.
	_, _, _, aborted := fake.snapshot()
	assert.Empty(t, aborted)
}

func TestUpload_CompleteFailure(t *testing.T) {
	fake := &fakeMultipart{completeStatus: http.StatusInternalServerError}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000, abortOnFailure: true})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	_, err := f.Write(ctx, pattern(1500))
	require.NoError(t, err)

	err = f.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteIO)

	var perr *iofs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "close", perr.Op)

	_, _, _, aborted := fake.snapshot()
	assert.Equal(t, []string{"upload-1"}, aborted)
}

func TestUpload_StatAndMisuse(t *testing.T) {
	fake := &fakeMultipart{}
	fsys := newUploadFS(t, fake, uploadFSOptions{partSize: 1000})

	ctx := context.Background()
	f := openForWrite(t, fsys, "big.bin")

	_, err := f.Write(ctx, pattern(700))
	require.NoError(t, err)

	info, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(700), info.Size)

	_, err = f.ReadAt(ctx, make([]byte, 10), 0)
	assert.ErrorIs(t, err, iofs.ErrInvalid)

	require.NoError(t, f.Close(ctx))

	err = f.Close(ctx)
	assert.ErrorIs(t, err, iofs.ErrClosed)
}

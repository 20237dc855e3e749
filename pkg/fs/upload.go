// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"bytes"
	"context"
	iofs "io/fs"
	"time"

	"github.com/CirrusDataWorks/cirrusfs/pkg/journal"
	"github.com/CirrusDataWorks/cirrusfs/pkg/logger"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3types"
)

// abortTimeout bounds the best-effort abort issued when a failing handle
// still holds a server-side upload.
const abortTimeout = 30 * time.Second

type uploadState int

const (
	// uploadIdle: no server-side state exists yet.
	uploadIdle uploadState = iota
	// uploadActive: a multipart upload is open on the endpoint.
	uploadActive
	// uploadDone: Close committed the object. Terminal.
	uploadDone
	// uploadFailed: a command failed and the handle is dead. Terminal.
	uploadFailed
)

func (s uploadState) String() string {
	switch s {
	case uploadIdle:
		return "idle"
	case uploadActive:
		return "active"
	case uploadDone:
		return "done"
	case uploadFailed:
		return "failed"
	}
	return "unknown"
}

// uploadFile is a write-only handle that ships data as a multipart upload.
// Bytes accumulate in memory until they exceed the part size, then leave in
// part-size chunks; Close flushes the remainder and commits.
//
// The first byte written creates the upload; a handle that never receives
// one performs no requests at all, and an all-buffered file still becomes a
// single part.
type uploadFile struct {
	fs   *s3FS
	name string

	state    uploadState
	buf      bytes.Buffer
	uploadID string
	nextPart int
	parts    []s3types.CompletePart
	written  int64
}

func newUploadFile(f *s3FS, name string) *uploadFile {
	return &uploadFile{fs: f, name: name}
}

func (w *uploadFile) Write(ctx context.Context, p []byte) (int, error) {
	switch w.state {
	case uploadDone:
		return 0, pathErr("write", w.name, iofs.ErrClosed)
	case uploadFailed:
		return 0, pathErr("write", w.name, iofs.ErrClosed)
	}
	if len(p) == 0 {
		return 0, nil
	}

	if w.state == uploadIdle {
		if err := w.start(ctx); err != nil {
			return 0, err
		}
	}

	w.buf.Write(p)
	w.written += int64(len(p))

	if err := w.flush(ctx, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// flush drains the buffer in part-size chunks. With final set the remainder
// goes too, whatever its size; the last part is the only one allowed to be
// short.
func (w *uploadFile) flush(ctx context.Context, final bool) error {
	for int64(w.buf.Len()) > w.fs.partSize || (final && w.buf.Len() > 0) {
		n := w.fs.partSize
		if int64(w.buf.Len()) < n {
			n = int64(w.buf.Len())
		}
		if err := w.sendPart(ctx, w.buf.Next(int(n))); err != nil {
			return err
		}
	}
	return nil
}

func (w *uploadFile) sendPart(ctx context.Context, data []byte) error {
	etag, err := w.fs.client.UploadPart(ctx, w.name, w.uploadID, w.nextPart, data)
	if err != nil {
		return w.fail(ctx, "write", err)
	}

	w.parts = append(w.parts, s3types.CompletePart{PartNumber: w.nextPart, ETag: etag})
	w.nextPart++
	return nil
}

func (w *uploadFile) start(ctx context.Context) error {
	uploadID, err := w.fs.client.CreateMultipartUpload(ctx, w.name)
	if err != nil {
		return w.fail(ctx, "write", err)
	}
	w.uploadID = uploadID
	w.nextPart = 1
	w.state = uploadActive

	// A lost journal write must not fail the upload; it only widens the
	// window a reap has to cover.
	if w.fs.journal != nil {
		err := w.fs.journal.Record(journal.Entry{
			Export:    w.fs.exportName,
			Endpoint:  w.fs.client.Endpoint(),
			Bucket:    w.fs.client.Bucket(),
			Key:       w.name,
			UploadID:  uploadID,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			logger.Warn().Err(err).Str("key", w.name).Msg("Failed to journal upload")
		}
	}

	logger.Debug().
		Str("key", w.name).
		Str("upload_id", uploadID).
		Msg("Started multipart upload")
	return nil
}

// fail moves the handle to its terminal failure state. When the export asks
// for it, the server-side upload is aborted on a detached timeout so a
// canceled caller context cannot strand the abort.
func (w *uploadFile) fail(ctx context.Context, op string, cause error) error {
	prev := w.state
	w.state = uploadFailed

	if prev == uploadActive && w.fs.abortOnFailure {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		if err := w.fs.client.AbortMultipartUpload(abortCtx, w.name, w.uploadID); err != nil {
			logger.Warn().
				Err(err).
				Str("key", w.name).
				Str("upload_id", w.uploadID).
				Msg("Failed to abort multipart upload")
		} else {
			w.dropJournal()
		}
	}
	return mapError(op, w.name, cause)
}

func (w *uploadFile) dropJournal() {
	if w.fs.journal == nil || w.uploadID == "" {
		return
	}
	if err := w.fs.journal.Remove(w.fs.client.Bucket(), w.name, w.uploadID); err != nil {
		logger.Warn().Err(err).Str("key", w.name).Msg("Failed to drop journal entry")
	}
}

func (w *uploadFile) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, pathErr("read", w.name, iofs.ErrInvalid)
}

// Stat reports the bytes accepted so far, flushed or not.
func (w *uploadFile) Stat(ctx context.Context) (FileInfo, error) {
	if w.state == uploadDone || w.state == uploadFailed {
		return FileInfo{}, pathErr("stat", w.name, iofs.ErrClosed)
	}
	return FileInfo{Size: w.written}, nil
}

// Close flushes the remainder and commits the upload. A handle that never
// received a byte closes without any requests: no object is created. Closing
// a failed handle is a no-op; closing twice is an error.
func (w *uploadFile) Close(ctx context.Context) error {
	switch w.state {
	case uploadDone:
		return pathErr("close", w.name, iofs.ErrClosed)
	case uploadFailed:
		return nil
	}

	if w.state == uploadIdle {
		w.state = uploadDone
		return nil
	}

	if err := w.flush(ctx, true); err != nil {
		return err
	}
	if err := w.fs.client.CompleteMultipartUpload(ctx, w.name, w.uploadID, w.parts); err != nil {
		return w.fail(ctx, "close", err)
	}
	w.state = uploadDone
	w.dropJournal()

	logger.Info().
		Str("key", w.name).
		Str("upload_id", w.uploadID).
		Int("parts", len(w.parts)).
		Int64("bytes", w.written).
		Msg("Completed multipart upload")
	return nil
}

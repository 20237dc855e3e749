// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package fs exposes remote object stores as file trees. A Config declares
// exports, each export mounts one bucket (or plain HTTP endpoint) under a
// path prefix, and a Tree routes open/stat calls to the right backend.
//
// Handles returned by Open are not safe for concurrent use. Failures carry a
// *fs.PathError whose chain includes fs.ErrNotExist, fs.ErrPermission or
// ErrRemoteIO, so callers classify with errors.Is without looking at the
// protocol underneath.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
)

// ErrRemoteIO marks failures that are neither missing files nor permission
// problems: transport faults, endpoint errors, unusable responses.
var ErrRemoteIO = errors.New("remote I/O error")

// FileInfo describes a remote file.
type FileInfo struct {
	Size    int64
	ModTime time.Time
	ETag    string
}

// File is an open handle on one remote file. A handle is either readable or
// writable, never both; the unsupported direction fails with fs.ErrInvalid.
type File interface {
	// ReadAt reads up to len(p) bytes from offset off. A read past the end of
	// the file returns io.EOF, with n < len(p) when the tail was partial.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Write appends p to the file. Large files are shipped in parts as bytes
	// accumulate; whatever remains is flushed by Close.
	Write(ctx context.Context, p []byte) (int, error)
	// Stat reports the handle's view of the file: the size observed at open
	// for reads, the bytes accepted so far for writes.
	Stat(ctx context.Context) (FileInfo, error)
	// Close releases the handle. For writable handles this publishes the
	// file; until Close returns nil the remote object is not complete.
	Close(ctx context.Context) error
}

// FileSystem opens files on one export. Implementations are safe for
// concurrent use.
type FileSystem interface {
	// Open opens name with os.Open-style flags: os.O_RDONLY for reading,
	// os.O_WRONLY|os.O_CREATE for writing. O_RDWR and O_APPEND are rejected.
	Open(ctx context.Context, name string, flag int) (File, error)
	Stat(ctx context.Context, name string) (FileInfo, error)
	Close() error
}

// mapError converts a client failure into a *fs.PathError whose wrapped chain
// carries both the classification sentinel and the original error.
func mapError(op, name string, err error) error {
	sentinel := ErrRemoteIO
	var perr *s3client.ProtocolError
	if errors.As(err, &perr) {
		switch perr.Status {
		case http.StatusNotFound:
			sentinel = iofs.ErrNotExist
		case http.StatusForbidden:
			sentinel = iofs.ErrPermission
		}
	}
	return &iofs.PathError{Op: op, Path: name, Err: errors.Join(sentinel, err)}
}

// pathErr builds a *fs.PathError for handle misuse without a remote cause.
func pathErr(op, name string, err error) error {
	return &iofs.PathError{Op: op, Path: name, Err: err}
}

// infoFromHeader extracts file metadata from a HEAD or GET answer.
func infoFromHeader(h http.Header) (FileInfo, error) {
	cl := h.Get("Content-Length")
	if cl == "" {
		return FileInfo{}, fmt.Errorf("response carries no Content-Length")
	}
	size, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || size < 0 {
		return FileInfo{}, fmt.Errorf("bad Content-Length %q", cl)
	}

	info := FileInfo{Size: size, ETag: h.Get("ETag")}
	if lm := h.Get("Last-Modified"); lm != "" {
		t, err := http.ParseTime(lm)
		if err != nil {
			return FileInfo{}, fmt.Errorf("bad Last-Modified %q", lm)
		}
		info.ModTime = t
	}
	return info, nil
}

// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"net/http"
	"os"

	"github.com/CirrusDataWorks/cirrusfs/pkg/journal"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
)

// ExportTypeS3 mounts a bucket on an S3-compatible endpoint.
const ExportTypeS3 = "s3"

func init() {
	Register(ExportTypeS3, newS3FileSystem)
}

// s3FS serves one export through the S3 protocol: HEAD for stat, ranged GET
// for reads, multipart uploads for writes.
type s3FS struct {
	client         *s3client.Client
	journal        *journal.Journal
	exportName     string
	partSize       int64
	abortOnFailure bool
}

func newS3FileSystem(exp *Export, opts Options) (FileSystem, error) {
	cfg, err := exp.ClientConfig()
	if err != nil {
		return nil, err
	}
	partSize, err := exp.PartSizeBytes()
	if err != nil {
		return nil, err
	}
	client, err := s3client.New(cfg, opts.Client)
	if err != nil {
		return nil, err
	}
	return &s3FS{
		client:         client,
		journal:        opts.Journal,
		exportName:     exp.Name,
		partSize:       partSize,
		abortOnFailure: exp.AbortOnFailure,
	}, nil
}

func (f *s3FS) Open(ctx context.Context, name string, flag int) (File, error) {
	if name == "" {
		return nil, pathErr("open", name, iofs.ErrInvalid)
	}
	if flag&os.O_RDWR != 0 || flag&os.O_APPEND != 0 {
		return nil, pathErr("open", name, iofs.ErrInvalid)
	}

	if flag&os.O_WRONLY != 0 {
		// No requests yet: the upload is created by the first write, so
		// opening and closing an untouched handle leaves no trace.
		return newUploadFile(f, name), nil
	}

	info, err := f.statObject(ctx, "open", name)
	if err != nil {
		return nil, err
	}
	return &readFile{fs: f, name: name, info: info}, nil
}

func (f *s3FS) Stat(ctx context.Context, name string) (FileInfo, error) {
	if name == "" {
		return FileInfo{}, pathErr("stat", name, iofs.ErrInvalid)
	}
	return f.statObject(ctx, "stat", name)
}

func (f *s3FS) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

func (f *s3FS) statObject(ctx context.Context, op, name string) (FileInfo, error) {
	header, err := f.client.HeadObject(ctx, name)
	if err != nil {
		return FileInfo{}, mapError(op, name, err)
	}
	info, err := infoFromHeader(header)
	if err != nil {
		return FileInfo{}, mapError(op, name, err)
	}
	return info, nil
}

// readFile is a read-only handle. The size and modification time are the ones
// observed at open; the remote object may move on underneath.
type readFile struct {
	fs     *s3FS
	name   string
	info   FileInfo
	closed bool
}

func (r *readFile) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if r.closed {
		return 0, pathErr("read", r.name, iofs.ErrClosed)
	}
	if off < 0 {
		return 0, pathErr("read", r.name, iofs.ErrInvalid)
	}
	if len(p) == 0 {
		return 0, nil
	}

	data, err := r.fs.client.GetObjectRange(ctx, r.name, off, int64(len(p)))
	if err != nil {
		var perr *s3client.ProtocolError
		if errors.As(err, &perr) && perr.Status == http.StatusRequestedRangeNotSatisfiable {
			return 0, io.EOF
		}
		return 0, mapError("read", r.name, err)
	}

	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *readFile) Write(ctx context.Context, p []byte) (int, error) {
	return 0, pathErr("write", r.name, iofs.ErrInvalid)
}

func (r *readFile) Stat(ctx context.Context) (FileInfo, error) {
	if r.closed {
		return FileInfo{}, pathErr("stat", r.name, iofs.ErrClosed)
	}
	return r.info, nil
}

func (r *readFile) Close(ctx context.Context) error {
	if r.closed {
		return pathErr("close", r.name, iofs.ErrClosed)
	}
	r.closed = true
	return nil
}

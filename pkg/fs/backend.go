// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"context"
	"fmt"
	"sync"

	"github.com/CirrusDataWorks/cirrusfs/pkg/journal"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
)

// Registry holds registered backend factories
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Factory builds a FileSystem for one export
type Factory func(exp *Export, opts Options) (FileSystem, error)

// Register adds a factory for an export type
func Register(t string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

func registered(t string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[t]
	return ok
}

// Options carries shared plumbing into backends.
type Options struct {
	// Client tunes the transport every backend sends through.
	Client s3client.Options
	// Journal records in-flight multipart uploads. Nil disables journaling.
	Journal *journal.Journal
}

// New builds a FileSystem for exp
func New(exp *Export, opts Options) (FileSystem, error) {
	t := exp.Type
	if t == "" {
		t = ExportTypeS3
	}

	registryMu.RLock()
	f, ok := registry[t]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown export type: %s", t)
	}
	return f(exp, opts)
}

// Tree routes paths to exports and keeps one FileSystem per export, built on
// first use.
type Tree struct {
	mu     sync.RWMutex
	cfg    *Config
	opts   Options
	mounts map[string]FileSystem
}

// NewTree validates cfg and builds the routing tree. Backends are not
// constructed until a path resolves to them.
func NewTree(cfg *Config, opts Options) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tree{
		cfg:    cfg,
		opts:   opts,
		mounts: make(map[string]FileSystem),
	}, nil
}

// Lookup resolves p to its export's FileSystem and the key within it.
func (t *Tree) Lookup(p string) (FileSystem, string, error) {
	exp, key, err := t.cfg.Resolve(p)
	if err != nil {
		return nil, "", err
	}

	t.mu.RLock()
	fsys, ok := t.mounts[exp.Name]
	t.mu.RUnlock()
	if ok {
		return fsys, key, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fsys, ok := t.mounts[exp.Name]; ok {
		return fsys, key, nil
	}

	fsys, err = New(exp, t.opts)
	if err != nil {
		return nil, "", fmt.Errorf("mount export %s: %w", exp.Name, err)
	}
	t.mounts[exp.Name] = fsys
	return fsys, key, nil
}

// Open resolves p and opens it on its export.
func (t *Tree) Open(ctx context.Context, p string, flag int) (File, error) {
	fsys, key, err := t.Lookup(p)
	if err != nil {
		return nil, err
	}
	return fsys.Open(ctx, key, flag)
}

// Stat resolves p and stats it on its export.
func (t *Tree) Stat(ctx context.Context, p string) (FileInfo, error) {
	fsys, key, err := t.Lookup(p)
	if err != nil {
		return FileInfo{}, err
	}
	return fsys.Stat(ctx, key)
}

// Close closes all mounted backends.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, fsys := range t.mounts {
		fsys.Close()
	}
	t.mounts = make(map[string]FileSystem)
	return nil
}

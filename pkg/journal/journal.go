// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal persists a record per in-flight multipart upload. Uploads
// that die with the process leave their entry behind, so a later run can list
// them and abort the server-side state they left on the endpoint.
package journal

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Entry describes one multipart upload that has been started but not yet
// completed or aborted.
type Entry struct {
	Export    string    `json:"export"`
	Endpoint  string    `json:"endpoint"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	UploadID  string    `json:"upload_id"`
	StartedAt time.Time `json:"started_at"`
}

// Journal stores entries in a local LevelDB directory. Safe for concurrent
// use; the database layer serializes writes.
type Journal struct {
	db *leveldb.DB

	// Entries are written with fsync so a crash cannot lose the record of an
	// upload that already exists on the endpoint.
	writeOptsSync *opt.WriteOptions
}

// Open opens or creates the journal database at dir.
func Open(dir string) (*Journal, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil && !errors.IsCorrupted(err) {
		return nil, err
	}
	if errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
		if err != nil {
			return nil, err
		}
	}
	return &Journal{
		db:            db,
		writeOptsSync: &opt.WriteOptions{Sync: true},
	}, nil
}

// entryKey builds the database key. Upload IDs are unique per endpoint, but
// bucket and key are kept in front so entries list in path order.
func entryKey(bucket, key, uploadID string) []byte {
	var b bytes.Buffer
	b.WriteString(bucket)
	b.WriteByte(0)
	b.WriteString(key)
	b.WriteByte(0)
	b.WriteString(uploadID)
	return b.Bytes()
}

// Record stores e, replacing any previous entry for the same upload.
func (j *Journal) Record(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return j.db.Put(entryKey(e.Bucket, e.Key, e.UploadID), data, j.writeOptsSync)
}

// Remove drops the entry for one upload. Removing an absent entry is not an
// error.
func (j *Journal) Remove(bucket, key, uploadID string) error {
	return j.db.Delete(entryKey(bucket, key, uploadID), j.writeOptsSync)
}

// List returns all recorded entries in path order.
func (j *Journal) List() ([]Entry, error) {
	var entries []Entry

	iter := j.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, iter.Error()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Package repcache implements the representation-sharing side-store.
//
// The store maps the SHA-1 of a representation's fulltext to the location
// of an existing on-disk representation, so a commit that writes bytes the
// repository already holds can point at the old copy instead of appending
// a duplicate. The store is strictly advisory: losing it or falling behind
// never produces wrong answers, only missed dedup opportunities, so every
// failure here is recoverable by the caller.
//
// Storage is a BadgerDB instance under db/rep-cache/.
package repcache

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Key prefix for rep entries. A single keyspace today; the prefix leaves
// room for store metadata without a format break.
const prefixRep = byte(0x01)

// Entry is the location of an existing representation.
type Entry struct {
	Revision     int64
	Offset       int64
	Size         int64
	ExpandedSize int64
}

// Options configures the side-store.
type Options struct {
	// Dir is the directory holding the badger files. Required.
	Dir string

	// InMemory runs the store without files. Used by tests.
	InMemory bool

	// SyncWrites forces fsync per write. The store is advisory, so the
	// default is false.
	SyncWrites bool
}

// Store is the on-disk SHA-1 -> representation map.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the side-store.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("repcache: opening %s: %w", opts.Dir, err)
	}
	return &Store{db: db}, nil
}

// Get looks up the representation stored for the given fulltext SHA-1.
func (s *Store) Get(sha1 [20]byte) (Entry, bool, error) {
	var entry Entry
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(repKey(sha1))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e, err := decodeEntry(val)
			if err != nil {
				return err
			}
			entry = e
			found = true
			return nil
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("repcache: get: %w", err)
	}
	return entry, found, nil
}

// Put records the location for a fulltext SHA-1. An existing mapping is
// kept: the first representation written for a given content wins, so that
// later duplicates keep pointing at the oldest (and thus never-packed-away)
// copy.
func (s *Store) Put(sha1 [20]byte, entry Entry) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := repKey(sha1)
		if _, err := txn.Get(key); err == nil {
			return nil // keep the existing mapping
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, encodeEntry(entry))
	})
	if err != nil {
		return fmt.Errorf("repcache: put: %w", err)
	}
	return nil
}

// Close releases the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func repKey(sha1 [20]byte) []byte {
	key := make([]byte, 1+len(sha1))
	key[0] = prefixRep
	copy(key[1:], sha1[:])
	return key
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:], uint64(e.Revision))
	binary.BigEndian.PutUint64(buf[8:], uint64(e.Offset))
	binary.BigEndian.PutUint64(buf[16:], uint64(e.Size))
	binary.BigEndian.PutUint64(buf[24:], uint64(e.ExpandedSize))
	return buf
}

func decodeEntry(val []byte) (Entry, error) {
	if len(val) != 32 {
		return Entry{}, fmt.Errorf("repcache: entry is %d bytes, want 32", len(val))
	}
	return Entry{
		Revision:     int64(binary.BigEndian.Uint64(val[0:])),
		Offset:       int64(binary.BigEndian.Uint64(val[8:])),
		Size:         int64(binary.BigEndian.Uint64(val[16:])),
		ExpandedSize: int64(binary.BigEndian.Uint64(val[24:])),
	}, nil
}

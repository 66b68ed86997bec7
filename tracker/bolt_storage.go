package tracker

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")

	firstIndexKey = []byte("first_index")
	snapshotKey   = []byte("snapshot")
)

// BoltStorage is a Storage persisted in a single bolt database file.
// Entries are keyed by their big-endian index so cursor order is log order.
type BoltStorage struct {
	db *bolt.DB
}

// OpenBoltStorage opens or creates the database at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open database at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if meta.Get(firstIndexKey) == nil {
			return meta.Put(firstIndexKey, indexKey(1))
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot initialize database at %s: %w", path, err)
	}

	return &BoltStorage{db: db}, nil
}

func firstIndex(tx *bolt.Tx) uint64 {
	return binary.BigEndian.Uint64(tx.Bucket(metaBucket).Get(firstIndexKey))
}

func lastIndex(tx *bolt.Tx) uint64 {
	var k, _ = tx.Bucket(entriesBucket).Cursor().Last()
	if k == nil {
		return firstIndex(tx) - 1
	}

	return binary.BigEndian.Uint64(k)
}

func (s *BoltStorage) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		first = firstIndex(tx)
		return nil
	})

	return first, err
}

func (s *BoltStorage) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		last = lastIndex(tx)
		return nil
	})

	return last, err
}

func (s *BoltStorage) Entry(index uint64) (LogEntry, error) {
	var e LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		if first := firstIndex(tx); index < first {
			return fmt.Errorf("%w: index %d, first %d", ErrCompacted, index, first)
		}

		var v = tx.Bucket(entriesBucket).Get(indexKey(index))
		if v == nil {
			return fmt.Errorf("%w: index %d, last %d", ErrUnavailable, index, lastIndex(tx))
		}

		var err error
		e, err = decodeEntry(v)
		return err
	})

	return e, err
}

func (s *BoltStorage) Append(entries ...LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		var (
			b    = tx.Bucket(entriesBucket)
			last = lastIndex(tx)
		)

		for _, e := range entries {
			if e.Index != last+1 {
				return fmt.Errorf("%w: append index %d after %d", ErrConflict, e.Index, last)
			}

			if err := b.Put(indexKey(e.Index), encodeEntry(e)); err != nil {
				return fmt.Errorf("cannot write log entry %d: %w", e.Index, err)
			}

			last = e.Index
		}

		return nil
	})
}

// deleteRange removes keys in [from, to], keys are collected first because
// deleting under a live cursor skips elements.
func deleteRange(b *bolt.Bucket, from, to uint64) error {
	var (
		keys [][]byte
		c    = b.Cursor()
	)

	for k, _ := c.Seek(indexKey(from)); k != nil && binary.BigEndian.Uint64(k) <= to; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

func (s *BoltStorage) TruncateFrom(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if first := firstIndex(tx); index < first {
			return fmt.Errorf("%w: truncate from %d, first %d", ErrCompacted, index, first)
		}

		return deleteRange(tx.Bucket(entriesBucket), index, ^uint64(0))
	})
}

func (s *BoltStorage) CompactTo(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var first = firstIndex(tx)
		if index < first {
			return nil
		}

		if last := lastIndex(tx); index > last {
			return fmt.Errorf("%w: compact to %d, last %d", ErrUnavailable, index, last)
		}

		if err := deleteRange(tx.Bucket(entriesBucket), first, index); err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(firstIndexKey, indexKey(index+1))
	})
}

func (s *BoltStorage) Reset(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucket(entriesBucket); err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(firstIndexKey, indexKey(index+1))
	})
}

func (s *BoltStorage) SaveSnapshot(snap Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(snapshotKey, encodeSnapshot(snap))
	})
}

func (s *BoltStorage) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		var v = tx.Bucket(metaBucket).Get(snapshotKey)
		if v == nil {
			return nil
		}

		var err error
		snap, err = decodeSnapshot(v)
		return err
	})

	return snap, err
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

package tracker

import "fmt"

// Storage keeps log entries and the latest snapshot.
//
// FirstIndex is one past the latest snapshot index, LastIndex is FirstIndex-1 for
// an empty log. Entry returns ErrCompacted below FirstIndex and ErrUnavailable
// above LastIndex.
type Storage interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	Entry(index uint64) (LogEntry, error)
	// Append adds contiguous entries right after LastIndex.
	Append(entries ...LogEntry) error
	// TruncateFrom removes index and everything after it.
	TruncateFrom(index uint64) error
	// CompactTo removes index and everything before it.
	CompactTo(index uint64) error
	// Reset drops every entry, the log restarts after index.
	Reset(index uint64) error
	SaveSnapshot(snap Snapshot) error
	Snapshot() (Snapshot, error)
	Close() error
}

// MemoryStorage is a Storage kept in a slice, nothing survives a restart.
type MemoryStorage struct {
	first    uint64 // index of entries[0]
	entries  []LogEntry
	snapshot Snapshot
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{first: 1}
}

func (s *MemoryStorage) FirstIndex() (uint64, error) {
	return s.first, nil
}

func (s *MemoryStorage) LastIndex() (uint64, error) {
	return s.last(), nil
}

func (s *MemoryStorage) last() uint64 {
	return s.first + uint64(len(s.entries)) - 1
}

func (s *MemoryStorage) Entry(index uint64) (LogEntry, error) {
	if index < s.first {
		return LogEntry{}, fmt.Errorf("%w: index %d, first %d", ErrCompacted, index, s.first)
	}

	if index > s.last() {
		return LogEntry{}, fmt.Errorf("%w: index %d, last %d", ErrUnavailable, index, s.last())
	}

	return s.entries[index-s.first], nil
}

func (s *MemoryStorage) Append(entries ...LogEntry) error {
	for _, e := range entries {
		if e.Index != s.last()+1 {
			return fmt.Errorf("%w: append index %d after %d", ErrConflict, e.Index, s.last())
		}

		s.entries = append(s.entries, e)
	}

	return nil
}

func (s *MemoryStorage) TruncateFrom(index uint64) error {
	if index < s.first {
		return fmt.Errorf("%w: truncate from %d, first %d", ErrCompacted, index, s.first)
	}

	if index > s.last() {
		return nil
	}

	s.entries = s.entries[:index-s.first]
	return nil
}

func (s *MemoryStorage) CompactTo(index uint64) error {
	if index < s.first {
		return nil
	}

	if index > s.last() {
		return fmt.Errorf("%w: compact to %d, last %d", ErrUnavailable, index, s.last())
	}

	// copy so the dropped prefix can be collected
	s.entries = append([]LogEntry(nil), s.entries[index-s.first+1:]...)
	s.first = index + 1
	return nil
}

func (s *MemoryStorage) Reset(index uint64) error {
	s.entries = nil
	s.first = index + 1
	return nil
}

func (s *MemoryStorage) SaveSnapshot(snap Snapshot) error {
	s.snapshot = snap
	return nil
}

func (s *MemoryStorage) Snapshot() (Snapshot, error) {
	return s.snapshot, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

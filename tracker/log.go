package tracker

import (
	"fmt"

	"go.uber.org/zap"
)

// Log is the Tracker implementation: entries live in a Storage, committed entries
// are applied to a StateMachine right away, so the commit index is also the
// applied index.
type Log struct {
	storage Storage
	sm      StateMachine

	// lastIndex caches storage's last index, the log is the storage's only writer
	lastIndex uint64

	commitIndex uint64

	snapshotIndex uint64
	snapshotTerm  uint64
	snapshots     int

	// threshold is the number of applied entries between two snapshots, 0 disables compaction
	threshold uint64

	logger *zap.Logger
}

type Option func(*Log)

// WithSnapshotThreshold compacts the log every n applied entries.
func WithSnapshotThreshold(n uint64) Option {
	return func(l *Log) {
		l.threshold = n
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(l *Log) {
		l.logger = lg
	}
}

// New builds a Log on top of storage, restoring sm from the stored snapshot.
func New(storage Storage, sm StateMachine, opts ...Option) (*Log, error) {
	var l = &Log{
		storage: storage,
		sm:      sm,
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	snap, err := storage.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("cannot load snapshot: %w", err)
	}

	if snap.Index > 0 {
		if err = sm.Restore(snap.Data); err != nil {
			return nil, fmt.Errorf("cannot restore snapshot %d: %w", snap.Index, err)
		}

		l.snapshotIndex = snap.Index
		l.snapshotTerm = snap.Term
		l.commitIndex = snap.Index
	}

	if l.lastIndex, err = storage.LastIndex(); err != nil {
		return nil, fmt.Errorf("cannot read last index: %w", err)
	}

	return l, nil
}

func (l *Log) LogTerm(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}

	if index == l.snapshotIndex {
		return l.snapshotTerm, nil
	}

	var e, err = l.storage.Entry(index)
	if err != nil {
		return 0, err
	}

	return e.Term, nil
}

func (l *Log) LogEntity(index uint64) (Entity, error) {
	if index == 0 {
		return Entity{}, fmt.Errorf("%w: index 0 holds no entity", ErrUnavailable)
	}

	var e, err = l.storage.Entry(index)
	if err != nil {
		return Entity{}, err
	}

	return e.Entity, nil
}

func (l *Log) AppendLog(entity Entity, term uint64) (uint64, error) {
	var e = LogEntry{
		Index:  l.lastIndex + 1,
		Term:   term,
		Entity: entity,
	}

	if err := l.storage.Append(e); err != nil {
		return 0, err
	}

	l.lastIndex = e.Index
	return e.Index, nil
}

func (l *Log) LastLogIndex() uint64 {
	return l.lastIndex
}

func (l *Log) FirstLogIndex() uint64 {
	return l.snapshotIndex + 1
}

func (l *Log) Propagate(request []byte) ([]byte, error) {
	return l.sm.Query(request)
}

func (l *Log) Append(prevIndex, prevTerm uint64, entries []LogEntry) (bool, error) {
	if prevIndex > l.lastIndex {
		return false, nil
	}

	if prevIndex < l.snapshotIndex {
		// everything up to the snapshot is committed and therefore matches,
		// skip the entries it already covers
		var covered = l.snapshotIndex - prevIndex
		if uint64(len(entries)) <= covered {
			return true, nil
		}

		entries = entries[covered:]
		prevIndex = l.snapshotIndex
	} else {
		var term, err = l.LogTerm(prevIndex)
		if err != nil {
			return false, err
		}

		if term != prevTerm {
			return false, nil
		}
	}

	for i, e := range entries {
		if e.Index != prevIndex+1+uint64(i) {
			return false, fmt.Errorf("%w: entry %d does not follow %d", ErrConflict, e.Index, prevIndex+uint64(i))
		}

		if e.Index <= l.lastIndex {
			var term, err = l.LogTerm(e.Index)
			if err != nil {
				return false, err
			}

			if term == e.Term {
				continue
			}

			// delete all entries from this index onwards, because they are conflicted
			if e.Index <= l.commitIndex {
				return false, fmt.Errorf("%w: entry %d is committed with term %d, got term %d", ErrConflict, e.Index, term, e.Term)
			}

			if err = l.storage.TruncateFrom(e.Index); err != nil {
				return false, err
			}

			l.lastIndex = e.Index - 1
		}

		if err := l.storage.Append(entries[i:]...); err != nil {
			return false, err
		}

		l.lastIndex = entries[len(entries)-1].Index
		break
	}

	return true, nil
}

func (l *Log) CommitIndex() uint64 {
	return l.commitIndex
}

func (l *Log) Commit(index uint64) ([]ApplyResult, error) {
	if index <= l.commitIndex {
		return nil, nil
	}

	if index > l.lastIndex {
		return nil, fmt.Errorf("%w: commit %d beyond last index %d", ErrUnavailable, index, l.lastIndex)
	}

	var results = make([]ApplyResult, 0, index-l.commitIndex)
	for i := l.commitIndex + 1; i <= index; i++ {
		var e, err = l.storage.Entry(i)
		if err != nil {
			return results, err
		}

		var res = ApplyResult{Index: i}
		if e.Entity.Kind == EntityCommand {
			res.Result, res.Err = l.sm.Apply(e.Entity.Data)
		}

		l.commitIndex = i
		results = append(results, res)

		if err = l.maybeCompact(e.Term); err != nil {
			return results, err
		}
	}

	return results, nil
}

// maybeCompact snapshots the state machine once threshold entries were applied
// since the previous snapshot, term is the term of the entry at commitIndex.
func (l *Log) maybeCompact(term uint64) error {
	if l.threshold == 0 || l.commitIndex-l.snapshotIndex < l.threshold {
		return nil
	}

	var data, err = l.sm.Snapshot()
	if err != nil {
		return fmt.Errorf("cannot snapshot state machine at %d: %w", l.commitIndex, err)
	}

	var snap = Snapshot{Index: l.commitIndex, Term: term, Data: data}
	if err = l.storage.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("cannot save snapshot %d: %w", snap.Index, err)
	}

	if err = l.storage.CompactTo(snap.Index); err != nil {
		return fmt.Errorf("cannot compact log to %d: %w", snap.Index, err)
	}

	l.snapshotIndex = snap.Index
	l.snapshotTerm = snap.Term
	l.snapshots++

	l.logger.Info("compacted log",
		zap.Uint64("index", snap.Index),
		zap.Uint64("term", snap.Term),
		zap.Int("snapshots", l.snapshots))

	return nil
}

func (l *Log) Snapshot() (Snapshot, error) {
	return l.storage.Snapshot()
}

func (l *Log) InstallSnapshot(snap Snapshot) error {
	if snap.Index <= l.commitIndex {
		return nil
	}

	if err := l.sm.Restore(snap.Data); err != nil {
		return fmt.Errorf("cannot restore snapshot %d: %w", snap.Index, err)
	}

	if err := l.storage.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("cannot save snapshot %d: %w", snap.Index, err)
	}

	if err := l.storage.Reset(snap.Index); err != nil {
		return fmt.Errorf("cannot reset log to %d: %w", snap.Index, err)
	}

	l.snapshotIndex = snap.Index
	l.snapshotTerm = snap.Term
	l.commitIndex = snap.Index
	l.lastIndex = snap.Index
	l.snapshots++

	l.logger.Info("installed snapshot",
		zap.Uint64("index", snap.Index),
		zap.Uint64("term", snap.Term))

	return nil
}

func (l *Log) SnapshotCount() int {
	return l.snapshots
}

var _ Tracker = (*Log)(nil)

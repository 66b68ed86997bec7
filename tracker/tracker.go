// Package tracker holds the replicated log and the state machine it is applied to.
//
// Consensus code only sees the Tracker interface. Log is the implementation shipped
// with this repository, it keeps entries in a Storage and applies committed entries to
// a StateMachine, compacting the log into snapshots as it goes.
package tracker

import "errors"

var (
	// ErrCompacted is returned for indices folded into a snapshot.
	ErrCompacted = errors.New("tracker: requested index is compacted")

	// ErrUnavailable is returned for indices past the end of the log.
	ErrUnavailable = errors.New("tracker: requested index is unavailable")

	// ErrConflict is returned when a request would rewrite committed history
	// or break log contiguity.
	ErrConflict = errors.New("tracker: log conflict")
)

type EntityKind uint8

const (
	// EntityCommand carries an opaque state machine command.
	EntityCommand EntityKind = iota

	// EntityNoop is never applied, it only occupies an index.
	EntityNoop
)

func (k EntityKind) String() string {
	switch k {
	case EntityCommand:
		return "command"
	case EntityNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Entity is the payload of a log entry.
type Entity struct {
	Kind EntityKind
	Data []byte
}

// Command wraps a state machine command into an Entity.
func Command(data []byte) Entity {
	return Entity{Kind: EntityCommand, Data: data}
}

type LogEntry struct {
	Index  uint64 // log index starting from 1
	Term   uint64 // term when entry was received by leader
	Entity Entity
}

// Snapshot is the applied state at Index, Term is the term of the entry at Index.
type Snapshot struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// ApplyResult is what the state machine answered for one committed entry.
type ApplyResult struct {
	Index  uint64
	Result []byte
	Err    error
}

// Tracker is the log plus applied state that consensus replicates against.
//
// Implementations are not synchronized, callers share one behind a reader-writer
// lock: lookups and Propagate under the read lock, everything that mutates under
// the write lock.
type Tracker interface {
	// LogTerm returns the term at index, 0 for index 0.
	LogTerm(index uint64) (uint64, error)
	// LogEntity returns the payload at index, index must not exceed LastLogIndex.
	LogEntity(index uint64) (Entity, error)
	// AppendLog appends a new entry and returns its index.
	AppendLog(entity Entity, term uint64) (uint64, error)
	// LastLogIndex returns the highest stored index.
	LastLogIndex() uint64
	// Propagate runs a read against the applied state, bypassing the log.
	Propagate(request []byte) ([]byte, error)

	// FirstLogIndex returns the lowest index still stored in the log.
	FirstLogIndex() uint64
	// Append stores entries sent by a leader after checking that the entry at
	// prevIndex has prevTerm. It reports false when the check fails.
	Append(prevIndex, prevTerm uint64, entries []LogEntry) (bool, error)
	// CommitIndex returns the highest applied index.
	CommitIndex() uint64
	// Commit applies every entry up to index.
	Commit(index uint64) ([]ApplyResult, error)
	// Snapshot returns the latest snapshot.
	Snapshot() (Snapshot, error)
	// InstallSnapshot replaces the log and the applied state with snap.
	InstallSnapshot(snap Snapshot) error
	// SnapshotCount returns how many snapshots the applied state went through,
	// taken locally or installed from a leader. Each install counts once, so
	// a node that caught up by install may report fewer than its leader.
	SnapshotCount() int
}

// StateMachine is the applied state a Log drives.
type StateMachine interface {
	Apply(cmd []byte) ([]byte, error)
	Query(cmd []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Konstantsiy/casual-kv/tracker"
)

const (
	defaultHeartbeat       = 100 * time.Millisecond
	defaultRPCTimeout      = 500 * time.Millisecond
	defaultRetryBackoff    = 50 * time.Millisecond
	defaultReadTimeout     = 2 * time.Second
	defaultShutdownTimeout = time.Second

	// rxRPCSize bounds the client request channel of a node
	rxRPCSize = 1024
)

// Raft is the context of one cluster member. Leader and the follower handlers
// run on top of it and share its tracker.
type Raft struct {
	ID NodeID

	// mx guards the role state below
	mx sync.RWMutex

	currentTerm   uint64
	currentLeader NodeID
	state         State
	// changec is closed and replaced on every role change
	changec chan struct{}

	// lastLogIndex and lastLogTerm cache the tail of the tracker
	lastLogIndex uint64
	lastLogTerm  uint64

	heartbeat       time.Duration
	rpcTimeout      time.Duration
	retryBackoff    time.Duration
	readTimeout     time.Duration
	shutdownTimeout time.Duration

	tracker   *SharedTracker
	nodes     []Node // every cluster member, this node included
	rxRPC     chan RaftMessage
	transport Transport
	logger    *zap.Logger

	// role holds a token while a Leader is alive
	role chan struct{}
}

type Option func(*Raft)

// WithHeartbeat sets the idle interval after which replicators send a heartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(r *Raft) { r.heartbeat = d }
}

// WithRPCTimeout bounds every AppendEntries and InstallSnapshot call.
func WithRPCTimeout(d time.Duration) Option {
	return func(r *Raft) { r.rpcTimeout = d }
}

// WithRetryBackoff sets the pause between retries after a transport error.
func WithRetryBackoff(d time.Duration) Option {
	return func(r *Raft) { r.retryBackoff = d }
}

// WithReadTimeout bounds how long a read waits for a quorum confirmation.
func WithReadTimeout(d time.Duration) Option {
	return func(r *Raft) { r.readTimeout = d }
}

// WithShutdownTimeout bounds how long a closing leader waits for its replicators.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Raft) { r.shutdownTimeout = d }
}

func WithLogger(lg *zap.Logger) Option {
	return func(r *Raft) { r.logger = lg }
}

// NewRaft creates a follower with an unknown leader. nodes must contain id.
func NewRaft(id NodeID, nodes []Node, t tracker.Tracker, transport Transport, opts ...Option) (*Raft, error) {
	var found bool
	var seen = make(map[NodeID]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			return nil, fmt.Errorf("duplicate node ID: %s", n.ID)
		}
		seen[n.ID] = true
		found = found || n.ID == id
	}

	if !found {
		return nil, fmt.Errorf("node %s is not a cluster member", id)
	}

	var lastIndex = t.LastLogIndex()
	lastTerm, err := t.LogTerm(lastIndex)
	if err != nil {
		return nil, fmt.Errorf("cannot read term of last log entry %d: %w", lastIndex, err)
	}

	var r = &Raft{
		ID:              id,
		state:           Follower,
		changec:         make(chan struct{}),
		lastLogIndex:    lastIndex,
		lastLogTerm:     lastTerm,
		heartbeat:       defaultHeartbeat,
		rpcTimeout:      defaultRPCTimeout,
		retryBackoff:    defaultRetryBackoff,
		readTimeout:     defaultReadTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		tracker:         NewSharedTracker(t),
		nodes:           append([]Node(nil), nodes...),
		rxRPC:           make(chan RaftMessage, rxRPCSize),
		transport:       transport,
		logger:          zap.NewNop(),
		role:            make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.With(zap.String("node", string(id)))
	return r, nil
}

// Run drives the node until ctx is done or the leader fails. While leader it
// runs a Leader, otherwise it answers client requests with NotLeaderError.
func (r *Raft) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var state, changed = r.roleState()

		var err error
		if state == Leader {
			err = r.runLeader(ctx)
		} else {
			err = r.runFollower(ctx, changed)
		}

		if err != nil {
			return err
		}
	}
}

func (r *Raft) runLeader(ctx context.Context) error {
	leader, err := NewLeader(r)
	if errors.Is(err, errNotLeader) {
		return nil
	}
	if err != nil {
		return err
	}
	defer leader.Close()

	if err = leader.Run(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("leader stopped", zap.Uint64("term", leader.term), zap.Error(err))
		return err
	}

	return ctx.Err()
}

func (r *Raft) runFollower(ctx context.Context, changed <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			return nil
		case msg := <-r.rxRPC:
			r.redirect(msg)
		}
	}
}

// redirect answers a client request with the known leader.
func (r *Raft) redirect(msg RaftMessage) {
	var tx chan<- RaftMessage
	switch msg := msg.(type) {
	case ClientReadMsg:
		tx = msg.Tx
	case ClientWriteMsg:
		tx = msg.Tx
	default:
		r.logger.Error("dropped unexpected message", zap.String("msg", fmt.Sprintf("%T", msg)))
		return
	}

	var leader, _ = r.Leader()
	var err = &NotLeaderError{ID: r.ID, Leader: leader}
	if node, ok := r.node(leader); ok {
		err.Addr = node.Addr
	}

	if !reply(tx, ClientResp{Err: err}) {
		r.logger.Error("client dropped the response")
	}
}

// Submit queues a client message for the current role.
func (r *Raft) Submit(ctx context.Context, msg RaftMessage) error {
	select {
	case r.rxRPC <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write replicates body through the log and returns the state machine result
// once it is committed.
func (r *Raft) Write(ctx context.Context, body []byte) ([]byte, error) {
	return r.roundTrip(ctx, func(tx chan<- RaftMessage) RaftMessage {
		return ClientWriteMsg{Body: body, Tx: tx}
	})
}

// Read evaluates a read-only body against the state confirmed by a quorum.
func (r *Raft) Read(ctx context.Context, body []byte) ([]byte, error) {
	return r.roundTrip(ctx, func(tx chan<- RaftMessage) RaftMessage {
		return ClientReadMsg{Body: body, Tx: tx}
	})
}

func (r *Raft) roundTrip(ctx context.Context, build func(tx chan<- RaftMessage) RaftMessage) ([]byte, error) {
	var tx = make(chan RaftMessage, 1)
	if err := r.Submit(ctx, build(tx)); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-tx:
		resp, ok := msg.(ClientResp)
		if !ok {
			return nil, fmt.Errorf("%w: %T as a client response", ErrUnexpectedMessage, msg)
		}
		return resp.Body, resp.Err
	}
}

// BecomeLeader makes this node the leader of term.
func (r *Raft) BecomeLeader(term uint64) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.currentTerm = term
	r.currentLeader = r.ID
	r.setStateLocked(Leader)

	r.logger.Info("became leader", zap.Uint64("term", term))
}

// BecomeFollower makes this node a follower of leader in term, leader may be empty.
func (r *Raft) BecomeFollower(term uint64, leader NodeID) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.becomeFollowerLocked(term, leader)
}

func (r *Raft) becomeFollowerLocked(term uint64, leader NodeID) {
	r.currentTerm = term
	r.currentLeader = leader
	r.setStateLocked(Follower)

	r.logger.Info("became follower", zap.Uint64("term", term), zap.String("leader", string(leader)))
}

// stepDown turns the node into a follower with an unknown leader when term is newer.
func (r *Raft) stepDown(term uint64) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	if term <= r.currentTerm {
		return false
	}

	r.becomeFollowerLocked(term, "")
	return true
}

func (r *Raft) setStateLocked(s State) {
	r.state = s
	close(r.changec)
	r.changec = make(chan struct{})
}

// roleState returns the current role and a channel closed on the next change.
func (r *Raft) roleState() (State, <-chan struct{}) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return r.state, r.changec
}

func (r *Raft) State() State {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return r.state
}

func (r *Raft) Term() uint64 {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return r.currentTerm
}

// Leader returns the leader this node knows of.
func (r *Raft) Leader() (NodeID, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return r.currentLeader, r.currentLeader != ""
}

func (r *Raft) lastLog() (uint64, uint64) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return r.lastLogIndex, r.lastLogTerm
}

func (r *Raft) setLastLog(index, term uint64) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.lastLogIndex = index
	r.lastLogTerm = term
}

func (r *Raft) Status() Status {
	r.mx.RLock()
	var st = Status{
		ID:     r.ID,
		State:  r.state.String(),
		Term:   r.currentTerm,
		Leader: r.currentLeader,
	}
	r.mx.RUnlock()

	r.tracker.RLock()
	st.FirstLogIndex = r.tracker.FirstLogIndex()
	st.LastLogIndex = r.tracker.LastLogIndex()
	st.CommitIndex = r.tracker.CommitIndex()
	st.SnapshotCount = r.tracker.SnapshotCount()
	r.tracker.RUnlock()

	return st
}

// peers returns every cluster member except this node.
func (r *Raft) peers() []Node {
	var res = make([]Node, 0, len(r.nodes)-1)
	for _, n := range r.nodes {
		if n.ID != r.ID {
			res = append(res, n)
		}
	}
	return res
}

func (r *Raft) node(id NodeID) (Node, bool) {
	for _, n := range r.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Konstantsiy/casual-kv/tracker"
)

// ReplicationState is where a Replicator stands with its follower.
type ReplicationState int

const (
	// UpToDate - follower has every entry, the replicator waits for new
	// entries and sends heartbeats when idle
	UpToDate ReplicationState = iota

	// Lagged - follower rejected prevLogIndex/prevLogTerm, the replicator
	// walks nextIndex back until the logs match
	Lagged

	// Updating - logs match at nextIndex-1, the replicator sends entries
	// one by one until the follower is up to date
	Updating

	// NeedSnapshot - nextIndex is compacted away on the leader, the
	// follower must install a snapshot first
	NeedSnapshot
)

func (s ReplicationState) String() string {
	switch s {
	case UpToDate:
		return "up-to-date"
	case Lagged:
		return "lagged"
	case Updating:
		return "updating"
	case NeedSnapshot:
		return "need-snapshot"
	default:
		return "unknown"
	}
}

// errSteppedDown stops a replicator whose follower knows a newer term.
var errSteppedDown = errors.New("follower knows a newer term")

// mailboxSize bounds the channels between a leader and its replicators
const mailboxSize = 256

// Replicator brings one follower's log in line with the leader's. It owns the
// follower's nextIndex and matchIndex and sends at most one RPC at a time.
type Replicator struct {
	term       uint64
	matchIndex uint64 // highest index known to be on the follower
	nextIndex  uint64 // next index to send, always > matchIndex
	node       Node
	tracker    *SharedTracker
	id         NodeID // leader's ID
	state      ReplicationState

	rxRepl <-chan ReplicatorMsg
	txRepl chan<- ReplicatorMsg
	stopc  <-chan struct{}

	heartbeat    time.Duration
	rpcTimeout   time.Duration
	retryBackoff time.Duration
	transport    Transport
	logger       *zap.Logger

	// confirmSeq is the newest confirmation requested, confirmedSeq the newest answered
	confirmSeq   uint64
	confirmedSeq uint64
	// announced is the highest index received in a ReplicateReq while busy
	announced uint64
}

type replicatorConfig struct {
	node         Node
	nextIndex    uint64
	term         uint64
	tracker      *SharedTracker
	id           NodeID
	rxRepl       <-chan ReplicatorMsg
	txRepl       chan<- ReplicatorMsg
	heartbeat    time.Duration
	rpcTimeout   time.Duration
	retryBackoff time.Duration
	transport    Transport
	logger       *zap.Logger
}

func newReplicator(cfg replicatorConfig) *Replicator {
	var logger = cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Replicator{
		term:         cfg.term,
		nextIndex:    max(cfg.nextIndex, 1),
		node:         cfg.node,
		tracker:      cfg.tracker,
		id:           cfg.id,
		state:        UpToDate,
		rxRepl:       cfg.rxRepl,
		txRepl:       cfg.txRepl,
		heartbeat:    cfg.heartbeat,
		rpcTimeout:   cfg.rpcTimeout,
		retryBackoff: cfg.retryBackoff,
		transport:    cfg.transport,
		logger:       logger.With(zap.String("peer", string(cfg.node.ID))),
	}
}

// run replicates until ctx is done or the follower reports a newer term.
// Any other error is fatal for the leader.
func (r *Replicator) run(ctx context.Context) error {
	r.stopc = ctx.Done()
	r.logger.Debug("starting replicator",
		zap.Uint64("term", r.term),
		zap.Uint64("next_index", r.nextIndex))

	var err = r.beat(ctx)
	for err == nil && ctx.Err() == nil {
		switch r.state {
		case Lagged:
			err = r.runLagged(ctx)
		case Updating:
			err = r.runUpdating(ctx)
		case UpToDate:
			err = r.runUpToDate(ctx)
		case NeedSnapshot:
			err = r.runNeedSnapshot(ctx)
		default:
			err = fmt.Errorf("unknown replication state %d", r.state)
		}
	}

	if ctx.Err() != nil || errors.Is(err, errSteppedDown) {
		r.logger.Debug("replicator stopped", zap.Stringer("state", r.state))
		return nil
	}

	return err
}

func (r *Replicator) runLagged(ctx context.Context) error {
	for r.state == Lagged && ctx.Err() == nil {
		if r.nextIndex-1 == r.matchIndex {
			r.setState(Updating)
			return nil
		}

		req, err := r.appendRequest(false)
		if errors.Is(err, tracker.ErrCompacted) {
			r.setState(NeedSnapshot)
			return nil
		}
		if err != nil {
			return err
		}

		resp, err := r.call(ctx, req)
		if errors.Is(err, errSteppedDown) {
			return err
		}
		if err != nil {
			r.backoff(ctx, err)
			continue
		}

		if resp.Success {
			r.matchIndex = r.nextIndex - 1
			r.report()
			r.setState(Updating)
			return nil
		}

		r.reject(ctx)
	}

	return nil
}

func (r *Replicator) runUpdating(ctx context.Context) error {
	for r.state == Updating && ctx.Err() == nil {
		r.tracker.RLock()
		var first, last = r.tracker.FirstLogIndex(), r.tracker.LastLogIndex()
		r.tracker.RUnlock()

		switch {
		case r.nextIndex > last:
			r.setState(UpToDate)
			return nil
		case r.nextIndex < first:
			r.setState(NeedSnapshot)
			return nil
		}

		if err := r.sendNext(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (r *Replicator) runUpToDate(ctx context.Context) error {
	var timer = time.NewTimer(r.heartbeat)
	defer timer.Stop()

	for r.state == UpToDate {
		// entries announced while an RPC was in flight
		if r.announced >= r.nextIndex {
			r.setState(Updating)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := r.tick(ctx); err != nil {
				return err
			}
			timer.Reset(r.heartbeat)
		case msg := <-r.rxRepl:
			if err := r.handle(ctx, msg); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *Replicator) runNeedSnapshot(ctx context.Context) error {
	r.tracker.RLock()
	snap, err := r.tracker.Snapshot()
	r.tracker.RUnlock()
	if err != nil {
		return fmt.Errorf("cannot read snapshot: %w", err)
	}

	if snap.Index < r.nextIndex-1 {
		return fmt.Errorf("%w: no snapshot covers index %d", tracker.ErrCompacted, r.nextIndex-1)
	}

	var req = &InstallSnapshotRequest{
		Term:              r.term,
		LeaderID:          r.id,
		LastIncludedIndex: snap.Index,
		LastIncludedTerm:  snap.Term,
		Data:              snap.Data,
	}

	r.logger.Info("sending snapshot",
		zap.Uint64("index", snap.Index),
		zap.Int("size", len(snap.Data)))

	for ctx.Err() == nil {
		err = r.callSnapshot(ctx, req)
		if errors.Is(err, errSteppedDown) {
			return err
		}
		if err != nil {
			r.backoff(ctx, err)
			continue
		}

		r.matchIndex = max(r.matchIndex, snap.Index)
		r.nextIndex = snap.Index + 1
		r.report()
		r.setState(Updating)
		return nil
	}

	return nil
}

func (r *Replicator) handle(ctx context.Context, msg ReplicatorMsg) error {
	switch msg := msg.(type) {
	case ReplicateReq:
		return r.replicate(ctx, msg.Index)
	case ConfirmReq:
		r.confirmSeq = max(r.confirmSeq, msg.Seq)
		return r.beat(ctx)
	default:
		return fmt.Errorf("%w: %T in replicator", ErrUnexpectedMessage, msg)
	}
}

// replicate reacts to a new entry at index while up to date.
func (r *Replicator) replicate(ctx context.Context, index uint64) error {
	switch {
	case index < r.nextIndex:
		r.report()
		return nil
	case index > r.nextIndex:
		r.setState(Updating)
		return nil
	}

	return r.sendNext(ctx)
}

// tick runs when the replicator was idle for a heartbeat interval.
func (r *Replicator) tick(ctx context.Context) error {
	r.tracker.RLock()
	var last = r.tracker.LastLogIndex()
	r.tracker.RUnlock()

	if r.nextIndex <= last {
		r.setState(Updating)
		return nil
	}

	return r.beat(ctx)
}

// beat sends an empty AppendEntries anchored at nextIndex-1. A transport
// error leaves every index untouched.
func (r *Replicator) beat(ctx context.Context) error {
	req, err := r.appendRequest(false)
	if errors.Is(err, tracker.ErrCompacted) {
		r.setState(NeedSnapshot)
		return nil
	}
	if err != nil {
		return err
	}

	resp, err := r.call(ctx, req)
	if errors.Is(err, errSteppedDown) {
		return err
	}
	if err != nil {
		r.logger.Error("heartbeat failed", zap.Error(err))
		return nil
	}

	if !resp.Success {
		r.reject(ctx)
		r.setState(Lagged)
	}

	return nil
}

// sendNext sends the single entry at nextIndex, retrying the same entry
// after transport errors. On success matchIndex becomes nextIndex and
// nextIndex moves one forward, on rejection the replicator becomes Lagged.
func (r *Replicator) sendNext(ctx context.Context) error {
	for ctx.Err() == nil {
		req, err := r.appendRequest(true)
		if errors.Is(err, tracker.ErrCompacted) {
			r.setState(NeedSnapshot)
			return nil
		}
		if err != nil {
			return err
		}

		resp, err := r.call(ctx, req)
		if errors.Is(err, errSteppedDown) {
			return err
		}
		if err != nil {
			r.backoff(ctx, err)
			continue
		}

		if !resp.Success {
			r.reject(ctx)
			r.setState(Lagged)
			return nil
		}

		r.matchIndex = r.nextIndex
		r.nextIndex++
		r.report()
		return nil
	}

	return nil
}

// appendRequest builds an AppendEntries anchored at nextIndex-1, carrying
// the entry at nextIndex when withEntry is set.
func (r *Replicator) appendRequest(withEntry bool) (*AppendEntriesRequest, error) {
	r.tracker.RLock()
	defer r.tracker.RUnlock()

	var prevIndex = r.nextIndex - 1
	prevTerm, err := r.tracker.LogTerm(prevIndex)
	if err != nil {
		return nil, fmt.Errorf("cannot read term of entry %d: %w", prevIndex, err)
	}

	var req = &AppendEntriesRequest{
		Term:         r.term,
		LeaderID:     r.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: r.tracker.CommitIndex(),
	}

	if !withEntry {
		return req, nil
	}

	term, err := r.tracker.LogTerm(r.nextIndex)
	if err != nil {
		return nil, fmt.Errorf("cannot read term of entry %d: %w", r.nextIndex, err)
	}

	entity, err := r.tracker.LogEntity(r.nextIndex)
	if err != nil {
		return nil, fmt.Errorf("cannot read entry %d: %w", r.nextIndex, err)
	}

	req.Entries = []Entry{toWire(tracker.LogEntry{Index: r.nextIndex, Term: term, Entity: entity})}
	return req, nil
}

// call sends one AppendEntries bounded by the RPC timeout. A follower on a
// newer term makes it report StepDownResp and return errSteppedDown.
func (r *Replicator) call(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var seq = r.drain()

	callCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
	defer cancel()

	resp, err := r.transport.AppendEntries(callCtx, r.node, req)
	if err != nil {
		return nil, err
	}

	if err = r.checkTerm(resp.Term); err != nil {
		return nil, err
	}

	r.confirm(seq)
	return resp, nil
}

func (r *Replicator) callSnapshot(ctx context.Context, req *InstallSnapshotRequest) error {
	var seq = r.drain()

	callCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
	defer cancel()

	resp, err := r.transport.InstallSnapshot(callCtx, r.node, req)
	if err != nil {
		return err
	}

	if err = r.checkTerm(resp.Term); err != nil {
		return err
	}

	r.confirm(seq)
	return nil
}

func (r *Replicator) checkTerm(term uint64) error {
	if term <= r.term {
		return nil
	}

	r.logger.Info("follower has a newer term",
		zap.Uint64("term", r.term),
		zap.Uint64("follower_term", term))

	r.notify(StepDownResp{Term: term, ID: r.node.ID})
	return errSteppedDown
}

// drain takes every queued leader message without blocking and returns the
// confirmation the next response answers.
func (r *Replicator) drain() uint64 {
	for {
		select {
		case msg := <-r.rxRepl:
			switch msg := msg.(type) {
			case ReplicateReq:
				r.announced = max(r.announced, msg.Index)
			case ConfirmReq:
				r.confirmSeq = max(r.confirmSeq, msg.Seq)
			default:
				r.logger.Error("dropped unexpected message", zap.String("msg", fmt.Sprintf("%T", msg)))
			}
		default:
			return r.confirmSeq
		}
	}
}

func (r *Replicator) confirm(seq uint64) {
	if seq <= r.confirmedSeq {
		return
	}

	r.confirmedSeq = seq
	r.notify(ConfirmResp{Seq: seq, ID: r.node.ID})
}

// reject steps nextIndex back after the follower refused the entry at
// nextIndex-1, never below matchIndex+1. A refusal at matchIndex means the
// follower lost entries it acknowledged, so matchIndex restarts from 0.
func (r *Replicator) reject(ctx context.Context) {
	if r.matchIndex > 0 && r.nextIndex == r.matchIndex+1 {
		r.logger.Warn("follower lost acknowledged entries", zap.Uint64("match_index", r.matchIndex))
		r.matchIndex = 0
	}

	if r.nextIndex > r.matchIndex+1 {
		r.nextIndex--
		return
	}

	r.logger.Error("follower refused the start of the log", zap.Uint64("next_index", r.nextIndex))
	r.pause(ctx)
}

func (r *Replicator) report() {
	r.notify(ReplicateResp{
		NextIndex:  r.nextIndex,
		MatchIndex: r.matchIndex,
		ID:         r.node.ID,
	})
}

func (r *Replicator) notify(msg ReplicatorMsg) {
	select {
	case r.txRepl <- msg:
	case <-r.stopc:
	}
}

func (r *Replicator) backoff(ctx context.Context, err error) {
	r.logger.Error("replication RPC failed",
		zap.Stringer("state", r.state),
		zap.Uint64("next_index", r.nextIndex),
		zap.Error(err))

	r.pause(ctx)
}

func (r *Replicator) pause(ctx context.Context) {
	var timer = time.NewTimer(r.retryBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Replicator) setState(s ReplicationState) {
	if r.state == s {
		return
	}

	r.logger.Debug("replication state changed",
		zap.Stringer("from", r.state),
		zap.Stringer("to", s),
		zap.Uint64("next_index", r.nextIndex),
		zap.Uint64("match_index", r.matchIndex))

	r.state = s
}

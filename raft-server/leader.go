package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Konstantsiy/casual-kv/tracker"
)

type replicatorHandle struct {
	node Node
	tx   chan ReplicatorMsg
}

// pendingRead waits for a quorum to confirm leadership after it arrived
// and for the commit index to reach index.
type pendingRead struct {
	seq      uint64
	index    uint64
	body     []byte
	tx       chan<- RaftMessage
	deadline time.Time
}

// LeaderRole serves clients for one term. It owns a replicator per follower,
// commits entries replicated on a quorum and answers reads once a quorum
// confirmed it is still the leader.
type LeaderRole struct {
	raft    *Raft
	term    uint64
	changed <-chan struct{}
	logger  *zap.Logger

	replicators []replicatorHandle
	rxRepl      chan ReplicatorMsg

	// matchIndex and ackedSeq are the last progress reported per follower
	matchIndex map[NodeID]uint64
	ackedSeq   map[NodeID]uint64

	pendingWrites map[uint64]chan<- RaftMessage
	pendingReads  []*pendingRead
	readSeq       uint64

	// noopIndex is the entry opening this term, reads wait for its commit
	noopIndex uint64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLeader takes the leader role of raft and starts a replicator for every
// follower. Only one LeaderRole may exist per node until it is closed.
func NewLeader(raft *Raft) (*LeaderRole, error) {
	select {
	case raft.role <- struct{}{}:
	default:
		return nil, ErrRoleTaken
	}

	raft.mx.RLock()
	var state, changed, term = raft.state, raft.changec, raft.currentTerm
	raft.mx.RUnlock()

	if state != Leader {
		<-raft.role
		return nil, fmt.Errorf("%w: node %s is %s", errNotLeader, raft.ID, state)
	}

	// the term opens with an empty entry, committing it commits every
	// entry of earlier terms this node holds
	raft.tracker.Lock()
	noopIndex, err := raft.tracker.AppendLog(tracker.Entity{Kind: tracker.EntityNoop}, term)
	raft.tracker.Unlock()
	if err != nil {
		<-raft.role
		return nil, fmt.Errorf("cannot open term %d: %w", term, err)
	}
	raft.setLastLog(noopIndex, term)

	ctx, cancel := context.WithCancel(context.Background())

	var l = &LeaderRole{
		raft:          raft,
		term:          term,
		changed:       changed,
		logger:        raft.logger.With(zap.Uint64("term", term)),
		rxRepl:        make(chan ReplicatorMsg, mailboxSize),
		matchIndex:    make(map[NodeID]uint64),
		ackedSeq:      make(map[NodeID]uint64),
		pendingWrites: make(map[uint64]chan<- RaftMessage),
		noopIndex:     noopIndex,
		cancel:        cancel,
	}

	for _, node := range raft.peers() {
		var tx = make(chan ReplicatorMsg, mailboxSize)
		var rep = newReplicator(replicatorConfig{
			node:         node,
			nextIndex:    noopIndex,
			term:         term,
			tracker:      raft.tracker,
			id:           raft.ID,
			rxRepl:       tx,
			txRepl:       l.rxRepl,
			heartbeat:    raft.heartbeat,
			rpcTimeout:   raft.rpcTimeout,
			retryBackoff: raft.retryBackoff,
			transport:    raft.transport,
			logger:       l.logger,
		})

		l.replicators = append(l.replicators, replicatorHandle{node: node, tx: tx})
		l.matchIndex[node.ID] = 0

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()

			if err := rep.run(ctx); err != nil {
				select {
				case l.rxRepl <- ReplicatorFailed{ID: node.ID, Err: err}:
				case <-ctx.Done():
				}
			}
		}()
	}

	l.broadcast(ReplicateReq{Index: noopIndex})
	if err = l.maybeCommit(); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

// Run serves client requests and replicator reports until the node stops
// being leader of this term or ctx is done. It returns an error when a
// replicator fails or an unexpected message arrives.
func (l *LeaderRole) Run(ctx context.Context) error {
	l.logger.Debug("running at leader state", zap.Int("followers", len(l.replicators)))

	var ticker = time.NewTicker(l.raft.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.changed:
			l.logger.Info("leader role ended")
			return nil
		case msg := <-l.raft.rxRPC:
			if err := l.handleClient(msg); err != nil {
				return err
			}
		case msg := <-l.rxRepl:
			if err := l.handleReplicator(msg); err != nil {
				return err
			}
		case now := <-ticker.C:
			l.expireReads(now)
		}
	}
}

func (l *LeaderRole) handleClient(msg RaftMessage) error {
	switch msg := msg.(type) {
	case ClientWriteMsg:
		return l.write(msg)
	case ClientReadMsg:
		l.read(msg)
		return nil
	default:
		return fmt.Errorf("%w: %T on the client channel", ErrUnexpectedMessage, msg)
	}
}

func (l *LeaderRole) handleReplicator(msg ReplicatorMsg) error {
	switch msg := msg.(type) {
	case ReplicateResp:
		if msg.MatchIndex > l.matchIndex[msg.ID] {
			l.matchIndex[msg.ID] = msg.MatchIndex
		}
		return l.maybeCommit()
	case ConfirmResp:
		if msg.Seq > l.ackedSeq[msg.ID] {
			l.ackedSeq[msg.ID] = msg.Seq
		}
		l.serveReads()
		return nil
	case StepDownResp:
		if l.raft.stepDown(msg.Term) {
			l.logger.Info("stepped down", zap.String("peer", string(msg.ID)), zap.Uint64("new_term", msg.Term))
		}
		return nil
	case ReplicatorFailed:
		return fmt.Errorf("replicator of %s failed: %w", msg.ID, msg.Err)
	default:
		return fmt.Errorf("%w: %T from a replicator", ErrUnexpectedMessage, msg)
	}
}

func (l *LeaderRole) write(msg ClientWriteMsg) error {
	l.raft.tracker.Lock()
	index, err := l.raft.tracker.AppendLog(tracker.Command(msg.Body), l.term)
	l.raft.tracker.Unlock()
	if err != nil {
		l.respond(msg.Tx, ClientResp{Err: err})
		return fmt.Errorf("cannot append to log: %w", err)
	}

	l.raft.setLastLog(index, l.term)
	l.pendingWrites[index] = msg.Tx
	l.broadcast(ReplicateReq{Index: index})

	return l.maybeCommit()
}

func (l *LeaderRole) read(msg ClientReadMsg) {
	l.raft.tracker.RLock()
	var index = max(l.raft.tracker.CommitIndex(), l.noopIndex)
	l.raft.tracker.RUnlock()

	l.readSeq++
	l.pendingReads = append(l.pendingReads, &pendingRead{
		seq:      l.readSeq,
		index:    index,
		body:     msg.Body,
		tx:       msg.Tx,
		deadline: time.Now().Add(l.raft.readTimeout),
	})

	l.broadcast(ConfirmReq{Seq: l.readSeq})
	l.serveReads()
}

// serveReads answers every pending read that is confirmed and applied.
func (l *LeaderRole) serveReads() {
	var remaining = l.pendingReads[:0]
	for _, pr := range l.pendingReads {
		if !l.confirmed(pr.seq) {
			remaining = append(remaining, pr)
			continue
		}

		l.raft.tracker.RLock()
		if l.raft.tracker.CommitIndex() < pr.index {
			l.raft.tracker.RUnlock()
			remaining = append(remaining, pr)
			continue
		}
		body, err := l.raft.tracker.Propagate(pr.body)
		l.raft.tracker.RUnlock()

		l.respond(pr.tx, ClientResp{Body: body, Err: err})
	}

	l.pendingReads = remaining
}

func (l *LeaderRole) expireReads(now time.Time) {
	var remaining = l.pendingReads[:0]
	for _, pr := range l.pendingReads {
		if now.Before(pr.deadline) {
			remaining = append(remaining, pr)
			continue
		}

		l.logger.Warn("read was not confirmed in time", zap.Uint64("seq", pr.seq))
		l.respond(pr.tx, ClientResp{Err: ErrReadTimeout})
	}

	l.pendingReads = remaining
}

// confirmed reports whether a quorum, the leader included, acknowledged
// the term after read seq was requested.
func (l *LeaderRole) confirmed(seq uint64) bool {
	var acks = 1
	for _, acked := range l.ackedSeq {
		if acked >= seq {
			acks++
		}
	}
	return acks >= l.quorum()
}

func (l *LeaderRole) quorum() int {
	return (len(l.replicators)+1)/2 + 1
}

// maybeCommit commits up to the highest index stored on a quorum and
// answers the writes it applied.
func (l *LeaderRole) maybeCommit() error {
	results, err := l.commit()

	for _, res := range results {
		tx, ok := l.pendingWrites[res.Index]
		if !ok {
			continue
		}

		delete(l.pendingWrites, res.Index)
		l.respond(tx, ClientResp{Body: res.Result, Err: res.Err})
	}

	if err != nil {
		return fmt.Errorf("cannot commit: %w", err)
	}

	if len(results) > 0 {
		l.logger.Debug("committed entries", zap.Uint64("commit_index", results[len(results)-1].Index))
		l.serveReads()
	}

	return nil
}

func (l *LeaderRole) commit() ([]tracker.ApplyResult, error) {
	var t = l.raft.tracker
	t.Lock()
	defer t.Unlock()

	var matched = make([]uint64, 0, len(l.matchIndex)+1)
	matched = append(matched, t.LastLogIndex())
	for _, index := range l.matchIndex {
		matched = append(matched, index)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] > matched[j] })

	var index = matched[l.quorum()-1]
	if index <= t.CommitIndex() {
		return nil, nil
	}

	term, err := t.LogTerm(index)
	if err != nil {
		return nil, err
	}

	// entries of older terms are committed only together with one of this term
	if term != l.term {
		return nil, nil
	}

	return t.Commit(index)
}

func (l *LeaderRole) broadcast(msg ReplicatorMsg) {
	for _, rep := range l.replicators {
		select {
		case rep.tx <- msg:
		default:
			l.logger.Warn("replicator mailbox is full, dropped message",
				zap.String("peer", string(rep.node.ID)),
				zap.String("msg", fmt.Sprintf("%T", msg)))
		}
	}
}

func (l *LeaderRole) respond(tx chan<- RaftMessage, resp ClientResp) {
	if !reply(tx, resp) {
		l.logger.Error("client dropped the response")
	}
}

// Close stops the replicators, waits for them up to the shutdown timeout,
// fails every pending request with ErrLeadershipLost and gives the role back.
func (l *LeaderRole) Close() {
	l.closeOnce.Do(func() {
		l.cancel()

		var done = make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(l.raft.shutdownTimeout):
			l.logger.Warn("replicators did not stop in time", zap.Duration("timeout", l.raft.shutdownTimeout))
		}

		for index, tx := range l.pendingWrites {
			l.respond(tx, ClientResp{Err: ErrLeadershipLost})
			delete(l.pendingWrites, index)
		}

		for _, pr := range l.pendingReads {
			l.respond(pr.tx, ClientResp{Err: ErrLeadershipLost})
		}
		l.pendingReads = nil

		<-l.raft.role
		l.logger.Debug("leader closed")
	})
}

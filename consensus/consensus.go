/*
Package consensus derives the total order of the DAG. Leaders are elected on
odd rounds; the leader of round r is committed once the certificates of round
r+1 that reference it carry a quorum of stake. Any round r+2 certificate then
reaches the leader through one of those supporters, so every later leader
links to it and no honest authority can skip it. Committing a leader first
commits the earlier uncommitted leaders it links to, oldest first, then each
leader's uncommitted ancestors in (round, author) order with the leader last.

Certificates of rounds up to the last committed leader round minus gc_depth
are never ordered, whether or not the local DAG still holds them. The commit
sequence thus depends only on the content of the DAG and the committed
leaders, not on the order certificates were inserted in nor on how far the
local garbage collection has gone.
*/
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

var (
	// ErrAckOutOfOrder is returned when an output is acknowledged before its predecessors.
	ErrAckOutOfOrder = errors.New("output acknowledged out of order")
)

// Phase is the state of the commit rule.
type Phase uint8

const (
	// AwaitingQuorumRound waits for the support of the leader of Status.Round.
	AwaitingQuorumRound Phase = iota
	// LeaderCommitted has persisted the sub-dag of the leader of Status.Round.
	LeaderCommitted
	// CommittedUpTo has delivered every output up to the leader of Status.Round.
	CommittedUpTo
)

func (p Phase) String() string {
	switch p {
	case AwaitingQuorumRound:
		return "awaiting-quorum-round"
	case LeaderCommitted:
		return "leader-committed"
	case CommittedUpTo:
		return "committed-up-to"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the consensus progress.
type Status struct {
	Phase              string `json:"phase"`
	Round              uint64 `json:"round"`
	Epoch              uint64 `json:"epoch"`
	LastCommittedRound uint64 `json:"last_committed_round"`
	NextIndex          uint64 `json:"next_index"`
	AckedIndex         uint64 `json:"acked_index"`
}

type Consensus struct {
	committee func() *types.Committee
	dag       *dag.DAG
	store     *store.Store
	input     <-chan *types.Certificate
	output    chan *types.ConsensusOutput
	gcDepth   uint64
	onAck     func(committedRound uint64)
	metrics   *metrics.Metrics
	logger    hclog.Logger

	lock       sync.Mutex
	state      *store.ConsensusState
	committed  map[types.Digest]uint64 // committed certificates above the cutoff, by round
	pending    []store.CommitEntry     // committed, not acknowledged
	phase      Phase
	phaseRound uint64
	replay     []store.CommitEntry // pending entries to emit again after a restart
}

// New restores the consensus state from the store. Outputs that were committed
// but never acknowledged are emitted again by Run. Once a leader of the current
// epoch is acknowledged, onAck is called with the highest round the DAG may be
// collected against: the leader round, lowered so that rounds of outputs still
// pending stay above committedRound - gcDepth.
func New(committee func() *types.Committee, d *dag.DAG, st *store.Store, input <-chan *types.Certificate,
	outputSize int, gcDepth uint64, onAck func(committedRound uint64), m *metrics.Metrics, logger hclog.Logger) (*Consensus, error) {
	state, err := st.ReadConsensusState()
	if err != nil {
		return nil, err
	}
	c := &Consensus{
		committee: committee,
		dag:       d,
		store:     st,
		input:     input,
		output:    make(chan *types.ConsensusOutput, outputSize),
		gcDepth:   gcDepth,
		onAck:     onAck,
		metrics:   m,
		logger:    logger,
		state:     state,
		committed: make(map[types.Digest]uint64),
	}
	if epoch := committee().Epoch; state.Epoch != epoch {
		c.resetLocked(epoch)
		if err := st.WriteConsensusState(c.state); err != nil {
			return nil, err
		}
	}
	recent, err := st.RecentCommits(func(e store.CommitEntry) bool {
		return e.Epoch == c.state.Epoch && !c.belowCutoff(e.LeaderRound)
	})
	if err != nil {
		return nil, err
	}
	for _, e := range recent {
		if !c.belowCutoff(e.Round) {
			c.committed[e.Digest] = e.Round
		}
	}
	if c.pending, err = st.CommitSequence(c.state.AckedIndex); err != nil {
		return nil, err
	}
	c.replay = append([]store.CommitEntry(nil), c.pending...)
	c.phase, c.phaseRound = CommittedUpTo, c.state.LastCommittedRound
	m.LastCommittedRound.Set(float64(c.state.LastCommittedRound))
	m.ConsensusIndex.Set(float64(c.state.NextIndex))
	if len(c.pending) > 0 {
		logger.Info("recovered unacknowledged outputs", "from", c.pending[0].Index, "count", len(c.pending))
	}
	return c, nil
}

// Output is the commit sequence, delivered in index order without gaps.
func (c *Consensus) Output() <-chan *types.ConsensusOutput {
	return c.output
}

func (c *Consensus) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()
	return Status{
		Phase:              c.phase.String(),
		Round:              c.phaseRound,
		Epoch:              c.state.Epoch,
		LastCommittedRound: c.state.LastCommittedRound,
		NextIndex:          c.state.NextIndex,
		AckedIndex:         c.state.AckedIndex,
	}
}

// Run orders the certificates received on the input until ctx is done. It
// returns an error only when the commit sequence could not be persisted.
func (c *Consensus) Run(ctx context.Context) error {
	c.lock.Lock()
	replay := c.replay
	c.replay = nil
	c.lock.Unlock()
	for _, e := range replay {
		cert, err := c.store.ReadCertificate(e.Digest)
		if err != nil {
			return fmt.Errorf("certificate of unacknowledged output %d: %w", e.Index, err)
		}
		if !c.emit(ctx, &types.ConsensusOutput{Certificate: cert, Index: e.Index, LeaderRound: e.LeaderRound}) {
			return nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case cert := <-c.input:
			outputs, err := c.Process(cert)
			if err != nil {
				return err
			}
			for _, o := range outputs {
				if !c.emit(ctx, o) {
					return nil
				}
			}
			if len(outputs) > 0 {
				c.lock.Lock()
				c.phase = CommittedUpTo
				c.lock.Unlock()
			}
		}
	}
}

func (c *Consensus) emit(ctx context.Context, o *types.ConsensusOutput) bool {
	select {
	case c.output <- o:
		return true
	case <-ctx.Done():
		return false
	}
}

// Process runs the commit rule after cert was inserted in the DAG and returns
// the new entries of the commit sequence, already persisted.
func (c *Consensus) Process(cert *types.Certificate) ([]*types.ConsensusOutput, error) {
	committee := c.committee()
	c.lock.Lock()
	defer c.lock.Unlock()
	if cert.Epoch() != c.state.Epoch || cert.Round() < 2 || IsLeaderRound(cert.Round()) {
		return nil, nil
	}
	round := cert.Round() - 1
	if round <= c.state.LastCommittedRound {
		return nil, nil
	}
	leader, ok := c.dag.CertificateAt(round, Leader(committee, round))
	if !ok {
		c.phase, c.phaseRound = AwaitingQuorumRound, round
		return nil, nil
	}
	if c.support(committee, leader) < committee.QuorumThreshold() {
		c.phase, c.phaseRound = AwaitingQuorumRound, round
		return nil, nil
	}

	var outputs []*types.ConsensusOutput
	for _, l := range c.leadersToCommit(committee, leader) {
		subDag := c.orderSubDag(l)
		out, err := c.commitLocked(subDag)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out...)
	}
	return outputs, nil
}

// support is the stake of the certificates of the next round referencing leader.
func (c *Consensus) support(committee *types.Committee, leader *types.Certificate) uint64 {
	digest := leader.Digest()
	var stake uint64
	for _, cert := range c.dag.CertificatesAt(leader.Round() + 1) {
		for _, p := range cert.Parents() {
			if p == digest {
				stake += committee.Stake(cert.Author())
				break
			}
		}
	}
	return stake
}

// leadersToCommit returns leader and the uncommitted leaders of earlier rounds
// linked to it, oldest first.
func (c *Consensus) leadersToCommit(committee *types.Committee, leader *types.Certificate) []*types.Certificate {
	leaders := []*types.Certificate{leader}
	current := leader
	for r := leader.Round(); r > 2 && r-2 > c.state.LastCommittedRound; r -= 2 {
		prev, ok := c.dag.CertificateAt(r-2, Leader(committee, r-2))
		if ok && c.linked(current, prev) {
			leaders = append(leaders, prev)
			current = prev
		}
	}
	for i, j := 0, len(leaders)-1; i < j; i, j = i+1, j-1 {
		leaders[i], leaders[j] = leaders[j], leaders[i]
	}
	return leaders
}

// linked reports whether there is a path of parent edges from a down to b.
func (c *Consensus) linked(a, b *types.Certificate) bool {
	target := b.Digest()
	frontier := []*types.Certificate{a}
	for r := a.Round(); r > b.Round(); r-- {
		next := make(map[types.Digest]*types.Certificate)
		for _, cert := range frontier {
			for _, p := range cert.Parents() {
				if p == target {
					return true
				}
				if _, ok := next[p]; ok {
					continue
				}
				if parent, ok := c.dag.Get(p); ok {
					next[p] = parent
				}
			}
		}
		frontier = frontier[:0]
		for _, cert := range next {
			frontier = append(frontier, cert)
		}
	}
	return false
}

// belowCutoff reports whether round is too old to be ordered.
func (c *Consensus) belowCutoff(round uint64) bool {
	lcr := c.state.LastCommittedRound
	return lcr >= c.gcDepth && round <= lcr-c.gcDepth
}

// orderSubDag returns the uncommitted ancestors of leader above the cutoff,
// sorted by round then author, with the leader last. Committed certificates
// are not traversed: their ancestors are committed too.
func (c *Consensus) orderSubDag(leader *types.Certificate) *types.CommittedSubDag {
	seen := map[types.Digest]bool{leader.Digest(): true}
	stack := []*types.Certificate{leader}
	var certs []*types.Certificate
	for len(stack) > 0 {
		cert := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		certs = append(certs, cert)
		if cert.Round() == 0 || c.belowCutoff(cert.Round()-1) {
			continue
		}
		for _, p := range cert.Parents() {
			if seen[p] {
				continue
			}
			seen[p] = true
			if _, ok := c.committed[p]; ok {
				continue
			}
			if parent, ok := c.dag.Get(p); ok {
				stack = append(stack, parent)
			}
		}
	}
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].Round() != certs[j].Round() {
			return certs[i].Round() < certs[j].Round()
		}
		return certs[i].Author() < certs[j].Author()
	})
	return &types.CommittedSubDag{Leader: leader, Certificates: certs}
}

// commitLocked appends the sub-dag to the commit sequence in one atomic write.
func (c *Consensus) commitLocked(subDag *types.CommittedSubDag) ([]*types.ConsensusOutput, error) {
	leaderRound := subDag.Leader.Round()
	entries := make([]store.CommitEntry, 0, len(subDag.Certificates))
	outputs := make([]*types.ConsensusOutput, 0, len(subDag.Certificates))
	state := *c.state
	state.LastCommitted = make(map[string]uint64, len(c.state.LastCommitted))
	for name, r := range c.state.LastCommitted {
		state.LastCommitted[name] = r
	}
	for _, cert := range subDag.Certificates {
		index := state.NextIndex
		state.NextIndex++
		entries = append(entries, store.CommitEntry{
			Index:       index,
			Digest:      cert.Digest(),
			Round:       cert.Round(),
			Author:      cert.Author(),
			LeaderRound: leaderRound,
			Epoch:       cert.Epoch(),
		})
		outputs = append(outputs, &types.ConsensusOutput{Certificate: cert, Index: index, LeaderRound: leaderRound})
		if cert.Round() > state.LastCommitted[cert.Author()] {
			state.LastCommitted[cert.Author()] = cert.Round()
		}
	}
	state.LastCommittedRound = leaderRound
	if err := c.store.WriteCommit(entries, &state); err != nil {
		return nil, err
	}
	c.state = &state
	for d, r := range c.committed {
		if c.belowCutoff(r) {
			delete(c.committed, d)
		}
	}
	for _, e := range entries {
		if !c.belowCutoff(e.Round) {
			c.committed[e.Digest] = e.Round
		}
	}
	c.pending = append(c.pending, entries...)
	c.phase, c.phaseRound = LeaderCommitted, leaderRound

	c.metrics.CommittedLeaders.Inc()
	c.metrics.CommittedCertificates.Add(float64(len(entries)))
	c.metrics.LastCommittedRound.Set(float64(leaderRound))
	c.metrics.ConsensusIndex.Set(float64(state.NextIndex))
	c.logger.Info("committed a leader", "round", leaderRound, "author", subDag.Leader.Author(),
		"certificates", len(entries), "next-index", state.NextIndex)
	return outputs, nil
}

// Ack acknowledges that the execution layer processed output index. Outputs
// must be acknowledged in order; acknowledging again is a no-op.
func (c *Consensus) Ack(index uint64) error {
	c.lock.Lock()
	if index < c.state.AckedIndex {
		c.lock.Unlock()
		return nil
	}
	if index != c.state.AckedIndex || len(c.pending) == 0 || c.pending[0].Index != index {
		acked := c.state.AckedIndex
		c.lock.Unlock()
		return fmt.Errorf("%w: got %d, next is %d", ErrAckOutOfOrder, index, acked)
	}
	entry := c.pending[0]
	c.pending = c.pending[1:]
	state := *c.state
	state.AckedIndex++
	if err := c.store.WriteConsensusState(&state); err != nil {
		c.lock.Unlock()
		return err
	}
	c.state = &state
	collect, ok := entry.LeaderRound, entry.Round == entry.LeaderRound && entry.Epoch == state.Epoch
	for _, e := range c.pending {
		if !ok {
			break
		}
		if e.Epoch != state.Epoch {
			continue
		}
		if e.Round+c.gcDepth == 0 {
			ok = false
		} else if bound := e.Round + c.gcDepth - 1; bound < collect {
			collect = bound
		}
	}
	c.lock.Unlock()

	if ok && c.onAck != nil {
		c.onAck(collect)
	}
	return nil
}

// Reset starts a new epoch: rounds restart from genesis while the commit
// sequence keeps growing.
func (c *Consensus) Reset(epoch uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.resetLocked(epoch)
	return c.store.WriteConsensusState(c.state)
}

func (c *Consensus) resetLocked(epoch uint64) {
	state := *c.state
	state.Epoch = epoch
	state.LastCommittedRound = 0
	state.LastCommitted = make(map[string]uint64)
	c.state = &state
	c.committed = make(map[types.Digest]uint64)
	c.phase, c.phaseRound = AwaitingQuorumRound, 1
}

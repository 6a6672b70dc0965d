package consensus

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/epoch"
	"github.com/gitzhang10/narwhal/fixtures"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	f       *fixtures.Fixture
	dag     *dag.DAG
	store   *store.Store
	cons    *Consensus
	gcDepth uint64

	lock    sync.Mutex
	acked   []uint64
	collect func(committedRound uint64) error
}

func newHarness(t *testing.T, f *fixtures.Fixture) *harness {
	return newHarnessWithDepth(t, f, 50)
}

func newHarnessWithDepth(t *testing.T, f *fixtures.Fixture, gcDepth uint64) *harness {
	st, err := store.OpenMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	d := dag.New(st, nil)
	require.NoError(t, d.InsertGenesis(f.Committee))
	h := &harness{f: f, dag: d, store: st, gcDepth: gcDepth}
	h.cons = h.open(t)
	return h
}

func (h *harness) open(t *testing.T) *Consensus {
	c, err := New(func() *types.Committee { return h.f.Committee }, h.dag, h.store, nil, 100, h.gcDepth, func(round uint64) {
		h.lock.Lock()
		h.acked = append(h.acked, round)
		collect := h.collect
		h.lock.Unlock()
		if collect != nil {
			require.NoError(t, collect(round))
		}
	}, metrics.New("node0"), hclog.NewNullLogger())
	require.NoError(t, err)
	return c
}

// collectWith garbage collects the harness DAG through an epoch manager on
// every acknowledged leader.
func (h *harness) collectWith(t *testing.T) {
	m := epoch.New(context.Background(), h.f.Committee, h.store, h.dag, h.gcDepth, metrics.New("node0"), hclog.NewNullLogger())
	t.Cleanup(m.Close)
	h.lock.Lock()
	h.collect = m.Collect
	h.lock.Unlock()
}

func (h *harness) insert(t *testing.T, certs ...*types.Certificate) []*types.ConsensusOutput {
	var outputs []*types.ConsensusOutput
	for _, c := range certs {
		require.NoError(t, h.dag.Insert(c))
		out, err := h.cons.Process(c)
		require.NoError(t, err)
		outputs = append(outputs, out...)
	}
	return outputs
}

func sequence(outputs []*types.ConsensusOutput) []types.Digest {
	digests := make([]types.Digest, len(outputs))
	for i, o := range outputs {
		digests[i] = o.Certificate.Digest()
	}
	return digests
}

func requireGapFree(t *testing.T, outputs []*types.ConsensusOutput) {
	for i, o := range outputs {
		require.Equal(t, uint64(i), o.Index)
	}
}

func TestLeaderSchedule(t *testing.T) {
	f := fixtures.New(4)
	elected := make(map[string]int)
	for r := uint64(1); r < 800; r += 2 {
		name := Leader(f.Committee, r)
		require.Equal(t, name, Leader(f.Committee, r))
		elected[name]++
	}
	require.Len(t, elected, 4)

	weighted := fixtures.WithStakes(0, []uint64{10, 0, 0})
	for r := uint64(1); r < 100; r += 2 {
		require.Equal(t, "node0", Leader(weighted.Committee, r))
	}
}

func TestCommitFirstLeader(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(2)
	leaderName := Leader(f.Committee, 1)

	require.Empty(t, h.insert(t, rounds[1]...))
	require.Empty(t, h.insert(t, rounds[2][:2]...))
	require.Equal(t, AwaitingQuorumRound.String(), h.cons.Status().Phase)

	// the third supporter reaches the quorum
	outputs := h.insert(t, rounds[2][2])
	require.Len(t, outputs, 5)
	requireGapFree(t, outputs)
	require.Equal(t, fixtures.Digests(rounds[0]), sequence(outputs[:4]))
	leader := outputs[4]
	require.Equal(t, leaderName, leader.Certificate.Author())
	require.Equal(t, uint64(1), leader.Certificate.Round())
	require.True(t, leader.IsLeader())
	for _, o := range outputs {
		require.Equal(t, uint64(1), o.LeaderRound)
	}

	require.Empty(t, h.insert(t, rounds[2][3]))
	status := h.cons.Status()
	require.Equal(t, uint64(1), status.LastCommittedRound)
	require.Equal(t, uint64(5), status.NextIndex)

	persisted, err := h.store.CommitSequence(0)
	require.NoError(t, err)
	require.Len(t, persisted, 5)
	require.Equal(t, leader.Certificate.Digest(), persisted[4].Digest)
}

// weakLeaderDAG builds four rounds where only two round-2 certificates
// reference the leader of round 1.
func weakLeaderDAG(f *fixtures.Fixture) [][]*types.Certificate {
	names := f.Names()
	genesis := types.Genesis(f.Committee)
	r1 := f.Round(1, names, genesis)
	leader := Leader(f.Committee, 1)
	var others []*types.Certificate
	for _, c := range r1 {
		if c.Author() != leader {
			others = append(others, c)
		}
	}
	r2 := append(f.Round(2, names[:2], r1), f.Round(2, names[2:], others)...)
	r3 := f.Round(3, names, r2)
	r4 := f.Round(4, names, r3)
	return [][]*types.Certificate{genesis, r1, r2, r3, r4}
}

func TestIndirectCommit(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := weakLeaderDAG(f)

	require.Empty(t, h.insert(t, rounds[1]...))
	require.Empty(t, h.insert(t, rounds[2]...))
	require.Empty(t, h.insert(t, rounds[3]...))
	outputs := h.insert(t, rounds[4]...)
	requireGapFree(t, outputs)
	require.Len(t, outputs, 4+1+3+4+1)

	first := outputs[4]
	require.Equal(t, Leader(f.Committee, 1), first.Certificate.Author())
	require.Equal(t, uint64(1), first.Certificate.Round())
	require.True(t, first.IsLeader())
	last := outputs[len(outputs)-1]
	require.Equal(t, Leader(f.Committee, 3), last.Certificate.Author())
	require.Equal(t, uint64(3), last.LeaderRound)

	// every certificate is committed once
	seen := make(map[types.Digest]bool)
	for _, d := range sequence(outputs) {
		require.False(t, seen[d])
		seen[d] = true
	}
	require.Equal(t, uint64(3), h.cons.Status().LastCommittedRound)
}

func shuffled(rng *rand.Rand, rounds [][]*types.Certificate) []*types.Certificate {
	var order []*types.Certificate
	for _, r := range rounds[1:] {
		round := append([]*types.Certificate(nil), r...)
		rng.Shuffle(len(round), func(i, j int) { round[i], round[j] = round[j], round[i] })
		order = append(order, round...)
	}
	return order
}

func TestSequenceIndependentOfInsertionOrder(t *testing.T) {
	f := fixtures.New(4)
	for name, rounds := range map[string][][]*types.Certificate{
		"connected": f.Rounds(8),
		"weak":      weakLeaderDAG(f),
	} {
		t.Run(name, func(t *testing.T) {
			var want []types.Digest
			for seed := int64(0); seed < 4; seed++ {
				h := newHarness(t, f)
				outputs := h.insert(t, shuffled(rand.New(rand.NewSource(seed)), rounds)...)
				requireGapFree(t, outputs)
				require.NotEmpty(t, outputs)
				if want == nil {
					want = sequence(outputs)
					continue
				}
				require.Equal(t, want, sequence(outputs))
			}
		})
	}
}

func TestAckInOrder(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(2)
	outputs := h.insert(t, append(rounds[1], rounds[2]...)...)
	require.Len(t, outputs, 5)

	require.ErrorIs(t, h.cons.Ack(1), ErrAckOutOfOrder)
	require.NoError(t, h.cons.Ack(0))
	require.NoError(t, h.cons.Ack(0))
	require.NoError(t, h.cons.Ack(1))
	require.Empty(t, h.acked)
	require.NoError(t, h.cons.Ack(2))
	require.NoError(t, h.cons.Ack(3))
	require.NoError(t, h.cons.Ack(4))
	require.Equal(t, []uint64{1}, h.acked)
	require.ErrorIs(t, h.cons.Ack(6), ErrAckOutOfOrder)
	require.Equal(t, uint64(5), h.cons.Status().AckedIndex)
}

func TestRecoveryReplaysUnacknowledged(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(2)
	outputs := h.insert(t, append(rounds[1], rounds[2]...)...)
	require.NoError(t, h.cons.Ack(0))
	require.NoError(t, h.cons.Ack(1))

	// restart: a new engine over the same store
	h.cons = h.open(t)
	status := h.cons.Status()
	require.Equal(t, uint64(1), status.LastCommittedRound)
	require.Equal(t, uint64(5), status.NextIndex)
	require.Equal(t, uint64(2), status.AckedIndex)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.cons.Run(ctx) }()
	for i := 2; i < 5; i++ {
		o := <-h.cons.Output()
		require.Equal(t, uint64(i), o.Index)
		require.Equal(t, outputs[i].Certificate.Digest(), o.Certificate.Digest())
		require.NoError(t, h.cons.Ack(o.Index))
	}
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []uint64{1}, h.acked)

	// nothing is committed twice after the restart
	require.Empty(t, h.insert(t, rounds[2]...))
	more := h.insert(t, f.Round(3, f.Names(), rounds[2])...)
	require.Empty(t, more)
}

func TestRunDeliversCommits(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	input := make(chan *types.Certificate, 16)
	c, err := New(func() *types.Committee { return f.Committee }, h.dag, h.store, input, 100, 50, nil,
		metrics.New("node0"), hclog.NewNullLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Run(ctx) }()
	rounds := f.Rounds(2)
	for _, r := range rounds[1:] {
		for _, cert := range r {
			require.NoError(t, h.dag.Insert(cert))
			input <- cert
		}
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, uint64(i), (<-c.Output()).Index)
	}
	cancel()
	require.NoError(t, <-done)
}

func TestEpochReset(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(2)
	require.Len(t, h.insert(t, append(rounds[1], rounds[2]...)...), 5)

	next := f.NextEpoch()
	h.f = next
	require.NoError(t, h.dag.Reset(next.Committee))
	require.NoError(t, h.cons.Reset(next.Committee.Epoch))
	status := h.cons.Status()
	require.Equal(t, uint64(1), status.Epoch)
	require.Equal(t, uint64(0), status.LastCommittedRound)
	require.Equal(t, uint64(5), status.NextIndex)

	// the new epoch restarts at round 1 and continues the sequence
	newRounds := next.Rounds(2)
	outputs := h.insert(t, append(newRounds[1], newRounds[2]...)...)
	require.Len(t, outputs, 5)
	require.Equal(t, uint64(5), outputs[0].Index)
	require.Equal(t, uint64(1), outputs[4].Certificate.Epoch())
}

// laggingDAG builds rounds 1 to last where the first authority lags: up to
// round 9 its certificates are referenced only by its own next certificate.
// From round 10 on every certificate references the whole previous round.
func laggingDAG(f *fixtures.Fixture, last uint64) [][]*types.Certificate {
	names := f.Names()
	rounds := [][]*types.Certificate{types.Genesis(f.Committee)}
	for r := uint64(1); r <= last; r++ {
		prev := rounds[r-1]
		if r >= 10 {
			rounds = append(rounds, f.Round(r, names, prev))
			continue
		}
		var lagging *types.Certificate
		var others []*types.Certificate
		for _, c := range prev {
			if c.Author() == names[0] {
				lagging = c
			} else {
				others = append(others, c)
			}
		}
		round := f.Round(r, names[1:], others)
		round = append(round, f.Round(r, names[:1], append([]*types.Certificate{lagging}, others[:2]...))...)
		rounds = append(rounds, round)
	}
	return rounds
}

func TestSubDagIndependentOfAckSpeed(t *testing.T) {
	f := fixtures.New(4)
	rounds := laggingDAG(f, 16)
	eager := newHarnessWithDepth(t, f, 2)
	eager.collectWith(t)
	idle := newHarnessWithDepth(t, f, 2)

	var eagerOut, idleOut []*types.ConsensusOutput
	for _, r := range rounds[1:] {
		for _, cert := range r {
			out := eager.insert(t, cert)
			for _, o := range out {
				require.NoError(t, eager.cons.Ack(o.Index))
			}
			eagerOut = append(eagerOut, out...)
			idleOut = append(idleOut, idle.insert(t, cert)...)
		}
	}
	require.NotEmpty(t, eagerOut)
	requireGapFree(t, eagerOut)
	require.Equal(t, sequence(idleOut), sequence(eagerOut))

	// only the acknowledging instance collected the early rounds of the lagging authority
	var early types.Digest
	for _, c := range rounds[1] {
		if c.Author() == f.Names()[0] {
			early = c.Digest()
		}
	}
	require.True(t, eager.dag.IsStale(1))
	require.False(t, eager.dag.Contains(early))
	require.False(t, idle.dag.IsStale(1))
	require.True(t, idle.dag.Contains(early))
}

func TestRestartAfterGC(t *testing.T) {
	f := fixtures.New(4)
	h := newHarnessWithDepth(t, f, 2)
	h.collectWith(t)
	var outputs []*types.ConsensusOutput
	for _, r := range laggingDAG(f, 16)[1:] {
		outputs = append(outputs, h.insert(t, r...)...)
	}
	require.NotEmpty(t, outputs)

	// acknowledge everything but the sub-dag of the last leader
	last := outputs[len(outputs)-1].LeaderRound
	var pending []*types.ConsensusOutput
	for _, o := range outputs {
		if o.LeaderRound == last {
			pending = append(pending, o)
			continue
		}
		require.NoError(t, h.cons.Ack(o.Index))
	}
	require.NotEmpty(t, pending)
	require.True(t, h.dag.IsStale(1))
	gcRound := h.dag.GCRound()

	// restart: recover the dag and the engine from the same store
	d := dag.New(h.store, nil)
	_, err := d.Recover()
	require.NoError(t, err)
	require.Equal(t, gcRound, d.GCRound())
	h.dag = d
	h.cons = h.open(t)
	h.collectWith(t)
	require.NotEmpty(t, h.cons.committed)
	for _, r := range h.cons.committed {
		require.False(t, h.cons.belowCutoff(r))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.cons.Run(ctx) }()
	for _, want := range pending {
		select {
		case o := <-h.cons.Output():
			require.Equal(t, want.Index, o.Index)
			require.Equal(t, want.Certificate.Digest(), o.Certificate.Digest())
			require.NoError(t, h.cons.Ack(o.Index))
		case err := <-done:
			cancel()
			t.Fatalf("consensus stopped while replaying: %v", err)
		}
	}
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, last, h.acked[len(h.acked)-1])
}

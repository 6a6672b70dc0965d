package synchronizer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/fixtures"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFetcher serves from in-memory maps and counts requests per digest.
type fakeFetcher struct {
	lock     sync.Mutex
	certs    map[types.Digest]*types.Certificate
	batches  map[types.Digest]*types.Batch
	shards   map[string]*types.Shard // peer -> shard
	stale    bool
	calls    map[types.Digest]int
	delay    time.Duration
	failures int // certificate requests answered empty before serving
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		certs:   make(map[types.Digest]*types.Certificate),
		batches: make(map[types.Digest]*types.Batch),
		shards:  make(map[string]*types.Shard),
		calls:   make(map[types.Digest]int),
	}
}

func (f *fakeFetcher) count(d types.Digest) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[d]
}

func (f *fakeFetcher) FetchCertificate(ctx context.Context, peer string, digest types.Digest, round uint64) (*types.Certificate, error) {
	f.lock.Lock()
	f.calls[digest]++
	cert, stale, delay := f.certs[digest], f.stale, f.delay
	if f.failures > 0 {
		f.failures--
		cert = nil
	}
	f.lock.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if stale {
		return nil, dag.ErrStaleRound
	}
	return cert, nil
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, peer string, digest types.Digest) (*types.Batch, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls[digest]++
	return f.batches[digest], nil
}

func (f *fakeFetcher) FetchShard(ctx context.Context, peer string, digest types.Digest) (*types.Shard, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.shards[peer], nil
}

type harness struct {
	sync    *Synchronizer
	dag     *dag.DAG
	store   *store.Store
	fetcher *fakeFetcher
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, f *fixtures.Fixture) *harness {
	st, err := store.OpenMemory(nil)
	require.NoError(t, err)
	d := dag.New(st, nil)
	require.NoError(t, d.InsertGenesis(f.Committee))
	fetcher := newFakeFetcher()
	ctx, cancel := context.WithCancel(context.Background())
	s := New("node0", func() *types.Committee { return f.Committee }, func() context.Context { return ctx },
		d, st, fetcher, d.Insert, Config{RetryDelay: time.Millisecond, RetryNodes: 3, FetchTimeout: time.Second},
		metrics.New("node0"), hclog.NewNullLogger())
	h := &harness{sync: s, dag: d, store: st, fetcher: fetcher, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		s.Close()
		st.Close()
	})
	return h
}

func waitFor(t *testing.T, d *dag.DAG, digest types.Digest) {
	select {
	case <-d.Wait(digest, 1<<62):
	case <-time.After(10 * time.Second):
		t.Fatalf("certificate %s never inserted", digest.Short())
	}
}

func TestProcessFetchesEachMissingParentOnce(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(2)
	for _, c := range rounds[1] {
		h.fetcher.certs[c.Digest()] = c
	}
	h.fetcher.delay = 50 * time.Millisecond

	// two children share the same four missing parents
	require.NoError(t, h.sync.Process(rounds[2][0]))
	require.NoError(t, h.sync.Process(rounds[2][1]))
	require.NoError(t, h.sync.Process(rounds[2][1]))

	waitFor(t, h.dag, rounds[2][0].Digest())
	waitFor(t, h.dag, rounds[2][1].Digest())
	for _, c := range rounds[1] {
		require.True(t, h.dag.Contains(c.Digest()))
		require.Equal(t, 1, h.fetcher.count(c.Digest()))
	}
}

func TestSuspendedCertificateFetchesParentAgain(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(2)
	for _, c := range rounds[1][1:] {
		require.NoError(t, h.dag.Insert(c))
	}
	lost := rounds[1][0]
	h.fetcher.certs[lost.Digest()] = lost
	h.fetcher.failures = 3

	// the first fetch exhausts its three attempts, the second one succeeds
	require.NoError(t, h.sync.Process(rounds[2][0]))
	waitFor(t, h.dag, rounds[2][0].Digest())
	require.True(t, h.dag.Contains(lost.Digest()))
	require.Equal(t, 4, h.fetcher.count(lost.Digest()))
}

func TestProcessRecursesThroughAncestors(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(3)
	for _, r := range rounds[1:3] {
		for _, c := range r {
			h.fetcher.certs[c.Digest()] = c
		}
	}
	require.NoError(t, h.sync.Process(rounds[3][2]))
	waitFor(t, h.dag, rounds[3][2].Digest())
	require.Equal(t, uint64(3), h.dag.HighestRound())
}

func TestFetchRejectsInvalidCertificate(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(1)
	bad := *rounds[1][1]
	bad.SignedAuthorities = f.Certificate(&bad.Header, f.Names()[:2]).SignedAuthorities
	h.fetcher.certs[bad.Digest()] = &bad

	_, err := h.sync.FetchCertificate(context.Background(), bad.Digest(), 1)
	require.ErrorIs(t, err, ErrNetworkTimeout)
	require.Equal(t, 3, h.fetcher.count(bad.Digest()))
}

func TestStaleFetchIsNotRetried(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	h.fetcher.stale = true
	digest := types.Digest{42}

	_, err := h.sync.FetchCertificate(context.Background(), digest, 1)
	require.ErrorIs(t, err, dag.ErrStaleRound)
	require.Equal(t, 1, h.fetcher.count(digest))
}

func TestMissingCertificateTimesOut(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	digest := types.Digest{43}
	_, err := h.sync.FetchCertificate(context.Background(), digest, 1)
	require.ErrorIs(t, err, ErrNetworkTimeout)
	require.Equal(t, 3, h.fetcher.count(digest))
}

func TestSyncParents(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	rounds := f.Rounds(1)
	for _, c := range rounds[1] {
		h.fetcher.certs[c.Digest()] = c
	}
	header := f.Header("node1", 2, fixtures.Digests(rounds[1]), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.sync.SyncParents(ctx, header))
	for _, c := range rounds[1] {
		require.True(t, h.dag.Contains(c.Digest()))
	}
}

func TestSyncBatches(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	batch := &types.Batch{Transactions: [][]byte{[]byte("tx")}}
	h.fetcher.batches[batch.Digest()] = batch
	header := f.Header("node1", 1, types.GenesisDigests(f.Committee), []types.PayloadEntry{{Digest: batch.Digest()}})

	require.NoError(t, h.sync.SyncBatches(context.Background(), header))
	ok, err := h.store.HasBatch(batch.Digest())
	require.NoError(t, err)
	require.True(t, ok)

	// already stored, no new fetch
	require.NoError(t, h.sync.SyncBatches(context.Background(), header))
	require.Equal(t, 1, h.fetcher.count(batch.Digest()))
}

func TestSyncBatchesFromShards(t *testing.T) {
	f := fixtures.New(4)
	h := newHarness(t, f)
	batch := &types.Batch{Transactions: [][]byte{[]byte("only shards survive")}}
	dataShards, total := worker.ShardParams(4)
	shards, err := worker.EncodeShards(batch, dataShards, total)
	require.NoError(t, err)
	// node0 lost its shard, node3 is down: node1 and node2 are enough
	h.fetcher.shards["node1"] = shards[1]
	h.fetcher.shards["node2"] = shards[2]

	header := f.Header("node1", 1, types.GenesisDigests(f.Committee), []types.PayloadEntry{{Digest: batch.Digest()}})
	require.NoError(t, h.sync.SyncBatches(context.Background(), header))
	got, err := h.store.ReadBatch(batch.Digest())
	require.NoError(t, err)
	require.Equal(t, batch.Transactions, got.Transactions)
}

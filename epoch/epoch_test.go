package epoch

import (
	"context"
	"testing"

	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/fixtures"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, f *fixtures.Fixture, gcDepth uint64) (*Manager, *dag.DAG, *store.Store) {
	st, err := store.OpenMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	d := dag.New(st, nil)
	require.NoError(t, d.InsertGenesis(f.Committee))
	m := New(context.Background(), f.Committee, st, d, gcDepth, metrics.New("node0"), hclog.NewNullLogger())
	t.Cleanup(m.Close)
	return m, d, st
}

func TestCollect(t *testing.T) {
	f := fixtures.New(4)
	m, d, _ := newManager(t, f, 2)
	for _, r := range f.Rounds(5)[1:] {
		for _, c := range r {
			require.NoError(t, d.Insert(c))
		}
	}
	var collected []uint64
	m.OnGC(func(round uint64) { collected = append(collected, round) })

	require.NoError(t, m.Collect(1))
	require.False(t, d.IsStale(0))
	require.Len(t, d.CertificatesAt(0), 4)

	// a committed round equal to the depth collects genesis
	require.NoError(t, m.Collect(2))
	require.True(t, d.IsStale(0))
	require.Empty(t, d.CertificatesAt(0))
	require.Len(t, d.CertificatesAt(1), 4)

	require.NoError(t, m.Collect(5))
	require.Equal(t, uint64(3), d.GCRound())
	require.Empty(t, d.CertificatesAt(3))
	require.Len(t, d.CertificatesAt(4), 4)

	// the watermark never moves back
	require.NoError(t, m.Collect(4))
	require.NoError(t, m.Collect(2))
	require.Equal(t, []uint64{0, 3}, collected)
}

func TestNewEpoch(t *testing.T) {
	f := fixtures.New(4)
	m, d, st := newManager(t, f, 10)
	for _, c := range f.Rounds(1)[1] {
		require.NoError(t, d.Insert(c))
	}
	epochCtx := m.EpochContext()
	updates := m.Subscribe()
	var reset *types.Committee
	m.OnNewEpoch(func(c *types.Committee) error {
		reset = c
		return nil
	})

	next := f.NextEpoch()
	require.NoError(t, m.Reconfigure(&types.ReconfigureNotification{Kind: types.NewEpoch, Committee: next.Committee}))
	require.Equal(t, uint64(1), m.Committee().Epoch)
	require.Same(t, next.Committee, reset)
	require.Error(t, epochCtx.Err())
	require.NoError(t, m.EpochContext().Err())
	require.Equal(t, types.NewEpoch, (<-updates).Kind)

	// the dag restarts from the genesis of the new epoch
	require.Equal(t, uint64(0), d.HighestRound())
	require.ElementsMatch(t, types.GenesisDigests(next.Committee), fixtures.Digests(d.CertificatesAt(0)))

	latest, err := st.LatestCommittee()
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest.Epoch)

	err = m.Reconfigure(&types.ReconfigureNotification{Kind: types.NewEpoch, Committee: f.Committee})
	require.ErrorIs(t, err, ErrStaleEpoch)
}

func TestUpdateCommittee(t *testing.T) {
	f := fixtures.New(4)
	m, _, _ := newManager(t, f, 10)

	authorities := make(map[string]types.Authority)
	for name, a := range f.Committee.Authorities {
		a.Address = "10.0.0.1:" + name
		authorities[name] = a
	}
	moved, err := types.NewCommittee(0, authorities)
	require.NoError(t, err)
	require.NoError(t, m.Reconfigure(&types.ReconfigureNotification{Kind: types.UpdateCommittee, Committee: moved}))
	addr, _ := m.Committee().Address("node1")
	require.Equal(t, "10.0.0.1:node1", addr)

	other := fixtures.New(4)
	err = m.Reconfigure(&types.ReconfigureNotification{Kind: types.UpdateCommittee, Committee: other.Committee})
	require.ErrorIs(t, err, ErrCommitteeMismatch)
}

func TestShutdown(t *testing.T) {
	f := fixtures.New(4)
	m, _, _ := newManager(t, f, 10)
	require.NoError(t, m.Reconfigure(&types.ReconfigureNotification{Kind: types.Shutdown}))
	select {
	case <-m.Done():
	default:
		t.Fatal("not shut down")
	}
	require.Error(t, m.EpochContext().Err())
	require.ErrorIs(t, m.Reconfigure(&types.ReconfigureNotification{Kind: types.Shutdown}), ErrShutdown)
}

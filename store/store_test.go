package store

import (
	"path/filepath"
	"testing"

	"github.com/gitzhang10/narwhal/fixtures"
	"github.com/gitzhang10/narwhal/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s, err := OpenMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCertificateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	f := fixtures.New(4)
	rounds := f.Rounds(2)
	for _, round := range rounds {
		for _, c := range round {
			require.NoError(t, s.WriteCertificate(c))
		}
	}

	want := rounds[1][2]
	got, err := s.ReadCertificate(want.Digest())
	require.NoError(t, err)
	require.Equal(t, want.Digest(), got.Digest())
	require.Equal(t, want.AggregatedSignature, got.AggregatedSignature)

	h, err := s.ReadHeader(1, want.Author())
	require.NoError(t, err)
	require.Equal(t, want.Header.ID, h.ID)

	certs, err := s.CertificatesInRange(1, 2)
	require.NoError(t, err)
	require.Len(t, certs, 8)
	for i := 1; i < len(certs); i++ {
		require.LessOrEqual(t, certs[i-1].Round(), certs[i].Round())
	}

	_, err = s.ReadCertificate(types.Digest{1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRoundsUpTo(t *testing.T) {
	s := newTestStore(t)
	f := fixtures.New(4)
	rounds := f.Rounds(3)
	for _, round := range rounds {
		for _, c := range round {
			require.NoError(t, s.WriteCertificate(c))
		}
	}

	deleted, err := s.DeleteRoundsUpTo(1)
	require.NoError(t, err)
	require.Equal(t, 8, deleted)

	gc, collected, err := s.ReadGCRound()
	require.NoError(t, err)
	require.True(t, collected)
	require.Equal(t, uint64(1), gc)

	ok, err := s.HasCertificate(rounds[1][0].Digest())
	require.NoError(t, err)
	require.False(t, ok)
	_, err = s.ReadHeader(0, "node0")
	require.ErrorIs(t, err, ErrNotFound)

	certs, err := s.CertificatesInRange(0, ^uint64(0))
	require.NoError(t, err)
	require.Len(t, certs, 8)

	require.NoError(t, s.DeleteAllRounds())
	certs, err = s.CertificatesInRange(0, ^uint64(0))
	require.NoError(t, err)
	require.Empty(t, certs)
	_, collected, err = s.ReadGCRound()
	require.NoError(t, err)
	require.False(t, collected)
}

func TestCommitSequence(t *testing.T) {
	s := newTestStore(t)

	state, err := s.ReadConsensusState()
	require.NoError(t, err)
	require.Zero(t, state.NextIndex)
	require.NotNil(t, state.LastCommitted)

	entries := []CommitEntry{
		{Index: 0, Digest: types.Digest{1}, Round: 0, Author: "node0", LeaderRound: 1},
		{Index: 1, Digest: types.Digest{2}, Round: 1, Author: "node1", LeaderRound: 1},
	}
	state.NextIndex = 2
	state.LastCommittedRound = 1
	state.LastCommitted["node1"] = 1
	require.NoError(t, s.WriteCommit(entries, state))

	got, err := s.CommitSequence(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, types.Digest{2}, got[0].Digest)

	restored, err := s.ReadConsensusState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), restored.NextIndex)
	require.Equal(t, uint64(1), restored.LastCommitted["node1"])
}

func TestRecentCommits(t *testing.T) {
	s := newTestStore(t)
	none, err := s.RecentCommits(func(CommitEntry) bool { return true })
	require.NoError(t, err)
	require.Empty(t, none)

	var entries []CommitEntry
	for i := uint64(0); i < 6; i++ {
		entries = append(entries, CommitEntry{Index: i, Digest: types.Digest{byte(i)}, Round: i, LeaderRound: i | 1})
	}
	require.NoError(t, s.WriteCommit(entries, &ConsensusState{NextIndex: 6}))

	// the walk stops at the first rejected entry, even if older ones would pass
	tail, err := s.RecentCommits(func(e CommitEntry) bool { return e.LeaderRound > 1 && e.Index != 3 })
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, uint64(4), tail[0].Index)
	require.Equal(t, uint64(5), tail[1].Index)

	all, err := s.RecentCommits(func(CommitEntry) bool { return true })
	require.NoError(t, err)
	require.Equal(t, entries, all)
}

func TestBatchesAndVotes(t *testing.T) {
	s := newTestStore(t)
	batch := &types.Batch{Transactions: [][]byte{[]byte("tx1"), []byte("tx2")}}
	require.NoError(t, s.WriteBatch(batch.Digest(), batch))

	got, err := s.ReadBatch(batch.Digest())
	require.NoError(t, err)
	require.Equal(t, batch.Digest(), got.Digest())
	ok, err := s.HasBatch(batch.Digest())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.ReadLastVoted("node1")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.WriteLastVoted("node1", &LastVoted{Round: 3, HeaderID: types.Digest{9}}))
	v, err := s.ReadLastVoted("node1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), v.Round)
}

func TestCommitteePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := Open(path, nil)
	require.NoError(t, err)

	f := fixtures.New(4)
	require.NoError(t, s.WriteCommittee(f.Committee))
	require.NoError(t, s.WriteCommittee(f.NextEpoch().Committee))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	committee, err := s.LatestCommittee()
	require.NoError(t, err)
	require.Equal(t, uint64(1), committee.Epoch)
	require.Equal(t, f.Names(), committee.Names())
	require.True(t, committee.SameMembers(f.Committee))
}

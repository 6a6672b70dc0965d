package types

import (
	"testing"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/stretchr/testify/require"
)

func testCommittee(t *testing.T, stakes map[string]uint64) *Committee {
	authorities := make(map[string]Authority, len(stakes))
	for name, stake := range stakes {
		_, pub := sign.GenBLSKeys()
		pubBytes, err := sign.EncodeBLSPublicKey(pub)
		require.NoError(t, err)
		authorities[name] = Authority{Stake: stake, PublicKey: pubBytes}
	}
	c, err := NewCommittee(0, authorities)
	require.NoError(t, err)
	return c
}

func TestHeaderIDIsCanonical(t *testing.T) {
	p1 := PayloadEntry{Digest: Digest{1}, WorkerID: 0}
	p2 := PayloadEntry{Digest: Digest{2}, WorkerID: 1}
	parents := []Digest{{3}, {4}, {5}}

	a := NewHeader("node0", 1, 0, []PayloadEntry{p1, p2}, parents)
	b := NewHeader("node0", 1, 0, []PayloadEntry{p2, p1}, []Digest{{5}, {3}, {4}})
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, a.ID, a.ComputeID())

	c := NewHeader("node0", 2, 0, []PayloadEntry{p1, p2}, parents)
	require.NotEqual(t, a.ID, c.ID)

	empty := NewHeader("node1", 0, 0, nil, nil)
	emptySlices := &Header{Author: "node1", Payload: []PayloadEntry{}, Parents: []Digest{}}
	require.Equal(t, empty.ID, emptySlices.ComputeID())
}

func TestCertificateDigestIgnoresSigners(t *testing.T) {
	h := NewHeader("node0", 1, 0, nil, []Digest{{1}})
	a := &Certificate{Header: *h, SignedAuthorities: []byte{0x07}}
	b := &Certificate{Header: *h, SignedAuthorities: []byte{0x0e}}
	require.Equal(t, a.Digest(), b.Digest())
	require.NotEqual(t, h.ID, a.Digest())
}

func TestThresholds(t *testing.T) {
	c := testCommittee(t, map[string]uint64{"a": 1, "b": 1, "c": 1, "d": 1})
	require.Equal(t, uint64(4), c.TotalStake())
	require.Equal(t, uint64(3), c.QuorumThreshold())
	require.Equal(t, uint64(2), c.ValidityThreshold())
	require.Equal(t, 1, c.MaxFaulty())
	require.Equal(t, []string{"a", "b", "c", "d"}, c.Names())
	require.Equal(t, []string{"a", "c", "d"}, c.Others("b"))

	weighted := testCommittee(t, map[string]uint64{"a": 5, "b": 2, "c": 2})
	require.Equal(t, uint64(7), weighted.QuorumThreshold())
	require.Equal(t, uint64(3), weighted.ValidityThreshold())

	_, err := NewCommittee(0, map[string]Authority{"a": {}})
	require.ErrorIs(t, err, ErrEmptyCommittee)
}

func TestGenesis(t *testing.T) {
	c := testCommittee(t, map[string]uint64{"a": 1, "b": 1, "c": 1, "d": 1})
	genesis := Genesis(c)
	require.Len(t, genesis, 4)
	for i, cert := range genesis {
		require.Equal(t, uint64(0), cert.Round())
		require.Equal(t, c.Names()[i], cert.Author())
		require.Empty(t, cert.Parents())
	}
	require.Equal(t, GenesisDigests(c), GenesisDigests(c))
}

func TestEncodingVersion(t *testing.T) {
	h := NewHeader("node0", 3, 1, nil, []Digest{{1}})
	data, err := Encode(h)
	require.NoError(t, err)
	require.Equal(t, EncodingVersion, data[0])

	var decoded Header
	require.NoError(t, Decode(data, &decoded))
	require.Equal(t, h.ID, decoded.ComputeID())

	data[0] = EncodingVersion + 1
	require.ErrorIs(t, Decode(data, &decoded), ErrEncodingVersion)
}

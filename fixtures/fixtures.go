// Package fixtures builds committees, keys and signed DAG rounds for tests.
package fixtures

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
	"go.dedis.ch/kyber/v3"
)

// Keys are the secrets of one authority.
type Keys struct {
	BLS     kyber.Scalar
	Network ed25519.PrivateKey
}

// Fixture is a committee together with the secret keys of every member.
type Fixture struct {
	Committee *types.Committee
	Keys      map[string]Keys
}

// New returns a committee of n authorities named node0..node(n-1), stake 1 each.
func New(n int) *Fixture {
	stakes := make([]uint64, n)
	for i := range stakes {
		stakes[i] = 1
	}
	return WithStakes(0, stakes)
}

// WithStakes returns a committee of len(stakes) authorities for epoch.
func WithStakes(epoch uint64, stakes []uint64) *Fixture {
	authorities := make(map[string]types.Authority, len(stakes))
	keys := make(map[string]Keys, len(stakes))
	for i, stake := range stakes {
		name := fmt.Sprintf("node%d", i)
		blsPriv, blsPub := sign.GenBLSKeys()
		pubBytes, err := sign.EncodeBLSPublicKey(blsPub)
		if err != nil {
			panic(err)
		}
		netPriv, netPub := sign.GenED25519Keys()
		authorities[name] = types.Authority{
			Stake:      stake,
			Address:    fmt.Sprintf("127.0.0.1:%d", 9000+i),
			PublicKey:  pubBytes,
			NetworkKey: netPub,
		}
		keys[name] = Keys{BLS: blsPriv, Network: netPriv}
	}
	committee, err := types.NewCommittee(epoch, authorities)
	if err != nil {
		panic(err)
	}
	return &Fixture{Committee: committee, Keys: keys}
}

// NextEpoch returns the same members under a new epoch number.
func (f *Fixture) NextEpoch() *Fixture {
	committee, err := types.NewCommittee(f.Committee.Epoch+1, f.Committee.Authorities)
	if err != nil {
		panic(err)
	}
	return &Fixture{Committee: committee, Keys: f.Keys}
}

func (f *Fixture) Names() []string {
	return f.Committee.Names()
}

// Header returns a header signed by author.
func (f *Fixture) Header(author string, round uint64, parents []types.Digest, payload []types.PayloadEntry) *types.Header {
	h := types.NewHeader(author, round, f.Committee.Epoch, payload, parents)
	sig, err := sign.SignBLS(f.Keys[author].BLS, h.ID.Bytes())
	if err != nil {
		panic(err)
	}
	h.Signature = sig
	return h
}

// Vote returns voter's vote for h.
func (f *Fixture) Vote(voter string, h *types.Header) *types.Vote {
	sig, err := sign.SignBLS(f.Keys[voter].BLS, h.ID.Bytes())
	if err != nil {
		panic(err)
	}
	return &types.Vote{
		HeaderID:  h.ID,
		Round:     h.Round,
		Epoch:     h.Epoch,
		Origin:    h.Author,
		Author:    voter,
		Signature: sig,
	}
}

// Certificate aggregates the votes of signers over h.
func (f *Fixture) Certificate(h *types.Header, signers []string) *types.Certificate {
	sigs := make(map[int][]byte, len(signers))
	for _, s := range signers {
		i, ok := f.Committee.Index(s)
		if !ok {
			panic("unknown signer " + s)
		}
		sigs[i] = f.Vote(s, h).Signature
	}
	agg, bitmap, err := sign.AggregateBLS(f.Committee.PublicKeys(), sigs)
	if err != nil {
		panic(err)
	}
	return &types.Certificate{Header: *h, AggregatedSignature: agg, SignedAuthorities: bitmap}
}

// Round builds one certificate per author at round, each referencing all of
// parents and signed by the whole committee.
func (f *Fixture) Round(round uint64, authors []string, parents []*types.Certificate) []*types.Certificate {
	digests := Digests(parents)
	certs := make([]*types.Certificate, 0, len(authors))
	for _, a := range authors {
		certs = append(certs, f.Certificate(f.Header(a, round, digests, nil), f.Names()))
	}
	return certs
}

// Rounds builds a fully connected DAG from round 1 to last on top of genesis,
// with every authority present at every round. It returns the certificates of
// each round, index 0 being genesis.
func (f *Fixture) Rounds(last uint64) [][]*types.Certificate {
	rounds := [][]*types.Certificate{types.Genesis(f.Committee)}
	for r := uint64(1); r <= last; r++ {
		rounds = append(rounds, f.Round(r, f.Names(), rounds[r-1]))
	}
	return rounds
}

// Digests returns the digests of certs.
func Digests(certs []*types.Certificate) []types.Digest {
	digests := make([]types.Digest, len(certs))
	for i, c := range certs {
		digests[i] = c.Digest()
	}
	return digests
}

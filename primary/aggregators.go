package primary

import (
	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
)

// VotesAggregator collects the votes for one of our headers and assembles its
// certificate once the voters carry a quorum of stake.
type VotesAggregator struct {
	header *types.Header
	sigs   map[int][]byte
	stake  uint64
	done   bool
}

func NewVotesAggregator(h *types.Header) *VotesAggregator {
	return &VotesAggregator{header: h, sigs: make(map[int][]byte)}
}

// Append adds a validated vote. It returns the certificate the first time the
// quorum is reached and nil otherwise; duplicate and late votes are ignored.
func (a *VotesAggregator) Append(committee *types.Committee, v *types.Vote) (*types.Certificate, error) {
	if a.done {
		return nil, nil
	}
	i, ok := committee.Index(v.Author)
	if !ok {
		return nil, nil
	}
	if _, ok := a.sigs[i]; ok {
		return nil, nil
	}
	a.sigs[i] = v.Signature
	a.stake += committee.Stake(v.Author)
	if a.stake < committee.QuorumThreshold() {
		return nil, nil
	}
	agg, bitmap, err := sign.AggregateBLS(committee.PublicKeys(), a.sigs)
	if err != nil {
		return nil, err
	}
	a.done = true
	return &types.Certificate{Header: *a.header, AggregatedSignature: agg, SignedAuthorities: bitmap}, nil
}

// CertificatesAggregator tracks the certificates of one round and reports the
// first time their authors carry a quorum of stake.
type CertificatesAggregator struct {
	authors map[string]bool
	stake   uint64
	done    bool
}

func NewCertificatesAggregator() *CertificatesAggregator {
	return &CertificatesAggregator{authors: make(map[string]bool)}
}

// Append returns true exactly once, when the round reaches a quorum.
func (a *CertificatesAggregator) Append(committee *types.Committee, cert *types.Certificate) bool {
	if a.authors[cert.Author()] {
		return false
	}
	a.authors[cert.Author()] = true
	a.stake += committee.Stake(cert.Author())
	if a.done || a.stake < committee.QuorumThreshold() {
		return false
	}
	a.done = true
	return true
}

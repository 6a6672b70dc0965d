package types

import (
	"sort"
)

// Batch is an ordered list of opaque transactions. It is identified by its digest.
type Batch struct {
	Transactions [][]byte
}

func (b *Batch) Digest() Digest {
	return hashOf(batchTag, b)
}

// Size returns the number of transaction bytes in the batch.
func (b *Batch) Size() int {
	size := 0
	for _, tx := range b.Transactions {
		size += len(tx)
	}
	return size
}

// PayloadEntry references a batch stored by one of the author's workers.
type PayloadEntry struct {
	Digest   Digest
	WorkerID uint32
}

// Header is the proposal of one authority for one round.
type Header struct {
	Author    string
	Round     uint64
	Epoch     uint64
	Payload   []PayloadEntry // sorted by digest
	Parents   []Digest       // certificates of round-1, sorted
	ID        Digest
	Signature []byte // author's BLS signature over ID
}

// the fields covered by the header ID
type headerContent struct {
	Author  string
	Round   uint64
	Epoch   uint64
	Payload []PayloadEntry
	Parents []Digest
}

// NewHeader builds an unsigned header with canonical payload and parents and computes its ID.
func NewHeader(author string, round, epoch uint64, payload []PayloadEntry, parents []Digest) *Header {
	p := append([]PayloadEntry(nil), payload...)
	sort.Slice(p, func(i, j int) bool { return p[i].Digest.Less(p[j].Digest) })
	ps := append([]Digest(nil), parents...)
	SortDigests(ps)
	h := &Header{
		Author:  author,
		Round:   round,
		Epoch:   epoch,
		Payload: p,
		Parents: ps,
	}
	h.ID = h.ComputeID()
	return h
}

// ComputeID recomputes the header digest from its content fields.
func (h *Header) ComputeID() Digest {
	content := headerContent{
		Author: h.Author,
		Round:  h.Round,
		Epoch:  h.Epoch,
	}
	// empty and nil sets must hash the same
	if len(h.Payload) > 0 {
		content.Payload = h.Payload
	}
	if len(h.Parents) > 0 {
		content.Parents = h.Parents
	}
	return hashOf(headerTag, content)
}

// Vote is an authority's endorsement of a header.
type Vote struct {
	HeaderID  Digest
	Round     uint64
	Epoch     uint64
	Origin    string // author of the header
	Author    string // the voter
	Signature []byte // voter's BLS signature over HeaderID
}

// Certificate is a header plus the aggregated signature of a quorum of authorities.
type Certificate struct {
	Header              Header
	AggregatedSignature []byte
	SignedAuthorities   []byte // bitmap over the committee's canonical order
}

type certificateContent struct {
	HeaderID Digest
	Round    uint64
	Author   string
}

// Digest identifies the certificate. It only covers the certified header so two
// quorums over the same header yield the same certificate digest.
func (c *Certificate) Digest() Digest {
	return CertificateDigest(&c.Header)
}

// CertificateDigest returns the digest the certificate of header will have.
func CertificateDigest(h *Header) Digest {
	return hashOf(certificateTag, certificateContent{HeaderID: h.ID, Round: h.Round, Author: h.Author})
}

func (c *Certificate) Round() uint64 {
	return c.Header.Round
}

func (c *Certificate) Author() string {
	return c.Header.Author
}

func (c *Certificate) Epoch() uint64 {
	return c.Header.Epoch
}

func (c *Certificate) Parents() []Digest {
	return c.Header.Parents
}

// Genesis returns the round-0 certificates of the committee, one per authority in
// canonical order. They carry no parents, payload or signatures.
func Genesis(committee *Committee) []*Certificate {
	names := committee.Names()
	certs := make([]*Certificate, 0, len(names))
	for _, name := range names {
		certs = append(certs, &Certificate{
			Header: *NewHeader(name, 0, committee.Epoch, nil, nil),
		})
	}
	return certs
}

// GenesisDigests returns the digests of Genesis(committee).
func GenesisDigests(committee *Committee) []Digest {
	genesis := Genesis(committee)
	digests := make([]Digest, len(genesis))
	for i, c := range genesis {
		digests[i] = c.Digest()
	}
	return digests
}

// ReconfigureKind tags a ReconfigureNotification.
type ReconfigureKind uint8

const (
	NewEpoch ReconfigureKind = iota
	UpdateCommittee
	Shutdown
)

func (k ReconfigureKind) String() string {
	switch k {
	case NewEpoch:
		return "new-epoch"
	case UpdateCommittee:
		return "update-committee"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ReconfigureNotification tells every component to change its committee view or to halt.
// Committee is nil for Shutdown.
type ReconfigureNotification struct {
	Kind      ReconfigureKind
	Committee *Committee
}

// ConsensusOutput is one entry of the commit sequence delivered to the execution layer.
type ConsensusOutput struct {
	Certificate *Certificate
	Index       uint64 // position in the commit sequence
	LeaderRound uint64 // round of the leader whose commit ordered this certificate
}

// IsLeader reports whether the output is the last one of its committed sub-dag.
func (o *ConsensusOutput) IsLeader() bool {
	return o.Certificate.Round() == o.LeaderRound
}

// CommittedSubDag is a committed leader with all its previously uncommitted ancestors,
// in commit order (the leader is last).
type CommittedSubDag struct {
	Leader       *Certificate
	Certificates []*Certificate
}

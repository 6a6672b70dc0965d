/*
Package validator checks headers, votes and certificates against a committee
snapshot. The checks are pure: they never mutate state and never block, so
they can run on any goroutine before a message touches the DAG.
*/
package validator

import (
	"errors"
	"fmt"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
)

var (
	ErrInvalidHeaderID   = errors.New("header id does not match its content")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnknownAuthority  = errors.New("unknown authority")
	ErrInsufficientStake = errors.New("insufficient stake")
	ErrEpochMismatch     = errors.New("epoch mismatch")
	ErrMalformedHeader   = errors.New("malformed header")
	ErrInvalidParents    = errors.New("invalid parents")
)

// ValidationError is returned by every check of this package. Kind is one of
// the sentinel errors above and is matched by errors.Is.
type ValidationError struct {
	Kind   error
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func invalid(kind error, format string, args ...interface{}) error {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err was produced by this package.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ValidateHeader checks a header proposed for a round above 0.
func ValidateHeader(committee *types.Committee, h *types.Header) error {
	if h.Epoch != committee.Epoch {
		return invalid(ErrEpochMismatch, "header epoch %d, committee epoch %d", h.Epoch, committee.Epoch)
	}
	if !committee.Exists(h.Author) {
		return invalid(ErrUnknownAuthority, "header author %s", h.Author)
	}
	if h.Round == 0 {
		return invalid(ErrMalformedHeader, "round 0 headers are genesis only")
	}
	if h.ComputeID() != h.ID {
		return invalid(ErrInvalidHeaderID, "header %s of %s", h.ID.Short(), h.Author)
	}
	if err := checkSets(h); err != nil {
		return err
	}
	if h.Round == 1 {
		genesis := make(map[types.Digest]bool, committee.Size())
		for _, d := range types.GenesisDigests(committee) {
			genesis[d] = true
		}
		for _, p := range h.Parents {
			if !genesis[p] {
				return invalid(ErrInvalidParents, "round 1 parent %s is not a genesis certificate", p.Short())
			}
		}
	}
	// at most one parent per authority
	if len(h.Parents) == 0 || len(h.Parents) > committee.Size() {
		return invalid(ErrInvalidParents, "%d parents for %d authorities", len(h.Parents), committee.Size())
	}
	key, err := committee.PublicKey(h.Author)
	if err != nil {
		return invalid(ErrUnknownAuthority, "%v", err)
	}
	if err := sign.VerifyBLS(key, h.ID.Bytes(), h.Signature); err != nil {
		return invalid(ErrInvalidSignature, "header %s of %s", h.ID.Short(), h.Author)
	}
	return nil
}

// payload and parents must be strictly sorted: sorted sets without duplicates
func checkSets(h *types.Header) error {
	for i := 1; i < len(h.Payload); i++ {
		if !h.Payload[i-1].Digest.Less(h.Payload[i].Digest) {
			return invalid(ErrMalformedHeader, "payload of %s is not a sorted set", h.ID.Short())
		}
	}
	for i := 1; i < len(h.Parents); i++ {
		if !h.Parents[i-1].Less(h.Parents[i]) {
			return invalid(ErrMalformedHeader, "parents of %s are not a sorted set", h.ID.Short())
		}
	}
	return nil
}

// ValidateParents checks the resolved parents of h: one certificate per author
// from round h.Round-1, whose authors carry a quorum of stake.
func ValidateParents(committee *types.Committee, h *types.Header, parents []*types.Certificate) error {
	authors := make(map[string]bool, len(parents))
	var stake uint64
	for _, p := range parents {
		if p.Round()+1 != h.Round {
			return invalid(ErrInvalidParents, "parent %s from round %d for a round %d header", p.Digest().Short(), p.Round(), h.Round)
		}
		if authors[p.Author()] {
			return invalid(ErrInvalidParents, "two parents from %s", p.Author())
		}
		authors[p.Author()] = true
		stake += committee.Stake(p.Author())
	}
	if stake < committee.QuorumThreshold() {
		return invalid(ErrInsufficientStake, "parents of %s carry stake %d, quorum is %d", h.ID.Short(), stake, committee.QuorumThreshold())
	}
	return nil
}

// ValidateVote checks a vote for our header h.
func ValidateVote(committee *types.Committee, v *types.Vote, h *types.Header) error {
	if v.Epoch != committee.Epoch {
		return invalid(ErrEpochMismatch, "vote epoch %d, committee epoch %d", v.Epoch, committee.Epoch)
	}
	if v.HeaderID != h.ID || v.Round != h.Round || v.Origin != h.Author {
		return invalid(ErrMalformedHeader, "vote of %s is not for header %s", v.Author, h.ID.Short())
	}
	key, err := committee.PublicKey(v.Author)
	if err != nil {
		return invalid(ErrUnknownAuthority, "voter %s", v.Author)
	}
	if err := sign.VerifyBLS(key, v.HeaderID.Bytes(), v.Signature); err != nil {
		return invalid(ErrInvalidSignature, "vote of %s for %s", v.Author, h.ID.Short())
	}
	return nil
}

// ValidateCertificate checks the header of cert and its quorum aggregate signature.
// Genesis certificates are valid iff they are the committee's genesis.
func ValidateCertificate(committee *types.Committee, cert *types.Certificate) error {
	if cert.Epoch() != committee.Epoch {
		return invalid(ErrEpochMismatch, "certificate epoch %d, committee epoch %d", cert.Epoch(), committee.Epoch)
	}
	if cert.Round() == 0 {
		digest := cert.Digest()
		for _, g := range types.GenesisDigests(committee) {
			if g == digest {
				return nil
			}
		}
		return invalid(ErrMalformedHeader, "round 0 certificate %s is not genesis", digest.Short())
	}
	if err := ValidateHeader(committee, &cert.Header); err != nil {
		return err
	}
	signers, err := sign.Signers(committee.Size(), cert.SignedAuthorities)
	if err != nil {
		return invalid(ErrInvalidSignature, "signer bitmap of %s: %v", cert.Digest().Short(), err)
	}
	names := committee.Names()
	var stake uint64
	for _, i := range signers {
		stake += committee.Stake(names[i])
	}
	if stake < committee.QuorumThreshold() {
		return invalid(ErrInsufficientStake, "certificate %s signed by stake %d, quorum is %d", cert.Digest().Short(), stake, committee.QuorumThreshold())
	}
	if err := sign.VerifyAggregateBLS(committee.PublicKeys(), cert.SignedAuthorities, cert.Header.ID.Bytes(), cert.AggregatedSignature); err != nil {
		return invalid(ErrInvalidSignature, "aggregate signature of %s", cert.Digest().Short())
	}
	return nil
}

package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gitzhang10/narwhal/sign"
	"go.dedis.ch/kyber/v3"
)

var (
	ErrEmptyCommittee   = errors.New("committee has no authority with stake")
	ErrUnknownAuthority = errors.New("authority is not a committee member")
)

// Authority describes one committee member.
type Authority struct {
	Stake      uint64
	Address    string // host:port of the authority's transport
	PublicKey  []byte // encoded BLS public key, signs headers and votes
	NetworkKey []byte // ED25519 public key, signs transport frames
}

// Committee is the set of authorities of one epoch. It is never mutated after
// construction; a new epoch installs a new Committee value.
type Committee struct {
	Epoch       uint64
	Authorities map[string]Authority

	once    sync.Once
	loadErr error
	names   []string
	index   map[string]int
	keys    []kyber.Point
	total   uint64
}

// NewCommittee builds a committee and decodes its keys.
func NewCommittee(epoch uint64, authorities map[string]Authority) (*Committee, error) {
	c := &Committee{Epoch: epoch, Authorities: authorities}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Committee) load() error {
	c.once.Do(func() {
		names := make([]string, 0, len(c.Authorities))
		var total uint64
		for name, a := range c.Authorities {
			names = append(names, name)
			total += a.Stake
		}
		if total == 0 {
			c.loadErr = ErrEmptyCommittee
			return
		}
		sort.Strings(names)
		index := make(map[string]int, len(names))
		keys := make([]kyber.Point, len(names))
		for i, name := range names {
			index[name] = i
			key, err := sign.DecodeBLSPublicKey(c.Authorities[name].PublicKey)
			if err != nil {
				c.loadErr = fmt.Errorf("public key of %s: %w", name, err)
				return
			}
			keys[i] = key
		}
		c.names = names
		c.index = index
		c.keys = keys
		c.total = total
	})
	return c.loadErr
}

// Validate reports whether the committee's keys decode and stake is non zero.
func (c *Committee) Validate() error {
	return c.load()
}

// Names returns the authority names in canonical (ascending) order.
func (c *Committee) Names() []string {
	if c.load() != nil {
		return nil
	}
	return c.names
}

func (c *Committee) Size() int {
	return len(c.Authorities)
}

// Index returns the position of name in the canonical order, used for signer bitmaps.
func (c *Committee) Index(name string) (int, bool) {
	if c.load() != nil {
		return 0, false
	}
	i, ok := c.index[name]
	return i, ok
}

// PublicKeys returns the BLS keys in canonical order.
func (c *Committee) PublicKeys() []kyber.Point {
	if c.load() != nil {
		return nil
	}
	return c.keys
}

// PublicKey returns the decoded BLS key of name.
func (c *Committee) PublicKey(name string) (kyber.Point, error) {
	i, ok := c.Index(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, name)
	}
	return c.keys[i], nil
}

func (c *Committee) NetworkKey(name string) (ed25519.PublicKey, bool) {
	a, ok := c.Authorities[name]
	if !ok {
		return nil, false
	}
	return ed25519.PublicKey(a.NetworkKey), true
}

func (c *Committee) Address(name string) (string, bool) {
	a, ok := c.Authorities[name]
	if !ok {
		return "", false
	}
	return a.Address, true
}

func (c *Committee) Exists(name string) bool {
	_, ok := c.Authorities[name]
	return ok
}

func (c *Committee) Stake(name string) uint64 {
	return c.Authorities[name].Stake
}

func (c *Committee) TotalStake() uint64 {
	if c.load() != nil {
		return 0
	}
	return c.total
}

// QuorumThreshold is the smallest stake strictly above two thirds of the total (2f+1).
func (c *Committee) QuorumThreshold() uint64 {
	return 2*c.TotalStake()/3 + 1
}

// ValidityThreshold is the smallest stake guaranteed to contain one honest authority (f+1).
func (c *Committee) ValidityThreshold() uint64 {
	return (c.TotalStake() + 2) / 3
}

// MaxFaulty is the number of authorities that may be faulty when counting members rather than stake.
func (c *Committee) MaxFaulty() int {
	return (c.Size() - 1) / 3
}

// Others returns all authorities except name, in canonical order.
func (c *Committee) Others(name string) []string {
	names := c.Names()
	others := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			others = append(others, n)
		}
	}
	return others
}

// SameMembers reports whether other has the same names, stake and keys, i.e.
// differs at most in network addresses.
func (c *Committee) SameMembers(other *Committee) bool {
	if len(c.Authorities) != len(other.Authorities) {
		return false
	}
	for name, a := range c.Authorities {
		b, ok := other.Authorities[name]
		if !ok || a.Stake != b.Stake || string(a.PublicKey) != string(b.PublicKey) ||
			string(a.NetworkKey) != string(b.NetworkKey) {
			return false
		}
	}
	return true
}

// LeaderSeed is the public randomness of a round, a digest of the epoch and the round.
func LeaderSeed(epoch, round uint64) Digest {
	return hashOf(leaderSeedTag, struct{ Epoch, Round uint64 }{epoch, round})
}

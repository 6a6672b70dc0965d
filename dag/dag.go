/*
Package dag keeps the certified DAG of the current epoch: an arena of
certificates keyed by digest plus a round-ordered index of (round, author)
slots. Every insertion is written through to the store before it becomes
visible. Only the primary inserts, only the epoch manager prunes.
*/
package dag

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/google/btree"
	"github.com/hashicorp/go-hclog"
)

const defaultTreeDegree = 8

var (
	// ErrUnknownParents is returned when a certificate references parents that are
	// not in the DAG yet. The synchronizer must fetch them first.
	ErrUnknownParents = errors.New("certificate has unknown parents")
	// ErrStaleRound is returned for certificates at or below the garbage collection round.
	// It is permanent: retrying cannot succeed.
	ErrStaleRound = errors.New("round is below the garbage collection round")
	// ErrEquivocation is returned when the (round, author) slot already holds another certificate.
	ErrEquivocation = errors.New("another certificate exists for this round and author")
)

// UnknownParentsError lists the missing parents of a certificate.
type UnknownParentsError struct {
	Certificate types.Digest
	Missing     []types.Digest
}

func (e *UnknownParentsError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, d := range e.Missing {
		missing[i] = d.Short()
	}
	return fmt.Sprintf("%v: %s misses [%s]", ErrUnknownParents, e.Certificate.Short(), strings.Join(missing, " "))
}

func (e *UnknownParentsError) Unwrap() error {
	return ErrUnknownParents
}

type roundSlot struct {
	round   uint64
	authors map[string]types.Digest
}

func lessSlot(a, b *roundSlot) bool {
	return a.round < b.round
}

type waiter struct {
	round uint64
	ch    chan struct{}
}

// DAG is safe for concurrent use.
type DAG struct {
	lock    sync.RWMutex
	store   *store.Store
	certs   map[types.Digest]*types.Certificate
	rounds  *btree.BTreeG[*roundSlot]
	waiters map[types.Digest]*waiter
	gcRound uint64
	// collected is false until the first GC, so that round 0 can be collected too
	collected bool
	logger    hclog.Logger
}

func New(st *store.Store, logger hclog.Logger) *DAG {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &DAG{
		store:   st,
		certs:   make(map[types.Digest]*types.Certificate),
		rounds:  btree.NewG(defaultTreeDegree, lessSlot),
		waiters: make(map[types.Digest]*waiter),
		logger:  logger,
	}
}

// Insert adds a certificate whose parents are all present. Inserting a digest
// that is already present is a no-op.
func (d *DAG) Insert(cert *types.Certificate) error {
	digest := cert.Digest()
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.certs[digest]; ok {
		return nil
	}
	if d.staleLocked(cert.Round()) {
		return fmt.Errorf("%w: certificate %s at round %d, gc round %d", ErrStaleRound, digest.Short(), cert.Round(), d.gcRound)
	}
	if missing := d.missingLocked(cert); len(missing) > 0 {
		return &UnknownParentsError{Certificate: digest, Missing: missing}
	}
	if slot, ok := d.rounds.Get(&roundSlot{round: cert.Round()}); ok {
		if other, ok := slot.authors[cert.Author()]; ok && other != digest {
			return fmt.Errorf("%w: %s round %d", ErrEquivocation, cert.Author(), cert.Round())
		}
	}
	if err := d.store.WriteCertificate(cert); err != nil {
		return err
	}
	d.insertLocked(digest, cert)
	return nil
}

func (d *DAG) insertLocked(digest types.Digest, cert *types.Certificate) {
	d.certs[digest] = cert
	slot, ok := d.rounds.Get(&roundSlot{round: cert.Round()})
	if !ok {
		slot = &roundSlot{round: cert.Round(), authors: make(map[string]types.Digest)}
		d.rounds.ReplaceOrInsert(slot)
	}
	slot.authors[cert.Author()] = digest
	if w, ok := d.waiters[digest]; ok {
		close(w.ch)
		delete(d.waiters, digest)
	}
}

// parents at or below the gc round are considered present: they were pruned
func (d *DAG) missingLocked(cert *types.Certificate) []types.Digest {
	if cert.Round() == 0 || d.staleLocked(cert.Round()-1) {
		return nil
	}
	var missing []types.Digest
	for _, p := range cert.Parents() {
		if _, ok := d.certs[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// Missing returns the parents of cert that are not in the DAG.
func (d *DAG) Missing(cert *types.Certificate) []types.Digest {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.missingLocked(cert)
}

func (d *DAG) Contains(digest types.Digest) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	_, ok := d.certs[digest]
	return ok
}

func (d *DAG) Get(digest types.Digest) (*types.Certificate, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	cert, ok := d.certs[digest]
	return cert, ok
}

// CertificateAt returns the certificate of author at round.
func (d *DAG) CertificateAt(round uint64, author string) (*types.Certificate, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	slot, ok := d.rounds.Get(&roundSlot{round: round})
	if !ok {
		return nil, false
	}
	digest, ok := slot.authors[author]
	if !ok {
		return nil, false
	}
	return d.certs[digest], true
}

// CertificatesAt returns the certificates of round, sorted by author.
func (d *DAG) CertificatesAt(round uint64) []*types.Certificate {
	d.lock.RLock()
	defer d.lock.RUnlock()
	slot, ok := d.rounds.Get(&roundSlot{round: round})
	if !ok {
		return nil
	}
	certs := make([]*types.Certificate, 0, len(slot.authors))
	for _, digest := range slot.authors {
		certs = append(certs, d.certs[digest])
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].Author() < certs[j].Author() })
	return certs
}

// HighestRound returns the highest round holding a certificate.
func (d *DAG) HighestRound() uint64 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	slot, ok := d.rounds.Max()
	if !ok {
		return 0
	}
	return slot.round
}

func (d *DAG) Size() int {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.certs)
}

// GCRound returns the last collected round, 0 before the first GC.
func (d *DAG) GCRound() uint64 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.gcRound
}

// IsStale reports whether round was garbage collected.
func (d *DAG) IsStale(round uint64) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.staleLocked(round)
}

func (d *DAG) staleLocked(round uint64) bool {
	return d.collected && round <= d.gcRound
}

// Wait returns a channel closed once digest is inserted, or once round falls at or
// below the garbage collection round (the certificate will never be needed).
func (d *DAG) Wait(digest types.Digest, round uint64) <-chan struct{} {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.certs[digest]; ok || d.staleLocked(round) {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	w, ok := d.waiters[digest]
	if !ok {
		w = &waiter{round: round, ch: make(chan struct{})}
		d.waiters[digest] = w
	}
	return w.ch
}

// GC removes every certificate with round <= round from memory and store.
func (d *DAG) GC(round uint64) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.staleLocked(round) {
		return 0, nil
	}
	deleted, err := d.store.DeleteRoundsUpTo(round)
	if err != nil {
		return 0, err
	}
	for {
		slot, ok := d.rounds.Min()
		if !ok || slot.round > round {
			break
		}
		for _, digest := range slot.authors {
			delete(d.certs, digest)
		}
		d.rounds.DeleteMin()
	}
	d.gcRound, d.collected = round, true
	for digest, w := range d.waiters {
		if w.round <= round {
			close(w.ch)
			delete(d.waiters, digest)
		}
	}
	d.logger.Debug("garbage collected the dag", "round", round, "deleted", deleted)
	return deleted, nil
}

// Reset drops the whole DAG and installs the genesis of committee. It is used
// when a new epoch restarts the rounds.
func (d *DAG) Reset(committee *types.Committee) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.store.DeleteAllRounds(); err != nil {
		return err
	}
	d.certs = make(map[types.Digest]*types.Certificate)
	d.rounds = btree.NewG(defaultTreeDegree, lessSlot)
	d.gcRound, d.collected = 0, false
	for digest, w := range d.waiters {
		close(w.ch)
		delete(d.waiters, digest)
	}
	return d.insertGenesisLocked(committee)
}

// InsertGenesis stores the round-0 certificates of committee.
func (d *DAG) InsertGenesis(committee *types.Committee) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.insertGenesisLocked(committee)
}

func (d *DAG) insertGenesisLocked(committee *types.Committee) error {
	for _, cert := range types.Genesis(committee) {
		digest := cert.Digest()
		if _, ok := d.certs[digest]; ok {
			continue
		}
		if err := d.store.WriteCertificate(cert); err != nil {
			return err
		}
		d.insertLocked(digest, cert)
	}
	return nil
}

// Recover reloads the certificates persisted above the garbage collection round.
// Rows are read in round order so parents always precede children.
func (d *DAG) Recover() (int, error) {
	gcRound, collected, err := d.store.ReadGCRound()
	if err != nil {
		return 0, err
	}
	from := uint64(0)
	if collected {
		from = gcRound + 1
	}
	certs, err := d.store.CertificatesInRange(from, ^uint64(0))
	if err != nil {
		return 0, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.gcRound, d.collected = gcRound, collected
	for _, cert := range certs {
		d.insertLocked(cert.Digest(), cert)
	}
	return len(certs), nil
}

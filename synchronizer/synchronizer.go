/*
Package synchronizer resolves what a certificate or a header references but
the authority does not hold yet: parent certificates and payload batches.
Missing items are fetched from peers, one fetch per item however many
certificates wait for it, with a bounded exponential backoff over a rotating
list of peers. A suspended certificate issues the fetch of a parent again,
after a pause, each time a fetch ends without the parent. Fetched certificates are validated before they are processed,
so the peer that answered does not need to be trusted.
*/
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/validator"
	"github.com/hashicorp/go-hclog"
)

var (
	// ErrNetworkTimeout is returned when no peer delivered an item within the retry budget.
	ErrNetworkTimeout = errors.New("network timeout")
	// ErrNotFound is returned by a Fetcher when the peer does not hold the item.
	ErrNotFound = errors.New("peer does not hold the item")
)

// Fetcher requests items from one peer. FetchCertificate returns dag.ErrStaleRound
// when the peer garbage collected the certificate.
type Fetcher interface {
	FetchCertificate(ctx context.Context, peer string, digest types.Digest, round uint64) (*types.Certificate, error)
	FetchBatch(ctx context.Context, peer string, digest types.Digest) (*types.Batch, error)
	FetchShard(ctx context.Context, peer string, digest types.Digest) (*types.Shard, error)
}

// Config holds the retry parameters.
type Config struct {
	RetryDelay   time.Duration // first backoff interval
	RetryNodes   int           // attempts per missing item, each to the next peer
	FetchTimeout time.Duration // deadline of one attempt
}

type Synchronizer struct {
	name      string
	committee func() *types.Committee
	epochCtx  func() context.Context
	dag       *dag.DAG
	store     *store.Store
	fetcher   Fetcher
	insert    func(*types.Certificate) error
	conf      Config
	metrics   *metrics.Metrics
	logger    hclog.Logger

	lock      sync.Mutex
	inflight  map[types.Digest]chan struct{} // closed when the fetch ends
	suspended map[types.Digest]bool
	batches   map[types.Digest]*call
	wg        sync.WaitGroup
}

type call struct {
	done chan struct{}
	err  error
}

// New creates a synchronizer. insert hands a certificate whose parents are all
// present to the DAG builder. Background fetches run under the context returned
// by epochCtx at the time they start, and stop when it is cancelled.
func New(name string, committee func() *types.Committee, epochCtx func() context.Context, d *dag.DAG,
	st *store.Store, fetcher Fetcher, insert func(*types.Certificate) error, conf Config,
	m *metrics.Metrics, logger hclog.Logger) *Synchronizer {
	if conf.RetryNodes <= 0 {
		conf.RetryNodes = 1
	}
	return &Synchronizer{
		name:      name,
		committee: committee,
		epochCtx:  epochCtx,
		dag:       d,
		store:     st,
		fetcher:   fetcher,
		insert:    insert,
		conf:      conf,
		metrics:   m,
		logger:    logger,
		inflight:  make(map[types.Digest]chan struct{}),
		suspended: make(map[types.Digest]bool),
		batches:   make(map[types.Digest]*call),
	}
}

// Close waits for the background fetches. They stop once their epoch context is cancelled.
func (s *Synchronizer) Close() {
	s.wg.Wait()
}

// Process inserts cert if all its parents are present. Otherwise cert is
// suspended, a fetch is issued for every missing parent that is not already
// being fetched, and cert is inserted as soon as the last parent arrives.
// cert must have been validated by the caller.
func (s *Synchronizer) Process(cert *types.Certificate) error {
	digest := cert.Digest()
	if s.dag.Contains(digest) {
		return nil
	}
	if s.dag.IsStale(cert.Round()) {
		return fmt.Errorf("%w: certificate %s round %d", dag.ErrStaleRound, digest.Short(), cert.Round())
	}
	missing := s.dag.Missing(cert)
	if len(missing) == 0 {
		return s.insert(cert)
	}

	ctx := s.epochCtx()
	s.lock.Lock()
	if s.suspended[digest] {
		s.lock.Unlock()
		return nil
	}
	s.suspended[digest] = true
	for _, p := range missing {
		s.fetchLocked(ctx, p, cert.Round()-1)
	}
	s.wg.Add(1)
	s.lock.Unlock()

	s.logger.Debug("certificate suspended", "digest", digest.Short(), "round", cert.Round(),
		"author", cert.Author(), "missing", len(missing))
	go s.waitParents(ctx, cert, missing)
	return nil
}

func (s *Synchronizer) waitParents(ctx context.Context, cert *types.Certificate, missing []types.Digest) {
	defer s.wg.Done()
	digest := cert.Digest()
	defer func() {
		s.lock.Lock()
		delete(s.suspended, digest)
		s.lock.Unlock()
	}()
	for _, p := range missing {
		if !s.awaitParent(ctx, p, cert.Round()-1) {
			return
		}
	}
	if err := s.insert(cert); err != nil {
		s.logger.Debug("failed to insert a resumed certificate", "digest", digest.Short(), "error", err)
	}
}

// awaitParent returns true once digest is in the DAG, false when ctx is done.
// A parent that is itself suspended is not fetched again.
func (s *Synchronizer) awaitParent(ctx context.Context, digest types.Digest, round uint64) bool {
	inserted := s.dag.Wait(digest, round)
	b := s.backOff()
	for {
		var fetched <-chan struct{}
		s.lock.Lock()
		if s.dag.Contains(digest) {
			s.lock.Unlock()
			return true
		}
		if !s.suspended[digest] {
			fetched = s.fetchLocked(ctx, digest, round)
		}
		s.lock.Unlock()

		if fetched != nil {
			select {
			case <-inserted:
				return true
			case <-ctx.Done():
				return false
			case <-fetched:
			}
		}
		pause := time.NewTimer(b.NextBackOff())
		select {
		case <-inserted:
			pause.Stop()
			return true
		case <-ctx.Done():
			pause.Stop()
			return false
		case <-pause.C:
			s.metrics.FetchRetries.Inc()
			s.logger.Debug("fetching a parent again", "digest", digest.Short(), "round", round)
		}
	}
}

// fetchLocked starts the fetch of digest unless it is in flight. The returned
// channel is closed when the fetch ends, whatever its outcome.
func (s *Synchronizer) fetchLocked(ctx context.Context, digest types.Digest, round uint64) <-chan struct{} {
	if done, ok := s.inflight[digest]; ok {
		return done
	}
	done := make(chan struct{})
	s.inflight[digest] = done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.lock.Lock()
			delete(s.inflight, digest)
			s.lock.Unlock()
			close(done)
		}()
		cert, err := s.FetchCertificate(ctx, digest, round)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("failed to fetch a certificate", "digest", digest.Short(), "round", round, "error", err)
			}
			return
		}
		if err := s.Process(cert); err != nil {
			s.logger.Debug("failed to process a fetched certificate", "digest", digest.Short(), "error", err)
		}
	}()
	return done
}

// SyncParents returns once every parent of h is in the DAG, fetching the missing ones.
func (s *Synchronizer) SyncParents(ctx context.Context, h *types.Header) error {
	if h.Round == 0 {
		return nil
	}
	var missing []types.Digest
	for _, p := range h.Parents {
		if !s.dag.Contains(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if s.dag.IsStale(h.Round - 1) {
		return nil
	}
	s.lock.Lock()
	for _, p := range missing {
		s.fetchLocked(s.epochCtx(), p, h.Round-1)
	}
	s.lock.Unlock()
	for _, p := range missing {
		select {
		case <-s.dag.Wait(p, h.Round-1):
		case <-ctx.Done():
			return fmt.Errorf("%w: parents of %s: %v", ErrNetworkTimeout, h.ID.Short(), ctx.Err())
		}
	}
	return nil
}

// peers returns the other authorities starting at a random one.
func (s *Synchronizer) peers(first string) []string {
	others := s.committee().Others(s.name)
	if len(others) == 0 {
		return nil
	}
	start := rand.Intn(len(others))
	peers := make([]string, 0, len(others))
	if first != "" && first != s.name {
		peers = append(peers, first)
	}
	for i := range others {
		p := others[(start+i)%len(others)]
		if p != first {
			peers = append(peers, p)
		}
	}
	return peers
}

func (s *Synchronizer) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.conf.RetryDelay
	b.MaxInterval = 10 * s.conf.RetryDelay
	return b
}

// retry runs op on successive peers until it succeeds, returns a permanent
// error, or RetryNodes attempts were made.
func retry[T any](ctx context.Context, s *Synchronizer, what string, peers []string,
	op func(ctx context.Context, peer string) (T, error)) (T, error) {
	var zero T
	if len(peers) == 0 {
		return zero, fmt.Errorf("%w: no peer to fetch %s from", ErrNetworkTimeout, what)
	}
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		peer := peers[attempt%len(peers)]
		attempt++
		actx, cancel := context.WithTimeout(ctx, s.conf.FetchTimeout)
		defer cancel()
		res, err := op(actx, peer)
		if err != nil {
			if errors.Is(err, dag.ErrStaleRound) {
				return zero, backoff.Permanent(err)
			}
			s.metrics.FetchRetries.Inc()
			s.logger.Debug("fetch attempt failed", "item", what, "peer", peer, "attempt", attempt, "error", err)
			return zero, err
		}
		return res, nil
	}, backoff.WithBackOff(s.backOff()), backoff.WithMaxTries(uint(s.conf.RetryNodes)))
	if err == nil {
		return res, nil
	}
	if errors.Is(err, dag.ErrStaleRound) || ctx.Err() != nil {
		return zero, err
	}
	return zero, fmt.Errorf("%w: %s after %d attempts: %v", ErrNetworkTimeout, what, attempt, err)
}

// FetchCertificate fetches and validates the certificate digest from the peers.
func (s *Synchronizer) FetchCertificate(ctx context.Context, digest types.Digest, round uint64) (*types.Certificate, error) {
	return retry(ctx, s, "certificate "+digest.Short(), s.peers(""), func(ctx context.Context, peer string) (*types.Certificate, error) {
		cert, err := s.fetcher.FetchCertificate(ctx, peer, digest, round)
		if err != nil {
			return nil, err
		}
		if cert == nil {
			return nil, ErrNotFound
		}
		if cert.Digest() != digest || cert.Round() != round {
			return nil, fmt.Errorf("peer %s answered %s at round %d", peer, cert.Digest().Short(), cert.Round())
		}
		if err := validator.ValidateCertificate(s.committee(), cert); err != nil {
			return nil, err
		}
		return cert, nil
	})
}

// SyncBatches returns once every batch of the payload of h is stored locally.
func (s *Synchronizer) SyncBatches(ctx context.Context, h *types.Header) error {
	for _, entry := range h.Payload {
		ok, err := s.store.HasBatch(entry.Digest)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := s.syncBatch(ctx, entry.Digest, h.Author); err != nil {
			return err
		}
	}
	return nil
}

// syncBatch shares one fetch between concurrent callers asking for the same batch.
func (s *Synchronizer) syncBatch(ctx context.Context, digest types.Digest, author string) error {
	s.lock.Lock()
	c, ok := s.batches[digest]
	if !ok {
		c = &call{done: make(chan struct{})}
		s.batches[digest] = c
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.err = s.fetchBatch(s.epochCtx(), digest, author)
			s.lock.Lock()
			delete(s.batches, digest)
			s.lock.Unlock()
			close(c.done)
		}()
	}
	s.lock.Unlock()
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return fmt.Errorf("%w: batch %s: %v", ErrNetworkTimeout, digest.Short(), ctx.Err())
	}
}

func (s *Synchronizer) fetchBatch(ctx context.Context, digest types.Digest, author string) error {
	batch, err := retry(ctx, s, "batch "+digest.Short(), s.peers(author), func(ctx context.Context, peer string) (*types.Batch, error) {
		batch, err := s.fetcher.FetchBatch(ctx, peer, digest)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, ErrNotFound
		}
		if batch.Digest() != digest {
			return nil, fmt.Errorf("peer %s answered batch %s", peer, batch.Digest().Short())
		}
		return batch, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.logger.Debug("no peer served the batch, collecting shards", "digest", digest.Short(), "error", err)
		batch, err = s.collectShards(ctx, digest)
		if err != nil {
			return err
		}
	}
	return s.store.WriteBatch(digest, batch)
}

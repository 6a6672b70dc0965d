/*
Package primary builds the DAG of an authority. The Core proposes our headers,
votes for the headers of the others, assembles our certificates from the
votes it receives and inserts every certificate into the DAG once its parents
are present. The Proposer decides when a new header is made.
*/
package primary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/validator"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"go.dedis.ch/kyber/v3"
)

const defaultSeenCacheSize = 10000

var (
	// ErrUnknownParents is the DAG error for certificates with missing parents.
	ErrUnknownParents = dag.ErrUnknownParents
	// ErrAlreadyProposed is returned when we already signed a header for the round.
	ErrAlreadyProposed = errors.New("a header was already proposed for this round")
	// ErrAlreadyVoted is returned when a header conflicts with one we voted for.
	ErrAlreadyVoted = errors.New("already voted for another header of this author")
	// ErrWrongSender is returned when a message is relayed by someone else than its signer.
	ErrWrongSender = errors.New("message not sent by its author")
)

// Network is the part of the transport used by the primary.
type Network interface {
	Broadcast(tag uint8, msg interface{})
	Send(to string, tag uint8, msg interface{}) error
}

// Syncer resolves missing parents and batches.
type Syncer interface {
	Process(cert *types.Certificate) error
	SyncParents(ctx context.Context, h *types.Header) error
	SyncBatches(ctx context.Context, h *types.Header) error
}

// Parents tells the proposer that Round holds a quorum of certificates.
type Parents struct {
	Epoch   uint64
	Round   uint64
	Digests []types.Digest
}

// Config holds the parameters of the primary.
type Config struct {
	Name           string
	Key            kyber.Scalar // BLS signing key
	HeaderSize     int          // payload digests that trigger a header
	MaxHeaderDelay time.Duration
	SyncTimeout    time.Duration // bound on resolving the references of a header before voting
	SeenCacheSize  int
}

type Core struct {
	name        string
	key         kyber.Scalar
	committee   func() *types.Committee
	dag         *dag.DAG
	store       *store.Store
	network     Network
	sync        Syncer
	parents     chan Parents
	output      chan<- *types.Certificate
	seen        *lru.Cache
	syncTimeout time.Duration
	metrics     *metrics.Metrics
	logger      hclog.Logger

	lock  sync.Mutex
	votes *VotesAggregator
	certs map[uint64]*CertificatesAggregator

	voteLock sync.Mutex

	quit      chan struct{}
	closeOnce sync.Once
}

// NewCore creates the core. Every certificate inserted in the DAG is sent on
// output, the input of consensus.
func NewCore(conf *Config, committee func() *types.Committee, d *dag.DAG, st *store.Store, network Network,
	syncer Syncer, output chan<- *types.Certificate, m *metrics.Metrics, logger hclog.Logger) (*Core, error) {
	size := conf.SeenCacheSize
	if size <= 0 {
		size = defaultSeenCacheSize
	}
	seen, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Core{
		name:        conf.Name,
		key:         conf.Key,
		committee:   committee,
		dag:         d,
		store:       st,
		network:     network,
		sync:        syncer,
		parents:     make(chan Parents, 16),
		output:      output,
		seen:        seen,
		syncTimeout: conf.SyncTimeout,
		metrics:     m,
		logger:      logger,
		certs:       make(map[uint64]*CertificatesAggregator),
		quit:        make(chan struct{}),
	}, nil
}

// SetSyncer installs the synchronizer, which itself inserts through the core.
func (c *Core) SetSyncer(s Syncer) {
	c.sync = s
}

// ParentsChan is read by the proposer.
func (c *Core) ParentsChan() <-chan Parents {
	return c.parents
}

func (c *Core) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// Start tells the proposer the highest round of the DAG holding a quorum, so
// that proposals resume after a restart or a new epoch.
func (c *Core) Start() {
	committee := c.committee()
	for r := c.dag.HighestRound(); ; r-- {
		certs := c.dag.CertificatesAt(r)
		agg := NewCertificatesAggregator()
		quorum := false
		for _, cert := range certs {
			quorum = agg.Append(committee, cert) || quorum
		}
		c.lock.Lock()
		c.certs[r] = agg
		c.lock.Unlock()
		if quorum {
			c.sendParents(Parents{Epoch: committee.Epoch, Round: r, Digests: digestsOf(certs)})
			return
		}
		if r == 0 || c.dag.IsStale(r-1) {
			return
		}
	}
}

func digestsOf(certs []*types.Certificate) []types.Digest {
	digests := make([]types.Digest, len(certs))
	for i, c := range certs {
		digests[i] = c.Digest()
	}
	return digests
}

// Reset drops the per-epoch state. The DAG itself is reset by the epoch manager.
func (c *Core) Reset() {
	c.lock.Lock()
	c.votes = nil
	c.certs = make(map[uint64]*CertificatesAggregator)
	c.lock.Unlock()
	c.seen.Purge()
	c.Start()
}

// Cleanup forgets the aggregators of rounds up to gcRound.
func (c *Core) Cleanup(gcRound uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for r := range c.certs {
		if r <= gcRound {
			delete(c.certs, r)
		}
	}
}

// ProposeHeader signs and broadcasts our header for round. A round is never
// proposed twice, across restarts.
func (c *Core) ProposeHeader(round uint64, parents []types.Digest, payload []types.PayloadEntry) (*types.Header, error) {
	committee := c.committee()
	h := types.NewHeader(c.name, round, committee.Epoch, payload, parents)
	sig, err := sign.SignBLS(c.key, h.ID.Bytes())
	if err != nil {
		return nil, err
	}
	h.Signature = sig

	c.voteLock.Lock()
	last, err := c.store.ReadLastVoted(c.name)
	switch {
	case err == nil && last.Epoch == h.Epoch && last.Round >= round:
		c.voteLock.Unlock()
		return nil, fmt.Errorf("%w: round %d, last proposed %d", ErrAlreadyProposed, round, last.Round)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		c.voteLock.Unlock()
		return nil, err
	}
	if err := c.store.WriteLastVoted(c.name, &store.LastVoted{Epoch: h.Epoch, Round: round, HeaderID: h.ID}); err != nil {
		c.voteLock.Unlock()
		return nil, err
	}
	c.voteLock.Unlock()

	c.lock.Lock()
	c.votes = NewVotesAggregator(h)
	cert, err := c.votes.Append(committee, &types.Vote{
		HeaderID: h.ID, Round: round, Epoch: h.Epoch, Origin: c.name, Author: c.name, Signature: sig,
	})
	c.lock.Unlock()
	if err != nil {
		return nil, err
	}

	c.metrics.HeadersProposed.Inc()
	c.metrics.CurrentRound.Set(float64(round))
	c.logger.Debug("proposed a header", "round", round, "id", h.ID.Short(), "parents", len(parents), "payload", len(payload))
	c.network.Broadcast(types.HeaderTag, h)
	if cert != nil {
		return h, c.processOwnCertificate(cert)
	}
	return h, nil
}

// Abandon stops collecting votes for our header of round and reports whether
// it was certified.
func (c *Core) Abandon(round uint64) bool {
	c.lock.Lock()
	if c.votes != nil && c.votes.header.Round == round {
		certified := c.votes.done
		c.votes.done = true
		c.lock.Unlock()
		if certified {
			return true
		}
		_, ok := c.dag.CertificateAt(round, c.name)
		return ok
	}
	c.lock.Unlock()
	_, ok := c.dag.CertificateAt(round, c.name)
	return ok
}

// ReceiveVote adds a vote for our current header. It returns the certificate
// the first time the votes reach a quorum; votes for other headers are ignored.
func (c *Core) ReceiveVote(v *types.Vote) (*types.Certificate, error) {
	committee := c.committee()
	c.lock.Lock()
	agg := c.votes
	c.lock.Unlock()
	if agg == nil || agg.header.ID != v.HeaderID {
		return nil, nil
	}
	if err := validator.ValidateVote(committee, v, agg.header); err != nil {
		c.metrics.InvalidMessages.WithLabelValues("vote").Inc()
		return nil, err
	}
	c.metrics.VotesReceived.Inc()
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.votes != agg {
		return nil, nil
	}
	cert, err := agg.Append(committee, v)
	if err != nil || cert == nil {
		return nil, err
	}
	c.metrics.CertificatesCreated.Inc()
	c.logger.Debug("assembled a certificate", "round", cert.Round(), "digest", cert.Digest().Short())
	return cert, nil
}

// InsertCertificate inserts a certificate whose parents are all in the DAG.
// It fails with ErrUnknownParents otherwise; inserting a present certificate is a no-op.
func (c *Core) InsertCertificate(cert *types.Certificate) error {
	committee := c.committee()
	digest := cert.Digest()
	c.lock.Lock()
	if c.dag.Contains(digest) {
		c.lock.Unlock()
		return nil
	}
	if cert.Epoch() != committee.Epoch {
		c.lock.Unlock()
		return fmt.Errorf("%w: certificate %s of epoch %d", validator.ErrEpochMismatch, digest.Short(), cert.Epoch())
	}
	if err := c.checkParents(committee, cert); err != nil {
		c.lock.Unlock()
		return err
	}
	if err := c.dag.Insert(cert); err != nil {
		c.lock.Unlock()
		return err
	}
	agg, ok := c.certs[cert.Round()]
	if !ok {
		agg = NewCertificatesAggregator()
		c.certs[cert.Round()] = agg
	}
	quorum := agg.Append(committee, cert)
	c.lock.Unlock()

	c.metrics.CertificatesInserted.Inc()
	c.metrics.DAGCertificates.Set(float64(c.dag.Size()))
	if quorum {
		c.sendParents(Parents{Epoch: committee.Epoch, Round: cert.Round(), Digests: digestsOf(c.dag.CertificatesAt(cert.Round()))})
	}
	select {
	case c.output <- cert:
	case <-c.quit:
	}
	return nil
}

// parents must be one certificate per author of the previous round with a quorum of stake
func (c *Core) checkParents(committee *types.Committee, cert *types.Certificate) error {
	if cert.Round() == 0 {
		return nil
	}
	if missing := c.dag.Missing(cert); len(missing) > 0 {
		return &dag.UnknownParentsError{Certificate: cert.Digest(), Missing: missing}
	}
	if c.dag.IsStale(cert.Round() - 1) {
		return nil
	}
	parents := make([]*types.Certificate, 0, len(cert.Parents()))
	for _, p := range cert.Parents() {
		parent, _ := c.dag.Get(p)
		parents = append(parents, parent)
	}
	return validator.ValidateParents(committee, &cert.Header, parents)
}

func (c *Core) sendParents(p Parents) {
	select {
	case c.parents <- p:
	case <-c.quit:
	}
}

func (c *Core) processOwnCertificate(cert *types.Certificate) error {
	if err := c.InsertCertificate(cert); err != nil {
		return err
	}
	c.network.Broadcast(types.CertificateTag, cert)
	return nil
}

// HandleHeader votes for a valid header of another authority once its parents
// and batches are available. We vote at most once per author and round.
func (c *Core) HandleHeader(ctx context.Context, sender string, h *types.Header) error {
	if sender != h.Author {
		return fmt.Errorf("%w: header of %s from %s", ErrWrongSender, h.Author, sender)
	}
	if c.seen.Contains(h.ID) {
		return nil
	}
	committee := c.committee()
	if err := validator.ValidateHeader(committee, h); err != nil {
		c.metrics.InvalidMessages.WithLabelValues("header").Inc()
		return err
	}
	c.seen.Add(h.ID, struct{}{})

	sctx, cancel := context.WithTimeout(ctx, c.syncTimeout)
	defer cancel()
	if err := c.sync.SyncParents(sctx, h); err != nil {
		c.seen.Remove(h.ID)
		return err
	}
	if err := c.sync.SyncBatches(sctx, h); err != nil {
		c.seen.Remove(h.ID)
		return err
	}
	if c.dag.IsStale(h.Round - 1) {
		return fmt.Errorf("%w: header %s at round %d", dag.ErrStaleRound, h.ID.Short(), h.Round)
	}
	parents := make([]*types.Certificate, 0, len(h.Parents))
	for _, p := range h.Parents {
		parent, ok := c.dag.Get(p)
		if !ok {
			return fmt.Errorf("%w: parent %s of %s", ErrUnknownParents, p.Short(), h.ID.Short())
		}
		parents = append(parents, parent)
	}
	if err := validator.ValidateParents(committee, h, parents); err != nil {
		c.metrics.InvalidMessages.WithLabelValues("header").Inc()
		return err
	}

	c.voteLock.Lock()
	last, err := c.store.ReadLastVoted(h.Author)
	switch {
	case err == nil && last.Epoch == h.Epoch && (last.Round > h.Round || (last.Round == h.Round && last.HeaderID != h.ID)):
		c.voteLock.Unlock()
		c.logger.Warn("refusing to vote", "author", h.Author, "round", h.Round, "id", h.ID.Short(),
			"last-round", last.Round, "last-id", last.HeaderID.Short())
		return fmt.Errorf("%w: %s round %d", ErrAlreadyVoted, h.Author, h.Round)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		c.voteLock.Unlock()
		return err
	}
	if err := c.store.WriteLastVoted(h.Author, &store.LastVoted{Epoch: h.Epoch, Round: h.Round, HeaderID: h.ID}); err != nil {
		c.voteLock.Unlock()
		return err
	}
	c.voteLock.Unlock()

	sig, err := sign.SignBLS(c.key, h.ID.Bytes())
	if err != nil {
		return err
	}
	vote := &types.Vote{HeaderID: h.ID, Round: h.Round, Epoch: h.Epoch, Origin: h.Author, Author: c.name, Signature: sig}
	c.logger.Debug("voting", "author", h.Author, "round", h.Round, "id", h.ID.Short())
	return c.network.Send(h.Author, types.VoteTag, vote)
}

// HandleVote handles a vote sent by its voter.
func (c *Core) HandleVote(sender string, v *types.Vote) error {
	if sender != v.Author {
		return fmt.Errorf("%w: vote of %s from %s", ErrWrongSender, v.Author, sender)
	}
	cert, err := c.ReceiveVote(v)
	if err != nil || cert == nil {
		return err
	}
	return c.processOwnCertificate(cert)
}

// HandleCertificate validates a certificate and hands it to the synchronizer,
// which inserts it once its ancestors are present.
func (c *Core) HandleCertificate(cert *types.Certificate) error {
	digest := cert.Digest()
	if c.seen.Contains(digest) || c.dag.Contains(digest) {
		return nil
	}
	if err := validator.ValidateCertificate(c.committee(), cert); err != nil {
		c.metrics.InvalidMessages.WithLabelValues("certificate").Inc()
		return err
	}
	c.seen.Add(digest, struct{}{})
	if err := c.sync.Process(cert); err != nil {
		c.seen.Remove(digest)
		return err
	}
	return nil
}

// ServeCertificate answers a certificate request.
func (c *Core) ServeCertificate(req *types.CertificateRequest) (*types.CertificateResponse, error) {
	if cert, ok := c.dag.Get(req.Digest); ok {
		return &types.CertificateResponse{Certificate: cert}, nil
	}
	cert, err := c.store.ReadCertificate(req.Digest)
	if err == nil {
		return &types.CertificateResponse{Certificate: cert}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if c.dag.IsStale(req.Round) {
		return &types.CertificateResponse{Stale: true}, nil
	}
	return &types.CertificateResponse{}, nil
}

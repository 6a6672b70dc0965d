/*
Package node wires the components of one authority: the transport, the worker,
the primary (core and proposer), the synchronizer, the consensus engine and the
epoch manager, all sharing one store and one DAG. Run supervises them; the
first fatal error stops the authority.
*/
package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/consensus"
	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/epoch"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/primary"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/synchronizer"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

var errShutdown = errors.New("shutdown requested")

type Node struct {
	name     string
	conf     *config.Config
	isFaulty bool
	logger   hclog.Logger

	store     *store.Store
	dag       *dag.DAG
	metrics   *metrics.Metrics
	epoch     *epoch.Manager
	trans     *conn.NetworkTransport
	network   *conn.Network
	worker    *worker.Worker
	core      *primary.Core
	proposer  *primary.Proposer
	sync      *synchronizer.Synchronizer
	consensus *consensus.Consensus

	handlers sync.WaitGroup
	fatal    chan error
	executed atomic.Uint64
	cancel   context.CancelFunc
}

// NewNode opens the store, recovers the DAG and the commit sequence and starts
// listening. The protocol starts with Run.
func NewNode(conf *config.Config) (*Node, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "narwhal-" + conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	st, err := store.Open(conf.StorePath, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	n, err := newNode(conf, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return n, nil
}

func newNode(conf *config.Config, st *store.Store, logger hclog.Logger) (*Node, error) {
	committee := conf.Committee
	latest, err := st.LatestCommittee()
	switch {
	case err == nil && latest.Epoch >= committee.Epoch:
		committee = latest
	case err == nil || errors.Is(err, store.ErrNotFound):
		if err := st.WriteCommittee(committee); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	m := metrics.New(conf.Name)
	d := dag.New(st, logger.Named("dag"))
	recovered, err := d.Recover()
	if err != nil {
		return nil, err
	}
	if recovered == 0 {
		if err := d.InsertGenesis(committee); err != nil {
			return nil, err
		}
	}
	logger.Info("recovered the dag", "certificates", recovered, "gc-round", d.GCRound(), "highest-round", d.HighestRound())

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		name:     conf.Name,
		conf:     conf,
		isFaulty: conf.IsFaulty,
		logger:   logger,
		store:    st,
		dag:      d,
		metrics:  m,
		fatal:    make(chan error, 1),
		cancel:   cancel,
	}
	n.epoch = epoch.New(ctx, committee, st, d, conf.Parameters.GCDepth, m, logger.Named("epoch"))

	n.trans, err = conn.NewTCPTransport(conf.Address(), &conn.NetworkTransportConfig{
		MaxPool:           conf.MaxPool,
		ReflectedTypesMap: types.ReflectedTypesMap,
		Name:              conf.Name,
		PrivateKey:        conf.PrivateKey,
		Verify:            conn.CommitteeVerifier(n.epoch.Committee),
		Logger:            logger.Named("net"),
		Timeout:           conf.Parameters.FetchTimeout,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	n.network = conn.NewNetwork(n.trans, conf.Name, n.epoch.Committee, logger.Named("network"))

	params := conf.Parameters
	digests := make(chan types.PayloadEntry, 1024)
	certificates := make(chan *types.Certificate, 1024)
	n.worker = worker.New(&worker.Config{
		Name:          conf.Name,
		BatchSize:     params.BatchSize,
		MaxBatchDelay: params.MaxBatchDelay,
		Metrics:       m,
	}, n.epoch.Committee, st, n.network, digests, logger.Named("worker"))

	primaryConf := &primary.Config{
		Name:           conf.Name,
		Key:            conf.BLSKey,
		HeaderSize:     params.HeaderSize,
		MaxHeaderDelay: params.MaxHeaderDelay,
		SyncTimeout:    params.SyncTimeout,
	}
	n.core, err = primary.NewCore(primaryConf, n.epoch.Committee, d, st, n.network, nil, certificates, m, logger.Named("core"))
	if err != nil {
		n.trans.Close()
		cancel()
		return nil, err
	}
	n.sync = synchronizer.New(conf.Name, n.epoch.Committee, n.epoch.EpochContext, d, st, &fetcher{network: n.network},
		n.core.InsertCertificate, synchronizer.Config{
			RetryDelay:   params.SyncRetryDelay,
			RetryNodes:   params.SyncRetryNodes,
			FetchTimeout: params.FetchTimeout,
		}, m, logger.Named("synchronizer"))
	n.core.SetSyncer(n.sync)
	n.proposer = primary.NewProposer(primaryConf, n.core, d, committee.Epoch, digests, logger.Named("proposer"))

	n.consensus, err = consensus.New(n.epoch.Committee, d, st, certificates, 1024, params.GCDepth, func(committedRound uint64) {
		if err := n.epoch.Collect(committedRound); err != nil {
			n.fail(err)
		}
	}, m, logger.Named("consensus"))
	if err != nil {
		n.core.Close()
		n.trans.Close()
		cancel()
		return nil, err
	}

	n.epoch.OnGC(n.core.Cleanup)
	n.epoch.OnNewEpoch(func(c *types.Committee) error {
		if err := n.consensus.Reset(c.Epoch); err != nil {
			return err
		}
		n.core.Reset()
		return nil
	})
	n.registerHandlers()
	return n, nil
}

// Committee returns the committee in force.
func (n *Node) Committee() *types.Committee {
	return n.epoch.Committee()
}

// Submit hands a client transaction to the worker.
func (n *Node) Submit(ctx context.Context, tx []byte) error {
	return n.worker.Submit(ctx, tx)
}

// Reconfigure applies a reconfiguration locally.
func (n *Node) Reconfigure(notification *types.ReconfigureNotification) error {
	return n.epoch.Reconfigure(notification)
}

func (n *Node) fail(err error) {
	select {
	case n.fatal <- err:
	default:
	}
}

// Run runs the authority until ctx is done, a shutdown is requested or a
// component fails. The node is closed when Run returns.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.HandleMsgLoop(ctx) })
	g.Go(func() error { return n.consensus.Run(ctx) })
	g.Go(func() error { return n.executeLoop(ctx) })
	if !n.isFaulty {
		g.Go(func() error { return n.worker.Run(ctx) })
		g.Go(func() error { return n.proposer.Run(ctx) })
		n.core.Start()
	}
	if n.conf.MetricsAddress != "" {
		g.Go(func() error {
			return n.metrics.Serve(ctx, n.conf.MetricsAddress, func() interface{} { return n.Status() }, n.logger.Named("metrics"))
		})
	}
	if n.conf.LoadRate > 0 && !n.isFaulty {
		g.Go(func() error { return n.loadLoop(ctx) })
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-n.fatal:
			n.logger.Error("fatal error, halting", "error", err)
			return err
		case <-n.epoch.Done():
			return errShutdown
		}
	})
	n.logger.Info("node started", "address", n.conf.Address(), "epoch", n.Committee().Epoch, "faulty", n.isFaulty)
	err := g.Wait()
	if errors.Is(err, errShutdown) {
		return nil
	}
	return err
}

// executeLoop plays the execution layer: it acknowledges every output in order.
func (n *Node) executeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-n.consensus.Output():
			cert := out.Certificate
			n.logger.Debug("executing", "index", out.Index, "round", cert.Round(), "author", cert.Author(),
				"batches", len(cert.Header.Payload), "leader-round", out.LeaderRound)
			if err := n.consensus.Ack(out.Index); err != nil {
				return fmt.Errorf("ack output %d: %w", out.Index, err)
			}
			n.executed.Store(out.Index + 1)
		}
	}
}

// loadLoop submits random transactions at the configured rate.
func (n *Node) loadLoop(ctx context.Context) error {
	const tick = 10 * time.Millisecond
	perTick := n.conf.LoadRate / int(time.Second/tick)
	if perTick == 0 {
		perTick = 1
	}
	size := n.conf.TxSize
	if size < 8 {
		size = 8
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	var counter uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for i := 0; i < perTick; i++ {
				tx := make([]byte, size)
				binary.BigEndian.PutUint64(tx, counter)
				counter++
				if _, err := rand.Read(tx[8:]); err != nil {
					return err
				}
				if err := n.worker.Submit(ctx, tx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}
	}
}

// Status is served on /status.
type Status struct {
	Name      string           `json:"name"`
	Epoch     uint64           `json:"epoch"`
	Round     uint64           `json:"round"`
	GCRound   uint64           `json:"gc_round"`
	DAGSize   int              `json:"dag_size"`
	Executed  uint64           `json:"executed"`
	Consensus consensus.Status `json:"consensus"`
}

func (n *Node) Status() Status {
	return Status{
		Name:      n.name,
		Epoch:     n.Committee().Epoch,
		Round:     n.dag.HighestRound(),
		GCRound:   n.dag.GCRound(),
		DAGSize:   n.dag.Size(),
		Executed:  n.executed.Load(),
		Consensus: n.consensus.Status(),
	}
}

// CommitSequence returns the persisted commit sequence from index from.
func (n *Node) CommitSequence(from uint64) ([]store.CommitEntry, error) {
	return n.store.CommitSequence(from)
}

func (n *Node) close() {
	n.epoch.Close()
	n.cancel()
	n.core.Close()
	n.trans.Close()
	n.handlers.Wait()
	n.sync.Close()
	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close the store", "error", err)
	}
}

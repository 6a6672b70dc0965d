/*
Package worker makes batches out of client transactions, disseminates them to
the other authorities and serves them back on request. When the committee is
large enough every sealed batch is also erasure coded and each authority keeps
one shard, so a batch survives even if no peer holds it in full.
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// Network is the part of the transport used by workers.
type Network interface {
	Broadcast(tag uint8, msg interface{})
	Send(to string, tag uint8, msg interface{}) error
}

// Committee returns the committee in force.
type Committee func() *types.Committee

// Config holds the batch parameters of one worker.
type Config struct {
	ID            uint32
	Name          string
	BatchSize     int
	MaxBatchDelay time.Duration
	Metrics       *metrics.Metrics // optional
}

type Worker struct {
	id        uint32
	name      string
	committee Committee
	store     *store.Store
	network   Network
	digests   chan<- types.PayloadEntry
	maker     *BatchMaker
	metrics   *metrics.Metrics
	logger    hclog.Logger
}

// New creates a worker. Digests of sealed batches are sent on digests, the
// payload queue of the proposer.
func New(conf *Config, committee Committee, st *store.Store, network Network,
	digests chan<- types.PayloadEntry, logger hclog.Logger) *Worker {
	w := &Worker{
		id:        conf.ID,
		name:      conf.Name,
		committee: committee,
		store:     st,
		network:   network,
		digests:   digests,
		metrics:   conf.Metrics,
		logger:    logger,
	}
	w.maker = NewBatchMaker(conf.BatchSize, conf.MaxBatchDelay, w.Seal, logger.Named("batch-maker"))
	return w
}

// Submit queues a client transaction.
func (w *Worker) Submit(ctx context.Context, tx []byte) error {
	return w.maker.Submit(ctx, tx)
}

// Run runs the batch maker until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	return w.maker.Run(ctx)
}

// Seal stores batch, disseminates it and reports its digest to the proposer.
func (w *Worker) Seal(ctx context.Context, batch *types.Batch) error {
	digest := batch.Digest()
	if err := w.store.WriteBatch(digest, batch); err != nil {
		return err
	}
	w.network.Broadcast(types.BatchTag, &types.BatchMsg{WorkerID: w.id, Batch: *batch})
	if err := w.disperseShards(digest, batch); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.BatchesSealed.Inc()
	}
	w.logger.Debug("sealed a batch", "digest", digest.Short(), "txs", len(batch.Transactions), "size", batch.Size())
	select {
	case w.digests <- types.PayloadEntry{Digest: digest, WorkerID: w.id}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (w *Worker) disperseShards(digest types.Digest, batch *types.Batch) error {
	committee := w.committee()
	names := committee.Names()
	if len(names) < 2 {
		return nil
	}
	dataShards, total := ShardParams(len(names))
	shards, err := EncodeShards(batch, dataShards, total)
	if err != nil {
		return fmt.Errorf("encode shards of %s: %w", digest.Short(), err)
	}
	for i, name := range names {
		if name == w.name {
			if err := w.store.WriteShard(digest, shards[i]); err != nil {
				return err
			}
			continue
		}
		if err := w.network.Send(name, types.ShardTag, &types.ShardMsg{Digest: digest, Shard: *shards[i]}); err != nil {
			w.logger.Debug("failed to send a shard", "to", name, "digest", digest.Short(), "error", err)
		}
	}
	return nil
}

// HandleBatch stores a batch received from a peer. Its digest is recomputed.
func (w *Worker) HandleBatch(msg *types.BatchMsg) error {
	digest := msg.Batch.Digest()
	ok, err := w.store.HasBatch(digest)
	if err != nil || ok {
		return err
	}
	return w.store.WriteBatch(digest, &msg.Batch)
}

// HandleShard stores the shard a peer assigned to us.
func (w *Worker) HandleShard(msg *types.ShardMsg) error {
	i, ok := w.committee().Index(w.name)
	if !ok || msg.Shard.Index != i {
		return fmt.Errorf("shard %d of %s is not ours", msg.Shard.Index, msg.Digest.Short())
	}
	return w.store.WriteShard(msg.Digest, &msg.Shard)
}

// ServeBatch answers a batch request, nil when the batch is unknown.
func (w *Worker) ServeBatch(req *types.BatchRequest) (*types.BatchResponse, error) {
	batch, err := w.store.ReadBatch(req.Digest)
	if errors.Is(err, store.ErrNotFound) {
		return &types.BatchResponse{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.BatchResponse{Batch: batch}, nil
}

// ServeShard answers a shard request, nil when we hold no shard of the batch.
func (w *Worker) ServeShard(req *types.ShardRequest) (*types.ShardResponse, error) {
	shard, err := w.store.ReadShard(req.Digest)
	if errors.Is(err, store.ErrNotFound) {
		return &types.ShardResponse{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.ShardResponse{Shard: shard}, nil
}

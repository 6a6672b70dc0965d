package synchronizer

import (
	"context"
	"fmt"
	"sync"

	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
	"golang.org/x/sync/errgroup"
)

// collectShards asks every authority for its shard of the batch and rebuilds
// the batch from the first f+1 shards that decode to digest.
func (s *Synchronizer) collectShards(ctx context.Context, digest types.Digest) (*types.Batch, error) {
	var (
		lock   sync.Mutex
		shards []*types.Shard
	)
	if own, err := s.store.ReadShard(digest); err == nil {
		shards = append(shards, own)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range s.committee().Others(s.name) {
		peer := peer
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, s.conf.FetchTimeout)
			defer cancel()
			shard, err := s.fetcher.FetchShard(actx, peer, digest)
			if err != nil || shard == nil {
				// a missing shard is tolerated, f+1 are enough
				return nil
			}
			lock.Lock()
			shards = append(shards, shard)
			lock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	dataShards, _ := worker.ShardParams(s.committee().Size())
	if len(shards) < dataShards {
		return nil, fmt.Errorf("%w: batch %s: %d shards, need %d", ErrNetworkTimeout, digest.Short(), len(shards), dataShards)
	}
	return worker.ReconstructBatch(digest, shards)
}

package node

import (
	"context"

	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/dag"
	"github.com/gitzhang10/narwhal/types"
)

// fetcher requests missing items from peers over the transport.
type fetcher struct {
	network *conn.Network
}

func (f *fetcher) FetchCertificate(ctx context.Context, peer string, digest types.Digest, round uint64) (*types.Certificate, error) {
	var resp types.CertificateResponse
	req := &types.CertificateRequest{Digest: digest, Round: round}
	if err := f.network.Request(ctx, peer, types.CertificateRequestTag, req, &resp); err != nil {
		return nil, err
	}
	if resp.Stale {
		return nil, dag.ErrStaleRound
	}
	return resp.Certificate, nil
}

func (f *fetcher) FetchBatch(ctx context.Context, peer string, digest types.Digest) (*types.Batch, error) {
	var resp types.BatchResponse
	if err := f.network.Request(ctx, peer, types.BatchRequestTag, &types.BatchRequest{Digest: digest}, &resp); err != nil {
		return nil, err
	}
	return resp.Batch, nil
}

func (f *fetcher) FetchShard(ctx context.Context, peer string, digest types.Digest) (*types.Shard, error) {
	var resp types.ShardResponse
	if err := f.network.Request(ctx, peer, types.ShardRequestTag, &types.ShardRequest{Digest: digest}, &resp); err != nil {
		return nil, err
	}
	return resp.Shard, nil
}

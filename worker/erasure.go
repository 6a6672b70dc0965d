package worker

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gitzhang10/narwhal/types"
	"github.com/klauspost/reedsolomon"
)

var ErrNotEnoughShards = errors.New("not enough shards to reconstruct the batch")

// ShardParams returns the number of data shards and the total number of shards
// for a committee of n authorities: any f+1 shards rebuild the batch.
func ShardParams(n int) (int, int) {
	f := (n - 1) / 3
	return f + 1, n
}

// EncodeShards splits the encoding of batch into total shards, dataShards of
// which are enough to rebuild it.
func EncodeShards(batch *types.Batch, dataShards, total int) ([]*types.Shard, error) {
	data, err := types.Encode(batch)
	if err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(dataShards, total-dataShards)
	if err != nil {
		return nil, err
	}
	split, err := enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(split); err != nil {
		return nil, err
	}
	shards := make([]*types.Shard, len(split))
	for i, s := range split {
		shards[i] = &types.Shard{
			Index:      i,
			DataShards: dataShards,
			Total:      total,
			Size:       len(data),
			Data:       s,
		}
	}
	return shards, nil
}

// ReconstructBatch rebuilds a batch from any dataShards of its shards and
// checks it against digest.
func ReconstructBatch(digest types.Digest, shards []*types.Shard) (*types.Batch, error) {
	if len(shards) == 0 {
		return nil, ErrNotEnoughShards
	}
	dataShards, total, size := shards[0].DataShards, shards[0].Total, shards[0].Size
	pieces := make([][]byte, total)
	have := 0
	for _, s := range shards {
		if s.DataShards != dataShards || s.Total != total || s.Size != size {
			return nil, fmt.Errorf("shard %d disagrees on the encoding parameters", s.Index)
		}
		if s.Index < 0 || s.Index >= total || pieces[s.Index] != nil {
			continue
		}
		pieces[s.Index] = s.Data
		have++
	}
	if have < dataShards {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughShards, have, dataShards)
	}
	enc, err := reedsolomon.New(dataShards, total-dataShards)
	if err != nil {
		return nil, err
	}
	if err := enc.ReconstructData(pieces); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, pieces, size); err != nil {
		return nil, err
	}
	var batch types.Batch
	if err := types.Decode(buf.Bytes(), &batch); err != nil {
		return nil, err
	}
	if batch.Digest() != digest {
		return nil, fmt.Errorf("reconstructed batch %s does not match %s", batch.Digest().Short(), digest.Short())
	}
	return &batch, nil
}

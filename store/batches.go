package store

import (
	"encoding/binary"
	"errors"

	"github.com/gitzhang10/narwhal/types"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LastVoted records the last header an authority voted for, per header author.
type LastVoted struct {
	Epoch    uint64
	Round    uint64
	HeaderID types.Digest
}

// WriteBatch stores a batch compressed under its digest.
func (s *Store) WriteBatch(digest types.Digest, batch *types.Batch) error {
	data, err := types.Encode(batch)
	if err != nil {
		return err
	}
	compressed := s.encoder.EncodeAll(data, nil)
	if err := s.db.Put(digestKey(batchesPrefix, digest), compressed, &opt.WriteOptions{Sync: true}); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *Store) ReadBatch(digest types.Digest) (*types.Batch, error) {
	compressed, err := s.db.Get(digestKey(batchesPrefix, digest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, err
	}
	var batch types.Batch
	if err := types.Decode(data, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *Store) HasBatch(digest types.Digest) (bool, error) {
	return s.has(digestKey(batchesPrefix, digest))
}

func (s *Store) WriteShard(digest types.Digest, shard *types.Shard) error {
	return s.put(digestKey(shardsPrefix, digest), shard)
}

func (s *Store) ReadShard(digest types.Digest) (*types.Shard, error) {
	var shard types.Shard
	if err := s.get(digestKey(shardsPrefix, digest), &shard); err != nil {
		return nil, err
	}
	return &shard, nil
}

func (s *Store) WriteLastVoted(author string, v *LastVoted) error {
	return s.put(append([]byte{votesPrefix}, author...), v)
}

// ReadLastVoted returns ErrNotFound if we never voted for author.
func (s *Store) ReadLastVoted(author string) (*LastVoted, error) {
	var v LastVoted
	if err := s.get(append([]byte{votesPrefix}, author...), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// WriteCommittee stores the committee of its epoch and marks it as the latest.
func (s *Store) WriteCommittee(committee *types.Committee) error {
	wb := new(leveldb.Batch)
	if err := putEncoded(wb, uint64Key(committeePrefix, committee.Epoch), committee); err != nil {
		return err
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], committee.Epoch)
	wb.Put(latestEpochKey, v[:])
	return s.write(wb)
}

func (s *Store) ReadCommittee(epoch uint64) (*types.Committee, error) {
	var committee types.Committee
	if err := s.get(uint64Key(committeePrefix, epoch), &committee); err != nil {
		return nil, err
	}
	if err := committee.Validate(); err != nil {
		return nil, err
	}
	return &committee, nil
}

// LatestCommittee returns the committee of the highest stored epoch.
func (s *Store) LatestCommittee() (*types.Committee, error) {
	data, err := s.db.Get(latestEpochKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return s.ReadCommittee(binary.BigEndian.Uint64(data))
}

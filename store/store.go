/*
Package store persists the state of an authority in LevelDB. Every table is a
key prefix; writes that must be atomic (one certificate insertion, one commit
advance, one garbage collection) go through a single leveldb.Batch.
*/
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zstd"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrNotFound is returned when a key is absent.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps every failure of the underlying database. It is fatal
	// for the authority: continuing after a lost write may fork the commit sequence.
	ErrStorage = errors.New("storage failure")
)

// table prefixes
const (
	headersPrefix      byte = 'h' // (round, author) -> Header
	certificatesPrefix byte = 'c' // digest -> Certificate
	roundsPrefix       byte = 'r' // (round, author) -> certificate digest
	sequencePrefix     byte = 's' // index -> CommitEntry
	committeePrefix    byte = 'e' // epoch -> Committee
	batchesPrefix      byte = 'b' // digest -> zstd(Batch)
	shardsPrefix       byte = 'd' // digest -> Shard
	votesPrefix        byte = 'v' // author -> LastVoted
	metaPrefix         byte = 'm'
)

var (
	consensusStateKey = []byte{metaPrefix, 'c'}
	gcRoundKey        = []byte{metaPrefix, 'g'}
	latestEpochKey    = []byte{metaPrefix, 'e'}
)

// Store wraps a LevelDB database.
type Store struct {
	db      *leveldb.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  hclog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, logger hclog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	return newStore(db, logger)
}

// OpenMemory opens a database kept in memory, used by tests.
func OpenMemory(logger hclog.Logger) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return newStore(db, logger)
}

func newStore(db *leveldb.DB, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, encoder: encoder, decoder: decoder, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) get(key []byte, v interface{}) error {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return types.Decode(data, v)
}

func (s *Store) has(key []byte) (bool, error) {
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ok, nil
}

func (s *Store) put(key []byte, v interface{}) error {
	data, err := types.Encode(v)
	if err != nil {
		return err
	}
	if err := s.db.Put(key, data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) write(wb *leveldb.Batch) error {
	if err := s.db.Write(wb, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func putEncoded(wb *leveldb.Batch, key []byte, v interface{}) error {
	data, err := types.Encode(v)
	if err != nil {
		return err
	}
	wb.Put(key, data)
	return nil
}

func digestKey(prefix byte, d types.Digest) []byte {
	return append([]byte{prefix}, d[:]...)
}

func roundKey(prefix byte, round uint64, author string) []byte {
	key := make([]byte, 9, 9+len(author))
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], round)
	return append(key, author...)
}

func uint64Key(prefix byte, v uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], v)
	return key
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// roundRange covers every (round, author) key with from <= round <= to.
func roundRange(prefix byte, from, to uint64) *util.Range {
	r := &util.Range{Start: uint64Key(prefix, from)}
	if to == ^uint64(0) {
		r.Limit = []byte{prefix + 1}
	} else {
		r.Limit = uint64Key(prefix, to+1)
	}
	return r
}

package store

import (
	"github.com/gitzhang10/narwhal/types"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// CommitEntry is one row of the commit sequence.
type CommitEntry struct {
	Index       uint64
	Digest      types.Digest
	Round       uint64
	Author      string
	LeaderRound uint64
	Epoch       uint64
}

// ConsensusState is the consensus progress persisted with every commit.
type ConsensusState struct {
	Epoch              uint64
	LastCommittedRound uint64            // round of the last committed leader
	LastCommitted      map[string]uint64 // highest committed round per authority
	NextIndex          uint64            // index of the next commit sequence entry
	AckedIndex         uint64            // number of entries acknowledged by the execution layer
}

// WriteCommit appends entries to the commit sequence and saves the consensus
// state in one atomic write.
func (s *Store) WriteCommit(entries []CommitEntry, state *ConsensusState) error {
	wb := new(leveldb.Batch)
	for i := range entries {
		if err := putEncoded(wb, uint64Key(sequencePrefix, entries[i].Index), &entries[i]); err != nil {
			return err
		}
	}
	if err := putEncoded(wb, consensusStateKey, state); err != nil {
		return err
	}
	return s.write(wb)
}

// WriteConsensusState saves the consensus state alone (acknowledgements, epoch changes).
func (s *Store) WriteConsensusState(state *ConsensusState) error {
	return s.put(consensusStateKey, state)
}

// ReadConsensusState returns a zero state when nothing was committed yet.
func (s *Store) ReadConsensusState() (*ConsensusState, error) {
	state := &ConsensusState{}
	err := s.get(consensusStateKey, state)
	if err == ErrNotFound {
		return &ConsensusState{LastCommitted: make(map[string]uint64)}, nil
	}
	if err != nil {
		return nil, err
	}
	if state.LastCommitted == nil {
		state.LastCommitted = make(map[string]uint64)
	}
	return state, nil
}

// CommitSequence returns the entries with index >= from, in index order.
func (s *Store) CommitSequence(from uint64) ([]CommitEntry, error) {
	iter := s.db.NewIterator(&util.Range{Start: uint64Key(sequencePrefix, from), Limit: []byte{sequencePrefix + 1}}, nil)
	defer iter.Release()
	var entries []CommitEntry
	for iter.Next() {
		var e CommitEntry
		if err := types.Decode(iter.Value(), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, wrap(err)
	}
	return entries, nil
}

// RecentCommits walks the commit sequence back from its last entry while keep
// accepts the entries, and returns the accepted ones in index order.
func (s *Store) RecentCommits(keep func(CommitEntry) bool) ([]CommitEntry, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{sequencePrefix}), nil)
	defer iter.Release()
	var entries []CommitEntry
	for ok := iter.Last(); ok; ok = iter.Prev() {
		var e CommitEntry
		if err := types.Decode(iter.Value(), &e); err != nil {
			return nil, err
		}
		if !keep(e) {
			break
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, wrap(err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

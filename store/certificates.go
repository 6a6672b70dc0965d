package store

import (
	"encoding/binary"

	"github.com/gitzhang10/narwhal/types"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// WriteCertificate atomically stores the certificate, its header and its round index entry.
func (s *Store) WriteCertificate(cert *types.Certificate) error {
	wb := new(leveldb.Batch)
	digest := cert.Digest()
	if err := putEncoded(wb, roundKey(headersPrefix, cert.Round(), cert.Author()), &cert.Header); err != nil {
		return err
	}
	if err := putEncoded(wb, digestKey(certificatesPrefix, digest), cert); err != nil {
		return err
	}
	wb.Put(roundKey(roundsPrefix, cert.Round(), cert.Author()), digest[:])
	return s.write(wb)
}

// ReadCertificate returns ErrNotFound when the digest is unknown.
func (s *Store) ReadCertificate(digest types.Digest) (*types.Certificate, error) {
	var cert types.Certificate
	if err := s.get(digestKey(certificatesPrefix, digest), &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) HasCertificate(digest types.Digest) (bool, error) {
	return s.has(digestKey(certificatesPrefix, digest))
}

// ReadHeader returns the header stored for (round, author).
func (s *Store) ReadHeader(round uint64, author string) (*types.Header, error) {
	var h types.Header
	if err := s.get(roundKey(headersPrefix, round, author), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// CertificatesInRange returns the stored certificates with from <= round <= to,
// ordered by round then author.
func (s *Store) CertificatesInRange(from, to uint64) ([]*types.Certificate, error) {
	iter := s.db.NewIterator(roundRange(roundsPrefix, from, to), nil)
	defer iter.Release()
	var certs []*types.Certificate
	for iter.Next() {
		digest, err := types.DigestFromBytes(iter.Value())
		if err != nil {
			return nil, err
		}
		cert, err := s.ReadCertificate(digest)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if err := iter.Error(); err != nil {
		return nil, wrap(err)
	}
	return certs, nil
}

// DeleteRoundsUpTo removes every header and certificate with round <= round and
// records the new garbage collection round, in one atomic write.
func (s *Store) DeleteRoundsUpTo(round uint64) (int, error) {
	iter := s.db.NewIterator(roundRange(roundsPrefix, 0, round), nil)
	defer iter.Release()
	wb := new(leveldb.Batch)
	deleted := 0
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		wb.Delete(key)
		key[0] = headersPrefix
		wb.Delete(key)
		wb.Delete(append([]byte{certificatesPrefix}, iter.Value()...))
		deleted++
	}
	if err := iter.Error(); err != nil {
		return 0, wrap(err)
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], round)
	wb.Put(gcRoundKey, v[:])
	return deleted, s.write(wb)
}

// DeleteAllRounds wipes the DAG tables, used when a new epoch restarts the rounds.
func (s *Store) DeleteAllRounds() error {
	wb := new(leveldb.Batch)
	for _, prefix := range []byte{roundsPrefix, headersPrefix, certificatesPrefix, votesPrefix} {
		iter := s.db.NewIterator(util.BytesPrefix([]byte{prefix}), nil)
		for iter.Next() {
			wb.Delete(append([]byte(nil), iter.Key()...))
		}
		err := iter.Error()
		iter.Release()
		if err != nil {
			return wrap(err)
		}
	}
	wb.Delete(gcRoundKey)
	return s.write(wb)
}

// ReadGCRound returns the last garbage collected round. ok is false when
// nothing was collected yet, round 0 included.
func (s *Store) ReadGCRound() (round uint64, ok bool, err error) {
	data, err := s.db.Get(gcRoundKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap(err)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

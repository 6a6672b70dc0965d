package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
)

const DigestLength = 32

// Digest is the fixed size content hash identifying batches, headers and certificates.
type Digest [DigestLength]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first bytes of the digest in hex, for logs.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

func (d Digest) Bytes() []byte {
	return d[:]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// DigestFromBytes copies b into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestLength {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestLength, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// DigestFromString parses the hex form produced by String.
func DigestFromString(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	return DigestFromBytes(b)
}

// SortDigests sorts in place in ascending byte order.
func SortDigests(digests []Digest) {
	sort.Slice(digests, func(i, j int) bool { return digests[i].Less(digests[j]) })
}

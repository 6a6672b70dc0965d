package types

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
	"golang.org/x/crypto/blake2b"
)

// EncodingVersion prefixes every persisted or digested encoding.
const EncodingVersion byte = 1

// domain separation tags for digests
const (
	batchTag byte = iota + 1
	headerTag
	certificateTag
	leaderSeedTag
)

var ErrEncodingVersion = errors.New("unknown encoding version")

// structs are encoded as arrays so the byte layout depends only on field order
var handle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.StructToArray = true
	return h
}()

// Encode encodes the data into bytes with the canonical versioned encoding.
// Data can be of any type, but types which are digested never contain maps.
func Encode(data interface{}) ([]byte, error) {
	buf := []byte{EncodingVersion}
	var body []byte
	enc := codec.NewEncoderBytes(&body, handle)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

// Decode decodes bytes produced by Encode into the data.
// Data should be passed in the format of a pointer to a type.
func Decode(s []byte, data interface{}) error {
	if len(s) == 0 || s[0] != EncodingVersion {
		return ErrEncodingVersion
	}
	dec := codec.NewDecoderBytes(s[1:], handle)
	return dec.Decode(data)
}

// hashOf digests the tagged canonical encoding of v.
// The types passed here are plain structs of integers, strings and byte
// slices, encoding them cannot fail.
func hashOf(tag byte, v interface{}) Digest {
	encoded, err := Encode(v)
	if err != nil {
		panic(fmt.Sprintf("encode %T for digest: %v", v, err))
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte{tag})
	h.Write(encoded)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

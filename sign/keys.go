package sign

import (
	"go.dedis.ch/kyber/v3"
)

// EncodeBLSPublicKey encodes a BLS public key into bytes.
func EncodeBLSPublicKey(key kyber.Point) ([]byte, error) {
	return key.MarshalBinary()
}

// DecodeBLSPublicKey decodes bytes produced by EncodeBLSPublicKey.
func DecodeBLSPublicKey(data []byte) (kyber.Point, error) {
	key := suite.G2().Point()
	if err := key.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeBLSPrivateKey encodes a BLS private key into bytes.
func EncodeBLSPrivateKey(key kyber.Scalar) ([]byte, error) {
	return key.MarshalBinary()
}

// DecodeBLSPrivateKey decodes bytes produced by EncodeBLSPrivateKey.
func DecodeBLSPrivateKey(data []byte) (kyber.Scalar, error) {
	key := suite.G2().Scalar()
	if err := key.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return key, nil
}

// BLSPublicKey derives the public key of a BLS private key.
func BLSPublicKey(key kyber.Scalar) kyber.Point {
	return suite.G2().Point().Mul(key, nil)
}

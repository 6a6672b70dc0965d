/*
Package sign implements the two signature schemes used by the authorities:
ED25519 signatures authenticate transport frames, and BLS signatures (BDN
variant on bn256, safe against rogue public keys) sign headers and votes and are
aggregated into certificates together with a bitmap of the signers.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	kybersign "go.dedis.ch/kyber/v3/sign"
	"go.dedis.ch/kyber/v3/sign/bdn"
)

var suite = bn256.NewSuite()

var (
	ErrNoSignature    = errors.New("no signature to aggregate")
	ErrBitmapLength   = errors.New("signer bitmap has the wrong length")
	ErrInvalidBLSSign = errors.New("invalid BLS signature")
)

// GenED25519Keys generates a pair of ED25519 keys.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs msg with the private key.
func SignEd25519(privateKey ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(privateKey, msg)
}

// VerifySignEd25519 verifies sig over msg.
func VerifySignEd25519(publicKey ed25519.PublicKey, msg []byte, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("ed25519 public key has length %d", len(publicKey))
	}
	return ed25519.Verify(publicKey, msg, sig), nil
}

// GenBLSKeys generates a BLS key pair.
func GenBLSKeys() (kyber.Scalar, kyber.Point) {
	return bdn.NewKeyPair(suite, suite.RandomStream())
}

// SignBLS signs msg with the BLS private key.
func SignBLS(privateKey kyber.Scalar, msg []byte) ([]byte, error) {
	return bdn.Sign(suite, privateKey, msg)
}

// VerifyBLS verifies a single BLS signature.
func VerifyBLS(publicKey kyber.Point, msg, sig []byte) error {
	if err := bdn.Verify(suite, publicKey, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBLSSign, err)
	}
	return nil
}

// AggregateBLS aggregates the signatures of the authorities at the given indices
// of publics (the committee's canonical order). It returns the aggregated
// signature and the signer bitmap.
func AggregateBLS(publics []kyber.Point, sigs map[int][]byte) ([]byte, []byte, error) {
	if len(sigs) == 0 {
		return nil, nil, ErrNoSignature
	}
	mask, err := kybersign.NewMask(suite, publics, nil)
	if err != nil {
		return nil, nil, err
	}
	// signatures must follow the order of the enabled bits
	ordered := make([][]byte, 0, len(sigs))
	for i := range publics {
		sig, ok := sigs[i]
		if !ok {
			continue
		}
		if err := mask.SetBit(i, true); err != nil {
			return nil, nil, err
		}
		ordered = append(ordered, sig)
	}
	if len(ordered) != len(sigs) {
		return nil, nil, fmt.Errorf("signer index out of range")
	}
	agg, err := bdn.AggregateSignatures(suite, ordered, mask)
	if err != nil {
		return nil, nil, err
	}
	aggBytes, err := agg.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return aggBytes, mask.Mask(), nil
}

// VerifyAggregateBLS verifies an aggregated signature produced by the signers in bitmap.
func VerifyAggregateBLS(publics []kyber.Point, bitmap, msg, aggSig []byte) error {
	mask, err := newMask(publics, bitmap)
	if err != nil {
		return err
	}
	if mask.CountEnabled() == 0 {
		return ErrNoSignature
	}
	aggKey, err := bdn.AggregatePublicKeys(suite, mask)
	if err != nil {
		return err
	}
	if err := bdn.Verify(suite, aggKey, msg, aggSig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBLSSign, err)
	}
	return nil
}

// Signers returns the indices enabled in bitmap for a committee of size n.
func Signers(n int, bitmap []byte) ([]int, error) {
	if len(bitmap) != (n+7)/8 {
		return nil, ErrBitmapLength
	}
	var signers []int
	for i := 0; i < n; i++ {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			signers = append(signers, i)
		}
	}
	// trailing bits beyond n must be zero
	for i := n; i < len(bitmap)*8; i++ {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			return nil, ErrBitmapLength
		}
	}
	return signers, nil
}

func newMask(publics []kyber.Point, bitmap []byte) (*kybersign.Mask, error) {
	if len(bitmap) != (len(publics)+7)/8 {
		return nil, ErrBitmapLength
	}
	mask, err := kybersign.NewMask(suite, publics, nil)
	if err != nil {
		return nil, err
	}
	if err := mask.SetMask(bitmap); err != nil {
		return nil, err
	}
	return mask, nil
}

package bls

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/ecc/bls12381"
)

const (
	PublicKeySize = bls12381.G1SizeCompressed
	SignatureSize = bls12381.G2SizeCompressed
	SecretKeySize = bls12381.ScalarSize
)

var sigDST = []byte("XORNET-V01-CS01-with-BLS12381G2_XMD:SHA-256_SSWU_RO_")

var (
	ErrBadPublicKey = errors.New("bls: bad public key")
	ErrBadSignature = errors.New("bls: bad signature")
)

// PublicKey is a compressed G1 point.
type PublicKey [PublicKeySize]byte

// Signature is a compressed G2 point.
type Signature [SignatureSize]byte

type SecretKey struct {
	s bls12381.Scalar
}

func GenerateSecretKey() (*SecretKey, error) {
	sk := &SecretKey{}
	if err := sk.s.Random(rand.Reader); err != nil {
		return nil, err
	}
	return sk, nil
}

func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != SecretKeySize {
		return nil, fmt.Errorf("bls: bad secret key size %d", len(b))
	}
	sk := &SecretKey{}
	if err := sk.s.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return sk, nil
}

func (sk *SecretKey) Bytes() []byte {
	b, _ := sk.s.MarshalBinary()
	return b
}

func (sk *SecretKey) String() string { return "SecretKey{REDACTED}" }

func (sk *SecretKey) PublicKey() PublicKey {
	var p bls12381.G1
	p.ScalarMult(&sk.s, bls12381.G1Generator())
	return publicKeyFromPoint(&p)
}

func (sk *SecretKey) Sign(msg []byte) Signature {
	var h, s bls12381.G2
	h.Hash(msg, sigDST)
	s.ScalarMult(&sk.s, &h)
	return signatureFromPoint(&s)
}

// SharedSecret is the compressed point sk*pk, used as Diffie-Hellman input.
func (sk *SecretKey) SharedSecret(pk PublicKey) ([]byte, error) {
	p, err := pk.point()
	if err != nil {
		return nil, err
	}
	var out bls12381.G1
	out.ScalarMult(&sk.s, p)
	return out.BytesCompressed(), nil
}

func publicKeyFromPoint(p *bls12381.G1) PublicKey {
	var pk PublicKey
	copy(pk[:], p.BytesCompressed())
	return pk
}

func signatureFromPoint(p *bls12381.G2) Signature {
	var sig Signature
	copy(sig[:], p.BytesCompressed())
	return sig
}

func (pk PublicKey) point() (*bls12381.G1, error) {
	var p bls12381.G1
	if err := p.SetBytes(pk[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if p.IsIdentity() {
		return nil, ErrBadPublicKey
	}
	return &p, nil
}

func (sig Signature) point() (*bls12381.G2, error) {
	var p bls12381.G2
	if err := p.SetBytes(sig[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return &p, nil
}

// Verify checks e(g1, sig) == e(pk, H(msg)).
func (pk PublicKey) Verify(sig Signature, msg []byte) bool {
	p, err := pk.point()
	if err != nil {
		return false
	}
	s, err := sig.point()
	if err != nil {
		return false
	}
	var h bls12381.G2
	h.Hash(msg, sigDST)
	lhs := bls12381.Pair(bls12381.G1Generator(), s)
	rhs := bls12381.Pair(p, &h)
	return lhs.IsEqual(rhs)
}

func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

func (pk PublicKey) String() string { return hex.EncodeToString(pk[:4]) }

func (pk PublicKey) Hex() string { return hex.EncodeToString(pk[:]) }

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(pk[:])), nil
}

func (pk *PublicKey) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != PublicKeySize {
		return ErrBadPublicKey
	}
	copy(pk[:], raw)
	return nil
}

func PublicKeyFromHex(s string) (PublicKey, error) {
	var pk PublicKey
	err := pk.UnmarshalText([]byte(s))
	return pk, err
}

func (sig Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(sig[:])), nil
}

func (sig *Signature) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != SignatureSize {
		return ErrBadSignature
	}
	copy(sig[:], raw)
	return nil
}

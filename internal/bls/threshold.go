package bls

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"

	"github.com/cloudflare/circl/ecc/bls12381"
)

var (
	ErrNotEnoughShares = errors.New("bls: not enough signature shares")
	ErrDuplicateShare  = errors.New("bls: duplicate share index")
)

// Poly is a secret polynomial of degree threshold. Share i is Poly(i+1).
type Poly struct {
	coeffs []bls12381.Scalar
}

func RandomPoly(threshold int) (*Poly, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("bls: bad threshold %d", threshold)
	}
	p := &Poly{coeffs: make([]bls12381.Scalar, threshold+1)}
	for i := range p.coeffs {
		if err := p.coeffs[i].Random(rand.Reader); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Poly) Threshold() int { return len(p.coeffs) - 1 }

func (p *Poly) Evaluate(x uint64) bls12381.Scalar {
	var xs, acc, tmp bls12381.Scalar
	xs.SetUint64(x)
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		tmp.Mul(&acc, &xs)
		acc.Add(&tmp, &p.coeffs[i])
	}
	return acc
}

// Commitment publishes coeff*G1 for every coefficient.
func (p *Poly) Commitment() Commitment {
	out := make(Commitment, len(p.coeffs))
	for i := range p.coeffs {
		var pt bls12381.G1
		pt.ScalarMult(&p.coeffs[i], bls12381.G1Generator())
		out[i] = publicKeyFromPoint(&pt)
	}
	return out
}

// Commitment is a Feldman commitment to a polynomial.
type Commitment []PublicKey

func (c Commitment) Threshold() int { return len(c) - 1 }

// Evaluate returns sum(C_j * x^j) as a public key, with x = index+1.
func (c Commitment) Evaluate(index int) (PublicKey, error) {
	if len(c) == 0 {
		return PublicKey{}, errors.New("bls: empty commitment")
	}
	var acc bls12381.G1
	acc.SetIdentity()
	var x, xpow bls12381.Scalar
	x.SetUint64(uint64(index) + 1)
	xpow.SetOne()
	for j := range c {
		var pt bls12381.G1
		if err := pt.SetBytes(c[j][:]); err != nil {
			return PublicKey{}, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
		}
		var term, sum bls12381.G1
		term.ScalarMult(&xpow, &pt)
		sum.Add(&acc, &term)
		acc = sum
		var next bls12381.Scalar
		next.Mul(&xpow, &x)
		xpow = next
	}
	return publicKeyFromPoint(&acc), nil
}

// Add sums two commitments of equal degree.
func (c Commitment) Add(other Commitment) (Commitment, error) {
	if len(c) != len(other) {
		return nil, fmt.Errorf("bls: commitment degree mismatch %d != %d", len(c), len(other))
	}
	out := make(Commitment, len(c))
	for i := range c {
		var a, b, sum bls12381.G1
		if err := a.SetBytes(c[i][:]); err != nil {
			return nil, err
		}
		if err := b.SetBytes(other[i][:]); err != nil {
			return nil, err
		}
		sum.Add(&a, &b)
		out[i] = publicKeyFromPoint(&sum)
	}
	return out, nil
}

// VerifyShare checks share*G1 == Evaluate(index).
func (c Commitment) VerifyShare(index int, share *SecretKey) bool {
	want, err := c.Evaluate(index)
	if err != nil {
		return false
	}
	return share.PublicKey() == want
}

// PublicKeySet is the public side of a threshold key: the section key plus
// everything needed to check shares.
type PublicKeySet struct {
	Commitment Commitment `json:"commitment"`
}

func (s PublicKeySet) Threshold() int { return s.Commitment.Threshold() }

func (s PublicKeySet) PublicKey() PublicKey {
	if len(s.Commitment) == 0 {
		return PublicKey{}
	}
	return s.Commitment[0]
}

func (s PublicKeySet) PublicKeyShare(index int) (PublicKey, error) {
	return s.Commitment.Evaluate(index)
}

type SignatureShare struct {
	Index int       `json:"index"`
	Sig   Signature `json:"sig"`
}

func (s PublicKeySet) VerifyShare(share SignatureShare, msg []byte) bool {
	pk, err := s.PublicKeyShare(share.Index)
	if err != nil {
		return false
	}
	return pk.Verify(share.Sig, msg)
}

// Combine interpolates threshold+1 shares into the group signature.
func (s PublicKeySet) Combine(shares []SignatureShare) (Signature, error) {
	need := s.Threshold() + 1
	if len(shares) < need {
		return Signature{}, ErrNotEnoughShares
	}
	sorted := append([]SignatureShare(nil), shares...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	used := sorted[:0]
	for _, sh := range sorted {
		if len(used) > 0 && used[len(used)-1].Index == sh.Index {
			continue
		}
		used = append(used, sh)
	}
	if len(used) < need {
		return Signature{}, ErrNotEnoughShares
	}
	used = used[:need]
	xs := make([]bls12381.Scalar, need)
	for i, sh := range used {
		if sh.Index < 0 {
			return Signature{}, fmt.Errorf("bls: bad share index %d", sh.Index)
		}
		xs[i].SetUint64(uint64(sh.Index) + 1)
	}
	var acc bls12381.G2
	acc.SetIdentity()
	for i, sh := range used {
		lambda := lagrangeAtZero(xs, i)
		pt, err := sh.Sig.point()
		if err != nil {
			return Signature{}, err
		}
		var term, sum bls12381.G2
		term.ScalarMult(&lambda, pt)
		sum.Add(&acc, &term)
		acc = sum
	}
	return signatureFromPoint(&acc), nil
}

func lagrangeAtZero(xs []bls12381.Scalar, i int) bls12381.Scalar {
	var num, den bls12381.Scalar
	num.SetOne()
	den.SetOne()
	for j := range xs {
		if j == i {
			continue
		}
		var diff, n, d bls12381.Scalar
		n.Mul(&num, &xs[j])
		num = n
		diff.Sub(&xs[j], &xs[i])
		d.Mul(&den, &diff)
		den = d
	}
	var inv, out bls12381.Scalar
	inv.Inv(&den)
	out.Mul(&num, &inv)
	return out
}

// SecretKeySet holds the dealer polynomial. Used for genesis and tests; DKG
// produces shares without any single holder of the polynomial.
type SecretKeySet struct {
	poly *Poly
}

func GenerateSecretKeySet(threshold int) (*SecretKeySet, error) {
	p, err := RandomPoly(threshold)
	if err != nil {
		return nil, err
	}
	return &SecretKeySet{poly: p}, nil
}

func (s *SecretKeySet) Threshold() int { return s.poly.Threshold() }

func (s *SecretKeySet) PublicKeys() PublicKeySet {
	return PublicKeySet{Commitment: s.poly.Commitment()}
}

func (s *SecretKeySet) SecretKeyShare(index int) *SecretKey {
	return &SecretKey{s: s.poly.Evaluate(uint64(index) + 1)}
}

// SecretKey is the group secret, Poly(0).
func (s *SecretKeySet) SecretKey() *SecretKey {
	return &SecretKey{s: s.poly.coeffs[0]}
}

// SumShares adds secret shares received from several dealers.
func SumShares(shares []*SecretKey) *SecretKey {
	out := &SecretKey{}
	for _, sh := range shares {
		var sum bls12381.Scalar
		sum.Add(&out.s, &sh.s)
		out.s = sum
	}
	return out
}

// Share is the polynomial evaluated at index+1.
func (p *Poly) Share(index int) *SecretKey {
	return &SecretKey{s: p.Evaluate(uint64(index) + 1)}
}

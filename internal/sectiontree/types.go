package sectiontree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

const (
	// ElderSize is the target and maximum number of elders per section.
	ElderSize     = 7
	MinElderCount = 1

	MinAdultAge        = 5
	FirstSectionMinAge = 6
	FirstSectionMaxAge = 100

	// RecommendedSectionSize is the member count each half needs before a split.
	RecommendedSectionSize = 3 * ElderSize
)

var (
	ErrInvalidSignature = errors.New("invalid section signature")
	ErrInvalidSAP       = errors.New("invalid section authority provider")
)

type Peer struct {
	Name xorname.XorName `json:"name"`
	Addr string          `json:"addr"`
}

func (p Peer) Age() uint8 { return p.Name.Age() }

func (p Peer) String() string { return fmt.Sprintf("%s@%s", p.Name, p.Addr) }

type MembershipState uint8

const (
	Joined MembershipState = iota + 1
	Left
	Relocated
)

func (s MembershipState) String() string {
	switch s {
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Relocated:
		return "relocated"
	}
	return "unknown"
}

type NodeState struct {
	Peer         Peer             `json:"peer"`
	State        MembershipState  `json:"state"`
	RelocatedTo  *xorname.XorName `json:"relocated_to,omitempty"`
	PreviousName *xorname.XorName `json:"previous_name,omitempty"`
}

func (n NodeState) Name() xorname.XorName { return n.Peer.Name }

func (n NodeState) Age() uint8 { return n.Peer.Age() }

// SAP is the section authority provider: the elder set and the section key
// at one generation.
type SAP struct {
	Prefix       xorname.Prefix   `json:"prefix"`
	PublicKeySet bls.PublicKeySet `json:"public_key_set"`
	Elders       []Peer           `json:"elders"`
	Generation   uint64           `json:"generation"`
}

func NewSAP(prefix xorname.Prefix, pks bls.PublicKeySet, elders []Peer, generation uint64) SAP {
	sorted := append([]Peer(nil), elders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name.Compare(sorted[j].Name) < 0 })
	return SAP{Prefix: prefix, PublicKeySet: pks, Elders: sorted, Generation: generation}
}

func (s SAP) SectionKey() bls.PublicKey { return s.PublicKeySet.PublicKey() }

func (s SAP) ElderCount() int { return len(s.Elders) }

func (s SAP) Elder(name xorname.XorName) (Peer, bool) {
	for _, e := range s.Elders {
		if e.Name == name {
			return e, true
		}
	}
	return Peer{}, false
}

func (s SAP) ElderIndex(name xorname.XorName) int {
	for i, e := range s.Elders {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func (s SAP) ContainsElder(name xorname.XorName) bool { return s.ElderIndex(name) >= 0 }

func (s SAP) ElderNames() []xorname.XorName {
	out := make([]xorname.XorName, len(s.Elders))
	for i, e := range s.Elders {
		out[i] = e.Name
	}
	return out
}

// Validate checks the elder count bounds and that every elder matches the prefix.
func (s SAP) Validate() error {
	n := len(s.Elders)
	if n < MinElderCount || n > ElderSize {
		return fmt.Errorf("%w: %d elders", ErrInvalidSAP, n)
	}
	for _, e := range s.Elders {
		if !s.Prefix.Matches(e.Name) {
			return fmt.Errorf("%w: elder %s outside %s", ErrInvalidSAP, e.Name, s.Prefix)
		}
	}
	if s.SectionKey().IsZero() {
		return fmt.Errorf("%w: missing section key", ErrInvalidSAP)
	}
	if s.PublicKeySet.Threshold() >= n {
		return fmt.Errorf("%w: threshold %d with %d elders", ErrInvalidSAP, s.PublicKeySet.Threshold(), n)
	}
	return nil
}

func (s SAP) String() string {
	return fmt.Sprintf("SAP(%s, gen=%d, key=%s, elders=%d)", s.Prefix, s.Generation, s.SectionKey(), len(s.Elders))
}

type KeyedSig struct {
	PublicKey bls.PublicKey `json:"public_key"`
	Signature bls.Signature `json:"signature"`
}

// SectionSigned is a value carrying the section signature over its canonical bytes.
type SectionSigned[T any] struct {
	Value T        `json:"value"`
	Sig   KeyedSig `json:"sig"`
}

func SigningBytes(v any) []byte {
	return codec.MustMarshal(v)
}

func Sign[T any](sk *bls.SecretKey, v T) SectionSigned[T] {
	return SectionSigned[T]{
		Value: v,
		Sig:   KeyedSig{PublicKey: sk.PublicKey(), Signature: sk.Sign(SigningBytes(v))},
	}
}

func (s SectionSigned[T]) Verify() bool {
	return s.Sig.PublicKey.Verify(s.Sig.Signature, SigningBytes(s.Value))
}

type SignedSAP = SectionSigned[SAP]

// VerifySignedSAP checks the signature, that the signer is the SAP's own key
// and the SAP shape.
func VerifySignedSAP(s SignedSAP) error {
	if !s.Verify() {
		return ErrInvalidSignature
	}
	if s.Sig.PublicKey != s.Value.SectionKey() {
		return fmt.Errorf("%w: signed by %s, section key %s", ErrInvalidSignature, s.Sig.PublicKey, s.Value.SectionKey())
	}
	return s.Value.Validate()
}

// Update is a signed SAP plus the chain proving its key.
type Update struct {
	SignedSAP  SignedSAP    `json:"signed_sap"`
	ProofChain SecuredChain `json:"proof_chain"`
}

package membership

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
)

var (
	ErrBadProposal   = errors.New("bad proposal")
	ErrJoinsDisabled = errors.New("joins not allowed")
)

// NewElders hands the section to a new elder set. It carries one SAP, or
// two when the section splits; each SAP is signed by its own new key.
type NewElders struct {
	SAPs []sectiontree.SignedSAP `json:"saps"`
}

// Proposal carries exactly one of its fields.
type Proposal struct {
	Online       *sectiontree.NodeState `json:"online,omitempty"`
	Offline      *sectiontree.NodeState `json:"offline,omitempty"`
	JoinsAllowed *bool                  `json:"joins_allowed,omitempty"`
	NewElders    *NewElders             `json:"new_elders,omitempty"`
}

func OnlineProposal(n sectiontree.NodeState) Proposal {
	n.State = sectiontree.Joined
	return Proposal{Online: &n}
}

func OfflineProposal(n sectiontree.NodeState) Proposal {
	n.State = sectiontree.Left
	return Proposal{Offline: &n}
}

func JoinsAllowedProposal(v bool) Proposal { return Proposal{JoinsAllowed: &v} }

func NewEldersProposal(saps ...sectiontree.SignedSAP) Proposal {
	return Proposal{NewElders: &NewElders{SAPs: saps}}
}

func (p Proposal) Kind() string {
	switch {
	case p.Online != nil:
		return "online"
	case p.Offline != nil:
		return "offline"
	case p.JoinsAllowed != nil:
		return "joins_allowed"
	case p.NewElders != nil:
		return "new_elders"
	}
	return "empty"
}

func (p Proposal) count() int {
	n := 0
	if p.Online != nil {
		n++
	}
	if p.Offline != nil {
		n++
	}
	if p.JoinsAllowed != nil {
		n++
	}
	if p.NewElders != nil {
		n++
	}
	return n
}

func (p Proposal) Hash() [32]byte {
	h, _ := codec.Hash(p)
	return h
}

func (p Proposal) String() string {
	switch {
	case p.Online != nil:
		return fmt.Sprintf("Online(%s)", p.Online.Peer)
	case p.Offline != nil:
		return fmt.Sprintf("Offline(%s)", p.Offline.Peer)
	case p.JoinsAllowed != nil:
		return fmt.Sprintf("JoinsAllowed(%v)", *p.JoinsAllowed)
	case p.NewElders != nil:
		return fmt.Sprintf("NewElders(%d saps)", len(p.NewElders.SAPs))
	}
	return "Empty"
}

// Payloads are the byte strings a vote signs. NewElders signs each new
// section key, so the aggregated signature is directly the chain link.
func Payloads(generation uint64, round uint32, p Proposal) [][]byte {
	if p.NewElders != nil {
		out := make([][]byte, 0, len(p.NewElders.SAPs))
		for _, s := range p.NewElders.SAPs {
			k := s.Value.SectionKey()
			out = append(out, append([]byte(nil), k[:]...))
		}
		return out
	}
	return [][]byte{codec.MustMarshal(struct {
		G uint64
		R uint32
		P Proposal
	}{generation, round, p})}
}

func lessHash(a, b [32]byte) bool { return bytes.Compare(a[:], b[:]) < 0 }

// Vote is one elder's signature shares over a proposal.
type Vote struct {
	Generation uint64               `json:"generation"`
	Round      uint32               `json:"round"`
	Proposal   Proposal             `json:"proposal"`
	Voter      int                  `json:"voter"`
	SectionKey bls.PublicKey        `json:"section_key"`
	Shares     []bls.SignatureShare `json:"shares"`
}

// Decision is a proposal signed by the section key.
type Decision struct {
	Generation uint64                 `json:"generation"`
	Round      uint32                 `json:"round"`
	Proposal   Proposal               `json:"proposal"`
	Sigs       []sectiontree.KeyedSig `json:"sigs"`
}

func (d Decision) Verify(sectionKey bls.PublicKey) error {
	payloads := Payloads(d.Generation, d.Round, d.Proposal)
	if len(payloads) != len(d.Sigs) || len(payloads) == 0 {
		return fmt.Errorf("%w: %d sigs for %d payloads", ErrBadProposal, len(d.Sigs), len(payloads))
	}
	for i, pl := range payloads {
		s := d.Sigs[i]
		if s.PublicKey != sectionKey || !s.PublicKey.Verify(s.Signature, pl) {
			return sectiontree.ErrInvalidSignature
		}
	}
	return nil
}

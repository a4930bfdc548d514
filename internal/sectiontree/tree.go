package sectiontree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

var (
	ErrUntrustedProofChain = errors.New("proof chain does not trace to a known key")
	ErrInvalidProofChain   = errors.New("invalid proof chain")
	ErrStaleUpdate         = errors.New("update is older than known SAP")
)

// SectionTree is a node's or client's view of the network: the prefix map
// plus the DAG of every section key it has verified.
type SectionTree struct {
	mu       sync.RWMutex
	genesis  bls.PublicKey
	chain    SecuredChain
	sections *PrefixMap
}

func New(genesis bls.PublicKey) *SectionTree {
	return &SectionTree{
		genesis:  genesis,
		chain:    NewSecuredChain(genesis),
		sections: NewPrefixMap(),
	}
}

// NewWithSAP seeds the tree with the genesis section's signed SAP.
func NewWithSAP(genesisSAP SignedSAP) (*SectionTree, error) {
	if err := VerifySignedSAP(genesisSAP); err != nil {
		return nil, err
	}
	t := New(genesisSAP.Sig.PublicKey)
	t.sections.Insert(genesisSAP)
	return t, nil
}

// NewFromUpdate trusts the root of the update's proof chain as the genesis
// key. Only for a first contact with no stored tree.
func NewFromUpdate(u Update) (*SectionTree, error) {
	t := New(u.ProofChain.Root)
	if _, err := t.Update(u); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *SectionTree) GenesisKey() bls.PublicKey { return t.genesis }

func (t *SectionTree) Chain() SecuredChain {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chain.Clone()
}

func (t *SectionTree) HasKey(k bls.PublicKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chain.HasKey(k)
}

// IsAncestor reports whether a is b or lies on b's path to genesis.
func (t *SectionTree) IsAncestor(a, b bls.PublicKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chain.HasKey(a) && t.chain.IsAncestor(a, b)
}

// ProofChain returns the linear chain between two known keys.
func (t *SectionTree) ProofChain(from, to bls.PublicKey) (SecuredChain, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chain.ProofChain(from, to)
}

// ProofFrom returns a chain from the newest ancestor of to that the peer
// knows (its key) to to. Falls back to the genesis key.
func (t *SectionTree) ProofFrom(known, to bls.PublicKey) SecuredChain {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.chain.HasKey(known) && t.chain.IsAncestor(known, to) {
		if pc, err := t.chain.ProofChain(known, to); err == nil {
			return pc
		}
	}
	pc, err := t.chain.ProofChain(t.genesis, to)
	if err != nil {
		return NewSecuredChain(to)
	}
	return pc
}

func (t *SectionTree) Get(p xorname.Prefix) (SignedSAP, bool) { return t.sections.Get(p) }

func (t *SectionTree) SectionByName(name xorname.XorName) (SignedSAP, bool) {
	return t.sections.GetMatching(name)
}

func (t *SectionTree) Closest(name xorname.XorName, exclude *xorname.Prefix) (SignedSAP, bool) {
	return t.sections.Closest(name, exclude)
}

func (t *SectionTree) All() []SignedSAP { return t.sections.All() }

func (t *SectionTree) Prefixes() []xorname.Prefix { return t.sections.Prefixes() }

func (t *SectionTree) GetSignedByKey(k bls.PublicKey) (SignedSAP, bool) {
	for _, s := range t.sections.All() {
		if s.Value.SectionKey() == k {
			return s, true
		}
	}
	return SignedSAP{}, false
}

// UpdateFor builds an update for the SAP covering name, proven from known.
func (t *SectionTree) UpdateFor(name xorname.XorName, known bls.PublicKey) (Update, bool) {
	s, ok := t.sections.GetMatching(name)
	if !ok {
		return Update{}, false
	}
	return Update{SignedSAP: s, ProofChain: t.ProofFrom(known, s.Value.SectionKey())}, true
}

// Update verifies and applies a section tree update. It reports whether
// anything changed. Unverifiable updates return an error and change nothing.
func (t *SectionTree) Update(u Update) (bool, error) {
	signed := u.SignedSAP
	if err := VerifySignedSAP(signed); err != nil {
		return false, err
	}
	if !u.ProofChain.SelfVerify() {
		return false, ErrInvalidProofChain
	}
	if u.ProofChain.LastKey() != signed.Sig.PublicKey {
		return false, fmt.Errorf("%w: last key %s, signer %s", ErrInvalidProofChain, u.ProofChain.LastKey(), signed.Sig.PublicKey)
	}
	newKey := signed.Value.SectionKey()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !u.ProofChain.CheckTrust(t.chain.Keys()) {
		return false, ErrUntrustedProofChain
	}
	if old, ok := t.sections.Get(signed.Value.Prefix); ok {
		oldKey := old.Value.SectionKey()
		if oldKey == newKey {
			return false, nil
		}
		if t.chain.HasKey(newKey) && t.chain.IsAncestor(newKey, oldKey) {
			return false, ErrStaleUpdate
		}
	}
	merged := t.chain.Clone()
	if err := merged.Merge(u.ProofChain); err != nil {
		return false, err
	}
	if !t.sections.Insert(signed) {
		return false, nil
	}
	t.chain = merged
	return true, nil
}

// InsertLink extends the chain with a key the local section signed itself.
func (t *SectionTree) InsertLink(parent, key bls.PublicKey, sig bls.Signature) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chain.Insert(parent, key, sig)
}

// NetworkStats is a rough view of network size derived from known sections.
type NetworkStats struct {
	KnownSections int
	KnownElders   int
	// EstimatedSections assumes a balanced tree at the deepest known prefix.
	EstimatedSections uint64
}

func (t *SectionTree) NetworkStats() NetworkStats {
	all := t.sections.All()
	st := NetworkStats{KnownSections: len(all)}
	maxBits := 0
	for _, s := range all {
		st.KnownElders += len(s.Value.Elders)
		if b := s.Value.Prefix.BitCount(); b > maxBits {
			maxBits = b
		}
	}
	if maxBits < 63 {
		st.EstimatedSections = 1 << uint(maxBits)
	} else {
		st.EstimatedSections = ^uint64(0)
	}
	return st
}

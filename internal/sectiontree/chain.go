package sectiontree

import (
	"errors"
	"fmt"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
)

var (
	ErrUnknownKey       = errors.New("key not in chain")
	ErrInvalidLink      = errors.New("invalid chain link")
	ErrNoCommonAncestor = errors.New("chains share no key")
	ErrNotAncestor      = errors.New("key is not an ancestor")
)

// Link records that Parent signed Key.
type Link struct {
	Parent bls.PublicKey `json:"parent"`
	Key    bls.PublicKey `json:"key"`
	Sig    bls.Signature `json:"sig"`
}

func (l Link) Verify() bool {
	return l.Parent.Verify(l.Sig, l.Key[:])
}

// SecuredChain is an append-only DAG of section keys. Links are kept in
// insertion order, so a parent always precedes its children.
type SecuredChain struct {
	Root  bls.PublicKey `json:"root"`
	Links []Link        `json:"links"`
}

func NewSecuredChain(root bls.PublicKey) SecuredChain {
	return SecuredChain{Root: root}
}

func (c SecuredChain) Len() int { return len(c.Links) + 1 }

func (c SecuredChain) HasKey(k bls.PublicKey) bool {
	if k == c.Root {
		return true
	}
	for _, l := range c.Links {
		if l.Key == k {
			return true
		}
	}
	return false
}

func (c SecuredChain) Keys() []bls.PublicKey {
	out := make([]bls.PublicKey, 0, len(c.Links)+1)
	out = append(out, c.Root)
	for _, l := range c.Links {
		out = append(out, l.Key)
	}
	return out
}

func (c SecuredChain) Parent(k bls.PublicKey) (bls.PublicKey, bool) {
	for _, l := range c.Links {
		if l.Key == k {
			return l.Parent, true
		}
	}
	return bls.PublicKey{}, false
}

func (c SecuredChain) depth(k bls.PublicKey) int {
	d := 0
	for k != c.Root {
		p, ok := c.Parent(k)
		if !ok {
			return -1
		}
		k = p
		d++
	}
	return d
}

// LastKey is the deepest key; among equally deep keys the latest inserted wins.
func (c SecuredChain) LastKey() bls.PublicKey {
	best := c.Root
	bestDepth := 0
	for _, l := range c.Links {
		if d := c.depth(l.Key); d >= bestDepth {
			best, bestDepth = l.Key, d
		}
	}
	return best
}

// IsAncestor reports whether a lies on the path from the root to b (a == b counts).
func (c SecuredChain) IsAncestor(a, b bls.PublicKey) bool {
	for {
		if a == b {
			return true
		}
		p, ok := c.Parent(b)
		if !ok {
			return false
		}
		b = p
	}
}

// Insert adds a link below an existing parent. Re-inserting a known key is a no-op.
func (c *SecuredChain) Insert(parent, key bls.PublicKey, sig bls.Signature) error {
	if c.HasKey(key) {
		return nil
	}
	if !c.HasKey(parent) {
		return fmt.Errorf("%w: parent %s", ErrUnknownKey, parent)
	}
	l := Link{Parent: parent, Key: key, Sig: sig}
	if !l.Verify() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidLink, parent, key)
	}
	c.Links = append(c.Links, l)
	return nil
}

func (c SecuredChain) SelfVerify() bool {
	known := map[bls.PublicKey]bool{c.Root: true}
	for _, l := range c.Links {
		if !known[l.Parent] || !l.Verify() {
			return false
		}
		known[l.Key] = true
	}
	return true
}

// CheckTrust reports whether any chain key is trusted.
func (c SecuredChain) CheckTrust(trusted []bls.PublicKey) bool {
	for _, t := range trusted {
		if c.HasKey(t) {
			return true
		}
	}
	return false
}

// Merge adds other's links whose parents are known. Links above the first
// shared key are skipped.
func (c *SecuredChain) Merge(other SecuredChain) error {
	if !c.HasKey(other.Root) {
		shared := false
		for _, k := range other.Keys() {
			if c.HasKey(k) {
				shared = true
				break
			}
		}
		if !shared {
			return ErrNoCommonAncestor
		}
	}
	for _, l := range other.Links {
		if c.HasKey(l.Key) || !c.HasKey(l.Parent) {
			continue
		}
		if err := c.Insert(l.Parent, l.Key, l.Sig); err != nil {
			return err
		}
	}
	if !c.HasKey(other.LastKey()) {
		return fmt.Errorf("%w: %s unreachable", ErrUnknownKey, other.LastKey())
	}
	return nil
}

// ProofChain is the linear chain from -> ... -> to.
func (c SecuredChain) ProofChain(from, to bls.PublicKey) (SecuredChain, error) {
	if !c.HasKey(to) {
		return SecuredChain{}, fmt.Errorf("%w: %s", ErrUnknownKey, to)
	}
	var rev []Link
	k := to
	for k != from {
		var link *Link
		for i := range c.Links {
			if c.Links[i].Key == k {
				link = &c.Links[i]
				break
			}
		}
		if link == nil {
			return SecuredChain{}, fmt.Errorf("%w: %s of %s", ErrNotAncestor, from, to)
		}
		rev = append(rev, *link)
		k = link.Parent
	}
	out := NewSecuredChain(from)
	for i := len(rev) - 1; i >= 0; i-- {
		out.Links = append(out.Links, rev[i])
	}
	return out, nil
}

// Truncate keeps only the branch from the root to key.
func (c SecuredChain) Truncate(key bls.PublicKey) (SecuredChain, error) {
	return c.ProofChain(c.Root, key)
}

func (c SecuredChain) Clone() SecuredChain {
	return SecuredChain{Root: c.Root, Links: append([]Link(nil), c.Links...)}
}

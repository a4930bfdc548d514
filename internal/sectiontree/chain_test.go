package sectiontree

import (
	"errors"
	"testing"
)

func TestChainInsertAndProof(t *testing.T) {
	k0, k1, k2 := newKeySet(t), newKeySet(t), newKeySet(t)
	c := NewSecuredChain(k0.PublicKeys().PublicKey())
	l1 := link(t, k0, k1)
	l2 := link(t, k1, k2)
	if err := c.Insert(l2.Parent, l2.Key, l2.Sig); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown parent, got %v", err)
	}
	if err := c.Insert(l1.Parent, l1.Key, l1.Sig); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := c.Insert(l2.Parent, l2.Key, l2.Sig); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if c.LastKey() != l2.Key {
		t.Fatalf("unexpected last key")
	}
	if !c.SelfVerify() {
		t.Fatalf("chain should self verify")
	}
	pc, err := c.ProofChain(l1.Key, l2.Key)
	if err != nil {
		t.Fatalf("proof chain failed: %v", err)
	}
	if pc.Root != l1.Key || pc.Len() != 2 || pc.LastKey() != l2.Key {
		t.Fatalf("unexpected proof chain %+v", pc)
	}
	if _, err := c.ProofChain(l2.Key, l1.Key); !errors.Is(err, ErrNotAncestor) {
		t.Fatalf("expected ErrNotAncestor, got %v", err)
	}
}

func TestChainRejectsForgedLink(t *testing.T) {
	k0, k1, other := newKeySet(t), newKeySet(t), newKeySet(t)
	c := NewSecuredChain(k0.PublicKeys().PublicKey())
	key := k1.PublicKeys().PublicKey()
	forged := other.SecretKey().Sign(key[:])
	if err := c.Insert(c.Root, key, forged); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("expected ErrInvalidLink, got %v", err)
	}
	bad := c
	bad.Links = append(bad.Links, Link{Parent: c.Root, Key: key, Sig: forged})
	if bad.SelfVerify() {
		t.Fatalf("forged chain must not verify")
	}
}

func TestChainMergeBranches(t *testing.T) {
	k0, a, b, a2 := newKeySet(t), newKeySet(t), newKeySet(t), newKeySet(t)
	c := NewSecuredChain(k0.PublicKeys().PublicKey())
	la := link(t, k0, a)
	if err := c.Insert(la.Parent, la.Key, la.Sig); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	other := NewSecuredChain(k0.PublicKeys().PublicKey())
	lb := link(t, k0, b)
	_ = other.Insert(lb.Parent, lb.Key, lb.Sig)
	if err := c.Merge(other); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !c.HasKey(lb.Key) || !c.HasKey(la.Key) {
		t.Fatalf("merged chain should hold both branches")
	}
	// a proof chain starting above our root but covering a known key
	tail := NewSecuredChain(la.Key)
	la2 := link(t, a, a2)
	_ = tail.Insert(la2.Parent, la2.Key, la2.Sig)
	if err := c.Merge(tail); err != nil {
		t.Fatalf("merge tail failed: %v", err)
	}
	if c.LastKey() != la2.Key {
		t.Fatalf("expected deepest key to be last")
	}
	stranger := NewSecuredChain(newKeySet(t).PublicKeys().PublicKey())
	if err := c.Merge(stranger); !errors.Is(err, ErrNoCommonAncestor) {
		t.Fatalf("expected ErrNoCommonAncestor, got %v", err)
	}
}

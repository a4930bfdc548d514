package sectiontree

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
)

func TestTreeUpdateAppliesChainedKey(t *testing.T) {
	k0 := newKeySet(t)
	genesis := signedSAP(t, mustPrefix(t, ""), k0, 0)
	tree, err := NewWithSAP(genesis)
	if err != nil {
		t.Fatalf("new tree failed: %v", err)
	}
	k1 := newKeySet(t)
	next := signedSAP(t, mustPrefix(t, ""), k1, 1)
	l := link(t, k0, k1)
	proof := NewSecuredChain(l.Parent)
	if err := proof.Insert(l.Parent, l.Key, l.Sig); err != nil {
		t.Fatalf("proof insert failed: %v", err)
	}
	changed, err := tree.Update(Update{SignedSAP: next, ProofChain: proof})
	if err != nil || !changed {
		t.Fatalf("update failed: %v changed=%v", err, changed)
	}
	got, _ := tree.SectionByName(genesis.Value.Elders[0].Name)
	if got.Value.SectionKey() != l.Key {
		t.Fatalf("expected new section key")
	}
	changed, err = tree.Update(Update{SignedSAP: next, ProofChain: proof})
	if err != nil || changed {
		t.Fatalf("repeated update should be a no-op: %v %v", err, changed)
	}
	// going back to k0 is stale
	_, err = tree.Update(Update{SignedSAP: genesis, ProofChain: NewSecuredChain(k0.PublicKeys().PublicKey())})
	if !errors.Is(err, ErrStaleUpdate) {
		t.Fatalf("expected ErrStaleUpdate, got %v", err)
	}
}

func TestTreeUpdateRejectsUntrusted(t *testing.T) {
	k0 := newKeySet(t)
	tree, err := NewWithSAP(signedSAP(t, mustPrefix(t, ""), k0, 0))
	if err != nil {
		t.Fatalf("new tree failed: %v", err)
	}
	rogue := newKeySet(t)
	u := Update{SignedSAP: signedSAP(t, mustPrefix(t, "1"), rogue, 1), ProofChain: NewSecuredChain(rogue.PublicKeys().PublicKey())}
	if _, err := tree.Update(u); !errors.Is(err, ErrUntrustedProofChain) {
		t.Fatalf("expected ErrUntrustedProofChain, got %v", err)
	}
	// proof chain last key must be the signer
	k1 := newKeySet(t)
	u = Update{SignedSAP: signedSAP(t, mustPrefix(t, "1"), k1, 1), ProofChain: NewSecuredChain(k0.PublicKeys().PublicKey())}
	if _, err := tree.Update(u); !errors.Is(err, ErrInvalidProofChain) {
		t.Fatalf("expected ErrInvalidProofChain, got %v", err)
	}
	// SAP signed by a key other than its own
	bad := signedSAP(t, mustPrefix(t, "1"), k1, 1)
	bad.Sig.PublicKey = k0.PublicKeys().PublicKey()
	if _, err := tree.Update(Update{SignedSAP: bad, ProofChain: NewSecuredChain(k0.PublicKeys().PublicKey())}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestTreeSplitUpdatesAndDisk(t *testing.T) {
	k0 := newKeySet(t)
	tree, err := NewWithSAP(signedSAP(t, mustPrefix(t, ""), k0, 0))
	if err != nil {
		t.Fatalf("new tree failed: %v", err)
	}
	for _, p := range []string{"0", "1"} {
		child := newKeySet(t)
		l := link(t, k0, child)
		proof := NewSecuredChain(l.Parent)
		_ = proof.Insert(l.Parent, l.Key, l.Sig)
		if _, err := tree.Update(Update{SignedSAP: signedSAP(t, mustPrefix(t, p), child, 1), ProofChain: proof}); err != nil {
			t.Fatalf("update %s failed: %v", p, err)
		}
	}
	if len(tree.Prefixes()) != 2 {
		t.Fatalf("expected two child sections, got %v", tree.Prefixes())
	}
	path := filepath.Join(t.TempDir(), FileName)
	if err := tree.WriteToDisk(path); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	back, err := ReadFromDisk(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if back.GenesisKey() != tree.GenesisKey() || len(back.All()) != 2 || back.Chain().Len() != 3 {
		t.Fatalf("disk round trip lost state")
	}
	var keys []bls.PublicKey
	for _, s := range back.All() {
		keys = append(keys, s.Value.SectionKey())
	}
	for _, k := range keys {
		if !back.HasKey(k) {
			t.Fatalf("section key %s missing from chain", k)
		}
	}
	if st := back.NetworkStats(); st.KnownSections != 2 || st.EstimatedSections != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

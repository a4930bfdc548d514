package sectiontree

import (
	"testing"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func mustPrefix(t *testing.T, s string) xorname.Prefix {
	t.Helper()
	p, err := xorname.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix failed: %v", err)
	}
	return p
}

func newKeySet(t *testing.T) *bls.SecretKeySet {
	t.Helper()
	sks, err := bls.GenerateSecretKeySet(0)
	if err != nil {
		t.Fatalf("key set failed: %v", err)
	}
	return sks
}

func signedSAP(t *testing.T, prefix xorname.Prefix, sks *bls.SecretKeySet, gen uint64) SignedSAP {
	t.Helper()
	elders := []Peer{{Name: prefix.Substituted(xorname.Random()), Addr: "127.0.0.1:1"}}
	sap := NewSAP(prefix, sks.PublicKeys(), elders, gen)
	return Sign(sks.SecretKey(), sap)
}

func link(t *testing.T, parent *bls.SecretKeySet, child *bls.SecretKeySet) Link {
	t.Helper()
	key := child.PublicKeys().PublicKey()
	return Link{Parent: parent.PublicKeys().PublicKey(), Key: key, Sig: parent.SecretKey().Sign(key[:])}
}

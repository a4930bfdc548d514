package crypto

import (
	"bytes"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	a := KDF("xornet:a", []byte("ikm"))
	b := KDF("xornet:a", []byte("ikm"))
	c := KDF("xornet:b", []byte("ikm"))
	if !bytes.Equal(a, b) {
		t.Fatalf("KDF not deterministic")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("KDF ignores label")
	}
}

func TestXSealOpen(t *testing.T) {
	key := KDF("xornet:test", []byte("k"))
	nonce, ct, err := XSeal(key, []byte("secret"), []byte("aad"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	pt, err := XOpen(key, nonce, ct, []byte("aad"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(pt) != "secret" {
		t.Fatalf("unexpected plaintext %q", pt)
	}
	if _, err := XOpen(key, nonce, ct, []byte("other")); err == nil {
		t.Fatalf("expected aad mismatch to fail")
	}
}

func TestKeypairSaveLoadSign(t *testing.T) {
	kp, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen failed: %v", err)
	}
	dir := t.TempDir()
	if err := SaveKeypair(dir, kp); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := LoadKeypair(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	sig := loaded.Sign([]byte("msg"))
	if err := Verify(kp.Public, []byte("msg"), sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := Verify(kp.Public, []byte("other"), sig); err == nil {
		t.Fatalf("expected verify failure")
	}
}

func TestGenKeypairWithAge(t *testing.T) {
	kp, err := GenKeypairWithAge(5, 5)
	if err != nil {
		t.Fatalf("gen failed: %v", err)
	}
	if kp.Public[31] != 5 {
		t.Fatalf("expected age 5, got %d", kp.Public[31])
	}
}

func TestResourceProof(t *testing.T) {
	var name [32]byte
	name[0] = 7
	nonce := []byte("challenge")
	sol, ok := SolveResourceProof(nonce, name, 8)
	if !ok {
		t.Fatalf("solve failed")
	}
	if !CheckResourceProof(nonce, name, sol, 8) {
		t.Fatalf("solution rejected")
	}
	if CheckResourceProof(nil, name, sol, 8) {
		t.Fatalf("empty nonce must be rejected")
	}
}

package network

import "testing"

func TestSlotsCapPerHost(t *testing.T) {
	s := newSlots(2)
	if !s.acquire("10.0.0.1") || !s.acquire("10.0.0.1") {
		t.Fatalf("acquire under the cap failed")
	}
	if s.acquire("10.0.0.1") {
		t.Fatalf("acquire over the cap succeeded")
	}
	if !s.acquire("10.0.0.2") {
		t.Fatalf("cap leaked across hosts")
	}
	s.release("10.0.0.1")
	if !s.acquire("10.0.0.1") {
		t.Fatalf("acquire after release failed")
	}
	s.release("10.0.0.2")
	if n := s.inUse("10.0.0.2"); n != 0 {
		t.Fatalf("released host still holds %d slots", n)
	}
}

func TestSlotsUncapped(t *testing.T) {
	s := newSlots(0)
	for i := 0; i < 100; i++ {
		if !s.acquire("10.0.0.1") {
			t.Fatalf("uncapped acquire %d failed", i)
		}
	}
	s.release("10.0.0.1")
}

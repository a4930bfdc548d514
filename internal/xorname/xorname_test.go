package xorname

import "testing"

func mustPrefix(t *testing.T, s string) Prefix {
	t.Helper()
	p, err := ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix %q failed: %v", s, err)
	}
	return p
}

func TestCmpDistance(t *testing.T) {
	var target, a, b XorName
	a[0] = 0x01
	b[0] = 0x80
	if target.CmpDistance(a, b) != -1 {
		t.Fatalf("expected a closer than b")
	}
	if target.CmpDistance(b, a) != 1 {
		t.Fatalf("expected b farther than a")
	}
	if target.CmpDistance(a, a) != 0 {
		t.Fatalf("expected equal distance")
	}
}

func TestCommonPrefix(t *testing.T) {
	var a, b XorName
	if got := a.CommonPrefix(b); got != Bits {
		t.Fatalf("expected %d, got %d", Bits, got)
	}
	b[1] = 0x20
	if got := a.CommonPrefix(b); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
}

func TestPrefixRelations(t *testing.T) {
	p0 := mustPrefix(t, "0")
	p01 := mustPrefix(t, "01")
	p00 := mustPrefix(t, "00")
	if !p01.IsExtensionOf(p0) {
		t.Fatalf("01 should extend 0")
	}
	if p0.IsExtensionOf(p01) || p0.IsExtensionOf(p0) {
		t.Fatalf("0 must not extend 01 or itself")
	}
	if !p01.IsSibling(p00) || p01.Sibling() != p00 {
		t.Fatalf("01 and 00 should be siblings")
	}
	if p01.Popped() != p0 {
		t.Fatalf("popped 01 should be 0, got %s", p01.Popped())
	}
	if p0.Pushed(true) != p01 {
		t.Fatalf("pushed 0 should be 01")
	}
	if !p0.IsCompatible(p01) || p00.IsCompatible(p01) {
		t.Fatalf("unexpected compatibility")
	}
	var name XorName
	name[0] = 0x40
	if !p01.Matches(name) || p00.Matches(name) {
		t.Fatalf("unexpected match result")
	}
	if !(Prefix{}).Matches(name) {
		t.Fatalf("empty prefix matches everything")
	}
}

func TestPrefixCmpDistance(t *testing.T) {
	var target XorName
	target[0] = 0x40 // 010...
	p01 := mustPrefix(t, "01")
	p1 := mustPrefix(t, "1")
	p00 := mustPrefix(t, "00")
	if p01.CmpDistance(p00, target) != -1 {
		t.Fatalf("01 should be closer than 00")
	}
	if p00.CmpDistance(p1, target) != -1 {
		t.Fatalf("00 should be closer than 1")
	}
}

func TestPrefixOrderAncestorFirst(t *testing.T) {
	p0 := mustPrefix(t, "0")
	p01 := mustPrefix(t, "01")
	p1 := mustPrefix(t, "1")
	if !p0.Less(p01) || !p01.Less(p1) {
		t.Fatalf("expected 0 < 01 < 1")
	}
}

func TestPrefixTextAndBinary(t *testing.T) {
	p := mustPrefix(t, "1011")
	txt, _ := p.MarshalText()
	if string(txt) != "1011" {
		t.Fatalf("unexpected text %q", txt)
	}
	raw, _ := p.MarshalBinary()
	var back Prefix
	if err := back.UnmarshalBinary(raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != p {
		t.Fatalf("expected %s, got %s", p, back)
	}
}

func TestNewPrefixClearsTrailingBits(t *testing.T) {
	name := Random()
	a := NewPrefix(name, 3)
	b := NewPrefix(name.WithBit(10, !name.Bit(10)), 3)
	if a != b {
		t.Fatalf("prefixes with equal leading bits should be equal")
	}
}

package xorname

import (
	"fmt"
	"strings"
)

// Prefix is the leading bits of a name. Bits past BitCount are always zero so
// two equal prefixes compare equal with ==.
type Prefix struct {
	bits uint16
	name XorName
}

func NewPrefix(name XorName, bitCount int) Prefix {
	if bitCount < 0 {
		bitCount = 0
	}
	if bitCount > Bits {
		bitCount = Bits
	}
	p := Prefix{bits: uint16(bitCount)}
	for i := 0; i < bitCount; i++ {
		if name.Bit(i) {
			p.name = p.name.WithBit(i, true)
		}
	}
	return p
}

// ParsePrefix reads a string of '0'/'1' characters.
func ParsePrefix(s string) (Prefix, error) {
	if len(s) > Bits {
		return Prefix{}, fmt.Errorf("prefix too long: %d", len(s))
	}
	var p Prefix
	for _, c := range s {
		switch c {
		case '0':
			p = p.Pushed(false)
		case '1':
			p = p.Pushed(true)
		default:
			return Prefix{}, fmt.Errorf("bad prefix char %q", c)
		}
	}
	return p, nil
}

func (p Prefix) BitCount() int { return int(p.bits) }

func (p Prefix) Name() XorName { return p.name }

func (p Prefix) IsEmpty() bool { return p.bits == 0 }

func (p Prefix) Bit(i int) bool {
	if i >= int(p.bits) {
		return false
	}
	return p.name.Bit(i)
}

func (p Prefix) Matches(name XorName) bool {
	return name.CommonPrefix(p.name) >= int(p.bits)
}

// IsCompatible reports whether one prefix is an ancestor of (or equal to) the other.
func (p Prefix) IsCompatible(other Prefix) bool {
	min := p.bits
	if other.bits < min {
		min = other.bits
	}
	return p.name.CommonPrefix(other.name) >= int(min)
}

// IsExtensionOf reports whether other is a proper prefix of p.
func (p Prefix) IsExtensionOf(other Prefix) bool {
	return p.bits > other.bits && other.Matches(p.name)
}

func (p Prefix) IsSibling(other Prefix) bool {
	if p.bits != other.bits || p.bits == 0 {
		return false
	}
	return p.Popped() == other.Popped() && p != other
}

func (p Prefix) Pushed(bit bool) Prefix {
	if int(p.bits) >= Bits {
		return p
	}
	out := p
	out.name = out.name.WithBit(int(p.bits), bit)
	out.bits++
	return out
}

func (p Prefix) Popped() Prefix {
	if p.bits == 0 {
		return p
	}
	out := p
	out.bits--
	out.name = out.name.WithBit(int(out.bits), false)
	return out
}

func (p Prefix) Sibling() Prefix {
	if p.bits == 0 {
		return p
	}
	last := int(p.bits) - 1
	out := p
	out.name = out.name.WithBit(last, !p.name.Bit(last))
	return out
}

// Ancestors lists every proper ancestor, root first.
func (p Prefix) Ancestors() []Prefix {
	out := make([]Prefix, 0, p.bits)
	for i := 0; i < int(p.bits); i++ {
		out = append(out, NewPrefix(p.name, i))
	}
	return out
}

// Substituted returns name with its leading bits replaced by the prefix.
func (p Prefix) Substituted(name XorName) XorName {
	for i := 0; i < int(p.bits); i++ {
		name = name.WithBit(i, p.name.Bit(i))
	}
	return name
}

// CmpDistance orders p and other by closeness to target: -1 if p is closer.
// More bits in common with target wins, then the longer prefix, then lexicographic order.
func (p Prefix) CmpDistance(other Prefix, target XorName) int {
	if p == other {
		return 0
	}
	cp := target.CommonPrefix(p.name)
	if cp > int(p.bits) {
		cp = int(p.bits)
	}
	co := target.CommonPrefix(other.name)
	if co > int(other.bits) {
		co = int(other.bits)
	}
	if cp != co {
		if cp > co {
			return -1
		}
		return 1
	}
	if p.bits != other.bits {
		if p.bits > other.bits {
			return -1
		}
		return 1
	}
	return p.Compare(other)
}

// Compare gives a total order where an ancestor sorts before its descendants.
func (p Prefix) Compare(other Prefix) int {
	min := p.bits
	if other.bits < min {
		min = other.bits
	}
	for i := 0; i < int(min); i++ {
		a, b := p.name.Bit(i), other.name.Bit(i)
		if a != b {
			if !a {
				return -1
			}
			return 1
		}
	}
	switch {
	case p.bits < other.bits:
		return -1
	case p.bits > other.bits:
		return 1
	}
	return 0
}

func (p Prefix) Less(other Prefix) bool { return p.Compare(other) < 0 }

func (p Prefix) String() string {
	var b strings.Builder
	b.WriteString("Prefix(")
	b.WriteString(p.bitString())
	b.WriteString(")")
	return b.String()
}

func (p Prefix) bitString() string {
	var b strings.Builder
	for i := 0; i < int(p.bits); i++ {
		if p.name.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func (p Prefix) MarshalText() ([]byte, error) {
	return []byte(p.bitString()), nil
}

func (p *Prefix) UnmarshalText(b []byte) error {
	out, err := ParsePrefix(string(b))
	if err != nil {
		return err
	}
	*p = out
	return nil
}

func (p Prefix) MarshalBinary() ([]byte, error) {
	out := make([]byte, 2+Len)
	out[0] = byte(p.bits >> 8)
	out[1] = byte(p.bits)
	copy(out[2:], p.name[:])
	return out, nil
}

func (p *Prefix) UnmarshalBinary(b []byte) error {
	if len(b) != 2+Len {
		return fmt.Errorf("prefix: bad length %d", len(b))
	}
	bits := int(b[0])<<8 | int(b[1])
	if bits > Bits {
		return fmt.Errorf("prefix: bad bit count %d", bits)
	}
	var name XorName
	copy(name[:], b[2:])
	*p = NewPrefix(name, bits)
	return nil
}

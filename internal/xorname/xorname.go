package xorname

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	Len  = 32
	Bits = Len * 8
)

// XorName is a 256-bit identifier in the network's address space.
type XorName [Len]byte

func FromContent(parts ...[]byte) XorName {
	h := sha3.New256()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out XorName
	copy(out[:], h.Sum(nil))
	return out
}

// FromPublicKey is a node's name: its ed25519 public key.
func FromPublicKey(pub []byte) XorName {
	var out XorName
	copy(out[:], pub)
	return out
}

func Random() XorName {
	var out XorName
	_, _ = rand.Read(out[:])
	return out
}

// Bit returns the i-th bit counting from the most significant one.
func (n XorName) Bit(i int) bool {
	if i < 0 || i >= Bits {
		return false
	}
	return n[i/8]&(0x80>>uint(i%8)) != 0
}

func (n XorName) WithBit(i int, v bool) XorName {
	if i < 0 || i >= Bits {
		return n
	}
	mask := byte(0x80 >> uint(i%8))
	if v {
		n[i/8] |= mask
	} else {
		n[i/8] &^= mask
	}
	return n
}

// Age is carried in the last byte of a node's name.
func (n XorName) Age() uint8 {
	return n[Len-1]
}

func (n XorName) Xor(other XorName) XorName {
	var out XorName
	for i := range n {
		out[i] = n[i] ^ other[i]
	}
	return out
}

// CmpDistance orders a and b by XOR distance to n: -1 if a is closer.
func (n XorName) CmpDistance(a, b XorName) int {
	for i := 0; i < Len; i++ {
		da := a[i] ^ n[i]
		db := b[i] ^ n[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CommonPrefix counts the leading bits n and other share.
func (n XorName) CommonPrefix(other XorName) int {
	for i := 0; i < Len; i++ {
		x := n[i] ^ other[i]
		if x == 0 {
			continue
		}
		j := 0
		for x&0x80 == 0 {
			x <<= 1
			j++
		}
		return i*8 + j
	}
	return Bits
}

func (n XorName) Compare(other XorName) int {
	for i := 0; i < Len; i++ {
		if n[i] != other[i] {
			if n[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (n XorName) String() string {
	return hex.EncodeToString(n[:3])
}

func (n XorName) Hex() string {
	return hex.EncodeToString(n[:])
}

func (n XorName) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(n[:])), nil
}

func (n *XorName) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != Len {
		return fmt.Errorf("xorname: bad length %d", len(raw))
	}
	copy(n[:], raw)
	return nil
}

func FromHex(s string) (XorName, error) {
	var n XorName
	err := n.UnmarshalText([]byte(s))
	return n, err
}

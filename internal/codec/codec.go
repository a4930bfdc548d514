// Package codec is the canonical binary encoding used for every signed or
// content-addressed value.
package codec

import (
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal is for values whose encoding cannot fail (no channels, funcs or cycles).
func MustMarshal(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Hash is sha3-256 of the canonical encoding.
func Hash(v any) ([32]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha3.Sum256(b), nil
}

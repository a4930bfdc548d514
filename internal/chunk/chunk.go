// Package chunk defines the immutable content-addressed unit of storage.
package chunk

import (
	"errors"
	"fmt"

	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// MaxSize is the largest chunk a node accepts.
const MaxSize = 1<<20 + 10<<10

var (
	ErrTooLarge        = errors.New("chunk too large")
	ErrAddressMismatch = errors.New("chunk address does not match content")
)

type Chunk struct {
	Address xorname.XorName `json:"address"`
	Value   []byte          `json:"value"`
}

func New(value []byte) Chunk {
	return Chunk{Address: AddressOf(value), Value: value}
}

func AddressOf(value []byte) xorname.XorName {
	return xorname.FromContent(value)
}

func (c Chunk) Size() int { return len(c.Value) }

func (c Chunk) Validate() error {
	if len(c.Value) > MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(c.Value))
	}
	if AddressOf(c.Value) != c.Address {
		return fmt.Errorf("%w: %s", ErrAddressMismatch, c.Address)
	}
	return nil
}

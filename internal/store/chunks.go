package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/maidsafe/temp-safe-network-sub015/internal/chunk"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/logging"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

var log = logging.MustGetLogger("store")

// DefaultWriteSlots bounds concurrent backend writes.
const DefaultWriteSlots = 8

// ChunkStore keeps chunks under hex(address).
type ChunkStore struct {
	backend Backend
	used    *UsedSpace
	local   atomic.Uint64
	writes  *semaphore.Weighted
	flight  singleflight.Group
}

func NewChunkStore(backend Backend, used *UsedSpace, writeSlots int) (*ChunkStore, error) {
	if writeSlots <= 0 {
		writeSlots = DefaultWriteSlots
	}
	s := &ChunkStore{backend: backend, used: used, writes: semaphore.NewWeighted(int64(writeSlots))}
	size, err := backend.Size()
	if err != nil {
		return nil, err
	}
	s.local.Store(size)
	return s, nil
}

// Put stores c. Storing an address already present succeeds without
// writing; concurrent puts of one address share a single write.
func (s *ChunkStore) Put(ctx context.Context, c chunk.Chunk) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	key := c.Address.Hex()
	_, err, _ := s.flight.Do(key, func() (any, error) {
		ok, err := s.backend.Has(key)
		if err != nil || ok {
			return nil, err
		}
		size := uint64(len(c.Value))
		if err := s.used.Reserve(size); err != nil {
			return nil, err
		}
		if err := s.submit(ctx, func() error { return s.backend.Put(key, c.Value) }); err != nil {
			s.used.Release(size)
			return nil, err
		}
		s.local.Add(size)
		log.Debugf("stored chunk %s (%d bytes)", c.Address, size)
		return nil, nil
	})
	return err
}

// submit runs a backend write once a write slot is free, blocking the caller.
func (s *ChunkStore) submit(ctx context.Context, write func() error) error {
	if err := s.writes.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.writes.Release(1)
	return write()
}

func (s *ChunkStore) Get(addr xorname.XorName) (chunk.Chunk, error) {
	b, err := s.backend.Get(addr.Hex())
	if err != nil {
		return chunk.Chunk{}, err
	}
	c := chunk.Chunk{Address: addr, Value: b}
	if err := c.Validate(); err != nil {
		return chunk.Chunk{}, fmt.Errorf("stored chunk corrupt: %w", err)
	}
	return c, nil
}

func (s *ChunkStore) Has(addr xorname.XorName) bool {
	ok, _ := s.backend.Has(addr.Hex())
	return ok
}

// Delete removes a chunk; a missing chunk is not an error.
func (s *ChunkStore) Delete(addr xorname.XorName) error {
	b, err := s.backend.Get(addr.Hex())
	if errors.Is(err, errs.ErrDataNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.backend.Delete(addr.Hex()); err != nil {
		return err
	}
	size := uint64(len(b))
	s.used.Release(size)
	s.local.Add(^(size - 1))
	return nil
}

func (s *ChunkStore) List() ([]xorname.XorName, error) {
	keys, err := s.backend.List()
	if err != nil {
		return nil, err
	}
	out := make([]xorname.XorName, 0, len(keys))
	for _, k := range keys {
		name, err := xorname.FromHex(k)
		if err != nil {
			log.Warningf("skipping stray chunk file %q", k)
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// LocalSize is the bytes this store holds.
func (s *ChunkStore) LocalSize() uint64 { return s.local.Load() }

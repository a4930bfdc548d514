package store

import (
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

const (
	ChunksDir    = "chunks"
	RegistersDir = "registers"
)

// Stores is a node's storage: chunks, registers and the shared counter.
type Stores struct {
	Chunks    *ChunkStore
	Registers *RegisterStore
	Used      *UsedSpace
}

// Open lays out root as chunks/, registers/ and used_space.
func Open(root string, maxCapacity uint64) (*Stores, error) {
	chunks, err := NewDiskBackend(filepath.Join(root, ChunksDir))
	if err != nil {
		return nil, err
	}
	regDir, err := NewDiskBackend(filepath.Join(root, RegistersDir))
	if err != nil {
		return nil, err
	}
	logs, err := OpenBoltLogBackend(filepath.Join(regDir.dir, RegistersDBFile))
	if err != nil {
		return nil, err
	}
	rebuild := func() (uint64, error) {
		a, err := chunks.Size()
		if err != nil {
			return 0, err
		}
		b, err := logs.Size()
		return a + b, err
	}
	used, err := OpenUsedSpace(filepath.Join(root, UsedSpaceFile), maxCapacity, rebuild)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	cs, err := NewChunkStore(chunks, used, DefaultWriteSlots)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &Stores{Chunks: cs, Registers: NewRegisterStore(logs, used), Used: used}, nil
}

// OpenMemory builds stores that live only in memory.
func OpenMemory(maxCapacity uint64) *Stores {
	used := NewUsedSpace(maxCapacity)
	cs, _ := NewChunkStore(NewMemBackend(), used, DefaultWriteSlots)
	return &Stores{Chunks: cs, Registers: NewRegisterStore(NewMemLogBackend(), used), Used: used}
}

func (s *Stores) Close() error {
	var result *multierror.Error
	if err := s.Registers.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.Used.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

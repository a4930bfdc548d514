// Package store holds a node's chunks and register logs, and accounts for
// the space they use against the node's capacity.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
)

// Backend is a flat key/value space. Get of a missing key returns an error
// wrapping errs.ErrDataNotFound.
type Backend interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Has(key string) (bool, error)
	Delete(key string) error
	List() ([]string, error)
	Size() (uint64, error)
}

type MemBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string][]byte)}
}

func (m *MemBackend) Put(key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemBackend) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrDataNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemBackend) Has(key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.data[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemBackend) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemBackend) List() ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (m *MemBackend) Size() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n uint64
	for _, v := range m.data {
		n += uint64(len(v))
	}
	return n, nil
}

// DiskBackend stores one file per key. Writes land in a temp file that is
// synced and renamed into place.
type DiskBackend struct {
	dir string
}

func NewDiskBackend(dir string) (*DiskBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrFatalConfig, err)
	}
	return &DiskBackend{dir: dir}, nil
}

const tmpSuffix = ".tmp"

func (d *DiskBackend) path(key string) string { return filepath.Join(d.dir, key) }

func (d *DiskBackend) Put(key string, value []byte) error {
	return writeFileAtomic(d.path(key), value)
}

func (d *DiskBackend) Get(key string) ([]byte, error) {
	b, err := os.ReadFile(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errs.ErrDataNotFound, key)
	}
	return b, err
}

func (d *DiskBackend) Has(key string) (bool, error) {
	_, err := os.Stat(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *DiskBackend) Delete(key string) error {
	err := os.Remove(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		syncDir(d.path(key))
	}
	return err
}

func (d *DiskBackend) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

func (d *DiskBackend) Size() (uint64, error) {
	keys, err := d.List()
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, k := range keys {
		fi, err := os.Stat(d.path(k))
		if err != nil {
			continue
		}
		n += uint64(fi.Size())
	}
	return n, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

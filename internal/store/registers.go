package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/register"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// LogBackend keeps one append-only record log per register.
type LogBackend interface {
	Append(id xorname.XorName, record []byte) error
	Log(id xorname.XorName) ([][]byte, error)
	Delete(id xorname.XorName) error
	List() ([]xorname.XorName, error)
	Size() (uint64, error)
	Close() error
}

type MemLogBackend struct {
	mu   sync.RWMutex
	logs map[xorname.XorName][][]byte
}

func NewMemLogBackend() *MemLogBackend {
	return &MemLogBackend{logs: make(map[xorname.XorName][][]byte)}
}

func (m *MemLogBackend) Append(id xorname.XorName, record []byte) error {
	m.mu.Lock()
	m.logs[id] = append(m.logs[id], append([]byte(nil), record...))
	m.mu.Unlock()
	return nil
}

func (m *MemLogBackend) Log(id xorname.XorName) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, ok := m.logs[id]
	if !ok {
		return nil, fmt.Errorf("%w: register %s", errs.ErrDataNotFound, id)
	}
	return append([][]byte(nil), recs...), nil
}

func (m *MemLogBackend) Delete(id xorname.XorName) error {
	m.mu.Lock()
	delete(m.logs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemLogBackend) List() ([]xorname.XorName, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]xorname.XorName, 0, len(m.logs))
	for id := range m.logs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

func (m *MemLogBackend) Size() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n uint64
	for _, recs := range m.logs {
		for _, r := range recs {
			n += uint64(len(r))
		}
	}
	return n, nil
}

func (m *MemLogBackend) Close() error { return nil }

// BoltLogBackend keeps each register's log in its own bucket, keyed by
// the bucket sequence.
type BoltLogBackend struct {
	db *bolt.DB
}

const RegistersDBFile = "registers.db"

func OpenBoltLogBackend(path string) (*BoltLogBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrFatalConfig, path, err)
	}
	return &BoltLogBackend{db: db}, nil
}

func (b *BoltLogBackend) Append(id xorname.XorName, record []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(id[:])
		if err != nil {
			return err
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], record)
	})
}

func (b *BoltLogBackend) Log(id xorname.XorName) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(id[:])
		if bkt == nil {
			return fmt.Errorf("%w: register %s", errs.ErrDataNotFound, id)
		}
		return bkt.ForEach(func(_, v []byte) error {
			out = append(out, bytes.Clone(v))
			return nil
		})
	})
	return out, err
}

func (b *BoltLogBackend) Delete(id xorname.XorName) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(id[:])
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (b *BoltLogBackend) List() ([]xorname.XorName, error) {
	var out []xorname.XorName
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			var id xorname.XorName
			if len(name) != len(id) {
				return nil
			}
			copy(id[:], name)
			out = append(out, id)
			return nil
		})
	})
	return out, err
}

func (b *BoltLogBackend) Size() (uint64, error) {
	var n uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(_ []byte, bkt *bolt.Bucket) error {
			return bkt.ForEach(func(_, v []byte) error {
				n += uint64(len(v))
				return nil
			})
		})
	})
	return n, err
}

func (b *BoltLogBackend) Close() error { return b.db.Close() }

// RegisterStore applies register commands to the per-register logs.
type RegisterStore struct {
	mu      sync.Mutex
	backend LogBackend
	used    *UsedSpace
	cache   map[xorname.XorName]*replica
}

// replica is a live register, or the tombstone a delete left in its log.
type replica struct {
	create  register.Create
	reg     *register.Register
	deleted *register.Delete
}

func NewRegisterStore(backend LogBackend, used *UsedSpace) *RegisterStore {
	return &RegisterStore{backend: backend, used: used, cache: make(map[xorname.XorName]*replica)}
}

func (s *RegisterStore) load(id xorname.XorName) (*replica, error) {
	if r, ok := s.cache[id]; ok {
		return r, nil
	}
	recs, err := s.backend.Log(id)
	if err != nil {
		return nil, err
	}
	var r *replica
	for i, rec := range recs {
		var cmd register.Cmd
		if err := codec.Unmarshal(rec, &cmd); err != nil {
			return nil, fmt.Errorf("register %s record %d: %w", id, i, err)
		}
		switch {
		case i == 0 && cmd.Create != nil:
			r = &replica{create: *cmd.Create, reg: cmd.Create.Register()}
		case i == 0 && cmd.Delete != nil:
			r = &replica{deleted: cmd.Delete}
		case r != nil && cmd.Edit != nil:
			if err := r.reg.Apply(*cmd.Edit); err != nil {
				return nil, fmt.Errorf("register %s record %d: %w", id, i, err)
			}
		default:
			return nil, fmt.Errorf("register %s record %d: unexpected %s", id, i, cmd)
		}
	}
	if r == nil {
		return nil, fmt.Errorf("%w: register %s", errs.ErrDataNotFound, id)
	}
	s.cache[id] = r
	return r, nil
}

func (s *RegisterStore) append(id xorname.XorName, cmd register.Cmd) error {
	rec, err := codec.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := s.used.Reserve(uint64(len(rec))); err != nil {
		return err
	}
	if err := s.backend.Append(id, rec); err != nil {
		s.used.Release(uint64(len(rec)))
		return err
	}
	return nil
}

// Apply validates and records a command. Re-applying a command already
// recorded succeeds without change.
func (s *RegisterStore) Apply(cmd register.Cmd) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	id := cmd.Address().ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case cmd.Create != nil:
		if err := cmd.Create.Verify(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		existing, err := s.load(id)
		if err == nil && existing.deleted != nil {
			return fmt.Errorf("%w: register %s was deleted", errs.ErrValidation, cmd.Address())
		}
		if err == nil {
			if bytes.Equal(codec.MustMarshal(existing.create), codec.MustMarshal(*cmd.Create)) {
				return nil
			}
			return fmt.Errorf("%w: register %s exists", errs.ErrValidation, cmd.Address())
		}
		if !errors.Is(err, errs.ErrDataNotFound) {
			return err
		}
		if err := s.append(id, cmd); err != nil {
			return err
		}
		s.cache[id] = &replica{create: *cmd.Create, reg: cmd.Create.Register()}
		return nil

	case cmd.Edit != nil:
		r, err := s.load(id)
		if err != nil {
			return err
		}
		if r.deleted != nil {
			return fmt.Errorf("%w: register %s was deleted", errs.ErrDataNotFound, cmd.Address())
		}
		if _, ok := r.reg.Get(cmd.Edit.Hash()); ok {
			return nil
		}
		next := r.reg.Clone()
		if err := next.Apply(*cmd.Edit); err != nil {
			return err
		}
		if err := s.append(id, cmd); err != nil {
			return err
		}
		r.reg = next
		return nil

	default:
		r, err := s.load(id)
		if err != nil {
			return err
		}
		if r.deleted != nil {
			return nil
		}
		if err := cmd.Delete.Authorize(r.create.Policy); err != nil {
			return err
		}
		recs, err := s.backend.Log(id)
		if err != nil {
			return err
		}
		if err := s.backend.Delete(id); err != nil {
			return err
		}
		var n uint64
		for _, rec := range recs {
			n += uint64(len(rec))
		}
		s.used.Release(n)
		delete(s.cache, id)
		// the log now holds only the delete, so repeats and late edits
		// find the tombstone
		if err := s.append(id, cmd); err != nil {
			return err
		}
		d := *cmd.Delete
		s.cache[id] = &replica{deleted: &d}
		return nil
	}
}

// Get returns the register's snapshot for a reader allowed to read it.
func (s *RegisterStore) Get(addr register.Address, reader register.User) (register.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.load(addr.ID())
	if err != nil {
		return register.Snapshot{}, err
	}
	if r.deleted != nil || r.reg.Address() != addr {
		return register.Snapshot{}, fmt.Errorf("%w: register %s", errs.ErrDataNotFound, addr)
	}
	if err := r.reg.Check(reader, register.Read); err != nil {
		return register.Snapshot{}, err
	}
	return r.reg.Snapshot(r.create), nil
}

// Cmds returns the commands that rebuild register id on another replica,
// the creation first. A deleted register is its delete alone.
func (s *RegisterStore) Cmds(id xorname.XorName) ([]register.Cmd, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if r.deleted != nil {
		return []register.Cmd{{Delete: r.deleted}}, nil
	}
	create := r.create
	out := []register.Cmd{{Create: &create}}
	for _, op := range r.reg.Ops() {
		op := op
		out = append(out, register.Cmd{Edit: &op})
	}
	return out, nil
}

func (s *RegisterStore) List() ([]xorname.XorName, error) { return s.backend.List() }

func (s *RegisterStore) Close() error { return s.backend.Close() }

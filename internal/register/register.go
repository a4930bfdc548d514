// Package register implements the register CRDT: a Merkle DAG of entries
// whose heads are the entries no other entry names as a parent.
package register

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
)

// MaxEntrySize bounds a single entry's payload.
const MaxEntrySize = 1024

var (
	ErrEntryTooLarge   = errors.New("register entry too large")
	ErrMissingParent   = errors.New("register entry parent unknown")
	ErrWrongAddress    = errors.New("operation for another register")
	ErrBadOpSignature  = errors.New("bad register operation signature")
	ErrRegisterMissing = errors.New("register not found")
)

type Entry []byte

type EntryHash [32]byte

func (h EntryHash) String() string { return hex.EncodeToString(h[:4]) }

func (h EntryHash) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(h[:])), nil }

func (h *EntryHash) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil || len(raw) != len(h) {
		return fmt.Errorf("bad entry hash %q", b)
	}
	copy(h[:], raw)
	return nil
}

func sortHashes(hs []EntryHash) []EntryHash {
	out := append([]EntryHash(nil), hs...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// nonNil keeps empty entries encoding the same whether or not they were
// decoded from the wire.
func nonNil(e Entry) []byte {
	if e == nil {
		return []byte{}
	}
	return e
}

// HashEntry is the Merkle node hash of an entry under its parents.
func HashEntry(entry Entry, parents []EntryHash) EntryHash {
	h, err := codec.Hash(struct {
		Parents []EntryHash `cbor:"1,keyasint"`
		Entry   []byte      `cbor:"2,keyasint"`
	}{sortHashes(parents), nonNil(entry)})
	if err != nil {
		panic(err)
	}
	return EntryHash(h)
}

// Op is a signed edit adding one entry.
type Op struct {
	Address   Address     `json:"address"`
	Parents   []EntryHash `json:"parents"`
	Entry     Entry       `json:"entry"`
	Source    User        `json:"source"`
	Signature []byte      `json:"signature"`
}

func (op Op) Hash() EntryHash { return HashEntry(op.Entry, op.Parents) }

func (op Op) signingBytes() []byte {
	return codec.MustMarshal(struct {
		Address Address
		Parents []EntryHash
		Entry   []byte
		Source  User
	}{op.Address, sortHashes(op.Parents), nonNil(op.Entry), op.Source})
}

// NewOp builds and signs an edit.
func NewOp(addr Address, entry Entry, parents []EntryHash, kp crypto.Keypair) Op {
	op := Op{Address: addr, Parents: sortHashes(parents), Entry: entry, Source: UserFromKey(kp.Public)}
	op.Signature = kp.Sign(op.signingBytes())
	return op
}

func (op Op) Verify() error {
	if err := crypto.Verify(op.Source.Key(), op.signingBytes(), op.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadOpSignature, err)
	}
	return nil
}

type Item struct {
	Hash  EntryHash `json:"hash"`
	Entry Entry     `json:"entry"`
}

// Register is one replica. It is not safe for concurrent use.
type Register struct {
	addr    Address
	policy  Policy
	ops     map[EntryHash]Op
	order   []EntryHash
	parents map[EntryHash]struct{}
}

func New(addr Address, policy Policy) *Register {
	return &Register{
		addr:    addr,
		policy:  policy,
		ops:     make(map[EntryHash]Op),
		parents: make(map[EntryHash]struct{}),
	}
}

func (r *Register) Address() Address { return r.addr }

func (r *Register) Policy() Policy { return r.policy }

func (r *Register) Size() int { return len(r.ops) }

func (r *Register) Check(user User, action Action) error {
	return r.policy.Check(user, action, r.addr.Private)
}

// Apply verifies an op and adds its entry. Re-applying a known op is a no-op.
func (r *Register) Apply(op Op) error {
	if op.Address != r.addr {
		return fmt.Errorf("%w: %s", ErrWrongAddress, op.Address)
	}
	h := op.Hash()
	if _, ok := r.ops[h]; ok {
		return nil
	}
	if len(op.Entry) > MaxEntrySize {
		return fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, len(op.Entry))
	}
	if err := op.Verify(); err != nil {
		return err
	}
	if err := r.Check(op.Source, Write); err != nil {
		return err
	}
	for _, p := range op.Parents {
		if _, ok := r.ops[p]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingParent, p)
		}
	}
	r.ops[h] = op
	r.order = append(r.order, h)
	for _, p := range op.Parents {
		r.parents[p] = struct{}{}
	}
	return nil
}

// Write signs and applies an entry with the given parents.
func (r *Register) Write(entry Entry, parents []EntryHash, kp crypto.Keypair) (EntryHash, Op, error) {
	op := NewOp(r.addr, entry, parents, kp)
	if err := r.Apply(op); err != nil {
		return EntryHash{}, Op{}, err
	}
	return op.Hash(), op, nil
}

// WriteMergingBranches writes entry with every current head as a parent.
func (r *Register) WriteMergingBranches(entry Entry, kp crypto.Keypair) (EntryHash, Op, error) {
	return r.Write(entry, r.Heads(), kp)
}

func (r *Register) Heads() []EntryHash {
	var out []EntryHash
	for h := range r.ops {
		if _, ok := r.parents[h]; !ok {
			out = append(out, h)
		}
	}
	return sortHashes(out)
}

// Read returns the head entries ordered by hash.
func (r *Register) Read() []Item {
	heads := r.Heads()
	out := make([]Item, len(heads))
	for i, h := range heads {
		out[i] = Item{Hash: h, Entry: r.ops[h].Entry}
	}
	return out
}

func (r *Register) Get(h EntryHash) (Entry, bool) {
	op, ok := r.ops[h]
	return op.Entry, ok
}

// Ops lists every op with parents before children.
func (r *Register) Ops() []Op {
	out := make([]Op, len(r.order))
	for i, h := range r.order {
		out[i] = r.ops[h]
	}
	return out
}

// Merge folds other's entries into r. Both replicas must be of the same
// register; the result is independent of merge order.
func (r *Register) Merge(other *Register) error {
	if other.addr != r.addr {
		return fmt.Errorf("%w: %s", ErrWrongAddress, other.addr)
	}
	for _, op := range other.Ops() {
		if err := r.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

func (r *Register) Clone() *Register {
	c := New(r.addr, r.policy)
	for _, op := range r.Ops() {
		c.ops[op.Hash()] = op
		c.order = append(c.order, op.Hash())
		for _, p := range op.Parents {
			c.parents[p] = struct{}{}
		}
	}
	return c
}

// Hashes returns every entry hash, sorted.
func (r *Register) Hashes() []EntryHash {
	out := make([]EntryHash, 0, len(r.ops))
	for h := range r.ops {
		out = append(out, h)
	}
	return sortHashes(out)
}

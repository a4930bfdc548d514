package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maidsafe/temp-safe-network-sub015/internal/chunk"
	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/register"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func TestChunkPutIdempotentAndCounted(t *testing.T) {
	st := OpenMemory(1 << 20)
	c := chunk.New([]byte("hello"))
	for i := 0; i < 2; i++ {
		if err := st.Chunks.Put(context.Background(), c); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	if got := st.Used.Total(); got != 5 {
		t.Fatalf("expected 5 used bytes, got %d", got)
	}
	got, err := st.Chunks.Get(c.Address)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("chunk mismatch (-want +got):\n%s", diff)
	}
	if err := st.Chunks.Delete(c.Address); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := st.Chunks.Delete(c.Address); err != nil {
		t.Fatalf("delete of missing chunk failed: %v", err)
	}
	if st.Used.Total() != 0 || st.Chunks.LocalSize() != 0 {
		t.Fatalf("counters not released: %d %d", st.Used.Total(), st.Chunks.LocalSize())
	}
	if _, err := st.Chunks.Get(c.Address); !errors.Is(err, errs.ErrDataNotFound) {
		t.Fatalf("expected ErrDataNotFound, got %v", err)
	}
}

func TestChunkPutRejectsBadChunks(t *testing.T) {
	st := OpenMemory(10)
	if err := st.Chunks.Put(context.Background(), chunk.New(make([]byte, 11))); !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	forged := chunk.Chunk{Address: xorname.Random(), Value: []byte("x")}
	if err := st.Chunks.Put(context.Background(), forged); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if st.Used.Total() != 0 {
		t.Fatalf("failed puts must not consume space")
	}
}

func TestConcurrentPutsOfOneChunk(t *testing.T) {
	st := OpenMemory(1 << 20)
	c := chunk.New([]byte("same content"))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.Chunks.Put(context.Background(), c); err != nil {
				t.Errorf("put failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := st.Used.Total(); got != uint64(len(c.Value)) {
		t.Fatalf("expected %d used bytes, got %d", len(c.Value), got)
	}
}

func TestUsedSpaceRebuiltFromFiles(t *testing.T) {
	root := t.TempDir()
	st, err := Open(root, 1<<20)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for _, v := range []string{"one", "three"} {
		if err := st.Chunks.Put(context.Background(), chunk.New([]byte(v))); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, UsedSpaceFile), []byte("garbage"), 0600); err != nil {
		t.Fatalf("corrupt counter failed: %v", err)
	}
	st, err = Open(root, 1<<20)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()
	if got := st.Used.Total(); got != 8 {
		t.Fatalf("expected rebuilt total 8, got %d", got)
	}
	names, err := st.Chunks.List()
	if err != nil || len(names) != 2 {
		t.Fatalf("expected 2 chunks listed, got %d (%v)", len(names), err)
	}
}

func TestStorageLevelChanges(t *testing.T) {
	used := NewUsedSpace(100)
	if _, changed := used.LevelChanged(); changed {
		t.Fatalf("level should start unchanged")
	}
	if err := used.Reserve(9); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, changed := used.LevelChanged(); changed {
		t.Fatalf("9%% is still level 0")
	}
	if err := used.Reserve(1); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if l, changed := used.LevelChanged(); !changed || l != 1 {
		t.Fatalf("expected change to level 1, got %d %v", l, changed)
	}
	if LevelFor(100, 100) != 10 || LevelFor(5, 0) != 10 {
		t.Fatalf("full level mismatch")
	}
}

func TestReserveRollsBackWhenNotPersisted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	used, err := OpenUsedSpace(filepath.Join(dir, UsedSpaceFile), 100, func() (uint64, error) { return 0, nil })
	if err != nil {
		t.Fatalf("open used space failed: %v", err)
	}
	if err := used.Reserve(10); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := used.Reserve(20); err == nil {
		t.Fatalf("expected reserve to fail without its file")
	}
	if got := used.Total(); got != 10 {
		t.Fatalf("total %d after a failed reserve, want 10", got)
	}
}

func TestRegisterStoreLifecycle(t *testing.T) {
	root := t.TempDir()
	st, err := Open(root, 1<<20)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	owner, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	addr := register.Address{Name: xorname.Random(), Tag: 25000, Private: true}
	create := register.NewCreate(addr, register.NewPolicy(register.UserFromKey(owner.Public)), owner)
	if err := st.Registers.Apply(register.Cmd{Create: &create}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := st.Registers.Apply(register.Cmd{Create: &create}); err != nil {
		t.Fatalf("repeated create failed: %v", err)
	}
	op := register.NewOp(addr, register.Entry("v1"), nil, owner)
	if err := st.Registers.Apply(register.Cmd{Edit: &op}); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	st, err = Open(root, 1<<20)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()
	ownerUser := register.UserFromKey(owner.Public)
	snap, err := st.Registers.Get(addr, ownerUser)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(snap.Ops) != 1 || snap.Ops[0].Hash() != op.Hash() {
		t.Fatalf("unexpected ops after reopen: %d", len(snap.Ops))
	}
	stranger, _ := crypto.GenKeypair()
	if _, err := st.Registers.Get(addr, register.UserFromKey(stranger.Public)); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	del := register.NewDelete(addr, stranger)
	if err := st.Registers.Apply(register.Cmd{Delete: &del}); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("stranger delete: expected ErrPermissionDenied, got %v", err)
	}
	del = register.NewDelete(addr, owner)
	if err := st.Registers.Apply(register.Cmd{Delete: &del}); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if _, err := st.Registers.Get(addr, ownerUser); !errors.Is(err, errs.ErrDataNotFound) {
		t.Fatalf("expected ErrDataNotFound after delete, got %v", err)
	}
	tombstone := uint64(len(codec.MustMarshal(register.Cmd{Delete: &del})))
	if st.Used.Total() != tombstone {
		t.Fatalf("used %d after delete, want only the %d byte tombstone", st.Used.Total(), tombstone)
	}
}

func TestRegisterDeleteIsIdempotent(t *testing.T) {
	root := t.TempDir()
	st, err := Open(root, 1<<20)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	owner, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	addr := register.Address{Name: xorname.Random(), Tag: 7, Private: true}
	create := register.NewCreate(addr, register.NewPolicy(register.UserFromKey(owner.Public)), owner)
	if err := st.Registers.Apply(register.Cmd{Create: &create}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	op := register.NewOp(addr, register.Entry("secret"), nil, owner)
	del := register.NewDelete(addr, owner)
	for i := 0; i < 2; i++ {
		if err := st.Registers.Apply(register.Cmd{Delete: &del}); err != nil {
			t.Fatalf("delete %d failed: %v", i+1, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	st, err = Open(root, 1<<20)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()
	if err := st.Registers.Apply(register.Cmd{Delete: &del}); err != nil {
		t.Fatalf("delete after reopen failed: %v", err)
	}
	if err := st.Registers.Apply(register.Cmd{Edit: &op}); !errors.Is(err, errs.ErrDataNotFound) {
		t.Fatalf("edit of a deleted register: expected ErrDataNotFound, got %v", err)
	}
	if err := st.Registers.Apply(register.Cmd{Create: &create}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("create over a deleted register: expected ErrValidation, got %v", err)
	}
	cmds, err := st.Registers.Cmds(addr.ID())
	if err != nil {
		t.Fatalf("cmds failed: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Delete == nil {
		t.Fatalf("expected the delete alone, got %v", cmds)
	}
}

func BenchmarkChunkPut(b *testing.B) {
	st := OpenMemory(1 << 40)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v := []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
		if err := st.Chunks.Put(context.Background(), chunk.New(v)); err != nil {
			b.Fatalf("put failed: %v", err)
		}
	}
}

package register

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func keypair(t *testing.T) crypto.Keypair {
	t.Helper()
	kp, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	return kp
}

func publicRegister(t *testing.T, owner crypto.Keypair) (*Register, Create) {
	t.Helper()
	addr := Address{Name: xorname.Random(), Tag: 25000}
	c := NewCreate(addr, NewPolicy(UserFromKey(owner.Public)), owner)
	if err := c.Verify(); err != nil {
		t.Fatalf("create verify failed: %v", err)
	}
	return c.Register(), c
}

func TestHeadsFollowParents(t *testing.T) {
	kp := keypair(t)
	r, _ := publicRegister(t, kp)
	h1, _, err := r.Write(Entry("a"), nil, kp)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, _, err := r.Write(Entry("b"), nil, kp); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := len(r.Heads()); got != 2 {
		t.Fatalf("expected 2 heads, got %d", got)
	}
	h3, _, err := r.WriteMergingBranches(Entry("c"), kp)
	if err != nil {
		t.Fatalf("merge write failed: %v", err)
	}
	if diff := cmp.Diff([]EntryHash{h3}, r.Heads()); diff != "" {
		t.Fatalf("heads mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.Get(h1); !ok {
		t.Fatalf("old entry lost")
	}
	if _, _, err := r.Write(Entry("d"), []EntryHash{HashEntry(Entry("x"), nil)}, kp); !errors.Is(err, ErrMissingParent) {
		t.Fatalf("expected ErrMissingParent, got %v", err)
	}
}

func TestEntrySizeAndPermissions(t *testing.T) {
	owner, other := keypair(t), keypair(t)
	r, _ := publicRegister(t, owner)
	if _, _, err := r.Write(make(Entry, MaxEntrySize+1), nil, owner); !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}
	if _, _, err := r.Write(Entry("x"), nil, other); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := r.Check(UserFromKey(other.Public), Read); err != nil {
		t.Fatalf("public register must be readable: %v", err)
	}

	open := New(r.Address(), NewPolicy(UserFromKey(owner.Public), Grant{User: Anyone, Permissions: Permissions{Write: true}}))
	if _, _, err := open.Write(Entry("x"), nil, other); err != nil {
		t.Fatalf("anyone-writable register rejected write: %v", err)
	}

	priv := New(Address{Name: xorname.Random(), Tag: 1, Private: true}, NewPolicy(UserFromKey(owner.Public)))
	if err := priv.Check(UserFromKey(other.Public), Read); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("private register readable by stranger")
	}
}

func TestOpTamperRejected(t *testing.T) {
	kp := keypair(t)
	r, _ := publicRegister(t, kp)
	op := NewOp(r.Address(), Entry("v"), nil, kp)
	op.Entry = Entry("w")
	if err := r.Apply(op); !errors.Is(err, ErrBadOpSignature) {
		t.Fatalf("expected ErrBadOpSignature, got %v", err)
	}
}

func TestMergeLaws(t *testing.T) {
	kp := keypair(t)
	base, _ := publicRegister(t, kp)
	root, _, err := base.Write(Entry("root"), nil, kp)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	a, b, c := base.Clone(), base.Clone(), base.Clone()
	for _, w := range []struct {
		r *Register
		v string
	}{{a, "a1"}, {a, "a2"}, {b, "b1"}, {c, "c1"}} {
		if _, _, err := w.r.Write(Entry(w.v), []EntryHash{root}, kp); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	merged := func(parts ...*Register) *Register {
		out := parts[0].Clone()
		for _, p := range parts[1:] {
			if err := out.Merge(p); err != nil {
				t.Fatalf("merge failed: %v", err)
			}
		}
		return out
	}
	ab := merged(a, b)
	ba := merged(b, a)
	if diff := cmp.Diff(ab.Hashes(), ba.Hashes()); diff != "" {
		t.Fatalf("merge not commutative:\n%s", diff)
	}
	left := merged(merged(a, b), c)
	right := merged(a, merged(b, c))
	if diff := cmp.Diff(left.Hashes(), right.Hashes()); diff != "" {
		t.Fatalf("merge not associative:\n%s", diff)
	}
	if diff := cmp.Diff(left.Heads(), right.Heads()); diff != "" {
		t.Fatalf("heads differ after merge:\n%s", diff)
	}
	aa := merged(a, a)
	if diff := cmp.Diff(a.Hashes(), aa.Hashes()); diff != "" {
		t.Fatalf("merge not idempotent:\n%s", diff)
	}
}

func TestSnapshotRestore(t *testing.T) {
	kp := keypair(t)
	r, create := publicRegister(t, kp)
	h1, _, _ := r.Write(Entry("one"), nil, kp)
	if _, _, err := r.Write(Entry("two"), []EntryHash{h1}, kp); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := r.Snapshot(create).Restore()
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if diff := cmp.Diff(r.Read(), got.Read()); diff != "" {
		t.Fatalf("restored replica differs:\n%s", diff)
	}
	bad := r.Snapshot(create)
	bad.Create.Policy = NewPolicy(Anyone)
	if _, err := bad.Restore(); err == nil {
		t.Fatalf("restore accepted a forged create")
	}
}

func TestDeleteRules(t *testing.T) {
	owner, other := keypair(t), keypair(t)
	pub := Address{Name: xorname.Random(), Tag: 7}
	policy := NewPolicy(UserFromKey(owner.Public))
	if err := NewDelete(pub, owner).Authorize(policy); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("public delete must be denied, got %v", err)
	}
	priv := Address{Name: xorname.Random(), Tag: 7, Private: true}
	if err := NewDelete(priv, other).Authorize(policy); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("non-owner delete must be denied, got %v", err)
	}
	if err := NewDelete(priv, owner).Authorize(policy); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
}

func TestMultimapInsertReplaceRemove(t *testing.T) {
	kp := keypair(t)
	r, _ := publicRegister(t, kp)
	key := []byte("k")
	h1, _, err := MultimapInsert(r, key, []byte("v1"), nil, kp)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	h2, _, err := MultimapInsert(r, key, []byte("v2"), nil, kp)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, _, err := MultimapInsert(r, []byte("other"), []byte("x"), nil, kp); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	want := []MultimapItem{
		{Hash: h1, Key: key, Value: []byte("v1")},
		{Hash: h2, Key: key, Value: []byte("v2")},
	}
	got := MultimapGetByKey(r, key)
	byHash := func(items []MultimapItem) map[EntryHash]string {
		out := make(map[EntryHash]string)
		for _, it := range items {
			out[it.Hash] = string(it.Key) + "=" + string(it.Value)
		}
		return out
	}
	if diff := cmp.Diff(byHash(want), byHash(got)); diff != "" {
		t.Fatalf("get_by_key mismatch (-want +got):\n%s", diff)
	}

	h3, _, err := MultimapInsert(r, key, []byte("v3"), []EntryHash{h1, h2}, kp)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	got = MultimapGetByKey(r, key)
	if diff := cmp.Diff(map[EntryHash]string{h3: "k=v3"}, byHash(got)); diff != "" {
		t.Fatalf("replace mismatch (-want +got):\n%s", diff)
	}

	if _, _, err := MultimapRemove(r, []EntryHash{h3}, kp); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if got := MultimapGetByKey(r, key); len(got) != 0 {
		t.Fatalf("expected no live entries, got %d", len(got))
	}
}

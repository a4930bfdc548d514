package sectiontree

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

type entry struct {
	prefix xorname.Prefix
	sap    SignedSAP
}

func entryLess(a, b entry) bool { return a.prefix.Less(b.prefix) }

// PrefixMap maps each known prefix to its latest signed SAP. No stored
// prefix is an ancestor of another. Reads use an immutable snapshot and
// never block; writers are serialized and publish a new snapshot.
type PrefixMap struct {
	mu   sync.Mutex
	tree atomic.Pointer[btree.BTreeG[entry]]
}

func NewPrefixMap() *PrefixMap {
	m := &PrefixMap{}
	m.tree.Store(btree.NewG(16, entryLess))
	return m
}

func (m *PrefixMap) snapshot() *btree.BTreeG[entry] {
	return m.tree.Load()
}

// Insert stores the SAP unless a descendant of its prefix is already known,
// then drops every ancestor of the prefix. Reports whether the map changed.
func (m *PrefixMap) Insert(s SignedSAP) bool {
	prefix := s.Value.Prefix
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snapshot()
	if old, ok := cur.Get(entry{prefix: prefix}); ok && old.sap.Sig == s.Sig {
		return false
	}
	if hasDescendant(cur, prefix) {
		return false
	}
	next := cur.Clone()
	next.ReplaceOrInsert(entry{prefix: prefix, sap: s})
	for _, anc := range prefix.Ancestors() {
		next.Delete(entry{prefix: anc})
	}
	m.tree.Store(next)
	return true
}

// Descendants of p sort directly after p.
func hasDescendant(t *btree.BTreeG[entry], p xorname.Prefix) bool {
	found := false
	t.AscendGreaterOrEqual(entry{prefix: p}, func(e entry) bool {
		if e.prefix == p {
			return true
		}
		found = e.prefix.IsExtensionOf(p)
		return false
	})
	return found
}

func (m *PrefixMap) Get(p xorname.Prefix) (SignedSAP, bool) {
	e, ok := m.snapshot().Get(entry{prefix: p})
	return e.sap, ok
}

// GetMatching returns the SAP whose prefix matches name. Matching prefixes
// are ancestors of the full-length name, and with no ancestor pairs stored
// the only candidate is the greatest entry not after it.
func (m *PrefixMap) GetMatching(name xorname.XorName) (SignedSAP, bool) {
	var out SignedSAP
	found := false
	full := xorname.NewPrefix(name, xorname.Bits)
	m.snapshot().DescendLessOrEqual(entry{prefix: full}, func(e entry) bool {
		if e.prefix.Matches(name) {
			out, found = e.sap, true
		}
		return false
	})
	return out, found
}

// Closest returns the SAP whose prefix is nearest to name, skipping exclude.
func (m *PrefixMap) Closest(name xorname.XorName, exclude *xorname.Prefix) (SignedSAP, bool) {
	var best entry
	found := false
	m.snapshot().Ascend(func(e entry) bool {
		if exclude != nil && e.prefix == *exclude {
			return true
		}
		if !found || e.prefix.CmpDistance(best.prefix, name) < 0 {
			best, found = e, true
		}
		return true
	})
	return best.sap, found
}

func (m *PrefixMap) All() []SignedSAP {
	t := m.snapshot()
	out := make([]SignedSAP, 0, t.Len())
	t.Ascend(func(e entry) bool {
		out = append(out, e.sap)
		return true
	})
	return out
}

func (m *PrefixMap) Prefixes() []xorname.Prefix {
	t := m.snapshot()
	out := make([]xorname.Prefix, 0, t.Len())
	t.Ascend(func(e entry) bool {
		out = append(out, e.prefix)
		return true
	})
	return out
}

func (m *PrefixMap) Len() int { return m.snapshot().Len() }

package aggregator

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
)

// DefaultTTL bounds how long an incomplete aggregation is kept.
const DefaultTTL = 60 * time.Second

var ErrInvalidShare = errors.New("invalid signature share")

type state struct {
	mu     sync.Mutex
	shares map[int]bls.SignatureShare
	done   bool
}

// Aggregator accumulates signature shares per (payload, key set) until the
// threshold is reached, then yields the section signature exactly once.
type Aggregator struct {
	mu      sync.Mutex
	entries *cache.Cache
}

func New(ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Aggregator{entries: cache.New(ttl, ttl/2)}
}

// Key is hash(payload) xor hash(section key).
func Key(payload []byte, pks bls.PublicKeySet) string {
	a := crypto.SHA3_256(payload)
	pk := pks.PublicKey()
	b := crypto.SHA3_256(pk[:])
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return hex.EncodeToString(out)
}

func (a *Aggregator) entry(key string) *state {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.entries.Get(key); ok {
		return v.(*state)
	}
	st := &state{shares: make(map[int]bls.SignatureShare)}
	a.entries.SetDefault(key, st)
	return st
}

// Add records a share. The combined signature is returned with ok=true on
// the share that completes the set; any later share for the same key is
// ignored.
func (a *Aggregator) Add(payload []byte, pks bls.PublicKeySet, share bls.SignatureShare) (sectiontree.KeyedSig, bool, error) {
	if !pks.VerifyShare(share, payload) {
		return sectiontree.KeyedSig{}, false, ErrInvalidShare
	}
	st := a.entry(Key(payload, pks))
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return sectiontree.KeyedSig{}, false, nil
	}
	st.shares[share.Index] = share
	if len(st.shares) < pks.Threshold()+1 {
		return sectiontree.KeyedSig{}, false, nil
	}
	shares := make([]bls.SignatureShare, 0, len(st.shares))
	for _, sh := range st.shares {
		shares = append(shares, sh)
	}
	sig, err := pks.Combine(shares)
	if err != nil {
		return sectiontree.KeyedSig{}, false, err
	}
	if !pks.PublicKey().Verify(sig, payload) {
		return sectiontree.KeyedSig{}, false, ErrInvalidShare
	}
	st.done = true
	st.shares = nil
	return sectiontree.KeyedSig{PublicKey: pks.PublicKey(), Signature: sig}, true, nil
}

// Pending counts tracked aggregations, complete or not.
func (a *Aggregator) Pending() int {
	return a.entries.ItemCount()
}

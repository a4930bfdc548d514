package register

import (
	"bytes"

	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
)

// KV is a multimap pair. Its encoding is the entry payload; an empty
// payload is a tombstone.
type KV struct {
	_     struct{} `cbor:",toarray"`
	Key   []byte
	Value []byte
}

func EncodeKV(key, value []byte) (Entry, error) {
	return codec.Marshal(KV{Key: key, Value: value})
}

func DecodeKV(e Entry) (KV, bool) {
	if len(e) == 0 {
		return KV{}, false
	}
	var kv KV
	if err := codec.Unmarshal(e, &kv); err != nil {
		return KV{}, false
	}
	return kv, true
}

type MultimapItem struct {
	Hash  EntryHash `json:"hash"`
	Key   []byte    `json:"key"`
	Value []byte    `json:"value"`
}

// MultimapInsert writes (key, value) replacing the given entries.
func MultimapInsert(r *Register, key, value []byte, replace []EntryHash, kp crypto.Keypair) (EntryHash, Op, error) {
	e, err := EncodeKV(key, value)
	if err != nil {
		return EntryHash{}, Op{}, err
	}
	return r.Write(e, replace, kp)
}

// MultimapRemove writes a tombstone over the given entries.
func MultimapRemove(r *Register, hashes []EntryHash, kp crypto.Keypair) (EntryHash, Op, error) {
	return r.Write(Entry{}, hashes, kp)
}

// MultimapGetByKey returns the live head pairs whose key equals key.
func MultimapGetByKey(r *Register, key []byte) []MultimapItem {
	var out []MultimapItem
	for _, it := range r.Read() {
		kv, ok := DecodeKV(it.Entry)
		if !ok || !bytes.Equal(kv.Key, key) {
			continue
		}
		out = append(out, MultimapItem{Hash: it.Hash, Key: kv.Key, Value: kv.Value})
	}
	return out
}

package dkg

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// Timeout after which an unfinished session reports failure.
const Timeout = 90 * time.Second

type SessionID [32]byte

func (id SessionID) String() string { return hex.EncodeToString(id[:4]) }

func (id SessionID) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(id[:])), nil }

func (id *SessionID) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	copy(id[:], raw)
	return nil
}

// Session describes one key generation among elder candidates.
type Session struct {
	Prefix           xorname.Prefix     `json:"prefix"`
	Elders           []sectiontree.Peer `json:"elders"`
	Generation       uint64             `json:"generation"`
	BootstrapMembers []xorname.XorName  `json:"bootstrap_members"`
}

func NewSession(prefix xorname.Prefix, elders []sectiontree.Peer, generation uint64, bootstrap []xorname.XorName) Session {
	sorted := append([]sectiontree.Peer(nil), elders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name.Compare(sorted[j].Name) < 0 })
	members := append([]xorname.XorName(nil), bootstrap...)
	sort.Slice(members, func(i, j int) bool { return members[i].Compare(members[j]) < 0 })
	return Session{Prefix: prefix, Elders: sorted, Generation: generation, BootstrapMembers: members}
}

// ID is hash(elders, generation, bootstrap members, prefix).
func (s Session) ID() SessionID {
	h, _ := codec.Hash(s)
	return SessionID(h)
}

func (s Session) Index(name xorname.XorName) int {
	for i, e := range s.Elders {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// Threshold is the polynomial degree: a supermajority of elders must sign.
func (s Session) Threshold() int {
	return Supermajority(len(s.Elders)) - 1
}

func Supermajority(n int) int {
	return 1 + n*2/3
}

package register

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// User is a client ed25519 public key. The zero User stands for anyone.
type User [ed25519.PublicKeySize]byte

var Anyone User

func UserFromKey(pub ed25519.PublicKey) User {
	var u User
	copy(u[:], pub)
	return u
}

func (u User) Key() ed25519.PublicKey { return ed25519.PublicKey(u[:]) }

func (u User) String() string {
	if u == Anyone {
		return "anyone"
	}
	return hex.EncodeToString(u[:4])
}

func (u User) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(u[:])), nil }

func (u *User) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil || len(raw) != len(u) {
		return fmt.Errorf("bad user key %q", b)
	}
	copy(u[:], raw)
	return nil
}

// Address names a register. Public and private registers with the same
// name and tag are distinct.
type Address struct {
	Name    xorname.XorName `json:"name"`
	Tag     uint64          `json:"tag"`
	Private bool            `json:"private,omitempty"`
}

// ID is the network name the register is stored under.
func (a Address) ID() xorname.XorName {
	var tag [9]byte
	binary.BigEndian.PutUint64(tag[:8], a.Tag)
	if a.Private {
		tag[8] = 1
	}
	return xorname.FromContent(a.Name[:], tag[:])
}

func (a Address) String() string {
	kind := "public"
	if a.Private {
		kind = "private"
	}
	return fmt.Sprintf("Register(%s, %s, tag=%d)", kind, a.Name, a.Tag)
}

type Action uint8

const (
	Read Action = iota + 1
	Write
	Manage
)

func (a Action) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Manage:
		return "manage"
	}
	return "unknown"
}

type Permissions struct {
	Read  bool `json:"read,omitempty"`
	Write bool `json:"write,omitempty"`
}

type Grant struct {
	User        User        `json:"user"`
	Permissions Permissions `json:"permissions"`
}

// Policy holds the owner and the per-user grants, sorted by user.
type Policy struct {
	Owner  User    `json:"owner"`
	Grants []Grant `json:"grants,omitempty"`
}

func NewPolicy(owner User, grants ...Grant) Policy {
	sorted := append([]Grant(nil), grants...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].User[:], sorted[j].User[:]) < 0 })
	return Policy{Owner: owner, Grants: sorted}
}

func (p Policy) grant(u User) (Permissions, bool) {
	for _, g := range p.Grants {
		if g.User == u {
			return g.Permissions, true
		}
	}
	return Permissions{}, false
}

// Check reports whether user may perform action on a register of the given
// kind. Anyone may read a public register; managing is owner-only.
func (p Policy) Check(user User, action Action, private bool) error {
	if user == p.Owner && user != Anyone {
		return nil
	}
	if action == Manage {
		return fmt.Errorf("%w: %s cannot manage", errs.ErrPermissionDenied, user)
	}
	if action == Read && !private {
		return nil
	}
	for _, u := range []User{user, Anyone} {
		if private && u == Anyone {
			break
		}
		perms, ok := p.grant(u)
		if !ok {
			continue
		}
		if (action == Read && perms.Read) || (action == Write && perms.Write) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot %s", errs.ErrPermissionDenied, user, action)
}

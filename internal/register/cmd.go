package register

import (
	"errors"
	"fmt"

	"github.com/maidsafe/temp-safe-network-sub015/internal/codec"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
)

var ErrBadCmd = errors.New("bad register command")

// Create is signed by the policy owner.
type Create struct {
	Address   Address `json:"address"`
	Policy    Policy  `json:"policy"`
	Signature []byte  `json:"signature"`
}

func (c Create) signingBytes() []byte {
	return codec.MustMarshal(struct {
		Address Address
		Policy  Policy
	}{c.Address, c.Policy})
}

func NewCreate(addr Address, policy Policy, kp crypto.Keypair) Create {
	c := Create{Address: addr, Policy: policy}
	c.Signature = kp.Sign(c.signingBytes())
	return c
}

func (c Create) Verify() error {
	if c.Policy.Owner == Anyone {
		return fmt.Errorf("%w: register without owner", ErrBadCmd)
	}
	return crypto.Verify(c.Policy.Owner.Key(), c.signingBytes(), c.Signature)
}

// Register returns an empty replica for the created register.
func (c Create) Register() *Register { return New(c.Address, c.Policy) }

// Delete is only valid on private registers and only from the owner.
type Delete struct {
	Address   Address `json:"address"`
	Requester User    `json:"requester"`
	Signature []byte  `json:"signature"`
}

func (d Delete) signingBytes() []byte {
	return codec.MustMarshal(struct {
		Address   Address
		Requester User
	}{d.Address, d.Requester})
}

func NewDelete(addr Address, kp crypto.Keypair) Delete {
	d := Delete{Address: addr, Requester: UserFromKey(kp.Public)}
	d.Signature = kp.Sign(d.signingBytes())
	return d
}

// Authorize checks the delete against the register's policy.
func (d Delete) Authorize(policy Policy) error {
	if !d.Address.Private {
		return fmt.Errorf("%w: public registers cannot be deleted", errs.ErrPermissionDenied)
	}
	if err := crypto.Verify(d.Requester.Key(), d.signingBytes(), d.Signature); err != nil {
		return err
	}
	return policy.Check(d.Requester, Manage, true)
}

// Cmd is one of Create, Edit or Delete.
type Cmd struct {
	Create *Create `json:"create,omitempty"`
	Edit   *Op     `json:"edit,omitempty"`
	Delete *Delete `json:"delete,omitempty"`
}

func (c Cmd) Address() Address {
	switch {
	case c.Create != nil:
		return c.Create.Address
	case c.Edit != nil:
		return c.Edit.Address
	case c.Delete != nil:
		return c.Delete.Address
	}
	return Address{}
}

func (c Cmd) Validate() error {
	n := 0
	for _, set := range []bool{c.Create != nil, c.Edit != nil, c.Delete != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: %d variants set", ErrBadCmd, n)
	}
	return nil
}

func (c Cmd) String() string {
	switch {
	case c.Create != nil:
		return "Create(" + c.Create.Address.String() + ")"
	case c.Edit != nil:
		return "Edit(" + c.Edit.Address.String() + ", " + c.Edit.Hash().String() + ")"
	case c.Delete != nil:
		return "Delete(" + c.Delete.Address.String() + ")"
	}
	return "Cmd(empty)"
}

// Snapshot is the transferable state of a replica.
type Snapshot struct {
	Create Create `json:"create"`
	Ops    []Op   `json:"ops"`
}

func (r *Register) Snapshot(create Create) Snapshot {
	return Snapshot{Create: create, Ops: r.Ops()}
}

// Restore rebuilds a replica, verifying the creation and every op.
func (s Snapshot) Restore() (*Register, error) {
	if err := s.Create.Verify(); err != nil {
		return nil, err
	}
	r := s.Create.Register()
	for _, op := range s.Ops {
		if err := r.Apply(op); err != nil {
			return nil, err
		}
	}
	return r, nil
}

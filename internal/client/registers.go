package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/register"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// localRegister is our replica of a register plus the commands not yet
// accepted by the network, oldest first.
type localRegister struct {
	create register.Create
	reg    *register.Register
	queue  []register.Cmd
	// fetched is set for replicas first learnt from the network.
	fetched bool
}

type registers struct {
	mu    sync.Mutex
	local map[xorname.XorName]*localRegister
	// push serializes sending so commands reach elders in queue order.
	push sync.Mutex
}

func newRegisters() *registers {
	return &registers{local: make(map[xorname.XorName]*localRegister)}
}

// OwnerPolicy is a policy owned by this client with the given grants.
func (c *Client) OwnerPolicy(grants ...register.Grant) register.Policy {
	return register.NewPolicy(register.UserFromKey(c.keys.Public), grants...)
}

func (c *Client) user() register.User { return register.UserFromKey(c.keys.Public) }

// RegisterCreate creates a register owned by this client and sends it to
// the network.
func (c *Client) RegisterCreate(ctx context.Context, name xorname.XorName, tag uint64, private bool, policy register.Policy) (register.Address, error) {
	addr := register.Address{Name: name, Tag: tag, Private: private}
	if policy.Owner != c.user() {
		return addr, fmt.Errorf("%w: register policy not owned by this client", errs.ErrPermissionDenied)
	}
	create := register.NewCreate(addr, policy, c.keys)
	c.regs.mu.Lock()
	if _, ok := c.regs.local[addr.ID()]; ok {
		c.regs.mu.Unlock()
		return addr, fmt.Errorf("%w: %s exists locally", errs.ErrValidation, addr)
	}
	c.regs.local[addr.ID()] = &localRegister{
		create: create,
		reg:    create.Register(),
		queue:  []register.Cmd{{Create: &create}},
	}
	c.regs.mu.Unlock()
	return addr, c.RegisterPush(ctx, addr)
}

// replica returns our replica of addr, fetching it when we have none.
func (c *Client) replica(ctx context.Context, addr register.Address) error {
	c.regs.mu.Lock()
	_, ok := c.regs.local[addr.ID()]
	c.regs.mu.Unlock()
	if ok {
		return nil
	}
	return c.fetchRegister(ctx, addr)
}

// fetchRegister merges the network's replica into ours.
func (c *Client) fetchRegister(ctx context.Context, addr register.Address) error {
	resp, err := c.sendQuery(ctx, proto.ClientQuery{Register: &addr})
	if err != nil {
		return err
	}
	if resp.Register == nil {
		return fmt.Errorf("%w: %s", errs.ErrDataNotFound, addr)
	}
	remote, err := resp.Register.Restore()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if remote.Address() != addr {
		return fmt.Errorf("%w: got %s for %s", errs.ErrValidation, remote.Address(), addr)
	}
	c.regs.mu.Lock()
	defer c.regs.mu.Unlock()
	lr, ok := c.regs.local[addr.ID()]
	if !ok {
		c.regs.local[addr.ID()] = &localRegister{create: resp.Register.Create, reg: remote, fetched: true}
		return nil
	}
	return lr.reg.Merge(remote)
}

// write applies a local edit built by fn and pushes it.
func (c *Client) write(ctx context.Context, addr register.Address, fn func(r *register.Register) (register.EntryHash, register.Op, error)) (register.EntryHash, error) {
	if err := c.replica(ctx, addr); err != nil {
		return register.EntryHash{}, err
	}
	c.regs.mu.Lock()
	lr := c.regs.local[addr.ID()]
	if err := lr.reg.Check(c.user(), register.Write); err != nil {
		c.regs.mu.Unlock()
		return register.EntryHash{}, err
	}
	h, op, err := fn(lr.reg)
	if err != nil {
		c.regs.mu.Unlock()
		return register.EntryHash{}, err
	}
	lr.queue = append(lr.queue, register.Cmd{Edit: &op})
	c.regs.mu.Unlock()
	return h, c.RegisterPush(ctx, addr)
}

// RegisterWrite writes entry with the given parents.
func (c *Client) RegisterWrite(ctx context.Context, addr register.Address, entry register.Entry, parents []register.EntryHash) (register.EntryHash, error) {
	return c.write(ctx, addr, func(r *register.Register) (register.EntryHash, register.Op, error) {
		return r.Write(entry, parents, c.keys)
	})
}

// RegisterWriteMergingBranches writes entry over every current head.
func (c *Client) RegisterWriteMergingBranches(ctx context.Context, addr register.Address, entry register.Entry) (register.EntryHash, error) {
	return c.write(ctx, addr, func(r *register.Register) (register.EntryHash, register.Op, error) {
		return r.WriteMergingBranches(entry, c.keys)
	})
}

// RegisterRead syncs the register and returns its heads, or only the
// entry at, when given.
func (c *Client) RegisterRead(ctx context.Context, addr register.Address, at *register.EntryHash) ([]register.Item, error) {
	if err := c.RegisterSync(ctx, addr); err != nil {
		return nil, err
	}
	c.regs.mu.Lock()
	defer c.regs.mu.Unlock()
	r := c.regs.local[addr.ID()].reg
	if at == nil {
		return r.Read(), nil
	}
	e, ok := r.Get(*at)
	if !ok {
		return nil, fmt.Errorf("%w: entry %s of %s", errs.ErrDataNotFound, at, addr)
	}
	return []register.Item{{Hash: *at, Entry: e}}, nil
}

// RegisterSync merges the network replica into ours, then pushes our
// queued commands. A register the network has not seen yet is only pushed.
// A fetched replica the network no longer has, with nothing queued, was
// deleted, so it goes too.
func (c *Client) RegisterSync(ctx context.Context, addr register.Address) error {
	err := c.fetchRegister(ctx, addr)
	if err != nil {
		if !errors.Is(err, errs.ErrDataNotFound) {
			return err
		}
		c.regs.mu.Lock()
		lr, ok := c.regs.local[addr.ID()]
		if ok && lr.fetched && len(lr.queue) == 0 {
			delete(c.regs.local, addr.ID())
			ok = false
		}
		c.regs.mu.Unlock()
		if !ok {
			return err
		}
	}
	return c.RegisterPush(ctx, addr)
}

// RegisterPush sends queued commands in order. On failure the unsent
// commands go back to the head of the queue for a later push.
func (c *Client) RegisterPush(ctx context.Context, addr register.Address) error {
	c.regs.push.Lock()
	defer c.regs.push.Unlock()
	c.regs.mu.Lock()
	lr, ok := c.regs.local[addr.ID()]
	if !ok {
		c.regs.mu.Unlock()
		return fmt.Errorf("%w: %s", errs.ErrDataNotFound, addr)
	}
	queue := lr.queue
	lr.queue = nil
	c.regs.mu.Unlock()

	for i := range queue {
		if err := c.sendCmd(ctx, proto.ClientCmd{Register: &queue[i]}, true); err != nil {
			c.regs.mu.Lock()
			lr.queue = append(append([]register.Cmd(nil), queue[i:]...), lr.queue...)
			c.regs.mu.Unlock()
			return err
		}
	}
	return nil
}

// RegisterDelete removes a private register from the network. Only its
// owner may do so.
func (c *Client) RegisterDelete(ctx context.Context, addr register.Address) error {
	d := register.NewDelete(addr, c.keys)
	cmd := register.Cmd{Delete: &d}
	if err := c.sendCmd(ctx, proto.ClientCmd{Register: &cmd}, true); err != nil {
		return err
	}
	c.regs.mu.Lock()
	delete(c.regs.local, addr.ID())
	c.regs.mu.Unlock()
	return nil
}

// MultimapInsert adds (key, value), replacing the entries in replace.
func (c *Client) MultimapInsert(ctx context.Context, addr register.Address, key, value []byte, replace []register.EntryHash) (register.EntryHash, error) {
	return c.write(ctx, addr, func(r *register.Register) (register.EntryHash, register.Op, error) {
		return register.MultimapInsert(r, key, value, replace, c.keys)
	})
}

// MultimapRemove tombstones the given entries.
func (c *Client) MultimapRemove(ctx context.Context, addr register.Address, hashes []register.EntryHash) (register.EntryHash, error) {
	return c.write(ctx, addr, func(r *register.Register) (register.EntryHash, register.Op, error) {
		return register.MultimapRemove(r, hashes, c.keys)
	})
}

// MultimapGetByKey syncs the register and returns the live pairs for key.
func (c *Client) MultimapGetByKey(ctx context.Context, addr register.Address, key []byte) ([]register.MultimapItem, error) {
	if err := c.RegisterSync(ctx, addr); err != nil {
		return nil, err
	}
	c.regs.mu.Lock()
	defer c.regs.mu.Unlock()
	return register.MultimapGetByKey(c.regs.local[addr.ID()].reg, key), nil
}

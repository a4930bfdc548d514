package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/liveness"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/placement"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/register"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/store"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// FullStorageLevel is the reported level from which an adult takes no new
// chunks.
const FullStorageLevel store.StorageLevel = 9

// pendingOp is an elder's fan-out of one client request to adults.
type pendingOp struct {
	mu          sync.Mutex
	client      network.Conn
	clientName  xorname.XorName
	correlation proto.MsgID
	isQuery     bool
	chunk       bool
	waiting     map[xorname.XorName]bool
	firstErr    *proto.NodeCmdAck
	answered    bool
}

func (n *Node) handleServiceMsg(conn network.Conn, w proto.WireMsg, m proto.Msg) ([]Cmd, error) {
	switch {
	case m.ClientCmd != nil:
		return n.handleClientCmd(conn, w, *m.ClientCmd)
	case m.ClientQuery != nil:
		return n.handleClientQuery(conn, w, *m.ClientQuery)
	}
	return nil, fmt.Errorf("%w: %s from client", errNotForUs, m.Name())
}

// toClientLocked signs a response for the client that sent w.
func (n *Node) toClientLocked(conn network.Conn, client xorname.XorName, m proto.Msg) ([]Cmd, error) {
	key := n.sectionKeyLocked()
	w, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: client, SectionKey: key}, m)
	if err != nil {
		return nil, err
	}
	return []Cmd{Reply{Conn: conn, Wire: w}}, nil
}

func ackMsg(correlation proto.MsgID, err error) proto.Msg {
	ack := &proto.CmdAck{Correlation: correlation, Error: errs.ToCode(err)}
	if err != nil {
		ack.Detail = err.Error()
	}
	return proto.Msg{CmdAck: ack}
}

func queryErrMsg(correlation proto.MsgID, err error) proto.Msg {
	return proto.Msg{QueryResponse: &proto.QueryResponse{Correlation: correlation, Error: errs.ToCode(err), Detail: err.Error()}}
}

// handleClientCmd fans chunk stores and register commands out to the
// holders of their address.
func (n *Node) handleClientCmd(conn network.Conn, w proto.WireMsg, cmd proto.ClientCmd) ([]Cmd, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.member == nil || !n.member.IsElder() {
		return nil, errNotForUs
	}
	client := w.Sender()
	var (
		fwd    proto.NodeCmd
		target xorname.XorName
		err    error
	)
	switch {
	case cmd.StoreChunk != nil:
		c := *cmd.StoreChunk
		err = c.Validate()
		fwd.StoreChunk, target = &c, c.Address
	case cmd.Register != nil:
		rc := *cmd.Register
		err = rc.Validate()
		fwd.Register, target = &rc, rc.Address().ID()
	default:
		return n.toClientLocked(conn, client, ackMsg(w.ID, fmt.Errorf("%w: empty command", errs.ErrValidation)))
	}
	if err != nil {
		return n.toClientLocked(conn, client, ackMsg(w.ID, fmt.Errorf("%w: %v", errs.ErrValidation, err)))
	}
	holders := n.holdersLocked(target)
	if len(holders) == 0 {
		return n.toClientLocked(conn, client, ackMsg(w.ID, errs.ErrInsufficientAdults))
	}
	fwd.OpID = w.ID.String() + "/" + target.Hex()
	key := n.sectionKeyLocked()
	wire, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: target, SectionKey: key}, proto.Msg{NodeCmd: &fwd})
	if err != nil {
		return nil, err
	}
	return []Cmd{SendToAdultsAndReturnToClient{
		OpID: fwd.OpID, Adults: holders, Wire: wire, Client: conn, ClientName: client, Correlation: w.ID,
		Chunk: fwd.StoreChunk != nil,
	}}, nil
}

// handleClientQuery forwards a read to the holder the client picked,
// skipping overloaded adults.
func (n *Node) handleClientQuery(conn network.Conn, w proto.WireMsg, q proto.ClientQuery) ([]Cmd, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.member == nil || !n.member.IsElder() {
		return nil, errNotForUs
	}
	client := w.Sender()
	fwd := proto.NodeQuery{}
	var target xorname.XorName
	switch {
	case q.Chunk != nil:
		fwd.Chunk, target = *q.Chunk, *q.Chunk
	case q.Register != nil:
		addr := *q.Register
		fwd.Register, target = &addr, addr.ID()
		fwd.Reader = register.UserFromKey(w.Auth.Client.PublicKey)
	default:
		return n.toClientLocked(conn, client, queryErrMsg(w.ID, fmt.Errorf("%w: empty query", errs.ErrValidation)))
	}
	holders := n.holdersLocked(target)
	if len(holders) == 0 {
		return n.toClientLocked(conn, client, queryErrMsg(w.ID, errs.ErrInsufficientAdults))
	}
	if q.AdultIndex < 0 || q.AdultIndex >= len(holders) {
		return n.toClientLocked(conn, client, queryErrMsg(w.ID, errs.ErrDataNotFound))
	}
	adult := holders[q.AdultIndex]
	for i := q.AdultIndex; i < len(holders); i++ {
		if n.liveness.PendingCount(holders[i].Name) < liveness.PendingOpsThreshold {
			adult = holders[i]
			break
		}
	}
	fwd.OpID = w.ID.String() + "/" + adult.Name.Hex()
	key := n.sectionKeyLocked()
	wire, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: target, SectionKey: key}, proto.Msg{NodeQuery: &fwd})
	if err != nil {
		return nil, err
	}
	return []Cmd{SendToAdultsAndReturnToClient{
		OpID: fwd.OpID, Adults: []sectiontree.Peer{adult}, Wire: wire, Client: conn, ClientName: client,
		Correlation: w.ID, IsQuery: true,
	}}, nil
}

// holdersLocked picks the adults holding target, leaving out adults that
// reported themselves full.
func (n *Node) holdersLocked(target xorname.XorName) []sectiontree.Peer {
	adults := n.adultsLocked()
	names := make([]xorname.XorName, len(adults))
	peers := make(map[xorname.XorName]sectiontree.Peer, len(adults))
	full := make(map[xorname.XorName]bool)
	for i, ns := range adults {
		names[i] = ns.Name()
		peers[ns.Name()] = ns.Peer
		if n.levels[ns.Name()] >= FullStorageLevel {
			full[ns.Name()] = true
		}
	}
	var out []sectiontree.Peer
	for _, name := range placement.Holders(target, names, full, n.cfg.DataCopyCount) {
		out = append(out, peers[name])
	}
	return out
}

// sendToAdults records the fan-out so adult replies can be matched and
// tracked for liveness, then sends the forwarded message.
func (n *Node) sendToAdults(c SendToAdultsAndReturnToClient) ([]Cmd, error) {
	op := &pendingOp{
		client:      c.Client,
		clientName:  c.ClientName,
		correlation: c.Correlation,
		isQuery:     c.IsQuery,
		chunk:       c.Chunk,
		waiting:     make(map[xorname.XorName]bool, len(c.Adults)),
	}
	for _, a := range c.Adults {
		op.waiting[a.Name] = true
		n.liveness.AddPending(a.Name, liveness.OpID(c.OpID), QueryDeadline)
	}
	n.metrics.AddPendingOps(int64(len(c.Adults)))
	n.ops.SetDefault(c.OpID, op)
	return []Cmd{SendMsg{Recipients: c.Adults, Wire: c.Wire}}, nil
}

// fulfil marks sender's part of op done and returns the op if it is ours.
func (n *Node) fulfil(sender xorname.XorName, opID string) (*pendingOp, bool) {
	if !n.liveness.Fulfilled(sender, liveness.OpID(opID)) {
		return nil, false
	}
	n.metrics.AddPendingOps(-1)
	v, ok := n.ops.Get(opID)
	if !ok {
		return nil, false
	}
	return v.(*pendingOp), true
}

// handleNodeCmdAck answers the client once every holder acked, with the
// first error any of them reported.
func (n *Node) handleNodeCmdAck(sender xorname.XorName, ack proto.NodeCmdAck) ([]Cmd, error) {
	op, ok := n.fulfil(sender, ack.OpID)
	if !ok || op.isQuery {
		return nil, nil
	}
	op.mu.Lock()
	delete(op.waiting, sender)
	if ack.Error != errs.CodeNone && op.firstErr == nil {
		a := ack
		op.firstErr = &a
	}
	done := len(op.waiting) == 0 && !op.answered
	if done {
		op.answered = true
	}
	resp := proto.CmdAck{Correlation: op.correlation}
	if op.firstErr != nil {
		resp.Error, resp.Detail = op.firstErr.Error, op.firstErr.Detail
	}
	op.mu.Unlock()
	if !done {
		return nil, nil
	}
	n.ops.Delete(ack.OpID)
	if resp.Error == errs.CodeNone && op.chunk {
		n.metrics.IncChunkStored()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.toClientLocked(op.client, op.clientName, proto.Msg{CmdAck: &resp})
}

func (n *Node) handleNodeQueryResponse(sender xorname.XorName, r proto.NodeQueryResponse) ([]Cmd, error) {
	op, ok := n.fulfil(sender, r.OpID)
	if !ok || !op.isQuery {
		return nil, nil
	}
	op.mu.Lock()
	first := !op.answered
	op.answered = true
	op.mu.Unlock()
	n.ops.Delete(r.OpID)
	if !first {
		return nil, nil
	}
	if r.Error != errs.CodeNone {
		n.metrics.IncQueryFailed()
	} else {
		n.metrics.IncQueryOK()
	}
	resp := &proto.QueryResponse{Correlation: op.correlation, Chunk: r.Chunk, Register: r.Register, Error: r.Error, Detail: r.Detail}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.toClientLocked(op.client, op.clientName, proto.Msg{QueryResponse: resp})
}

// handleNodeCmd stores a chunk or applies a register command on this
// adult. Elders forward client writes; other members push chunks when
// holders change.
func (n *Node) handleNodeCmd(conn network.Conn, w proto.WireMsg, cmd proto.NodeCmd) ([]Cmd, error) {
	sender := w.Sender()
	n.mu.RLock()
	allowed := n.isElderLocked(sender) || n.isMemberLocked(sender)
	n.mu.RUnlock()
	if !allowed {
		return nil, errNotForUs
	}
	var err error
	switch {
	case cmd.StoreChunk != nil:
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err = n.stores.Chunks.Put(ctx, *cmd.StoreChunk)
		cancel()
		if err != nil {
			log.Infof("storing chunk %s: %v", cmd.StoreChunk.Address, err)
		}
	case cmd.Register != nil:
		if err = n.stores.Registers.Apply(*cmd.Register); err != nil {
			log.Infof("applying %s: %v", cmd.Register, err)
		}
	default:
		return nil, errNotForUs
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	key := n.sectionKeyLocked()
	ack := &proto.NodeCmdAck{OpID: cmd.OpID, Error: errs.ToCode(err)}
	if err != nil {
		ack.Detail = err.Error()
	}
	var out []Cmd
	if cmd.OpID != "" {
		reply, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: sender, SectionKey: key}, proto.Msg{NodeCmdAck: ack})
		if err != nil {
			return nil, err
		}
		out = append(out, Reply{Conn: conn, Wire: reply})
	}
	return append(out, n.reportLevelLocked()...), nil
}

// reportLevelLocked tells the elders when our storage level moved.
func (n *Node) reportLevelLocked() []Cmd {
	level, changed := n.stores.Used.LevelChanged()
	if !changed {
		return nil
	}
	s, ok := n.ourSAP()
	if !ok {
		return nil
	}
	key := s.Value.SectionKey()
	w, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: n.prefix.Name(), SectionKey: key},
		proto.Msg{StorageLevel: &proto.StorageLevel{Level: uint8(level)}})
	if err != nil {
		return nil
	}
	log.Infof("storage level now %d", level)
	return []Cmd{SendMsg{Recipients: s.Value.Elders, Wire: w}}
}

func (n *Node) handleNodeQuery(conn network.Conn, w proto.WireMsg, q proto.NodeQuery) ([]Cmd, error) {
	sender := w.Sender()
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.isElderLocked(sender) {
		return nil, errNotForUs
	}
	resp := &proto.NodeQueryResponse{OpID: q.OpID}
	if q.Register != nil {
		snap, err := n.stores.Registers.Get(*q.Register, q.Reader)
		if err != nil {
			resp.Error, resp.Detail = errs.ToCode(err), err.Error()
		} else {
			resp.Register = &snap
		}
	} else {
		c, err := n.stores.Chunks.Get(q.Chunk)
		if err != nil {
			resp.Error, resp.Detail = errs.ToCode(err), err.Error()
		} else {
			resp.Chunk = &c
		}
	}
	key := n.sectionKeyLocked()
	reply, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: sender, SectionKey: key}, proto.Msg{NodeQueryResponse: resp})
	if err != nil {
		return nil, err
	}
	return []Cmd{Reply{Conn: conn, Wire: reply}}, nil
}

// handleReplicateRegister applies register commands pushed by another
// member of our section when holders change. Edits for a register whose
// creation has not arrived yet are dropped.
func (n *Node) handleReplicateRegister(sender xorname.XorName, r proto.ReplicateRegister) error {
	n.mu.RLock()
	allowed := n.isElderLocked(sender) || n.isMemberLocked(sender)
	prefix := n.prefix
	n.mu.RUnlock()
	if !allowed {
		return errNotForUs
	}
	for _, cmd := range r.Cmds {
		if !prefix.Matches(cmd.Address().ID()) {
			continue
		}
		if err := n.stores.Registers.Apply(cmd); err != nil {
			if errors.Is(err, errs.ErrDataNotFound) {
				log.Debugf("register %s not yet created here", cmd.Address())
				continue
			}
			return err
		}
	}
	return nil
}

// replicateData pushes every chunk and register we hold to its current
// holders. Receivers that already have the data keep their copy.
func (n *Node) replicateData() ([]Cmd, error) {
	addrs, err := n.stores.Chunks.List()
	if err != nil {
		return nil, err
	}
	regs, err := n.stores.Registers.List()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 && len(regs) == 0 {
		return nil, nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.member == nil {
		return nil, nil
	}
	key := n.sectionKeyLocked()
	var out []Cmd
	push := func(target xorname.XorName, m proto.Msg) error {
		holders := n.otherHoldersLocked(target)
		if len(holders) == 0 {
			return nil
		}
		w, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: target, SectionKey: key}, m)
		if err != nil {
			return err
		}
		out = append(out, SendMsg{Recipients: holders, Wire: w})
		return nil
	}
	for _, addr := range addrs {
		if !n.prefix.Matches(addr) {
			continue
		}
		c, err := n.stores.Chunks.Get(addr)
		if err != nil {
			continue
		}
		if err := push(addr, proto.Msg{NodeCmd: &proto.NodeCmd{StoreChunk: &c}}); err != nil {
			return out, err
		}
	}
	for _, id := range regs {
		if !n.prefix.Matches(id) {
			continue
		}
		cmds, err := n.stores.Registers.Cmds(id)
		if err != nil {
			continue
		}
		if err := push(id, proto.Msg{ReplicateRegister: &proto.ReplicateRegister{Cmds: cmds}}); err != nil {
			return out, err
		}
	}
	if len(out) > 0 {
		log.Debugf("replicating %d items", len(out))
	}
	return out, nil
}

// otherHoldersLocked is holdersLocked without ourselves.
func (n *Node) otherHoldersLocked(target xorname.XorName) []sectiontree.Peer {
	self := xorname.FromPublicKey(n.keys.Public)
	var out []sectiontree.Peer
	for _, h := range n.holdersLocked(target) {
		if h.Name != self {
			out = append(out, h)
		}
	}
	return out
}

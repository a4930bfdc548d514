package node

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/chunk"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/liveness"
	"github.com/maidsafe/temp-safe-network-sub015/internal/membership"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/register"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func newTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	net := network.NewMemNetwork()
	cfg.Listen = func(h network.Handler) (network.Endpoint, error) { return net.Listen(h), nil }
	if cfg.Clock == nil {
		cfg.Clock = clocktesting.NewFakeClock(time.Unix(1000, 0))
	}
	if cfg.ResourceProofDifficulty == 0 {
		cfg.ResourceProofDifficulty = 2
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	t.Cleanup(n.close)
	return n
}

func newGenesis(t *testing.T) *Node {
	t.Helper()
	n := newTestNode(t, Config{Genesis: true, ElderCount: 3})
	if err := n.genesis(); err != nil {
		t.Fatalf("genesis failed: %v", err)
	}
	return n
}

func keypairWithAge(t *testing.T, age uint8) crypto.Keypair {
	t.Helper()
	kp, err := crypto.GenKeypairWithAge(age, age)
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	return kp
}

// addAdults puts count adults into the genesis node's membership.
func addAdults(t *testing.T, n *Node, count int) []sectiontree.Peer {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	members := n.member.Members()
	var adults []sectiontree.Peer
	for i := 0; i < count; i++ {
		age := sectiontree.FirstSectionMaxAge - 2*i
		if age < sectiontree.FirstSectionMinAge {
			age = sectiontree.FirstSectionMinAge
		}
		kp := keypairWithAge(t, uint8(age))
		p := sectiontree.Peer{Name: xorname.FromPublicKey(kp.Public), Addr: "adult"}
		adults = append(adults, p)
		members = append(members, sectiontree.NodeState{Peer: p, State: sectiontree.Joined})
	}
	pks, idx, share := n.member.KeyShare()
	n.member = membership.New(membership.Config{
		PublicKeySet: pks,
		ElderCount:   1,
		OurIndex:     idx,
		Share:        share,
		Members:      members,
		JoinsAllowed: true,
		FirstSection: true,
		Clock:        n.clock,
	})
	return adults
}

func clientMsg(t *testing.T, n *Node, kp crypto.Keypair, dst xorname.XorName, m proto.Msg) proto.WireMsg {
	t.Helper()
	s, _ := n.SAP()
	w, err := proto.NewClientMsg(kp, proto.Dst{Name: dst, SectionKey: s.SectionKey()}, m)
	if err != nil {
		t.Fatalf("client msg failed: %v", err)
	}
	return w
}

func replyMsg(t *testing.T, cmds []Cmd) proto.Msg {
	t.Helper()
	for _, c := range cmds {
		if r, ok := c.(Reply); ok {
			m, err := r.Wire.Msg()
			if err != nil {
				t.Fatalf("reply payload failed: %v", err)
			}
			return m
		}
	}
	t.Fatalf("no reply in %v", cmds)
	return proto.Msg{}
}

func TestGenesisKeysAndSection(t *testing.T) {
	root := t.TempDir()
	n := newTestNode(t, Config{Genesis: true, Root: root})
	if err := n.genesis(); err != nil {
		t.Fatalf("genesis failed: %v", err)
	}
	if age := n.Name().Age(); int(age) <= sectiontree.FirstSectionMaxAge {
		t.Fatalf("genesis age %d not above first section range", age)
	}
	kp, err := crypto.LoadKeypair(filepath.Join(root, KeysDir))
	if err != nil {
		t.Fatalf("load keypair failed: %v", err)
	}
	if !bytes.Equal(kp.Public, n.keys.Public) {
		t.Fatalf("persisted key differs from node key")
	}
	if !n.IsElder() {
		t.Fatalf("genesis node is not an elder")
	}
	sap, ok := n.SAP()
	if !ok || len(sap.Elders) != 1 || sap.Elders[0].Name != n.Name() {
		t.Fatalf("unexpected genesis SAP %v", sap)
	}
	select {
	case <-n.Joined():
	default:
		t.Fatalf("genesis node not marked joined")
	}
}

func TestJoinRequestFlow(t *testing.T) {
	g := newGenesis(t)
	sap, _ := g.SAP()
	key := sap.SectionKey()
	request := func(kp crypto.Keypair, proof *proto.ResourceProof) []Cmd {
		t.Helper()
		name := xorname.FromPublicKey(kp.Public)
		req := proto.JoinRequest{Peer: sectiontree.Peer{Name: name, Addr: "joiner"}, SectionKey: key, Proof: proof}
		w, err := proto.NewNodeMsg(kp, key, proto.Dst{Name: name, SectionKey: key}, proto.Msg{JoinRequest: &req})
		if err != nil {
			t.Fatalf("join request failed: %v", err)
		}
		out, err := g.handleJoinRequest(nil, w, req)
		if err != nil {
			t.Fatalf("handle join request failed: %v", err)
		}
		return out
	}

	young := keypairWithAge(t, 30)
	resp := replyMsg(t, request(young, nil)).JoinResponse
	if resp == nil || resp.Retry == nil || resp.Retry.ExpectedAge != sectiontree.FirstSectionMaxAge-2 {
		t.Fatalf("expected retry with age %d, got %+v", sectiontree.FirstSectionMaxAge-2, resp)
	}

	kp := keypairWithAge(t, resp.Retry.ExpectedAge)
	resp = replyMsg(t, request(kp, nil)).JoinResponse
	if resp == nil || resp.Challenge == nil {
		t.Fatalf("expected challenge, got %+v", resp)
	}
	c := resp.Challenge

	bad := replyMsg(t, request(kp, &proto.ResourceProof{Nonce: []byte("other"), Solution: 1})).JoinResponse
	if bad == nil || bad.Rejected == "" {
		t.Fatalf("expected rejection for a wrong nonce, got %+v", bad)
	}

	name := xorname.FromPublicKey(kp.Public)
	sol, ok := crypto.SolveResourceProof(c.Nonce, name, c.Difficulty)
	if !ok {
		t.Fatalf("no resource proof solution")
	}
	var decision *membership.Decision
	for _, cmd := range request(kp, &proto.ResourceProof{Nonce: c.Nonce, Solution: sol}) {
		if a, ok := cmd.(HandleAgreement); ok {
			decision = &a.Decision
		}
	}
	if decision == nil || decision.Proposal.Online == nil || decision.Proposal.Online.Name() != name {
		t.Fatalf("expected online decision for %s, got %+v", name, decision)
	}

	out, err := g.handleAgreement(*decision)
	if err != nil {
		t.Fatalf("handle agreement failed: %v", err)
	}
	var approved *proto.JoinApproved
	handover := false
	for _, cmd := range out {
		switch c := cmd.(type) {
		case SendMsg:
			m, err := c.Wire.Msg()
			if err == nil && m.JoinResponse != nil && m.JoinResponse.Approved != nil {
				approved = m.JoinResponse.Approved
			}
		case SignOutgoingSystemMsg:
			handover = c.Msg.DkgStart != nil
		}
	}
	if approved == nil || len(approved.Members) != 2 {
		t.Fatalf("expected approval listing both members, got %+v", approved)
	}
	if !handover {
		t.Fatalf("expected the new member to trigger an elder handover")
	}
}

func TestJoinRejectedWhenJoinsDisallowed(t *testing.T) {
	g := newGenesis(t)
	if _, err := g.propose(membership.JoinsAllowedProposal(false)); err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	sap, _ := g.SAP()
	key := sap.SectionKey()
	kp := keypairWithAge(t, sectiontree.FirstSectionMaxAge-2)
	name := xorname.FromPublicKey(kp.Public)
	req := proto.JoinRequest{Peer: sectiontree.Peer{Name: name, Addr: "joiner"}, SectionKey: key}
	w, err := proto.NewNodeMsg(kp, key, proto.Dst{Name: name, SectionKey: key}, proto.Msg{JoinRequest: &req})
	if err != nil {
		t.Fatalf("join request failed: %v", err)
	}
	out, err := g.handleJoinRequest(nil, w, req)
	if err != nil {
		t.Fatalf("handle join request failed: %v", err)
	}
	if resp := replyMsg(t, out).JoinResponse; resp == nil || resp.Rejected == "" {
		t.Fatalf("expected rejection, got %+v", resp)
	}
}

func TestClientQueryWithoutAdults(t *testing.T) {
	g := newGenesis(t)
	client, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	addr := chunk.AddressOf([]byte("hello"))
	w := clientMsg(t, g, client, addr, proto.Msg{ClientQuery: &proto.ClientQuery{Chunk: &addr}})
	raw, err := w.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	out, err := g.handleMsg(nil, raw)
	if err != nil || len(out) != 1 {
		t.Fatalf("handle msg: %v, %v", out, err)
	}
	svc, ok := out[0].(HandleServiceMsg)
	if !ok {
		t.Fatalf("expected service msg, got %s", out[0])
	}
	out, err = g.handleServiceMsg(svc.Conn, svc.Wire, svc.Msg)
	if err != nil {
		t.Fatalf("handle service msg failed: %v", err)
	}
	resp := replyMsg(t, out).QueryResponse
	if resp == nil || resp.Correlation != w.ID || resp.Error != errs.CodeInsufficientAdults {
		t.Fatalf("expected insufficient adults for %s, got %+v", w.ID, resp)
	}
}

func TestUnknownSectionKeyBounced(t *testing.T) {
	g := newGenesis(t)
	client, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	addr := chunk.AddressOf([]byte("hello"))
	w, err := proto.NewClientMsg(client, proto.Dst{Name: addr}, proto.Msg{ClientQuery: &proto.ClientQuery{Chunk: &addr}})
	if err != nil {
		t.Fatalf("client msg failed: %v", err)
	}
	raw, err := w.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	out, err := g.handleMsg(nil, raw)
	if err != nil || len(out) != 1 {
		t.Fatalf("handle msg: %v, %v", out, err)
	}
	r, ok := out[0].(Reply)
	if !ok || r.Wire.AE == nil || r.Wire.AE.Retry == nil {
		t.Fatalf("expected AE retry, got %v", out)
	}
	if !bytes.Equal(r.Wire.AE.Retry.Bounced, raw) {
		t.Fatalf("bounce does not carry the original message")
	}
	sap, _ := g.SAP()
	if got := r.Wire.AE.Retry.Update.SignedSAP.Value.SectionKey(); got != sap.SectionKey() {
		t.Fatalf("bounce update for key %s, want %s", got, sap.SectionKey())
	}
}

func TestStoreChunkAckedAfterAllHolders(t *testing.T) {
	g := newGenesis(t)
	adults := addAdults(t, g, 5)
	client, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	c := chunk.New([]byte("hello"))
	w := clientMsg(t, g, client, c.Address, proto.Msg{ClientCmd: &proto.ClientCmd{StoreChunk: &c}})
	out, err := g.handleClientCmd(nil, w, proto.ClientCmd{StoreChunk: &c})
	if err != nil || len(out) != 1 {
		t.Fatalf("handle client cmd: %v, %v", out, err)
	}
	fan, ok := out[0].(SendToAdultsAndReturnToClient)
	if !ok || len(fan.Adults) != 4 {
		t.Fatalf("expected fan-out to 4 holders, got %v", out)
	}
	if _, err := g.sendToAdults(fan); err != nil {
		t.Fatalf("send to adults failed: %v", err)
	}
	for _, a := range fan.Adults {
		if got := g.PendingOps(a.Name); got != 1 {
			t.Fatalf("adult %s pending %d, want 1", a.Name, got)
		}
	}
	for i, a := range fan.Adults {
		ack := proto.NodeCmdAck{OpID: fan.OpID}
		if i == 1 {
			ack.Error, ack.Detail = errs.CodeCapacityExceeded, "full"
		}
		out, err := g.handleNodeCmdAck(a.Name, ack)
		if err != nil {
			t.Fatalf("handle ack failed: %v", err)
		}
		if i < len(fan.Adults)-1 {
			if len(out) != 0 {
				t.Fatalf("client answered before all holders acked: %v", out)
			}
			continue
		}
		resp := replyMsg(t, out).CmdAck
		if resp == nil || resp.Correlation != w.ID || resp.Error != errs.CodeCapacityExceeded {
			t.Fatalf("expected capacity error ack, got %+v", resp)
		}
	}
	for _, a := range adults {
		if got := g.PendingOps(a.Name); got != 0 {
			t.Fatalf("adult %s still has %d pending ops", a.Name, got)
		}
	}

	// a repeated ack is not an answer
	if out, _ := g.handleNodeCmdAck(fan.Adults[0].Name, proto.NodeCmdAck{OpID: fan.OpID}); len(out) != 0 {
		t.Fatalf("duplicate ack produced %v", out)
	}
}

func TestHoldersSkipFullAdults(t *testing.T) {
	g := newGenesis(t)
	addAdults(t, g, 6)
	target := xorname.Random()
	g.mu.Lock()
	defer g.mu.Unlock()
	before := g.holdersLocked(target)
	if len(before) != 4 {
		t.Fatalf("expected 4 holders, got %d", len(before))
	}
	far := before[len(before)-1].Name
	g.levels[far] = FullStorageLevel
	after := g.holdersLocked(target)
	if len(after) != 4 {
		t.Fatalf("expected 4 holders with one full adult, got %d", len(after))
	}
	for _, h := range after {
		if h.Name == far {
			t.Fatalf("full adult %s still a holder", far)
		}
	}
	if diff := cmp.Diff(before[:3], after[:3]); diff != "" {
		t.Fatalf("closest holders changed (-before +after):\n%s", diff)
	}
}

func TestQuerySkipsOverloadedAdult(t *testing.T) {
	g := newGenesis(t)
	addAdults(t, g, 4)
	client, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	addr := chunk.AddressOf([]byte("hello"))
	g.mu.RLock()
	holders := g.holdersLocked(addr)
	g.mu.RUnlock()
	for i := 0; i < liveness.PendingOpsThreshold; i++ {
		g.liveness.AddPending(holders[0].Name, liveness.OpID(string(rune('a'+i))), QueryDeadline)
	}
	q := proto.ClientQuery{Chunk: &addr}
	w := clientMsg(t, g, client, addr, proto.Msg{ClientQuery: &q})
	out, err := g.handleClientQuery(nil, w, q)
	if err != nil || len(out) != 1 {
		t.Fatalf("handle client query: %v, %v", out, err)
	}
	fan, ok := out[0].(SendToAdultsAndReturnToClient)
	if !ok || len(fan.Adults) != 1 || fan.Adults[0].Name != holders[1].Name {
		t.Fatalf("expected query routed to %s, got %v", holders[1].Name, out)
	}

	out, err = g.sendToAdults(fan)
	if err != nil || len(out) != 1 {
		t.Fatalf("send to adults: %v, %v", out, err)
	}
	c := chunk.New([]byte("hello"))
	out, err = g.handleNodeQueryResponse(holders[1].Name, proto.NodeQueryResponse{OpID: fan.OpID, Chunk: &c})
	if err != nil {
		t.Fatalf("handle query response failed: %v", err)
	}
	resp := replyMsg(t, out).QueryResponse
	if resp == nil || resp.Chunk == nil || !bytes.Equal(resp.Chunk.Value, c.Value) {
		t.Fatalf("expected chunk in response, got %+v", resp)
	}
	if got := g.PendingOps(holders[1].Name); got != 0 {
		t.Fatalf("answered adult still has %d pending ops", got)
	}
}

func TestReplicateRegisterInOrder(t *testing.T) {
	g := newGenesis(t)
	owner, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	addr := register.Address{Name: xorname.Random(), Tag: 25000}
	create := register.NewCreate(addr, register.NewPolicy(register.UserFromKey(owner.Public)), owner)
	reg := create.Register()
	_, op, err := reg.Write(register.Entry("v1"), nil, owner)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	edit := register.Cmd{Edit: &op}

	// an edit ahead of its creation is skipped, not an error
	if err := g.handleReplicateRegister(g.Name(), proto.ReplicateRegister{Cmds: []register.Cmd{edit}}); err != nil {
		t.Fatalf("early edit failed: %v", err)
	}
	cmds := []register.Cmd{{Create: &create}, edit}
	if err := g.handleReplicateRegister(g.Name(), proto.ReplicateRegister{Cmds: cmds}); err != nil {
		t.Fatalf("replicate failed: %v", err)
	}
	snap, err := g.stores.Registers.Get(addr, register.UserFromKey(owner.Public))
	if err != nil {
		t.Fatalf("get register failed: %v", err)
	}
	r, err := snap.Restore()
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if items := r.Read(); len(items) != 1 || string(items[0].Entry) != "v1" {
		t.Fatalf("unexpected register items %v", items)
	}

	stranger := xorname.Random()
	if err := g.handleReplicateRegister(stranger, proto.ReplicateRegister{Cmds: cmds}); err == nil {
		t.Fatalf("expected replication from a non-member to be refused")
	}
}

func TestRegisterCmdsGoToHolders(t *testing.T) {
	g := newGenesis(t)
	addAdults(t, g, 6)
	owner, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	addr := register.Address{Name: xorname.Random(), Tag: 25000, Private: true}
	create := register.NewCreate(addr, register.NewPolicy(register.UserFromKey(owner.Public)), owner)
	cmd := proto.ClientCmd{Register: &register.Cmd{Create: &create}}
	w := clientMsg(t, g, owner, addr.ID(), proto.Msg{ClientCmd: &cmd})
	out, err := g.handleClientCmd(nil, w, cmd)
	if err != nil || len(out) != 1 {
		t.Fatalf("handle client cmd: %v, %v", out, err)
	}
	fan, ok := out[0].(SendToAdultsAndReturnToClient)
	if !ok {
		t.Fatalf("expected a fan-out to holders, got %v", out)
	}
	g.mu.RLock()
	holders := g.holdersLocked(addr.ID())
	g.mu.RUnlock()
	if diff := cmp.Diff(holders, fan.Adults); diff != "" {
		t.Fatalf("register fan-out differs from its holders (-want +got):\n%s", diff)
	}
	fwd, err := fan.Wire.Msg()
	if err != nil || fwd.NodeCmd == nil || fwd.NodeCmd.Register == nil || fwd.NodeCmd.OpID != fan.OpID {
		t.Fatalf("forwarded message is not the register command: %v", err)
	}
	if _, err := g.stores.Registers.Get(addr, register.UserFromKey(owner.Public)); err == nil {
		t.Fatalf("elder stored the register itself")
	}

	q := proto.ClientQuery{Register: &addr, AdultIndex: 1}
	qw := clientMsg(t, g, owner, addr.ID(), proto.Msg{ClientQuery: &q})
	out, err = g.handleClientQuery(nil, qw, q)
	if err != nil || len(out) != 1 {
		t.Fatalf("handle client query: %v, %v", out, err)
	}
	fan, ok = out[0].(SendToAdultsAndReturnToClient)
	if !ok || len(fan.Adults) != 1 || fan.Adults[0].Name != holders[1].Name {
		t.Fatalf("expected the read routed to %s, got %v", holders[1].Name, out)
	}
	fwd, err = fan.Wire.Msg()
	if err != nil || fwd.NodeQuery == nil || fwd.NodeQuery.Register == nil || fwd.NodeQuery.Reader != register.UserFromKey(owner.Public) {
		t.Fatalf("forwarded query does not carry the register and reader: %v", err)
	}
}

func TestHolderAppliesAndServesRegister(t *testing.T) {
	g := newGenesis(t)
	owner, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	addr := register.Address{Name: xorname.Random(), Tag: 25000, Private: true}
	create := register.NewCreate(addr, register.NewPolicy(register.UserFromKey(owner.Public)), owner)
	del := register.NewDelete(addr, owner)
	key := func() bls.PublicKey { s, _ := g.SAP(); return s.SectionKey() }()
	nodeMsg := func(m proto.Msg) proto.WireMsg {
		w, err := proto.NewNodeMsg(g.keys, key, proto.Dst{Name: addr.ID(), SectionKey: key}, m)
		if err != nil {
			t.Fatalf("node msg failed: %v", err)
		}
		return w
	}

	for i, rc := range []register.Cmd{{Create: &create}, {Delete: &del}, {Delete: &del}} {
		nc := proto.NodeCmd{OpID: "op", Register: &rc}
		out, err := g.handleNodeCmd(nil, nodeMsg(proto.Msg{NodeCmd: &nc}), nc)
		if err != nil {
			t.Fatalf("node cmd %d failed: %v", i, err)
		}
		ack := replyMsg(t, out).NodeCmdAck
		if ack == nil || ack.Error != errs.CodeNone {
			t.Fatalf("cmd %d (%s) not acked cleanly: %+v", i, rc, ack)
		}
		if i != 0 {
			continue
		}
		nq := proto.NodeQuery{OpID: "read", Register: &addr, Reader: register.UserFromKey(owner.Public)}
		out, err = g.handleNodeQuery(nil, nodeMsg(proto.Msg{NodeQuery: &nq}), nq)
		if err != nil {
			t.Fatalf("node query failed: %v", err)
		}
		resp := replyMsg(t, out).NodeQueryResponse
		if resp == nil || resp.Register == nil || resp.Register.Create.Address != addr {
			t.Fatalf("expected the register snapshot, got %+v", resp)
		}
	}
}

func TestExpectedAge(t *testing.T) {
	g := newGenesis(t)
	g.mu.RLock()
	got := g.expectedAgeLocked()
	g.mu.RUnlock()
	if got != sectiontree.FirstSectionMaxAge-2 {
		t.Fatalf("expected age %d, got %d", sectiontree.FirstSectionMaxAge-2, got)
	}
	addAdults(t, g, 60)
	g.mu.RLock()
	got = g.expectedAgeLocked()
	g.mu.RUnlock()
	if got != sectiontree.FirstSectionMinAge {
		t.Fatalf("expected age clamped to %d, got %d", sectiontree.FirstSectionMinAge, got)
	}
}

func TestRouterRunsFollowUps(t *testing.T) {
	g := newGenesis(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.router.run(ctx)
		close(done)
	}()
	g.SetJoinsAllowed(false)
	deadline := time.Now().Add(5 * time.Second)
	for {
		g.mu.RLock()
		allowed := g.member.JoinsAllowed()
		g.mu.RUnlock()
		if !allowed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("joins flag vote did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

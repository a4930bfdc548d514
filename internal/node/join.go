package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"time"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/membership"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

const (
	joinRetryInterval = 3 * time.Second
	nonceSize         = 32
	maxJoinBacklog    = 256
)

// joinState is what a joining node tracks until it is approved. Section
// messages that overtake the approval wait in backlog.
type joinState struct {
	contacts []string
	backlog  []Cmd
}

// stash keeps a message that arrived before our approval.
func (n *Node) stash(conn network.Conn, raw []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.joining == nil || len(n.joining.backlog) >= maxJoinBacklog {
		return false
	}
	n.joining.backlog = append(n.joining.backlog, HandleMsg{Conn: conn, Raw: raw})
	return true
}

// ContactPeer names a bootstrap address we know nothing else about, so it
// gets its own link.
func ContactPeer(addr string) sectiontree.Peer {
	return sectiontree.Peer{Name: xorname.FromContent([]byte(addr)), Addr: addr}
}

// join probes the contacts for the network's SAPs and then asks the
// elders of our section to admit us, until approved or JoinTimeout passes.
func (n *Node) join(ctx context.Context) error {
	n.mu.Lock()
	n.joining = &joinState{contacts: n.cfg.Contacts}
	hasTree := n.tree != nil
	n.mu.Unlock()
	if len(n.cfg.Contacts) == 0 && !hasTree {
		return fmt.Errorf("%w: no bootstrap contacts", ErrBootstrap)
	}
	deadline := n.clock.NewTimer(n.cfg.JoinTimeout)
	defer deadline.Stop()
	retry := n.clock.NewTicker(joinRetryInterval)
	defer retry.Stop()

	n.router.Dispatch(n.joinAttempt()...)
	for {
		select {
		case <-n.joinedCh:
			log.Infof("joined section as %s", n.Name())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C():
			return fmt.Errorf("%w: not approved within %s", ErrBootstrap, n.cfg.JoinTimeout)
		case <-retry.C():
			n.router.Dispatch(n.joinAttempt()...)
		}
	}
}

// joinAttempt probes the contacts while we know no section for our name,
// and sends a join request to its elders once we do.
func (n *Node) joinAttempt() []Cmd {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.joining == nil {
		return nil
	}
	name := xorname.FromPublicKey(n.keys.Public)
	var sap sectiontree.SignedSAP
	ok := false
	if n.tree != nil {
		sap, ok = n.tree.SectionByName(name)
	}
	if !ok {
		known := bls.PublicKey{}
		if n.tree != nil {
			known = n.tree.GenesisKey()
		}
		probe := proto.NewAEMsg(known, proto.Dst{Name: name}, proto.AntiEntropy{Probe: &known})
		var contacts []sectiontree.Peer
		for _, addr := range n.joining.contacts {
			contacts = append(contacts, ContactPeer(addr))
		}
		return []Cmd{SendMsg{Recipients: contacts, Wire: probe}}
	}
	w, err := n.joinRequestLocked(sap.Value, nil)
	if err != nil {
		log.Warningf("join request: %v", err)
		return nil
	}
	return []Cmd{SendMsg{Recipients: sap.Value.Elders, Wire: w}}
}

func (n *Node) joinRequestLocked(sap sectiontree.SAP, proof *proto.ResourceProof) (proto.WireMsg, error) {
	self := sectiontree.Peer{Name: xorname.FromPublicKey(n.keys.Public), Addr: n.ep.LocalAddr()}
	key := sap.SectionKey()
	req := &proto.JoinRequest{Peer: self, SectionKey: key, Proof: proof}
	return proto.NewNodeMsg(n.keys, key, proto.Dst{Name: self.Name, SectionKey: key}, proto.Msg{JoinRequest: req})
}

func (n *Node) handleJoinResponse(sender xorname.XorName, resp proto.JoinResponse) ([]Cmd, error) {
	switch {
	case resp.Retry != nil:
		out := n.applyUpdate(proto.SectionUpdate{Update: resp.Retry.Update})
		if err := n.regrind(resp.Retry.ExpectedAge); err != nil {
			return out, err
		}
		return append(out, n.joinAttempt()...), nil
	case resp.Challenge != nil:
		return n.answerChallenge(sender, *resp.Challenge)
	case resp.Approved != nil:
		return n.handleApproval(*resp.Approved)
	case resp.Rejected != "":
		log.Infof("join rejected by %s: %s", sender, resp.Rejected)
	}
	return nil, nil
}

// regrind replaces our identity with one of the expected age.
func (n *Node) regrind(age uint8) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.joining == nil || xorname.FromPublicKey(n.keys.Public).Age() == age {
		return nil
	}
	kp, err := crypto.GenKeypairWithAge(age, age)
	if err != nil {
		return err
	}
	if n.cfg.Root != "" {
		if err := crypto.SaveKeypair(filepath.Join(n.cfg.Root, KeysDir), kp); err != nil {
			return err
		}
	}
	n.keys = kp
	log.Infof("rejoining with age %d as %s", age, xorname.FromPublicKey(kp.Public))
	return nil
}

func (n *Node) answerChallenge(sender xorname.XorName, c proto.Challenge) ([]Cmd, error) {
	n.mu.RLock()
	if n.joining == nil || n.tree == nil {
		n.mu.RUnlock()
		return nil, nil
	}
	name := xorname.FromPublicKey(n.keys.Public)
	sap, ok := n.tree.SectionByName(name)
	n.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	elder, ok := sap.Value.Elder(sender)
	if !ok {
		return nil, nil
	}
	solution, ok := crypto.SolveResourceProof(c.Nonce, name, c.Difficulty)
	if !ok {
		return nil, fmt.Errorf("no resource proof solution at difficulty %d", c.Difficulty)
	}
	n.mu.RLock()
	w, err := n.joinRequestLocked(sap.Value, &proto.ResourceProof{Nonce: c.Nonce, Solution: solution})
	n.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return []Cmd{SendMsg{Recipients: []sectiontree.Peer{elder}, Wire: w}}, nil
}

// handleApproval installs the section state the elders handed us and
// replays what arrived ahead of it.
func (n *Node) handleApproval(a proto.JoinApproved) ([]Cmd, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.joining == nil {
		return nil, nil
	}
	name := xorname.FromPublicKey(n.keys.Public)
	if a.Decision.Proposal.Online == nil || a.Decision.Proposal.Online.Name() != name {
		return nil, fmt.Errorf("approval for another node")
	}
	if n.tree == nil {
		tree, err := sectiontree.NewFromUpdate(a.Update)
		if err != nil {
			return nil, err
		}
		n.tree = tree
	} else if _, err := n.tree.Update(a.Update); err != nil {
		return nil, err
	}
	sap := a.Update.SignedSAP.Value
	if len(a.Decision.Sigs) == 0 || !n.tree.HasKey(a.Decision.Sigs[0].PublicKey) {
		return nil, fmt.Errorf("approval not signed by a known section key")
	}
	if err := a.Decision.Verify(a.Decision.Sigs[0].PublicKey); err != nil {
		return nil, err
	}
	n.member = membership.New(membership.Config{
		Prefix:       sap.Prefix,
		PublicKeySet: sap.PublicKeySet,
		ElderCount:   sap.ElderCount(),
		OurIndex:     -1,
		Generation:   a.Generation,
		Members:      a.Members,
		JoinsAllowed: a.JoinsAllowed,
		FirstSection: sap.Prefix.IsEmpty(),
		Clock:        n.clock,
	})
	n.prefix = sap.Prefix
	backlog := n.joining.backlog
	n.joining = nil
	n.treeDirty = true
	n.markJoined()
	return backlog, nil
}

// expectedAgeLocked is the age the next joiner must have. First-section
// joiners get distinct descending ages so the oldest are the first in.
func (n *Node) expectedAgeLocked() uint8 {
	if !n.prefix.IsEmpty() {
		return sectiontree.MinAdultAge
	}
	age := sectiontree.FirstSectionMaxAge - 2*len(n.member.Members())
	if age < sectiontree.FirstSectionMinAge {
		age = sectiontree.FirstSectionMinAge
	}
	return uint8(age)
}

// handleJoinRequest walks a joiner through age, resource proof and the
// Online vote.
func (n *Node) handleJoinRequest(conn network.Conn, w proto.WireMsg, req proto.JoinRequest) ([]Cmd, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member == nil || !n.member.IsElder() {
		return nil, errNotForUs
	}
	name := w.Sender()
	if req.Peer.Name != name || req.Peer.Addr == "" {
		return nil, fmt.Errorf("join request peer %s does not match sender %s", req.Peer, name)
	}
	if n.isMemberLocked(name) || !n.prefix.Matches(name) {
		return nil, nil
	}
	respond := func(resp proto.JoinResponse) ([]Cmd, error) {
		key := n.sectionKeyLocked()
		msg, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: name, SectionKey: req.SectionKey}, proto.Msg{JoinResponse: &resp})
		if err != nil {
			return nil, err
		}
		return []Cmd{Reply{Conn: conn, Wire: msg}}, nil
	}
	if !n.member.JoinsAllowed() {
		return respond(proto.JoinResponse{Rejected: membership.ErrJoinsDisabled.Error()})
	}
	if expected := n.expectedAgeLocked(); name.Age() != expected {
		s, _ := n.ourSAP()
		upd := sectiontree.Update{SignedSAP: s, ProofChain: n.tree.ProofFrom(req.SectionKey, s.Value.SectionKey())}
		return respond(proto.JoinResponse{Retry: &proto.JoinRetry{ExpectedAge: expected, Update: upd}})
	}
	difficulty := n.cfg.ResourceProofDifficulty
	if req.Proof == nil {
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		n.challenges.SetDefault(name.Hex(), nonce)
		return respond(proto.JoinResponse{Challenge: &proto.Challenge{Nonce: nonce, Difficulty: difficulty}})
	}
	v, ok := n.challenges.Get(name.Hex())
	if !ok || string(v.([]byte)) != string(req.Proof.Nonce) ||
		!crypto.CheckResourceProof(req.Proof.Nonce, name, req.Proof.Solution, difficulty) {
		return respond(proto.JoinResponse{Rejected: "invalid resource proof"})
	}
	n.challenges.Delete(name.Hex())
	log.Infof("proposing %s online", req.Peer)
	votes, decisions, err := n.member.Propose(membership.OnlineProposal(sectiontree.NodeState{Peer: req.Peer}))
	return n.votesAndDecisionsLocked(votes, decisions), err
}

// approvalLocked is the message telling a joiner it was voted in.
func (n *Node) approvalLocked(d membership.Decision) (proto.WireMsg, error) {
	s, ok := n.ourSAP()
	if !ok {
		return proto.WireMsg{}, ErrNotJoined
	}
	key := s.Value.SectionKey()
	approved := &proto.JoinApproved{
		Update:       sectiontree.Update{SignedSAP: s, ProofChain: n.tree.ProofFrom(n.tree.GenesisKey(), key)},
		Decision:     d,
		Members:      n.member.Members(),
		Generation:   n.member.Generation(),
		JoinsAllowed: n.member.JoinsAllowed(),
	}
	return proto.NewNodeMsg(n.keys, key, proto.Dst{Name: d.Proposal.Online.Name(), SectionKey: key},
		proto.Msg{JoinResponse: &proto.JoinResponse{Approved: approved}})
}

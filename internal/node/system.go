package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/maidsafe/temp-safe-network-sub015/internal/membership"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/store"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

var errNotForUs = errors.New("message not for this node's role")

func (n *Node) handleSystemMsg(conn network.Conn, w proto.WireMsg, m proto.Msg) ([]Cmd, error) {
	sender := w.Sender()
	switch {
	case m.Vote != nil:
		return n.handleVote(conn, sender, *m.Vote)
	case m.Decision != nil:
		return n.handleDecision(*m.Decision)
	case m.JoinRequest != nil:
		return n.handleJoinRequest(conn, w, *m.JoinRequest)
	case m.JoinResponse != nil:
		return n.handleJoinResponse(sender, *m.JoinResponse)
	case m.DkgStart != nil:
		return n.handleDkgStartMsg(w, *m.DkgStart)
	case m.Dkg != nil:
		return n.handleDkgMsg(*m.Dkg), nil
	case m.DkgOutcome != nil:
		return n.handleDkgOutcomeShare(sender, *m.DkgOutcome)
	case m.StorageLevel != nil:
		return nil, n.handleStorageLevel(sender, store.StorageLevel(m.StorageLevel.Level))
	case m.NodeCmd != nil:
		return n.handleNodeCmd(conn, w, *m.NodeCmd)
	case m.NodeCmdAck != nil:
		return n.handleNodeCmdAck(sender, *m.NodeCmdAck)
	case m.NodeQuery != nil:
		return n.handleNodeQuery(conn, w, *m.NodeQuery)
	case m.NodeQueryResponse != nil:
		return n.handleNodeQueryResponse(sender, *m.NodeQueryResponse)
	case m.ReplicateRegister != nil:
		return nil, n.handleReplicateRegister(sender, *m.ReplicateRegister)
	}
	return nil, fmt.Errorf("%w: %s", errNotForUs, m.Name())
}

// isElderLocked reports whether name is an elder of our current SAP.
func (n *Node) isElderLocked(name xorname.XorName) bool {
	s, ok := n.ourSAP()
	return ok && s.Value.ContainsElder(name)
}

func (n *Node) isMemberLocked(name xorname.XorName) bool {
	if n.member == nil {
		return false
	}
	ns, ok := n.member.Member(name)
	return ok && ns.State == sectiontree.Joined
}

func (n *Node) handleVote(conn network.Conn, sender xorname.XorName, v membership.Vote) ([]Cmd, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member == nil || !n.isElderLocked(sender) {
		return nil, errNotForUs
	}
	votes, decisions, err := n.member.HandleVote(v)
	out := n.votesAndDecisionsLocked(votes, decisions)
	if errors.Is(err, membership.ErrWrongSectionKey) && !n.tree.HasKey(v.SectionKey) {
		out = append(out, n.probe(conn, n.sectionKeyLocked(), n.prefix.Name())...)
	}
	return out, err
}

func (n *Node) handleDecision(d membership.Decision) ([]Cmd, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member == nil {
		return nil, errNotForUs
	}
	votes, decisions, err := n.member.HandleDecision(d)
	return n.votesAndDecisionsLocked(votes, decisions), err
}

// votesAndDecisionsLocked turns membership output into commands: votes go
// to the other elders, each decision to its agreement handler.
func (n *Node) votesAndDecisionsLocked(votes []membership.Vote, decisions []membership.Decision) []Cmd {
	var out []Cmd
	if len(votes) > 0 {
		key := n.sectionKeyLocked()
		elders := n.otherElders()
		for i := range votes {
			if len(elders) == 0 {
				break
			}
			w, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: n.prefix.Name(), SectionKey: key}, proto.Msg{Vote: &votes[i]})
			if err != nil {
				log.Warningf("vote message: %v", err)
				continue
			}
			out = append(out, SendMsg{Recipients: elders, Wire: w})
		}
	}
	for _, d := range decisions {
		n.metrics.IncDecision()
		if d.Proposal.NewElders != nil {
			out = append(out, HandleNewEldersAgreement{Decision: d})
		} else {
			out = append(out, HandleAgreement{Decision: d})
		}
	}
	return out
}

// propose votes for p as an elder.
func (n *Node) propose(p membership.Proposal) ([]Cmd, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member == nil || !n.member.IsElder() {
		return nil, membership.ErrNotElder
	}
	votes, decisions, err := n.member.Propose(p)
	return n.votesAndDecisionsLocked(votes, decisions), err
}

func (n *Node) proposeOffline(name xorname.XorName) ([]Cmd, error) {
	n.mu.RLock()
	var (
		ns sectiontree.NodeState
		ok bool
	)
	if n.member != nil {
		ns, ok = n.member.Member(name)
	}
	n.mu.RUnlock()
	if !ok || ns.State != sectiontree.Joined {
		return nil, nil
	}
	log.Infof("proposing %s offline", ns.Peer)
	return n.propose(membership.OfflineProposal(ns))
}

// testConnectivity reaches out to an unresponsive member; only a failed
// dial leads to an offline vote.
func (n *Node) testConnectivity(ctx context.Context, name xorname.XorName) []Cmd {
	n.mu.RLock()
	var (
		ns sectiontree.NodeState
		ok bool
	)
	if n.member != nil {
		ns, ok = n.member.Member(name)
	}
	key := n.sectionKeyLocked()
	n.mu.RUnlock()
	if !ok {
		return nil
	}
	probe := proto.NewAEMsg(key, proto.Dst{Name: name, SectionKey: key}, proto.AntiEntropy{Probe: &key})
	raw, err := probe.Encode()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.comm.Reach(ctx, ns.Peer, raw); err != nil {
		log.Infof("%s unreachable: %v", ns.Peer, err)
		return []Cmd{ProposeOffline{Name: name}}
	}
	return nil
}

// handleAgreement runs after a membership decision: elders tell adults and
// the joining node, then look for a due elder change; adults react to
// members leaving by re-replicating their chunks.
func (n *Node) handleAgreement(d membership.Decision) ([]Cmd, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member == nil {
		return nil, nil
	}
	p := d.Proposal
	if p.Online != nil {
		log.Infof("member %s joined", p.Online.Peer)
	}
	if p.Offline != nil {
		log.Infof("member %s left", p.Offline.Peer)
		n.liveness.Retain(memberNames(n.member.Members()))
		delete(n.levels, p.Offline.Name())
	}
	if !n.member.IsElder() {
		if p.Offline != nil {
			return []Cmd{ReplicateData{}}, nil
		}
		return nil, nil
	}

	key := n.sectionKeyLocked()
	self := xorname.FromPublicKey(n.keys.Public)
	var adults []sectiontree.Peer
	for _, ns := range n.adultsLocked() {
		if ns.Name() != self && (p.Online == nil || ns.Name() != p.Online.Name()) {
			adults = append(adults, ns.Peer)
		}
	}
	var out []Cmd
	if len(adults) > 0 {
		w, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: n.prefix.Name(), SectionKey: key}, proto.Msg{Decision: &d})
		if err != nil {
			return nil, err
		}
		out = append(out, SendMsg{Recipients: adults, Wire: w})
	}
	if p.Online != nil {
		approved, err := n.approvalLocked(d)
		if err != nil {
			return out, err
		}
		out = append(out, SendMsg{Recipients: []sectiontree.Peer{p.Online.Peer}, Wire: approved})
	}
	return append(out, n.checkHandoverLocked()...), nil
}

func (n *Node) handleDkgStartMsg(w proto.WireMsg, start proto.DkgStart) ([]Cmd, error) {
	switch w.Kind {
	case proto.KindSectionAuth:
		return n.handleDkgStart(start.Session), nil
	case proto.KindNodeBlsShareAuth:
		return n.aggregateDkgStart(w, start)
	}
	return nil, errNotForUs
}

// aggregateDkgStart collects the elders' shares over a DkgStart and sends
// the section-signed result to the candidates.
func (n *Node) aggregateDkgStart(w proto.WireMsg, start proto.DkgStart) ([]Cmd, error) {
	n.mu.RLock()
	ok := n.member != nil && n.member.IsElder() && n.member.SectionKey() == w.SrcSectionKey && n.isElderLocked(w.Sender())
	n.mu.RUnlock()
	if !ok {
		return nil, errNotForUs
	}
	a := w.Auth.BlsShare
	sig, done, err := n.agg.Add(w.Payload, a.PublicKeySet, a.Share)
	if err != nil || !done {
		return nil, err
	}
	n.metrics.IncAggregated()
	return []Cmd{SendMsg{Recipients: start.Session.Elders, Wire: proto.NewSectionMsg(sig, w.Payload, w.Dst)}}, nil
}

// signOutgoing sends our share of a section message to all elders,
// ourselves included.
func (n *Node) signOutgoing(c SignOutgoingSystemMsg) ([]Cmd, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.member == nil || !n.member.IsElder() {
		return nil, membership.ErrNotElder
	}
	s, ok := n.ourSAP()
	if !ok {
		return nil, ErrNotJoined
	}
	pks, idx, share := n.member.KeyShare()
	w, err := proto.NewShareMsg(xorname.FromPublicKey(n.keys.Public), pks, idx, share, c.Dst, c.Msg)
	if err != nil {
		return nil, err
	}
	return []Cmd{SendMsg{Recipients: s.Value.Elders, Wire: w}}, nil
}

func (n *Node) handleStorageLevel(sender xorname.XorName, level store.StorageLevel) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member == nil || !n.member.IsElder() || !n.isMemberLocked(sender) {
		return errNotForUs
	}
	n.levels[sender] = level
	log.Debugf("adult %s at storage level %d", sender, level)
	return nil
}

// sendMsg encodes once and sends to every recipient; messages to ourselves
// go straight back on the queue.
func (n *Node) sendMsg(ctx context.Context, recipients []sectiontree.Peer, w proto.WireMsg) []Cmd {
	raw, err := w.Encode()
	if err != nil {
		log.Warningf("encode %s: %v", w, err)
		return nil
	}
	self := n.Name()
	var out []Cmd
	peers := make([]sectiontree.Peer, 0, len(recipients))
	for _, p := range recipients {
		if p.Name == self {
			out = append(out, HandleMsg{Raw: raw})
			continue
		}
		peers = append(peers, p)
	}
	if len(peers) == 0 {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.comm.SendTo(ctx, peers, raw); err != nil {
		log.Debugf("send %s: %v", w, err)
	}
	n.metrics.IncSent()
	return out
}

func (n *Node) reply(ctx context.Context, conn network.Conn, w proto.WireMsg) {
	if conn == nil {
		return
	}
	raw, err := w.Encode()
	if err != nil {
		log.Warningf("encode %s: %v", w, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := conn.Send(ctx, raw); err != nil {
		log.Debugf("reply %s on %s: %v", w, conn.RemoteAddr(), err)
		return
	}
	n.metrics.IncSent()
}

func (n *Node) cleanupLinks() {
	n.mu.RLock()
	keep := make(map[xorname.XorName]bool)
	if n.member != nil {
		for _, ns := range n.member.Members() {
			keep[ns.Name()] = true
		}
	}
	if n.tree != nil {
		for _, s := range n.tree.All() {
			for _, e := range s.Value.Elders {
				keep[e.Name] = true
			}
		}
	}
	n.mu.RUnlock()
	if dropped := n.comm.CleanupLinks(func(name xorname.XorName) bool { return keep[name] }); dropped > 0 {
		log.Debugf("dropped %d stale links", dropped)
	}
}

// tick rebroadcasts undecided votes and DKG messages, flags unresponsive
// adults and periodically drops stale links.
func (n *Node) tick() []Cmd {
	n.mu.Lock()
	n.ticks++
	ticks := n.ticks
	var out []Cmd
	if n.member != nil {
		out = n.votesAndDecisionsLocked(n.member.Rebroadcast(), nil)
		if n.member.IsElder() {
			for _, name := range n.liveness.FindUnresponsive() {
				out = append(out, TestConnectivity{Name: name})
			}
			out = append(out, n.checkHandoverLocked()...)
		}
	}
	if ticks%dkgAEEvery == 0 {
		out = append(out, n.resendDkgLocked()...)
	}
	n.mu.Unlock()

	n.metrics.SetUsedSpace(int64(n.stores.Used.Total()))
	if ticks%cleanupEvery == 0 {
		out = append(out, CleanupLinks{})
		n.persistTree()
	}
	return out
}

package node

import (
	"sort"
	"time"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/dkg"
	"github.com/maidsafe/temp-safe-network-sub015/internal/membership"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

const (
	// handoverSlack lets candidates time out before the current elders restart.
	handoverSlack     = 10 * time.Second
	maxDkgBacklog     = 64
	maxBacklogSession = 4
)

// handover is the current elders' view of an elder change in progress.
type handover struct {
	sessions map[dkg.SessionID]dkg.Session
	saps     map[dkg.SessionID]sectiontree.SignedSAP
	proposed bool
	attempt  uint64
}

// dkgSession is a candidate's participation in one key generation.
type dkgSession struct {
	dkg     *dkg.Dkg
	backlog []proto.DkgMsg
	done    bool
}

// elderCandidates picks the oldest members, ties broken by name.
func elderCandidates(members []sectiontree.NodeState, count int) []sectiontree.Peer {
	sorted := append([]sectiontree.NodeState(nil), members...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Age() != sorted[j].Age() {
			return sorted[i].Age() > sorted[j].Age()
		}
		return sorted[i].Name().Compare(sorted[j].Name()) < 0
	})
	if len(sorted) > count {
		sorted = sorted[:count]
	}
	out := make([]sectiontree.Peer, len(sorted))
	for i, ns := range sorted {
		out[i] = ns.Peer
	}
	return out
}

func sameElders(a []sectiontree.Peer, b []sectiontree.Peer) bool {
	if len(a) != len(b) {
		return false
	}
	names := make(map[xorname.XorName]bool, len(a))
	for _, p := range a {
		names[p.Name] = true
	}
	for _, p := range b {
		if !names[p.Name] {
			return false
		}
	}
	return true
}

func memberNames(members []sectiontree.NodeState) []xorname.XorName {
	out := make([]xorname.XorName, len(members))
	for i, ns := range members {
		out[i] = ns.Name()
	}
	return out
}

// candidateSessionsLocked returns the key generations the section needs:
// two when both halves of a split are large enough, one when the oldest
// members are not the current elders, none otherwise.
func (n *Node) candidateSessionsLocked(attempt uint64) []dkg.Session {
	sap, ok := n.ourSAP()
	if !ok || n.member == nil {
		return nil
	}
	members := n.member.Members()
	gen := sap.Value.Generation + 1 + attempt
	prefix := sap.Value.Prefix

	var halves [2][]sectiontree.NodeState
	for _, ns := range members {
		if prefix.Pushed(true).Matches(ns.Name()) {
			halves[1] = append(halves[1], ns)
		} else {
			halves[0] = append(halves[0], ns)
		}
	}
	if len(halves[0]) >= sectiontree.RecommendedSectionSize && len(halves[1]) >= sectiontree.RecommendedSectionSize {
		out := make([]dkg.Session, 2)
		for i, half := range halves {
			p := prefix.Pushed(i == 1)
			out[i] = dkg.NewSession(p, elderCandidates(half, n.cfg.ElderCount), gen, memberNames(half))
		}
		return out
	}
	candidates := elderCandidates(members, n.cfg.ElderCount)
	if len(candidates) == 0 || sameElders(candidates, sap.Value.Elders) {
		return nil
	}
	return []dkg.Session{dkg.NewSession(prefix, candidates, gen, memberNames(members))}
}

// checkHandoverLocked starts an elder change when one is due. Every
// current elder signs the same DkgStart; the aggregate reaches the candidates.
func (n *Node) checkHandoverLocked() []Cmd {
	if n.member == nil || !n.member.IsElder() || n.handover != nil {
		return nil
	}
	return n.startHandoverLocked(0)
}

func (n *Node) startHandoverLocked(attempt uint64) []Cmd {
	sessions := n.candidateSessionsLocked(attempt)
	if len(sessions) == 0 {
		return nil
	}
	h := &handover{
		sessions: make(map[dkg.SessionID]dkg.Session),
		saps:     make(map[dkg.SessionID]sectiontree.SignedSAP),
		attempt:  attempt,
	}
	key := n.sectionKeyLocked()
	var out []Cmd
	for _, s := range sessions {
		id := s.ID()
		h.sessions[id] = s
		log.Infof("starting elder handover %s for %s with %d candidates", id, s.Prefix, len(s.Elders))
		out = append(out,
			SignOutgoingSystemMsg{
				Msg: proto.Msg{DkgStart: &proto.DkgStart{Session: s}},
				Dst: proto.Dst{Name: s.Prefix.Name(), SectionKey: key},
			},
			ScheduleTimeout{After: dkg.Timeout + handoverSlack, Cmd: HandleDkgTimeout{Session: id}},
		)
	}
	n.handover = h
	return out
}

// handleDkgStart joins a session this node is a candidate in.
func (n *Node) handleDkgStart(s dkg.Session) []Cmd {
	id := s.ID()
	n.mu.Lock()
	defer n.mu.Unlock()
	self := xorname.FromPublicKey(n.keys.Public)
	if s.Index(self) < 0 {
		return nil
	}
	ds := n.dkgs[id]
	if ds != nil && ds.dkg != nil {
		return nil
	}
	d, msgs, err := dkg.Start(s, n.keys)
	if err != nil {
		log.Warningf("dkg %s start failed: %v", id, err)
		return nil
	}
	if ds == nil {
		ds = &dkgSession{}
		n.dkgs[id] = ds
	}
	ds.dkg = d
	out := n.broadcastDkgLocked(s, id, msgs)
	out = append(out, ScheduleTimeout{After: dkg.Timeout, Cmd: HandleDkgTimeout{Session: id}})
	backlog := ds.backlog
	ds.backlog = nil
	for _, m := range backlog {
		out = append(out, n.handleDkgMsgLocked(m)...)
	}
	return out
}

func (n *Node) broadcastDkgLocked(s dkg.Session, id dkg.SessionID, msgs []dkg.Message) []Cmd {
	self := xorname.FromPublicKey(n.keys.Public)
	var peers []sectiontree.Peer
	for _, e := range s.Elders {
		if e.Name != self {
			peers = append(peers, e)
		}
	}
	if len(peers) == 0 {
		return nil
	}
	key := n.sectionKeyLocked()
	var out []Cmd
	for _, m := range msgs {
		w, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: s.Prefix.Name(), SectionKey: key}, proto.Msg{Dkg: &proto.DkgMsg{SessionID: id, Message: m}})
		if err != nil {
			log.Warningf("dkg %s message: %v", id, err)
			continue
		}
		out = append(out, SendMsg{Recipients: peers, Wire: w})
	}
	return out
}

func (n *Node) handleDkgMsg(m proto.DkgMsg) []Cmd {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handleDkgMsgLocked(m)
}

func (n *Node) handleDkgMsgLocked(m proto.DkgMsg) []Cmd {
	ds := n.dkgs[m.SessionID]
	if ds == nil {
		if len(n.dkgs) >= maxBacklogSession {
			return nil
		}
		ds = &dkgSession{}
		n.dkgs[m.SessionID] = ds
	}
	if ds.dkg == nil {
		if len(ds.backlog) < maxDkgBacklog {
			ds.backlog = append(ds.backlog, m)
		}
		return nil
	}
	if ds.done {
		return nil
	}
	msgs, outcome, err := ds.dkg.Handle(m.Message)
	if err != nil {
		log.Debugf("dkg %s: %v", m.SessionID, err)
	}
	out := n.broadcastDkgLocked(ds.dkg.Session(), m.SessionID, msgs)
	if outcome != nil {
		ds.done = true
		out = append(out, HandleDkgOutcome{Outcome: *outcome})
	}
	return out
}

// handleDkgOutcome keeps our new key share and signs the resulting SAP for
// the current elders to aggregate.
func (n *Node) handleDkgOutcome(o dkg.Outcome) ([]Cmd, error) {
	n.metrics.IncDkgOutcome()
	sap := sectiontree.NewSAP(o.Session.Prefix, o.PublicKeySet, o.Session.Elders, o.Session.Generation)
	share := bls.SignatureShare{Index: o.Index, Sig: o.Share.Sign(sectiontree.SigningBytes(sap))}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes[o.PublicKeySet.PublicKey()] = o
	log.Infof("dkg %s complete, new section key %s", o.SessionID, o.PublicKeySet.PublicKey())
	s, ok := n.ourSAP()
	if !ok {
		return nil, nil
	}
	w, err := proto.NewNodeMsg(n.keys, s.Value.SectionKey(), proto.Dst{Name: s.Value.Prefix.Name(), SectionKey: s.Value.SectionKey()},
		proto.Msg{DkgOutcome: &proto.DkgOutcome{SAP: sap, Share: share}})
	if err != nil {
		return nil, err
	}
	return []Cmd{SendMsg{Recipients: s.Value.Elders, Wire: w}}, nil
}

// handleDkgOutcomeShare aggregates the new elders' shares over their SAP.
// Once every session of the handover has a signed SAP, NewElders goes to
// the vote.
func (n *Node) handleDkgOutcomeShare(sender xorname.XorName, o proto.DkgOutcome) ([]Cmd, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := n.handover
	if h == nil || h.proposed || n.member == nil || !n.member.IsElder() {
		return nil, nil
	}
	var id dkg.SessionID
	found := false
	for sid, s := range h.sessions {
		if s.Prefix == o.SAP.Prefix && s.Generation == o.SAP.Generation && sameElders(s.Elders, o.SAP.Elders) {
			id, found = sid, true
			break
		}
	}
	if !found || !o.SAP.ContainsElder(sender) {
		return nil, nil
	}
	sig, ok, err := n.agg.Add(sectiontree.SigningBytes(o.SAP), o.SAP.PublicKeySet, o.Share)
	if err != nil || !ok {
		return nil, err
	}
	n.metrics.IncAggregated()
	h.saps[id] = sectiontree.SignedSAP{Value: o.SAP, Sig: sig}
	if len(h.saps) < len(h.sessions) {
		return nil, nil
	}
	saps := make([]sectiontree.SignedSAP, 0, len(h.saps))
	for _, s := range h.saps {
		saps = append(saps, s)
	}
	sort.Slice(saps, func(i, j int) bool { return saps[i].Value.Prefix.Less(saps[j].Value.Prefix) })
	h.proposed = true
	return []Cmd{Propose{Proposal: membership.NewEldersProposal(saps...)}}, nil
}

// handleNewEldersAgreement links the new keys into our tree, tells the
// section, hands the register replicas to incoming elders and moves our
// own membership onto the new SAP.
func (n *Node) handleNewEldersAgreement(d membership.Decision) ([]Cmd, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member == nil {
		return nil, nil
	}
	oldSAP, ok := n.ourSAP()
	if !ok {
		return nil, nil
	}
	oldKey := oldSAP.Value.SectionKey()
	saps := d.Proposal.NewElders.SAPs
	for i, s := range saps {
		key := s.Value.SectionKey()
		if err := n.tree.InsertLink(oldKey, key, d.Sigs[i].Signature); err != nil {
			return nil, err
		}
		if _, err := n.tree.Update(sectiontree.Update{SignedSAP: s, ProofChain: n.tree.ProofFrom(oldKey, key)}); err != nil {
			return nil, err
		}
	}
	n.treeDirty = true

	self := xorname.FromPublicKey(n.keys.Public)
	wasElder := n.member.IsElder()
	members := n.member.Members()
	var out []Cmd
	for _, s := range saps {
		key := s.Value.SectionKey()
		upd := proto.SectionUpdate{
			Update:       sectiontree.Update{SignedSAP: s, ProofChain: n.tree.ProofFrom(oldKey, key)},
			Generation:   n.member.Generation(),
			JoinsAllowed: n.member.JoinsAllowed(),
		}
		var recipients []sectiontree.Peer
		for _, ns := range members {
			if !s.Value.Prefix.Matches(ns.Name()) {
				continue
			}
			upd.Members = append(upd.Members, ns)
			if ns.Name() != self {
				recipients = append(recipients, ns.Peer)
			}
		}
		if len(recipients) > 0 {
			out = append(out, SendMsg{
				Recipients: recipients,
				Wire:       proto.NewAEMsg(key, proto.Dst{Name: s.Value.Prefix.Name(), SectionKey: key}, proto.AntiEntropy{Update: &upd}),
			})
		}
		if wasElder {
			out = append(out, n.handRegistersLocked(oldSAP.Value, s.Value)...)
		}
	}

	for _, s := range saps {
		if !s.Value.Prefix.Matches(self) {
			continue
		}
		key := s.Value.SectionKey()
		idx, share := -1, (*bls.SecretKey)(nil)
		if o, ok := n.outcomes[key]; ok && s.Value.ContainsElder(self) {
			idx, share = o.Index, o.Share
		}
		n.member = n.member.Handover(s.Value.Prefix, s.Value.PublicKeySet, s.Value.ElderCount(), idx, share)
		n.prefix = s.Value.Prefix
		for k := range n.outcomes {
			if k != key {
				delete(n.outcomes, k)
			}
		}
		log.Infof("section handed over to %s, elder=%v", s.Value, share != nil)
	}
	n.handover = nil
	n.dkgs = make(map[dkg.SessionID]*dkgSession)
	out = append(out, n.checkHandoverLocked()...)
	out = append(out, ReplicateData{})
	return out, nil
}

// handRegistersLocked sends every register we hold to the elders of next
// that were not elders of prev.
func (n *Node) handRegistersLocked(prev, next sectiontree.SAP) []Cmd {
	var incoming []sectiontree.Peer
	for _, e := range next.Elders {
		if !prev.ContainsElder(e.Name) {
			incoming = append(incoming, e)
		}
	}
	if len(incoming) == 0 {
		return nil
	}
	ids, err := n.stores.Registers.List()
	if err != nil {
		log.Warningf("listing registers: %v", err)
		return nil
	}
	key := next.SectionKey()
	var out []Cmd
	for _, id := range ids {
		if !next.Prefix.Matches(id) {
			continue
		}
		cmds, err := n.stores.Registers.Cmds(id)
		if err != nil {
			continue
		}
		w, err := proto.NewNodeMsg(n.keys, key, proto.Dst{Name: id, SectionKey: key},
			proto.Msg{ReplicateRegister: &proto.ReplicateRegister{Cmds: cmds}})
		if err != nil {
			continue
		}
		out = append(out, SendMsg{Recipients: incoming, Wire: w})
	}
	return out
}

// handleDkgTimeout abandons a stalled session. Current elders restart the
// handover with the next attempt.
func (n *Node) handleDkgTimeout(id dkg.SessionID) []Cmd {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Cmd
	if ds, ok := n.dkgs[id]; ok && !ds.done {
		delete(n.dkgs, id)
		if ds.dkg != nil {
			out = append(out, HandleDkgFailure{Failure: ds.dkg.Failure()})
		}
	}
	h := n.handover
	if h == nil || h.proposed {
		return out
	}
	if _, ok := h.sessions[id]; !ok {
		return out
	}
	n.handover = nil
	if n.member != nil && n.member.IsElder() {
		out = append(out, n.startHandoverLocked(h.attempt+1)...)
	}
	return out
}

func (n *Node) handleDkgFailure(f dkg.Failure) {
	n.metrics.IncDkgFailure()
	log.Warningf("dkg %s failed, unresponsive participants: %v", f.SessionID, f.Culprits)
}

// resendDkgLocked re-broadcasts what unfinished sessions have sent so far,
// for participants that missed it.
func (n *Node) resendDkgLocked() []Cmd {
	var out []Cmd
	for id, ds := range n.dkgs {
		if ds.dkg == nil || ds.done {
			continue
		}
		out = append(out, n.broadcastDkgLocked(ds.dkg.Session(), id, ds.dkg.AE())...)
	}
	return out
}

package node

import (
	"github.com/maidsafe/temp-safe-network-sub015/internal/ae"
	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/membership"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func (n *Node) drop(w proto.WireMsg, reason string, err error) {
	n.metrics.IncDropByReason(reason)
	if err != nil {
		log.Debugf("dropping %s: %s: %v", w, reason, err)
	}
}

// handleMsg decodes and authenticates a frame, answers stale senders with
// anti-entropy and routes what remains to the service or system handlers.
func (n *Node) handleMsg(conn network.Conn, raw []byte) ([]Cmd, error) {
	w, err := proto.Decode(raw)
	if err != nil {
		n.metrics.IncDropByReason("decode")
		return nil, err
	}
	n.metrics.IncRecvByKind(string(w.Kind))
	if err := w.VerifyAuth(); err != nil {
		n.drop(w, "auth", err)
		return nil, nil
	}
	if w.Kind == proto.KindSectionInfo {
		return n.handleAE(conn, w), nil
	}

	var out []Cmd
	if w.AE != nil && w.AE.Update != nil {
		out = append(out, n.applyUpdate(*w.AE.Update)...)
	}
	m, err := w.Msg()
	if err != nil {
		n.drop(w, "payload", err)
		return out, nil
	}

	n.mu.RLock()
	tree, prefix, joined := n.tree, n.prefix, n.member != nil
	key := n.sectionKeyLocked()
	n.mu.RUnlock()

	if !joined {
		if m.JoinResponse != nil {
			return append(out, HandleSystemMsg{Conn: conn, Wire: w, Msg: m}), nil
		}
		if n.stash(conn, raw) {
			return out, nil
		}
		n.drop(w, "not_joined", nil)
		return out, nil
	}
	if w.Kind == proto.KindSectionAuth && !tree.HasKey(w.Auth.Section.PublicKey) {
		n.drop(w, "unknown_section_key", nil)
		return append(out, n.probe(conn, w.Auth.Section.PublicKey, w.Dst.Name)...), nil
	}

	fromNode := w.Kind == proto.KindNodeAuth || w.Kind == proto.KindNodeBlsShareAuth
	if fromNode {
		switch {
		case ae.SenderAhead(tree, w.SrcSectionKey):
			out = append(out, n.probe(conn, key, n.Name())...)
		case ae.SenderBehind(tree, key, w.SrcSectionKey) && n.aeLimit.Allow(w.Sender()):
			if upd, ok := n.sectionUpdate(w.SrcSectionKey); ok {
				out = append(out, Reply{Conn: conn, Wire: proto.NewAEMsg(key, proto.Dst{Name: w.Sender()}, proto.AntiEntropy{Update: &upd})})
				n.metrics.IncAEUpdate()
			}
		}
	}

	// a node that learned of a newer key than ours still gets its message handled
	if !(fromNode && ae.SenderAhead(tree, w.Dst.SectionKey)) {
		v := ae.Check(tree, prefix, key, w.Dst)
		if v.Action != ae.Accept {
			bounce, ok := ae.Bounce(v, key, w.Sender(), raw)
			if !ok {
				return out, nil
			}
			if v.Action == ae.Retry {
				n.metrics.IncAERetry()
			} else {
				n.metrics.IncAERedirect()
			}
			return append(out, Reply{Conn: conn, Wire: bounce}), nil
		}
	}

	switch {
	case w.IsFromClient() && m.IsService():
		return append(out, HandleServiceMsg{Conn: conn, Wire: w, Msg: m}), nil
	case w.IsFromClient(), m.IsService():
		n.drop(w, "misrouted", nil)
		return out, nil
	}
	return append(out, HandleSystemMsg{Conn: conn, Wire: w, Msg: m}), nil
}

// sectionUpdate builds our section's update proven from known, with the
// membership when we are an elder.
func (n *Node) sectionUpdate(known bls.PublicKey) (proto.SectionUpdate, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.ourSAP()
	if !ok {
		return proto.SectionUpdate{}, false
	}
	upd := proto.SectionUpdate{Update: sectiontree.Update{
		SignedSAP:  s,
		ProofChain: n.tree.ProofFrom(known, s.Value.SectionKey()),
	}}
	if n.member != nil && n.member.IsElder() {
		upd.Members = n.member.Members()
		upd.Generation = n.member.Generation()
		upd.JoinsAllowed = n.member.JoinsAllowed()
	}
	return upd, true
}

// probe asks the peer on conn for an update proven from known.
func (n *Node) probe(conn network.Conn, known bls.PublicKey, target xorname.XorName) []Cmd {
	if conn == nil {
		return nil
	}
	k := known
	return []Cmd{Reply{Conn: conn, Wire: proto.NewAEMsg(known, proto.Dst{Name: target}, proto.AntiEntropy{Probe: &k})}}
}

func (n *Node) handleAE(conn network.Conn, w proto.WireMsg) []Cmd {
	t := w.AE
	switch {
	case t.Probe != nil:
		n.metrics.IncAEProbe()
		return n.answerProbe(conn, w, *t.Probe)
	case t.Update != nil:
		return append(n.applyUpdate(*t.Update), n.joinAttempt()...)
	case t.Retry != nil:
		n.metrics.IncAERetry()
		return n.resendBounced(*t.Retry)
	case t.Redirect != nil:
		n.metrics.IncAERedirect()
		return n.resendBounced(*t.Redirect)
	}
	return nil
}

func (n *Node) answerProbe(conn network.Conn, w proto.WireMsg, known bls.PublicKey) []Cmd {
	n.mu.RLock()
	tree, prefix := n.tree, n.prefix
	joined := n.member != nil
	n.mu.RUnlock()
	if tree == nil || !joined {
		return nil
	}
	if !prefix.Matches(w.Dst.Name) {
		if upd, ok := tree.UpdateFor(w.Dst.Name, known); ok {
			key := upd.SignedSAP.Value.SectionKey()
			msg := proto.NewAEMsg(key, proto.Dst{Name: w.Dst.Name}, proto.AntiEntropy{Update: &proto.SectionUpdate{Update: upd}})
			return []Cmd{Reply{Conn: conn, Wire: msg}}
		}
	}
	state, _ := n.sectionUpdate(known)
	msg, ok := ae.ProbeReply(tree, prefix, known, state, w.Dst.Name)
	if !ok {
		return nil
	}
	return []Cmd{Reply{Conn: conn, Wire: msg}}
}

// applyUpdate verifies an update into the tree, trusting it on first
// contact, and refreshes our membership view when it concerns our section.
func (n *Node) applyUpdate(upd proto.SectionUpdate) []Cmd {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := false
	if n.tree == nil {
		tree, err := sectiontree.NewFromUpdate(upd.Update)
		if err != nil {
			log.Debugf("rejecting first section update: %v", err)
			return nil
		}
		n.tree, changed = tree, true
		log.Infof("trusting genesis key %s", tree.GenesisKey())
	} else {
		var err error
		changed, err = n.tree.Update(upd.Update)
		if err != nil {
			log.Debugf("rejecting section update: %v", err)
			return nil
		}
	}
	if changed {
		n.treeDirty = true
		n.metrics.IncAEUpdate()
	}
	return n.adoptSectionLocked(upd)
}

// adoptSectionLocked moves our membership onto the SAP of an update for
// our own section: a new key makes us an elder when we hold its share,
// else an adult; a newer generation replaces a lagging member list.
func (n *Node) adoptSectionLocked(upd proto.SectionUpdate) []Cmd {
	if n.member == nil {
		return nil
	}
	sap := upd.Update.SignedSAP.Value
	self := xorname.FromPublicKey(n.keys.Public)
	if !sap.Prefix.Matches(self) {
		return nil
	}
	current, ok := n.tree.Get(sap.Prefix)
	if !ok || current.Value.SectionKey() != sap.SectionKey() {
		return nil
	}
	key := sap.SectionKey()
	sameKey := n.member.SectionKey() == key
	if sameKey && (len(upd.Members) == 0 || upd.Generation <= n.member.Generation()) {
		return nil
	}
	if sameKey && n.member.IsElder() {
		return nil
	}

	idx, share := -1, (*bls.SecretKey)(nil)
	if o, ok := n.outcomes[key]; ok && sap.ContainsElder(self) {
		idx, share = o.Index, o.Share
	}
	if len(upd.Members) > 0 {
		n.member = membership.New(membership.Config{
			Prefix:       sap.Prefix,
			PublicKeySet: sap.PublicKeySet,
			ElderCount:   sap.ElderCount(),
			OurIndex:     idx,
			Share:        share,
			Generation:   upd.Generation,
			Members:      upd.Members,
			JoinsAllowed: upd.JoinsAllowed,
			FirstSection: sap.Prefix.IsEmpty(),
			Clock:        n.clock,
		})
	} else {
		n.member = n.member.Handover(sap.Prefix, sap.PublicKeySet, sap.ElderCount(), idx, share)
	}
	n.prefix = sap.Prefix
	if share != nil {
		log.Infof("promoted to elder of %s", sap)
		return n.checkHandoverLocked()
	}
	if sap.ContainsElder(self) {
		log.Warningf("listed as elder of %s without a key share", sap)
	}
	return []Cmd{ReplicateData{}}
}

// resendBounced readdresses a message of ours that a section bounced and
// sends it to the elders the update names.
func (n *Node) resendBounced(b proto.Bounce) []Cmd {
	out := n.applyUpdate(proto.SectionUpdate{Update: b.Update})
	orig, err := proto.Decode(b.Bounced)
	if err != nil || orig.Sender() != n.Name() {
		return out
	}
	n.mu.RLock()
	tree := n.tree
	n.mu.RUnlock()
	if tree == nil {
		return out
	}
	target, ok := tree.SectionByName(orig.Dst.Name)
	if !ok || target.Value.SectionKey() == orig.Dst.SectionKey {
		return out
	}
	w := orig.WithDst(proto.Dst{Name: orig.Dst.Name, SectionKey: target.Value.SectionKey()})
	return append(out, SendMsg{Recipients: target.Value.Elders, Wire: w})
}

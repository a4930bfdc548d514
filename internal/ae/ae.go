// Package ae decides how a node answers messages sent with stale or
// wrong section knowledge, and rate limits the updates it volunteers.
package ae

import (
	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

type Action int

const (
	Accept Action = iota
	// Retry: right section, outdated key. The sender resends to us.
	Retry
	// Redirect: wrong section. The sender resends to the closer one.
	Redirect
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Retry:
		return "retry"
	case Redirect:
		return "redirect"
	}
	return "unknown"
}

// Verdict is the outcome of Check; Update is set for Retry and Redirect.
type Verdict struct {
	Action Action
	Update sectiontree.Update
}

// Check classifies a message addressed to dst arriving at a section with
// the given prefix and key.
func Check(tree *sectiontree.SectionTree, prefix xorname.Prefix, key bls.PublicKey, dst proto.Dst) Verdict {
	if !prefix.Matches(dst.Name) {
		target, ok := tree.Closest(dst.Name, &prefix)
		if !ok {
			target, ok = tree.Get(prefix)
		}
		if !ok {
			return Verdict{Action: Accept}
		}
		return Verdict{Action: Redirect, Update: sectiontree.Update{
			SignedSAP:  target,
			ProofChain: tree.ProofFrom(dst.SectionKey, target.Value.SectionKey()),
		}}
	}
	if dst.SectionKey != key {
		ours, ok := tree.Get(prefix)
		if !ok {
			return Verdict{Action: Accept}
		}
		return Verdict{Action: Retry, Update: sectiontree.Update{
			SignedSAP:  ours,
			ProofChain: tree.ProofFrom(dst.SectionKey, key),
		}}
	}
	return Verdict{Action: Accept}
}

// SenderBehind reports whether a sender from our own section signed with
// an ancestor of our current key, so it should be sent an update.
func SenderBehind(tree *sectiontree.SectionTree, key, srcKey bls.PublicKey) bool {
	if srcKey.IsZero() || srcKey == key {
		return false
	}
	return tree.IsAncestor(srcKey, key)
}

// SenderAhead reports whether the sender knows a key we have never seen;
// the answer is to probe it for an update.
func SenderAhead(tree *sectiontree.SectionTree, srcKey bls.PublicKey) bool {
	return !srcKey.IsZero() && !tree.HasKey(srcKey)
}

// Bounce builds the reply for a non-accepted message.
func Bounce(v Verdict, ourKey bls.PublicKey, sender xorname.XorName, original []byte) (proto.WireMsg, bool) {
	b := &proto.Bounce{Update: v.Update, Bounced: original}
	var trailer proto.AntiEntropy
	switch v.Action {
	case Retry:
		trailer.Retry = b
	case Redirect:
		trailer.Redirect = b
	default:
		return proto.WireMsg{}, false
	}
	return proto.NewAEMsg(ourKey, proto.Dst{Name: sender}, trailer), true
}

// ProbeReply answers a probe with our SAP proven from known. state carries
// the membership fields an elder adds; its Update is overwritten.
func ProbeReply(tree *sectiontree.SectionTree, prefix xorname.Prefix, known bls.PublicKey, state proto.SectionUpdate, sender xorname.XorName) (proto.WireMsg, bool) {
	ours, ok := tree.Get(prefix)
	if !ok {
		return proto.WireMsg{}, false
	}
	key := ours.Value.SectionKey()
	state.Update = sectiontree.Update{SignedSAP: ours, ProofChain: tree.ProofFrom(known, key)}
	return proto.NewAEMsg(key, proto.Dst{Name: sender}, proto.AntiEntropy{Update: &state}), true
}

package membership

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/maidsafe/temp-safe-network-sub015/internal/aggregator"
	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// RebroadcastInterval is how often an undecided vote is sent again.
const RebroadcastInterval = 10 * time.Second

var (
	ErrNotElder        = errors.New("not an elder")
	ErrWrongSectionKey = errors.New("vote for another section key")
	ErrFutureVote      = errors.New("vote for a future generation")
	ErrBadShare        = errors.New("bad vote share")
)

type Config struct {
	Prefix       xorname.Prefix
	PublicKeySet bls.PublicKeySet
	ElderCount   int
	// OurIndex is -1 on adults.
	OurIndex     int
	Share        *bls.SecretKey
	Generation   uint64
	Members      []sectiontree.NodeState
	JoinsAllowed bool
	FirstSection bool
	Clock        clock.PassiveClock
}

// Membership runs one single-decree vote per generation. Within a
// generation every elder votes once per round; a round is abandoned only
// when no proposal in it can still reach the threshold, and the next round
// votes for the round's leading proposal (lowest hash on ties).
type Membership struct {
	prefix       xorname.Prefix
	pks          bls.PublicKeySet
	n            int
	ourIndex     int
	share        *bls.SecretKey
	firstSection bool
	clock        clock.PassiveClock

	gen      uint64
	round    uint32
	votes    map[uint32]map[int]Vote
	ourVote  *Vote
	partial  map[[32]byte]map[int]sectiontree.KeyedSig
	agg      *aggregator.Aggregator
	lastSent time.Time

	members      map[xorname.XorName]sectiontree.NodeState
	joinsAllowed bool
	pending      []Proposal
	future       []Vote
	history      []Decision
	emitted      []Decision
}

func New(cfg Config) *Membership {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := &Membership{
		prefix:       cfg.Prefix,
		pks:          cfg.PublicKeySet,
		n:            cfg.ElderCount,
		ourIndex:     cfg.OurIndex,
		share:        cfg.Share,
		firstSection: cfg.FirstSection,
		clock:        clk,
		gen:          cfg.Generation,
		members:      make(map[xorname.XorName]sectiontree.NodeState),
		joinsAllowed: cfg.JoinsAllowed,
		agg:          aggregator.New(aggregator.DefaultTTL),
	}
	for _, ns := range cfg.Members {
		m.members[ns.Name()] = ns
	}
	m.resetRound(0)
	return m
}

func (m *Membership) resetRound(round uint32) {
	m.round = round
	if round == 0 {
		m.votes = make(map[uint32]map[int]Vote)
		m.partial = make(map[[32]byte]map[int]sectiontree.KeyedSig)
	}
	m.ourVote = nil
}

func (m *Membership) Generation() uint64 { return m.gen }

func (m *Membership) Round() uint32 { return m.round }

func (m *Membership) JoinsAllowed() bool { return m.joinsAllowed }

func (m *Membership) IsElder() bool { return m.ourIndex >= 0 && m.share != nil }

func (m *Membership) Prefix() xorname.Prefix { return m.prefix }

func (m *Membership) SectionKey() bls.PublicKey { return m.pks.PublicKey() }

// KeyShare returns what an elder needs to sign section messages; share is
// nil on adults.
func (m *Membership) KeyShare() (pks bls.PublicKeySet, index int, share *bls.SecretKey) {
	return m.pks, m.ourIndex, m.share
}

func (m *Membership) History() []Decision { return append([]Decision(nil), m.history...) }

func (m *Membership) Member(name xorname.XorName) (sectiontree.NodeState, bool) {
	ns, ok := m.members[name]
	return ns, ok
}

// Members lists joined members ordered by name.
func (m *Membership) Members() []sectiontree.NodeState {
	out := make([]sectiontree.NodeState, 0, len(m.members))
	for _, ns := range m.members {
		if ns.State == sectiontree.Joined {
			out = append(out, ns)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name().Compare(out[j].Name()) < 0 })
	return out
}

// Validate applies the guard conditions a proposal must meet before an elder signs it.
func (m *Membership) Validate(p Proposal) error {
	if p.count() != 1 {
		return fmt.Errorf("%w: %d fields set", ErrBadProposal, p.count())
	}
	switch {
	case p.Online != nil:
		name := p.Online.Name()
		if !m.prefix.Matches(name) {
			return fmt.Errorf("%w: %s outside %s", ErrBadProposal, name, m.prefix)
		}
		if !m.joinsAllowed && p.Online.PreviousName == nil {
			return ErrJoinsDisabled
		}
		if ns, ok := m.members[name]; ok && ns.State == sectiontree.Joined {
			return fmt.Errorf("%w: %s already joined", ErrBadProposal, name)
		}
		return CheckAge(p.Online.Age(), m.firstSection)
	case p.Offline != nil:
		ns, ok := m.members[p.Offline.Name()]
		if !ok || ns.State != sectiontree.Joined {
			return fmt.Errorf("%w: %s not a member", ErrBadProposal, p.Offline.Name())
		}
	case p.NewElders != nil:
		saps := p.NewElders.SAPs
		if len(saps) == 0 || len(saps) > 2 {
			return fmt.Errorf("%w: %d saps", ErrBadProposal, len(saps))
		}
		for _, s := range saps {
			if err := sectiontree.VerifySignedSAP(s); err != nil {
				return err
			}
			pfx := s.Value.Prefix
			if pfx != m.prefix && pfx.Popped() != m.prefix {
				return fmt.Errorf("%w: sap prefix %s", ErrBadProposal, pfx)
			}
			if s.Value.SectionKey() == m.pks.PublicKey() {
				return fmt.Errorf("%w: new elders reuse the section key", ErrBadProposal)
			}
		}
		if len(saps) == 2 && !saps[0].Value.Prefix.IsSibling(saps[1].Value.Prefix) {
			return fmt.Errorf("%w: split saps are not siblings", ErrBadProposal)
		}
	}
	return nil
}

// CheckAge enforces the first-section age window, and MinAdultAge afterwards.
func CheckAge(age uint8, firstSection bool) error {
	if firstSection {
		if age < sectiontree.FirstSectionMinAge || int(age) > sectiontree.FirstSectionMaxAge {
			return fmt.Errorf("%w: age %d outside first section range", ErrBadProposal, age)
		}
		return nil
	}
	if age != sectiontree.MinAdultAge {
		return fmt.Errorf("%w: age %d, want %d", ErrBadProposal, age, sectiontree.MinAdultAge)
	}
	return nil
}

func (m *Membership) sign(p Proposal) (Vote, error) {
	if !m.IsElder() {
		return Vote{}, ErrNotElder
	}
	v := Vote{Generation: m.gen, Round: m.round, Proposal: p, Voter: m.ourIndex, SectionKey: m.pks.PublicKey()}
	for _, pl := range Payloads(m.gen, m.round, p) {
		v.Shares = append(v.Shares, bls.SignatureShare{Index: m.ourIndex, Sig: m.share.Sign(pl)})
	}
	return v, nil
}

// Propose votes for p, or queues it when this elder already voted in the
// current generation. Returned votes are to be broadcast to the elders;
// returned decisions were reached while handling the call.
func (m *Membership) Propose(p Proposal) ([]Vote, []Decision, error) {
	if err := m.Validate(p); err != nil {
		return nil, nil, err
	}
	if !m.IsElder() {
		return nil, nil, ErrNotElder
	}
	if m.ourVote != nil {
		m.pending = append(m.pending, p)
		return nil, nil, nil
	}
	out, err := m.castVote(p)
	return out, m.drain(), err
}

// HandleVote records a vote. It may echo our own vote for the same
// proposal, start the next round, or reach decisions.
func (m *Membership) HandleVote(v Vote) ([]Vote, []Decision, error) {
	out, err := m.handleVote(v)
	return out, m.drain(), err
}

func (m *Membership) drain() []Decision {
	out := m.emitted
	m.emitted = nil
	return out
}

func (m *Membership) castVote(p Proposal) ([]Vote, error) {
	v, err := m.sign(p)
	if err != nil {
		return nil, err
	}
	m.ourVote = &v
	m.lastSent = m.clock.Now()
	more, err := m.handleVote(v)
	return append([]Vote{v}, more...), err
}

const maxFutureVotes = 4 * sectiontree.ElderSize

func (m *Membership) handleVote(v Vote) ([]Vote, error) {
	if v.Generation < m.gen {
		return nil, nil
	}
	if v.Generation == m.gen+1 && len(m.future) < maxFutureVotes {
		m.future = append(m.future, v)
		return nil, nil
	}
	if v.Generation > m.gen {
		return nil, ErrFutureVote
	}
	if v.SectionKey != m.pks.PublicKey() {
		return nil, ErrWrongSectionKey
	}
	if v.Voter < 0 || v.Voter >= m.n {
		return nil, fmt.Errorf("%w: voter %d", ErrBadShare, v.Voter)
	}
	byVoter := m.votes[v.Round]
	if byVoter == nil {
		byVoter = make(map[int]Vote)
		m.votes[v.Round] = byVoter
	}
	if _, seen := byVoter[v.Voter]; seen {
		return nil, nil
	}
	if err := m.Validate(v.Proposal); err != nil {
		return nil, err
	}
	payloads := Payloads(v.Generation, v.Round, v.Proposal)
	if len(v.Shares) != len(payloads) {
		return nil, fmt.Errorf("%w: %d shares", ErrBadShare, len(v.Shares))
	}
	for i, sh := range v.Shares {
		if sh.Index != v.Voter || !m.pks.VerifyShare(sh, payloads[i]) {
			return nil, ErrBadShare
		}
	}
	byVoter[v.Voter] = v

	h := v.Proposal.Hash()
	sigs := m.partial[h]
	if sigs == nil {
		sigs = make(map[int]sectiontree.KeyedSig)
		m.partial[h] = sigs
	}
	for i, sh := range v.Shares {
		sig, ok, err := m.agg.Add(payloads[i], m.pks, sh)
		if err != nil {
			return nil, err
		}
		if ok {
			sigs[i] = sig
		}
	}
	if len(sigs) == len(payloads) {
		d := Decision{Generation: v.Generation, Round: v.Round, Proposal: v.Proposal}
		for i := range payloads {
			d.Sigs = append(d.Sigs, sigs[i])
		}
		return m.apply(d)
	}

	var out []Vote
	gen := m.gen
	if m.IsElder() && m.ourVote == nil && v.Round == m.round {
		more, err := m.castVote(v.Proposal)
		out = append(out, more...)
		if err != nil || m.gen != gen {
			return out, err
		}
	}
	if winner, ok := m.roundIsDead(m.round); ok && m.IsElder() {
		if m.ourVote != nil && m.ourVote.Proposal.Hash() != winner.Hash() {
			m.pending = append([]Proposal{m.ourVote.Proposal}, m.pending...)
		}
		m.resetRound(m.round + 1)
		more, err := m.castVote(winner)
		return append(out, more...), err
	}
	return out, nil
}

// roundIsDead reports whether no proposal in round r can reach the
// threshold, and if so which proposal leads it.
func (m *Membership) roundIsDead(r uint32) (Proposal, bool) {
	byVoter := m.votes[r]
	need := m.pks.Threshold() + 1
	counts := make(map[[32]byte]int)
	props := make(map[[32]byte]Proposal)
	for _, v := range byVoter {
		h := v.Proposal.Hash()
		counts[h]++
		props[h] = v.Proposal
	}
	unvoted := m.n - len(byVoter)
	var best [32]byte
	bestCount := -1
	for h, c := range counts {
		if c+unvoted >= need {
			return Proposal{}, false
		}
		if c > bestCount || (c == bestCount && lessHash(h, best)) {
			best, bestCount = h, c
		}
	}
	if bestCount < 0 {
		return Proposal{}, false
	}
	return props[best], true
}

// HandleDecision applies a decision reached elsewhere, e.g. on an adult.
func (m *Membership) HandleDecision(d Decision) ([]Vote, []Decision, error) {
	if d.Generation != m.gen {
		return nil, nil, nil
	}
	if err := d.Verify(m.pks.PublicKey()); err != nil {
		return nil, nil, err
	}
	out, err := m.apply(d)
	return out, m.drain(), err
}

func (m *Membership) apply(d Decision) ([]Vote, error) {
	p := d.Proposal
	switch {
	case p.Online != nil:
		m.members[p.Online.Name()] = *p.Online
	case p.Offline != nil:
		m.members[p.Offline.Name()] = *p.Offline
	case p.JoinsAllowed != nil:
		m.joinsAllowed = *p.JoinsAllowed
	}
	m.history = append(m.history, d)
	m.emitted = append(m.emitted, d)
	m.gen = d.Generation + 1
	m.resetRound(0)
	if p.NewElders != nil {
		// the elder set changes; votes under the old key are void
		m.future = nil
		return nil, nil
	}
	var out []Vote
	if m.IsElder() {
		hash := p.Hash()
		for len(m.pending) > 0 {
			next := m.pending[0]
			m.pending = m.pending[1:]
			if next.Hash() == hash || m.Validate(next) != nil {
				continue
			}
			more, err := m.castVote(next)
			out = append(out, more...)
			if err != nil {
				return out, err
			}
			break
		}
	}
	future := m.future
	m.future = nil
	for _, v := range future {
		more, err := m.handleVote(v)
		out = append(out, more...)
		if err != nil {
			continue
		}
	}
	return out, nil
}

// Rebroadcast returns our undecided vote once RebroadcastInterval has passed.
func (m *Membership) Rebroadcast() []Vote {
	if m.ourVote == nil || m.clock.Since(m.lastSent) < RebroadcastInterval {
		return nil
	}
	m.lastSent = m.clock.Now()
	return []Vote{*m.ourVote}
}

// Handover builds the membership state for a new elder set, keeping
// members, generation and the joins flag.
func (m *Membership) Handover(prefix xorname.Prefix, pks bls.PublicKeySet, elderCount, ourIndex int, share *bls.SecretKey) *Membership {
	var members []sectiontree.NodeState
	for _, ns := range m.members {
		if prefix.Matches(ns.Name()) {
			members = append(members, ns)
		}
	}
	next := New(Config{
		Prefix:       prefix,
		PublicKeySet: pks,
		ElderCount:   elderCount,
		OurIndex:     ourIndex,
		Share:        share,
		Generation:   m.gen,
		Members:      members,
		JoinsAllowed: m.joinsAllowed,
		FirstSection: m.firstSection && prefix.IsEmpty(),
		Clock:        m.clock,
	})
	next.pending = append(next.pending, m.pending...)
	return next
}

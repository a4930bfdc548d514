package membership

import (
	"errors"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

type section struct {
	sks   *bls.SecretKeySet
	elder []*Membership
}

func newSection(t *testing.T, n int, clk *clocktesting.FakeClock) *section {
	t.Helper()
	sks, err := bls.GenerateSecretKeySet(supermajority(n) - 1)
	if err != nil {
		t.Fatalf("key set failed: %v", err)
	}
	s := &section{sks: sks}
	for i := 0; i < n; i++ {
		cfg := Config{
			PublicKeySet: sks.PublicKeys(),
			ElderCount:   n,
			OurIndex:     i,
			Share:        sks.SecretKeyShare(i),
			JoinsAllowed: true,
			FirstSection: true,
		}
		if clk != nil {
			cfg.Clock = clk
		}
		s.elder = append(s.elder, New(cfg))
	}
	return s
}

// flood delivers votes to every elder until no new votes are produced.
func (s *section) flood(t *testing.T, queue []Vote) [][]Decision {
	t.Helper()
	decisions := make([][]Decision, len(s.elder))
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for i, m := range s.elder {
			out, ds, err := m.HandleVote(v)
			if err != nil {
				t.Fatalf("elder %d handle vote failed: %v", i, err)
			}
			decisions[i] = append(decisions[i], ds...)
			queue = append(queue, out...)
		}
	}
	return decisions
}

func candidate(age uint8) sectiontree.NodeState {
	name := xorname.Random()
	name[xorname.Len-1] = age
	return sectiontree.NodeState{Peer: sectiontree.Peer{Name: name, Addr: "127.0.0.1:9"}}
}

func supermajority(n int) int { return 1 + n*2/3 }

func TestOnlineDecision(t *testing.T) {
	s := newSection(t, 4, nil)
	node := candidate(10)
	votes, ds, err := s.elder[0].Propose(OnlineProposal(node))
	if err != nil || len(ds) != 0 {
		t.Fatalf("propose failed: %v", err)
	}
	decisions := s.flood(t, votes)
	for i, m := range s.elder {
		if len(decisions[i]) != 1 {
			t.Fatalf("elder %d reached %d decisions, want 1", i, len(decisions[i]))
		}
		if err := decisions[i][0].Verify(s.sks.PublicKeys().PublicKey()); err != nil {
			t.Fatalf("decision does not verify: %v", err)
		}
		if m.Generation() != 1 {
			t.Fatalf("elder %d generation %d, want 1", i, m.Generation())
		}
		if _, ok := m.Member(node.Name()); !ok {
			t.Fatalf("elder %d missing new member", i)
		}
	}
}

func TestSplitVotesResolveInNextRound(t *testing.T) {
	s := newSection(t, 4, nil)
	a, b := OnlineProposal(candidate(10)), OnlineProposal(candidate(11))
	var queue []Vote
	for i, m := range s.elder {
		p := a
		if i >= 2 {
			p = b
		}
		votes, _, err := m.Propose(p)
		if err != nil {
			t.Fatalf("propose failed: %v", err)
		}
		queue = append(queue, votes...)
	}
	decisions := s.flood(t, queue)
	var want [32]byte
	for i, m := range s.elder {
		if len(decisions[i]) != 2 {
			t.Fatalf("elder %d reached %d decisions, want 2", i, len(decisions[i]))
		}
		first := decisions[i][0]
		if first.Round != 1 {
			t.Fatalf("expected first decision in round 1, got %d", first.Round)
		}
		if i == 0 {
			want = first.Proposal.Hash()
		} else if first.Proposal.Hash() != want {
			t.Fatalf("elders decided differently")
		}
		// the losing proposal is requeued and decided next
		if m.Generation() != 2 {
			t.Fatalf("elder %d generation %d, want 2", i, m.Generation())
		}
		if len(m.Members()) != 2 {
			t.Fatalf("elder %d has %d members, want 2", i, len(m.Members()))
		}
	}
}

func TestGuards(t *testing.T) {
	s := newSection(t, 1, nil)
	m := s.elder[0]
	if _, _, err := m.Propose(OnlineProposal(candidate(3))); !errors.Is(err, ErrBadProposal) {
		t.Fatalf("expected age rejection, got %v", err)
	}
	if err := CheckAge(sectiontree.MinAdultAge, false); err != nil {
		t.Fatalf("adult age rejected: %v", err)
	}
	if err := CheckAge(sectiontree.MinAdultAge+1, false); err == nil {
		t.Fatalf("expected non-first section age rejection")
	}
	if _, _, err := m.Propose(OfflineProposal(candidate(10))); !errors.Is(err, ErrBadProposal) {
		t.Fatalf("offline of non-member must be rejected, got %v", err)
	}
	if _, ds, err := m.Propose(JoinsAllowedProposal(false)); err != nil || len(ds) != 1 {
		t.Fatalf("single elder should decide immediately: %v", err)
	}
	if m.JoinsAllowed() {
		t.Fatalf("joins flag should follow the decision")
	}
	if _, _, err := m.Propose(OnlineProposal(candidate(10))); !errors.Is(err, ErrJoinsDisabled) {
		t.Fatalf("expected ErrJoinsDisabled, got %v", err)
	}
}

func TestStaleVotesDiscarded(t *testing.T) {
	s := newSection(t, 1, nil)
	m := s.elder[0]
	votes, ds, err := m.Propose(JoinsAllowedProposal(true))
	if err != nil || len(ds) != 1 {
		t.Fatalf("decide failed: %v", err)
	}
	out, ds, err := m.HandleVote(votes[0])
	if out != nil || ds != nil || err != nil {
		t.Fatalf("old generation vote should be ignored")
	}
}

func TestRebroadcastAndAdultDecision(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1000, 0))
	s := newSection(t, 4, clk)
	votes, _, err := s.elder[0].Propose(JoinsAllowedProposal(false))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if len(s.elder[0].Rebroadcast()) != 0 {
		t.Fatalf("rebroadcast before interval")
	}
	clk.Step(RebroadcastInterval)
	if len(s.elder[0].Rebroadcast()) != 1 {
		t.Fatalf("expected rebroadcast after interval")
	}
	decisions := s.flood(t, votes)
	adult := New(Config{PublicKeySet: s.sks.PublicKeys(), ElderCount: 4, OurIndex: -1, JoinsAllowed: true})
	if _, _, err := adult.HandleDecision(decisions[0][0]); err != nil {
		t.Fatalf("adult apply failed: %v", err)
	}
	if adult.JoinsAllowed() || adult.Generation() != 1 {
		t.Fatalf("adult did not apply decision")
	}
	forged := decisions[0][0]
	forged.Generation = 1
	if _, _, err := adult.HandleDecision(forged); err == nil {
		t.Fatalf("forged decision accepted")
	}
}

// Package node runs a section member: it validates inbound messages, takes
// part in membership votes and key generation while an elder, and stores
// and serves data while an adult.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/maidsafe/temp-safe-network-sub015/internal/ae"
	"github.com/maidsafe/temp-safe-network-sub015/internal/aggregator"
	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/dkg"
	"github.com/maidsafe/temp-safe-network-sub015/internal/liveness"
	"github.com/maidsafe/temp-safe-network-sub015/internal/logging"
	"github.com/maidsafe/temp-safe-network-sub015/internal/membership"
	"github.com/maidsafe/temp-safe-network-sub015/internal/metrics"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/placement"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/store"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

var log = logging.MustGetLogger("node")

const (
	// KeysDir holds the node's ed25519 identity under the root dir.
	KeysDir = "node_keys"

	TickInterval       = time.Second
	DefaultJoinTimeout = time.Minute
	// DefaultResourceProofDifficulty is the leading zero bits a joiner must find.
	DefaultResourceProofDifficulty = 8

	// QueryDeadline is how long an adult has to answer a forwarded op.
	QueryDeadline = 30 * time.Second
	opTTL         = time.Minute
	challengeTTL  = time.Minute
	sendTimeout   = 10 * time.Second
	cleanupEvery  = 60
	dkgAEEvery    = 5
)

var (
	ErrBootstrap = errors.New("bootstrap failed")
	ErrNotJoined = errors.New("node has not joined a section")
)

// Listener binds the node's endpoint with the handler for inbound frames.
type Listener func(network.Handler) (network.Endpoint, error)

type Config struct {
	// Root is the data dir; empty keeps everything in memory.
	Root     string
	Genesis  bool
	Contacts []string
	Listen   Listener

	// ElderCount caps the elders per section, at most sectiontree.ElderSize.
	ElderCount              int
	DataCopyCount           int
	MaxCapacity             uint64
	ResourceProofDifficulty uint8
	JoinTimeout             time.Duration
	Workers                 int

	Keypair *crypto.Keypair
	Clock   clock.WithTicker
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.ElderCount <= 0 || c.ElderCount > sectiontree.ElderSize {
		c.ElderCount = sectiontree.ElderSize
	}
	if c.DataCopyCount <= 0 {
		c.DataCopyCount = placement.DataCopyCount
	}
	if c.MaxCapacity == 0 {
		c.MaxCapacity = store.DefaultMaxCapacity
	}
	if c.ResourceProofDifficulty == 0 {
		c.ResourceProofDifficulty = DefaultResourceProofDifficulty
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

type Node struct {
	cfg        Config
	clock      clock.WithTicker
	metrics    *metrics.Metrics
	stores     *store.Stores
	ep         network.Endpoint
	comm       *network.Comm
	router     *router
	aeLimit    *ae.Limiter
	liveness   *liveness.Tracker
	agg        *aggregator.Aggregator
	challenges *cache.Cache
	ops        *cache.Cache
	joinedCh   chan struct{}
	joinOnce   sync.Once

	mu        sync.RWMutex
	keys      crypto.Keypair
	tree      *sectiontree.SectionTree
	prefix    xorname.Prefix
	member    *membership.Membership
	handover  *handover
	dkgs      map[dkg.SessionID]*dkgSession
	outcomes  map[bls.PublicKey]dkg.Outcome
	levels    map[xorname.XorName]store.StorageLevel
	joining   *joinState
	ticks     uint64
	treeDirty bool
}

func New(cfg Config) (*Node, error) {
	cfg.setDefaults()
	if cfg.Listen == nil {
		return nil, fmt.Errorf("%w: no listener", ErrBootstrap)
	}
	keys, err := LoadKeys(cfg)
	if err != nil {
		return nil, err
	}
	var stores *store.Stores
	if cfg.Root == "" {
		stores = store.OpenMemory(cfg.MaxCapacity)
	} else if stores, err = store.Open(cfg.Root, cfg.MaxCapacity); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:        cfg,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		stores:     stores,
		aeLimit:    ae.NewLimiter(ae.UpdateInterval),
		liveness:   liveness.New(cfg.Clock),
		agg:        aggregator.New(aggregator.DefaultTTL),
		challenges: cache.New(challengeTTL, 2*challengeTTL),
		ops:        cache.New(opTTL, 2*opTTL),
		joinedCh:   make(chan struct{}),
		keys:       keys,
		dkgs:       make(map[dkg.SessionID]*dkgSession),
		outcomes:   make(map[bls.PublicKey]dkg.Outcome),
		levels:     make(map[xorname.XorName]store.StorageLevel),
	}
	if !cfg.Genesis && cfg.Root != "" {
		tree, err := sectiontree.ReadFromDisk(filepath.Join(cfg.Root, sectiontree.FileName))
		switch {
		case err == nil:
			n.tree = tree
		case !os.IsNotExist(err):
			log.Warningf("ignoring unreadable section tree: %v", err)
		}
	}
	n.router = newRouter(n, cfg.Workers)
	ep, err := cfg.Listen(n.receive)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	n.ep = ep
	n.comm = network.NewComm(ep, cfg.Clock)
	return n, nil
}

// LoadKeys reads the persisted identity, generating one when missing. The
// genesis node is the oldest in the network and gets an age above the
// first-section range.
func LoadKeys(cfg Config) (crypto.Keypair, error) {
	minAge, maxAge := uint8(sectiontree.FirstSectionMinAge), uint8(sectiontree.FirstSectionMaxAge)
	if cfg.Genesis {
		minAge, maxAge = sectiontree.FirstSectionMaxAge+1, 255
	}
	ageOK := func(kp crypto.Keypair) bool {
		age := xorname.FromPublicKey(kp.Public).Age()
		return age >= minAge && age <= maxAge
	}
	if cfg.Keypair != nil {
		return *cfg.Keypair, nil
	}
	dir := ""
	if cfg.Root != "" {
		dir = filepath.Join(cfg.Root, KeysDir)
		kp, err := crypto.LoadKeypair(dir)
		if err == nil && ageOK(kp) {
			return kp, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return crypto.Keypair{}, err
		}
	}
	kp, err := crypto.GenKeypairWithAge(minAge, maxAge)
	if err != nil {
		return crypto.Keypair{}, err
	}
	if dir != "" {
		if err := crypto.SaveKeypair(dir, kp); err != nil {
			return crypto.Keypair{}, err
		}
	}
	return kp, nil
}

func (n *Node) receive(conn network.Conn, raw []byte) {
	n.router.Dispatch(HandleMsg{Conn: conn, Raw: raw})
}

// Run starts the genesis section or joins through the contacts, then
// serves until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		n.router.run(runCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
		n.close()
	}()
	go n.tickLoop(runCtx)

	if n.cfg.Genesis {
		if err := n.genesis(); err != nil {
			return err
		}
	} else if err := n.join(runCtx); err != nil {
		return err
	}
	log.Infof("node %s serving at %s", n.Name(), n.Addr())
	<-ctx.Done()
	return nil
}

func (n *Node) tickLoop(ctx context.Context) {
	ticker := n.clock.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			n.router.Dispatch(Tick{})
		}
	}
}

func (n *Node) close() {
	n.persistTree()
	if err := n.comm.Close(); err != nil {
		log.Debugf("closing endpoint: %v", err)
	}
	if err := n.stores.Close(); err != nil {
		log.Warningf("closing stores: %v", err)
	}
}

func (n *Node) genesis() error {
	sks, err := bls.GenerateSecretKeySet(0)
	if err != nil {
		return err
	}
	self := n.Peer()
	sap := sectiontree.NewSAP(xorname.Prefix{}, sks.PublicKeys(), []sectiontree.Peer{self}, 0)
	tree, err := sectiontree.NewWithSAP(sectiontree.Sign(sks.SecretKey(), sap))
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.tree = tree
	n.prefix = xorname.Prefix{}
	n.member = membership.New(membership.Config{
		PublicKeySet: sks.PublicKeys(),
		ElderCount:   1,
		OurIndex:     0,
		Share:        sks.SecretKeyShare(0),
		Members:      []sectiontree.NodeState{{Peer: self, State: sectiontree.Joined}},
		JoinsAllowed: true,
		FirstSection: true,
		Clock:        n.clock,
	})
	n.treeDirty = true
	n.mu.Unlock()
	n.markJoined()
	log.Infof("started genesis section %s", sap)
	return nil
}

func (n *Node) markJoined() {
	n.joinOnce.Do(func() { close(n.joinedCh) })
}

// persistTree writes the section tree when it changed since the last write.
func (n *Node) persistTree() {
	n.mu.Lock()
	tree, dirty := n.tree, n.treeDirty
	n.treeDirty = false
	n.mu.Unlock()
	if !dirty || tree == nil || n.cfg.Root == "" {
		return
	}
	if err := tree.WriteToDisk(filepath.Join(n.cfg.Root, sectiontree.FileName)); err != nil {
		log.Warningf("writing section tree: %v", err)
	}
}

// Joined is closed once the node is a member of a section.
func (n *Node) Joined() <-chan struct{} { return n.joinedCh }

func (n *Node) Name() xorname.XorName {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return xorname.FromPublicKey(n.keys.Public)
}

func (n *Node) Addr() string { return n.ep.LocalAddr() }

func (n *Node) Peer() sectiontree.Peer { return sectiontree.Peer{Name: n.Name(), Addr: n.Addr()} }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

func (n *Node) Stores() *store.Stores { return n.stores }

// Tree is nil until the node learned of a section.
func (n *Node) Tree() *sectiontree.SectionTree {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tree
}

func (n *Node) IsElder() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.member != nil && n.member.IsElder()
}

// SAP is our section's current authority provider.
func (n *Node) SAP() (sectiontree.SAP, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.ourSAP()
	return s.Value, ok
}

func (n *Node) Members() []sectiontree.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.member == nil {
		return nil
	}
	return n.member.Members()
}

// PendingOps is the number of unanswered ops this elder sent to an adult.
func (n *Node) PendingOps(adult xorname.XorName) int { return n.liveness.PendingCount(adult) }

// SetJoinsAllowed puts the joins flag to the section vote.
func (n *Node) SetJoinsAllowed(v bool) {
	n.router.Dispatch(Propose{Proposal: membership.JoinsAllowedProposal(v)})
}

// ourSAP must be called with mu held.
func (n *Node) ourSAP() (sectiontree.SignedSAP, bool) {
	if n.tree == nil {
		return sectiontree.SignedSAP{}, false
	}
	return n.tree.Get(n.prefix)
}

func (n *Node) sectionKeyLocked() bls.PublicKey {
	s, ok := n.ourSAP()
	if !ok {
		return bls.PublicKey{}
	}
	return s.Value.SectionKey()
}

// otherElders must be called with mu held.
func (n *Node) otherElders() []sectiontree.Peer {
	s, ok := n.ourSAP()
	if !ok {
		return nil
	}
	self := xorname.FromPublicKey(n.keys.Public)
	var out []sectiontree.Peer
	for _, e := range s.Value.Elders {
		if e.Name != self {
			out = append(out, e)
		}
	}
	return out
}

// adultsLocked lists joined members that are not elders of our SAP.
func (n *Node) adultsLocked() []sectiontree.NodeState {
	if n.member == nil {
		return nil
	}
	s, _ := n.ourSAP()
	var out []sectiontree.NodeState
	for _, ns := range n.member.Members() {
		if !s.Value.ContainsElder(ns.Name()) {
			out = append(out, ns)
		}
	}
	return out
}

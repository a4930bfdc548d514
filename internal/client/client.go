// Package client talks to the network on behalf of a user: it learns the
// section layout through anti-entropy, routes queries and commands to the
// responsible elders, and builds files and registers on top of them.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"

	"github.com/maidsafe/temp-safe-network-sub015/internal/bls"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/logging"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/placement"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

var log = logging.MustGetLogger("client")

const (
	DefaultQueryTimeout   = 90 * time.Second
	DefaultMaxBackoff     = 4 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	// ChunkCacheSize is how many fetched chunks a client keeps.
	ChunkCacheSize = 50
	// ChunksBatchMaxSize caps the chunks uploaded concurrently.
	ChunksBatchMaxSize = 5

	minAttemptWait = 200 * time.Millisecond
	probeWait      = 500 * time.Millisecond
)

var (
	ErrNotConnected = errors.New("no section knowledge")
	ErrNoElders     = errors.New("no elders known for name")
)

type Config struct {
	Contacts []string
	// TreeFile is a saved section tree to start from.
	TreeFile string
	Listen   func(network.Handler) (network.Endpoint, error)
	Keypair  *crypto.Keypair

	QueryTimeout   time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
	DataCopyCount  int
}

func (c *Config) setDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DataCopyCount <= 0 {
		c.DataCopyCount = placement.DataCopyCount
	}
}

// response is what a pending request receives: a decoded answer from an
// elder, or a bounce after which the request must be resent.
type response struct {
	msg    proto.Msg
	from   xorname.XorName
	bounce bool
}

type Client struct {
	cfg   Config
	keys  crypto.Keypair
	ep    network.Endpoint
	comm  *network.Comm
	cache *lru.Cache

	mu      sync.RWMutex
	tree    *sectiontree.SectionTree
	pending map[proto.MsgID]chan response
	// accepted is closed and replaced each time an update verifies,
	// whether or not it taught us anything.
	accepted chan struct{}

	regs *registers
}

// Connect binds an endpoint and probes the contacts until a section
// update arrives.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()
	if cfg.Listen == nil {
		return nil, fmt.Errorf("client needs a listener")
	}
	var keys crypto.Keypair
	if cfg.Keypair != nil {
		keys = *cfg.Keypair
	} else {
		var err error
		if keys, err = crypto.GenKeypair(); err != nil {
			return nil, err
		}
	}
	cache, err := lru.New(ChunkCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		keys:     keys,
		cache:    cache,
		pending:  make(map[proto.MsgID]chan response),
		accepted: make(chan struct{}),
		regs:     newRegisters(),
	}
	if cfg.TreeFile != "" {
		tree, err := sectiontree.ReadFromDisk(cfg.TreeFile)
		switch {
		case err == nil:
			c.tree = tree
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading section tree: %w", err)
		}
	}
	ep, err := cfg.Listen(c.receive)
	if err != nil {
		return nil, err
	}
	c.ep = ep
	c.comm = network.NewComm(ep, nil)
	if err := c.bootstrap(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	if c.cfg.TreeFile != "" {
		if tree := c.Tree(); tree != nil {
			if err := tree.WriteToDisk(c.cfg.TreeFile); err != nil {
				log.Warningf("saving section tree: %v", err)
			}
		}
	}
	return c.comm.Close()
}

func (c *Client) Name() xorname.XorName { return xorname.FromPublicKey(c.keys.Public) }

func (c *Client) PublicKey() []byte { return c.keys.Public }

func (c *Client) Tree() *sectiontree.SectionTree {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree
}

// SectionKey is the key of the section this client believes covers name.
func (c *Client) SectionKey(name xorname.XorName) (bls.PublicKey, bool) {
	tree := c.Tree()
	if tree == nil {
		return bls.PublicKey{}, false
	}
	s, ok := tree.SectionByName(name)
	if !ok {
		return bls.PublicKey{}, false
	}
	return s.Value.SectionKey(), true
}

func contactPeer(addr string) sectiontree.Peer {
	return sectiontree.Peer{Name: xorname.FromContent([]byte(addr)), Addr: addr}
}

// bootstrap sends anti-entropy probes to the contacts, backing off between
// rounds, until one answers with an update we accept.
func (c *Client) bootstrap(ctx context.Context) error {
	if len(c.cfg.Contacts) == 0 {
		if c.Tree() != nil {
			return nil
		}
		return fmt.Errorf("%w: no contacts", ErrNotConnected)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = probeWait
	b.MaxElapsedTime = 0
	op := func() error {
		c.mu.RLock()
		accepted, known := c.accepted, bls.PublicKey{}
		if c.tree != nil {
			known = c.tree.GenesisKey()
		}
		c.mu.RUnlock()
		probe := proto.NewAEMsg(known, proto.Dst{Name: c.Name()}, proto.AntiEntropy{Probe: &known})
		raw, err := probe.Encode()
		if err != nil {
			return backoff.Permanent(err)
		}
		for _, addr := range c.cfg.Contacts {
			if err := c.comm.Send(ctx, contactPeer(addr), raw); err != nil {
				log.Debugf("probing %s: %v", addr, err)
			}
		}
		select {
		case <-accepted:
			return nil
		case <-time.After(probeWait):
			return ErrNotConnected
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	log.Infof("client %s connected", c.Name())
	return nil
}

// applyUpdate merges a section update into our tree, trusting the first
// one we see. It reports whether the tree changed.
func (c *Client) applyUpdate(u sectiontree.Update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	if c.tree == nil {
		tree, err := sectiontree.NewFromUpdate(u)
		if err != nil {
			log.Debugf("rejecting first section update: %v", err)
			return false
		}
		c.tree, changed = tree, true
	} else {
		var err error
		if changed, err = c.tree.Update(u); err != nil {
			log.Debugf("rejecting section update: %v", err)
			return false
		}
	}
	close(c.accepted)
	c.accepted = make(chan struct{})
	return changed
}

// receive handles every inbound frame: section updates, bounces of our
// own requests, and answers from elders.
func (c *Client) receive(conn network.Conn, raw []byte) {
	w, err := proto.Decode(raw)
	if err != nil {
		log.Debugf("undecodable frame: %v", err)
		return
	}
	if err := w.VerifyAuth(); err != nil {
		log.Debugf("dropping %s: %v", w, err)
		return
	}
	if w.Kind == proto.KindSectionInfo {
		c.handleAE(*w.AE)
		return
	}
	if w.Kind != proto.KindNodeAuth || !c.fromElder(w) {
		log.Debugf("dropping %s from non-elder %s", w, w.Sender())
		return
	}
	m, err := w.Msg()
	if err != nil {
		log.Debugf("dropping %s: %v", w, err)
		return
	}
	switch {
	case m.CmdAck != nil:
		c.deliver(m.CmdAck.Correlation, response{msg: m, from: w.Sender()})
	case m.QueryResponse != nil:
		c.deliver(m.QueryResponse.Correlation, response{msg: m})
	default:
		log.Debugf("ignoring %s", m.Name())
	}
}

func (c *Client) handleAE(ae proto.AntiEntropy) {
	switch {
	case ae.Update != nil:
		c.applyUpdate(ae.Update.Update)
	case ae.Retry != nil:
		c.handleBounce(*ae.Retry)
	case ae.Redirect != nil:
		c.handleBounce(*ae.Redirect)
	}
}

func (c *Client) handleBounce(b proto.Bounce) {
	c.applyUpdate(b.Update)
	orig, err := proto.Decode(b.Bounced)
	if err != nil || orig.Sender() != c.Name() {
		return
	}
	c.deliver(orig.ID, response{bounce: true})
}

// fromElder accepts answers from elders of any section we know.
func (c *Client) fromElder(w proto.WireMsg) bool {
	tree := c.Tree()
	if tree == nil {
		return false
	}
	sender := w.Sender()
	if s, ok := tree.GetSignedByKey(w.SrcSectionKey); ok && s.Value.ContainsElder(sender) {
		return true
	}
	for _, s := range tree.All() {
		if s.Value.ContainsElder(sender) {
			return true
		}
	}
	return false
}

func (c *Client) deliver(id proto.MsgID, r response) {
	c.mu.RLock()
	ch, ok := c.pending[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
		log.Debugf("dropping surplus response for %s", id)
	}
}

// attempts tracks the message ids of one logical request; answers to any
// of them arrive on ch.
type attempts struct {
	c   *Client
	ch  chan response
	ids []proto.MsgID
}

func (c *Client) newAttempts() *attempts {
	return &attempts{c: c, ch: make(chan response, 16)}
}

func (a *attempts) track(id proto.MsgID) {
	a.c.mu.Lock()
	a.c.pending[id] = a.ch
	a.c.mu.Unlock()
	a.ids = append(a.ids, id)
}

// done removes every pending entry of the request.
func (a *attempts) done() {
	a.c.mu.Lock()
	for _, id := range a.ids {
		delete(a.c.pending, id)
	}
	a.c.mu.Unlock()
}

// PendingCount is the number of unanswered message ids.
func (c *Client) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// eldersFor returns the key and the elders of the section covering name,
// closest to name first.
func (c *Client) eldersFor(name xorname.XorName) (bls.PublicKey, []sectiontree.Peer, error) {
	tree := c.Tree()
	if tree == nil {
		return bls.PublicKey{}, nil, ErrNotConnected
	}
	s, ok := tree.SectionByName(name)
	if !ok || len(s.Value.Elders) == 0 {
		return bls.PublicKey{}, nil, fmt.Errorf("%w: %s", ErrNoElders, name)
	}
	byName := make(map[xorname.XorName]sectiontree.Peer, len(s.Value.Elders))
	for _, e := range s.Value.Elders {
		byName[e.Name] = e
	}
	var elders []sectiontree.Peer
	for _, n := range placement.Closest(name, s.Value.ElderNames(), len(s.Value.Elders)) {
		elders = append(elders, byName[n])
	}
	return s.Value.SectionKey(), elders, nil
}

// queryBackOff spaces the attempts of one request. The first wait is half
// the maximum and the whole request gives up after the query timeout.
func (c *Client) queryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MaxBackoff / 2
	b.RandomizationFactor = 1.5
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = c.cfg.QueryTimeout
	b.Reset()
	return b
}

func nextWait(b backoff.BackOff) (time.Duration, bool) {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	if d < minAttemptWait {
		d = minAttemptWait
	}
	return d, true
}

func (c *Client) send(ctx context.Context, peers []sectiontree.Peer, w proto.WireMsg) error {
	raw, err := w.Encode()
	if err != nil {
		return err
	}
	return c.comm.SendTo(ctx, peers, raw)
}

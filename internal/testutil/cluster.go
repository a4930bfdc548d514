// Package testutil runs whole sections in-process for tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/node"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

const (
	// DefaultElderCount keeps test sections small enough for quick key
	// generation.
	DefaultElderCount = 3
	// TestDifficulty makes resource proofs cheap.
	TestDifficulty = 2
	JoinWait       = 30 * time.Second
	SettleWait     = 60 * time.Second
)

// Cluster is a single section on a MemNetwork.
type Cluster struct {
	t          testing.TB
	Net        *network.MemNetwork
	ElderCount int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	nodes []*node.Node
}

// NewCluster starts a genesis node and joins size-1 more, one at a time,
// then waits for the elder set to settle.
func NewCluster(t testing.TB, size int) *Cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{t: t, Net: network.NewMemNetwork(), ElderCount: DefaultElderCount, ctx: ctx, cancel: cancel}
	t.Cleanup(c.Close)
	c.start(node.Config{Genesis: true})
	for i := 1; i < size; i++ {
		c.AddNode()
	}
	c.WaitSettled()
	return c
}

// Listener binds nodes to the cluster's in-memory network.
func (c *Cluster) Listener() node.Listener {
	return func(h network.Handler) (network.Endpoint, error) { return c.Net.Listen(h), nil }
}

func (c *Cluster) start(cfg node.Config) *node.Node {
	c.t.Helper()
	cfg.Listen = c.Listener()
	cfg.ElderCount = c.ElderCount
	cfg.ResourceProofDifficulty = TestDifficulty
	cfg.JoinTimeout = JoinWait
	n, err := node.New(cfg)
	if err != nil {
		c.t.Fatalf("new node failed: %v", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := n.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.t.Logf("node %s stopped: %v", n.Addr(), err)
		}
	}()
	select {
	case <-n.Joined():
	case <-time.After(JoinWait):
		c.t.Fatalf("node %s did not join within %s", n.Addr(), JoinWait)
	}
	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.mu.Unlock()
	return n
}

// AddNode joins one more node through the genesis node.
func (c *Cluster) AddNode() *node.Node {
	c.t.Helper()
	return c.start(node.Config{Contacts: c.Contacts()})
}

// Contacts are the bootstrap addresses of the cluster.
func (c *Cluster) Contacts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.nodes) == 0 {
		return nil
	}
	return []string{c.nodes[0].Addr()}
}

func (c *Cluster) Nodes() []*node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*node.Node(nil), c.nodes...)
}

func (c *Cluster) Genesis() *node.Node { return c.Nodes()[0] }

func (c *Cluster) Elders() []*node.Node {
	var out []*node.Node
	for _, n := range c.Nodes() {
		if n.IsElder() {
			out = append(out, n)
		}
	}
	return out
}

func (c *Cluster) Adults() []*node.Node {
	var out []*node.Node
	for _, n := range c.Nodes() {
		if !n.IsElder() {
			out = append(out, n)
		}
	}
	return out
}

func (c *Cluster) ByName(name xorname.XorName) *node.Node {
	for _, n := range c.Nodes() {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

// WaitSettled waits until every node sees the same section key, every
// member, and the expected number of elders holding key shares.
func (c *Cluster) WaitSettled() {
	c.t.Helper()
	nodes := c.Nodes()
	want := len(nodes)
	if want > c.ElderCount {
		want = c.ElderCount
	}
	Eventually(c.t, SettleWait, "section to settle", func() bool {
		sap, ok := nodes[0].SAP()
		if !ok || len(sap.Elders) != want || len(c.Elders()) != want {
			return false
		}
		for _, n := range nodes {
			s, ok := n.SAP()
			if !ok || s.SectionKey() != sap.SectionKey() || len(n.Members()) != len(nodes) {
				return false
			}
		}
		return true
	})
}

// Close stops every node and waits for them to exit.
func (c *Cluster) Close() {
	c.cancel()
	c.wg.Wait()
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s waiting for %s", timeout, what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

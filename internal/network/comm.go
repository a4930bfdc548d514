package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/clock"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

const (
	SendRetries  = 3
	retryBackoff = 100 * time.Millisecond
	retryMax     = 1 * time.Second
)

// Comm owns the links to every known peer and retries failed sends.
type Comm struct {
	ep    Endpoint
	clock clock.PassiveClock

	mu    sync.Mutex
	links map[xorname.XorName]*Link
}

func NewComm(ep Endpoint, clk clock.PassiveClock) *Comm {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Comm{ep: ep, clock: clk, links: make(map[xorname.XorName]*Link)}
}

func (c *Comm) LocalAddr() string { return c.ep.LocalAddr() }

func (c *Comm) link(peer sectiontree.Peer) *Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[peer.Name]
	if ok && l.Addr() == peer.Addr {
		return l
	}
	if ok {
		l.Disconnect()
	}
	l = NewLink(peer.Addr, c.ep, c.clock)
	c.links[peer.Name] = l
	return l
}

func newRetryBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBackoff
	b.MaxInterval = retryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, SendRetries), ctx)
}

// Send delivers msg to peer, retrying with backoff on transport failure.
func (c *Comm) Send(ctx context.Context, peer sectiontree.Peer, msg []byte) error {
	l := c.link(peer)
	err := backoff.RetryNotify(func() error {
		return l.Send(ctx, msg)
	}, newRetryBackOff(ctx), func(err error, d time.Duration) {
		log.Debugf("send to %s failed, retrying in %s: %v", peer, d, err)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrTransport, peer, err)
	}
	return nil
}

// Reach delivers msg to peer once and waits for its endpoint to take it.
func (c *Comm) Reach(ctx context.Context, peer sectiontree.Peer, msg []byte) error {
	if err := c.link(peer).Exchange(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrTransport, peer, err)
	}
	return nil
}

// SendTo sends msg to every peer concurrently. The error lists each peer
// that could not be reached.
func (c *Comm) SendTo(ctx context.Context, peers []sectiontree.Peer, msg []byte) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p sectiontree.Peer) {
			defer wg.Done()
			if err := c.Send(ctx, p, msg); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// AddIncoming pools a connection a known peer opened to us.
func (c *Comm) AddIncoming(name xorname.XorName, conn Conn) {
	c.mu.Lock()
	l, ok := c.links[name]
	c.mu.Unlock()
	if ok {
		l.Add(conn)
	}
}

func (c *Comm) IsConnected(name xorname.XorName) bool {
	c.mu.Lock()
	l, ok := c.links[name]
	c.mu.Unlock()
	return ok && l.IsConnected()
}

func (c *Comm) Disconnect(name xorname.XorName) {
	c.mu.Lock()
	l, ok := c.links[name]
	delete(c.links, name)
	c.mu.Unlock()
	if ok {
		l.Disconnect()
	}
}

// CleanupLinks drops links to peers keep rejects and reports how many went.
func (c *Comm) CleanupLinks(keep func(xorname.XorName) bool) int {
	c.mu.Lock()
	var drop []*Link
	for name, l := range c.links {
		if !keep(name) {
			drop = append(drop, l)
			delete(c.links, name)
		}
	}
	c.mu.Unlock()
	for _, l := range drop {
		l.Disconnect()
	}
	return len(drop)
}

func (c *Comm) LinkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}

func (c *Comm) Close() error {
	c.CleanupLinks(func(xorname.XorName) bool { return false })
	return c.ep.Close()
}

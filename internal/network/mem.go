package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const memInboxSize = 1024

// MemNetwork connects in-process endpoints. Addresses marked down drop
// every frame sent to or from them, and refuse new dials.
type MemNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemEndpoint
	down      map[string]bool
	next      int
	connSeq   atomic.Uint64
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{endpoints: make(map[string]*MemEndpoint), down: make(map[string]bool)}
}

func (n *MemNetwork) Listen(handler Handler) *MemEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	ep := &MemEndpoint{net: n, addr: fmt.Sprintf("mem-%d", n.next), handler: handler}
	n.endpoints[ep.addr] = ep
	return ep
}

// SetDown switches frame delivery for addr off or back on.
func (n *MemNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if down {
		n.down[addr] = true
	} else {
		delete(n.down, addr)
	}
}

func (n *MemNetwork) isDown(addr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.down[addr]
}

type MemEndpoint struct {
	net     *MemNetwork
	addr    string
	handler Handler

	mu     sync.Mutex
	conns  []*memConn
	closed bool
}

func (e *MemEndpoint) LocalAddr() string { return e.addr }

func (e *MemEndpoint) Dial(ctx context.Context, addr string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.net.mu.Lock()
	target, ok := e.net.endpoints[addr]
	down := e.net.down[addr] || e.net.down[e.addr]
	e.net.mu.Unlock()
	if !ok || down {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	local := e.newConn(target.addr)
	remote := target.newConn(e.addr)
	if local == nil || remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrClosed, addr)
	}
	local.peer, remote.peer = remote, local
	go local.deliver()
	go remote.deliver()
	return local, nil
}

func (e *MemEndpoint) newConn(remote string) *memConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	c := &memConn{
		id:     fmt.Sprintf("%s#%d", e.addr, e.net.connSeq.Add(1)),
		owner:  e,
		remote: remote,
		inbox:  make(chan memFrame, memInboxSize),
		done:   make(chan struct{}),
	}
	e.conns = append(e.conns, c)
	return c
}

func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	conns := e.conns
	e.conns = nil
	e.closed = true
	e.mu.Unlock()
	for _, c := range conns {
		c.Close("endpoint closed")
	}
	e.net.mu.Lock()
	delete(e.net.endpoints, e.addr)
	e.net.mu.Unlock()
	return nil
}

type memConn struct {
	id     string
	owner  *MemEndpoint
	remote string
	peer   *memConn
	inbox  chan memFrame

	once sync.Once
	done chan struct{}
}

func (c *memConn) ID() string { return c.id }

func (c *memConn) RemoteAddr() string { return c.remote }

func (c *memConn) Done() <-chan struct{} { return c.done }

type memFrame struct {
	msg  []byte
	acks chan []byte
}

func (c *memConn) Send(ctx context.Context, msg []byte) error {
	return c.send(ctx, memFrame{msg: msg})
}

func (c *memConn) send(ctx context.Context, f memFrame) error {
	if isClosed(c) {
		return ErrClosed
	}
	net := c.owner.net
	if net.isDown(c.remote) || net.isDown(c.owner.addr) {
		return nil
	}
	f.msg = append([]byte(nil), f.msg...)
	select {
	case c.peer.inbox <- f:
		return nil
	case <-c.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) OpenBi(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isClosed(c) {
		return nil, ErrClosed
	}
	return &memStream{conn: c, acks: make(chan []byte, memInboxSize)}, nil
}

// deliver hands frames queued for this side to its endpoint, in order.
func (c *memConn) deliver() {
	for {
		select {
		case f := <-c.inbox:
			if c.owner.net.isDown(c.owner.addr) {
				continue
			}
			c.owner.handler(c, f.msg)
			if f.acks != nil {
				select {
				case f.acks <- Ack:
				default:
				}
			}
		case <-c.done:
			return
		}
	}
}

type memStream struct {
	conn *memConn
	acks chan []byte
}

func (s *memStream) Send(ctx context.Context, msg []byte) error {
	return s.conn.send(ctx, memFrame{msg: msg, acks: s.acks})
}

func (s *memStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case ack := <-s.acks:
		return ack, nil
	case <-s.conn.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memStream) Close() {}

// Close closes both sides of the pair. Only the first call on a side
// reaches its peer.
func (c *memConn) Close(reason string) {
	first := false
	c.once.Do(func() {
		close(c.done)
		first = true
	})
	if first && c.peer != nil {
		c.peer.Close(reason)
	}
}

package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	// LinkCapacity bounds the connections pooled per peer.
	LinkCapacity = 255
	// ConnTTL drops pooled connections left unused this long.
	ConnTTL = 120 * time.Second
)

type pooledConn struct {
	conn     Conn
	lastUsed time.Time
}

// Link pools the connections to one peer address. Sends reuse the most
// recently used live connection and dial only when none is left.
type Link struct {
	addr   string
	dialer Dialer
	clock  clock.PassiveClock

	mu    sync.Mutex
	conns map[string]*pooledConn
	// dialMu keeps concurrent senders from dialing in parallel.
	dialMu sync.Mutex
}

func NewLink(addr string, dialer Dialer, clk clock.PassiveClock) *Link {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Link{addr: addr, dialer: dialer, clock: clk, conns: make(map[string]*pooledConn)}
}

func (l *Link) Addr() string { return l.addr }

// Add pools an inbound connection from the peer so replies can reuse it.
func (l *Link) Add(conn Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(conn)
}

func (l *Link) insertLocked(conn Conn) {
	if _, ok := l.conns[conn.ID()]; ok {
		l.conns[conn.ID()].lastUsed = l.clock.Now()
		return
	}
	if len(l.conns) >= LinkCapacity {
		var oldest *pooledConn
		for _, pc := range l.conns {
			if oldest == nil || pc.lastUsed.Before(oldest.lastUsed) {
				oldest = pc
			}
		}
		delete(l.conns, oldest.conn.ID())
		oldest.conn.Close("evicted")
	}
	l.conns[conn.ID()] = &pooledConn{conn: conn, lastUsed: l.clock.Now()}
}

// sweepLocked drops expired and closed connections.
func (l *Link) sweepLocked() {
	now := l.clock.Now()
	for id, pc := range l.conns {
		if isClosed(pc.conn) {
			delete(l.conns, id)
			continue
		}
		if now.Sub(pc.lastUsed) > ConnTTL {
			delete(l.conns, id)
			pc.conn.Close("expired")
		}
	}
}

func (l *Link) mruLocked() Conn {
	var best *pooledConn
	for _, pc := range l.conns {
		if best == nil || pc.lastUsed.After(best.lastUsed) {
			best = pc
		}
	}
	if best == nil {
		return nil
	}
	best.lastUsed = l.clock.Now()
	return best.conn
}

func (l *Link) get(ctx context.Context) (Conn, error) {
	l.mu.Lock()
	l.sweepLocked()
	conn := l.mruLocked()
	l.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	l.dialMu.Lock()
	defer l.dialMu.Unlock()
	l.mu.Lock()
	conn = l.mruLocked()
	l.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	if l.addr == "" {
		return nil, errors.New("missing addr")
	}
	log.Debugf("dialing %s", l.addr)
	conn, err := l.dialer.Dial(ctx, l.addr)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.insertLocked(conn)
	l.mu.Unlock()
	return conn, nil
}

// Send delivers msg on one connection. A connection that fails is removed
// and closed; the caller decides whether to retry.
func (l *Link) Send(ctx context.Context, msg []byte) error {
	conn, err := l.get(ctx)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, msg); err != nil {
		l.remove(conn, "send failed")
		return err
	}
	return nil
}

// Exchange sends msg on a bidirectional stream and waits for the remote
// endpoint to acknowledge it.
func (l *Link) Exchange(ctx context.Context, msg []byte) error {
	conn, err := l.get(ctx)
	if err != nil {
		return err
	}
	s, err := conn.OpenBi(ctx)
	if err != nil {
		l.remove(conn, "open stream failed")
		return err
	}
	defer s.Close()
	if err := s.Send(ctx, msg); err != nil {
		l.remove(conn, "send failed")
		return err
	}
	reply, err := s.Recv(ctx)
	if err != nil {
		l.remove(conn, "no ack")
		return err
	}
	if !bytes.Equal(reply, Ack) {
		return fmt.Errorf("unexpected reply %x", reply)
	}
	return nil
}

func (l *Link) remove(conn Conn, reason string) {
	l.mu.Lock()
	if pc, ok := l.conns[conn.ID()]; ok && pc.conn == conn {
		delete(l.conns, conn.ID())
	}
	l.mu.Unlock()
	conn.Close(reason)
}

// Disconnect closes every pooled connection.
func (l *Link) Disconnect() {
	l.mu.Lock()
	conns := l.conns
	l.conns = make(map[string]*pooledConn)
	l.mu.Unlock()
	for _, pc := range conns {
		pc.conn.Close("disconnect")
	}
}

func (l *Link) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// IsConnected reports whether a live, unexpired connection is pooled.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return len(l.conns) > 0
}

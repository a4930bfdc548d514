package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

type inbox struct {
	mu   sync.Mutex
	msgs [][]byte
	got  chan struct{}
}

func newInbox() *inbox { return &inbox{got: make(chan struct{}, 1024)} }

func (b *inbox) handle(_ Conn, msg []byte) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
	b.got <- struct{}{}
}

func (b *inbox) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-b.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}

func TestLinkReusesConnection(t *testing.T) {
	mem := NewMemNetwork()
	recv := newInbox()
	server := mem.Listen(recv.handle)
	client := mem.Listen(func(Conn, []byte) {})
	clk := clocktesting.NewFakePassiveClock(time.Now())

	l := NewLink(server.LocalAddr(), client, clk)
	for i := 0; i < 3; i++ {
		if err := l.Send(context.Background(), []byte{byte(i)}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	recv.wait(t, 3)
	if l.Len() != 1 {
		t.Fatalf("expected one pooled connection, got %d", l.Len())
	}
}

func TestLinkExpiresIdleConnections(t *testing.T) {
	mem := NewMemNetwork()
	server := mem.Listen(func(Conn, []byte) {})
	client := mem.Listen(func(Conn, []byte) {})
	clk := clocktesting.NewFakePassiveClock(time.Now())

	l := NewLink(server.LocalAddr(), client, clk)
	if err := l.Send(context.Background(), []byte("a")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	clk.SetTime(clk.Now().Add(ConnTTL + time.Second))
	if l.IsConnected() {
		t.Fatalf("expected idle connection to expire")
	}
	if err := l.Send(context.Background(), []byte("b")); err != nil {
		t.Fatalf("send after expiry failed: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected a fresh connection, got %d", l.Len())
	}
}

func TestLinkDropsFailedConnection(t *testing.T) {
	mem := NewMemNetwork()
	server := mem.Listen(func(Conn, []byte) {})
	client := mem.Listen(func(Conn, []byte) {})

	l := NewLink(server.LocalAddr(), client, nil)
	if err := l.Send(context.Background(), []byte("a")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := l.Send(context.Background(), []byte("b")); err == nil {
		t.Fatalf("expected send to closed peer to fail")
	}
	if l.Len() != 0 {
		t.Fatalf("expected failed connection removed, got %d", l.Len())
	}
}

func TestCommRepliesOnInboundConnection(t *testing.T) {
	mem := NewMemNetwork()
	server := mem.Listen(func(c Conn, msg []byte) {
		_ = c.Send(context.Background(), append([]byte("re:"), msg...))
	})
	replies := newInbox()
	client := mem.Listen(replies.handle)

	comm := NewComm(client, nil)
	peer := sectiontree.Peer{Name: xorname.Random(), Addr: server.LocalAddr()}
	if err := comm.Send(context.Background(), peer, []byte("ping")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	replies.wait(t, 1)
	if string(replies.msgs[0]) != "re:ping" {
		t.Fatalf("unexpected reply %q", replies.msgs[0])
	}
	if !comm.IsConnected(peer.Name) {
		t.Fatalf("expected link to stay connected")
	}
	if n := comm.CleanupLinks(func(xorname.XorName) bool { return false }); n != 1 || comm.LinkCount() != 0 {
		t.Fatalf("expected one link cleaned up, got %d", n)
	}
}

func TestCommSendToReportsUnreachable(t *testing.T) {
	mem := NewMemNetwork()
	good := newInbox()
	server := mem.Listen(good.handle)
	client := mem.Listen(func(Conn, []byte) {})
	comm := NewComm(client, nil)

	peers := []sectiontree.Peer{
		{Name: xorname.Random(), Addr: server.LocalAddr()},
		{Name: xorname.Random(), Addr: "mem-missing"},
	}
	err := comm.SendTo(context.Background(), peers, []byte("hi"))
	if !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	good.wait(t, 1)
}

func TestMemNetworkDropSwitch(t *testing.T) {
	mem := NewMemNetwork()
	recv := newInbox()
	server := mem.Listen(recv.handle)
	client := mem.Listen(func(Conn, []byte) {})
	conn, err := client.Dial(context.Background(), server.LocalAddr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	mem.SetDown(server.LocalAddr(), true)
	if err := conn.Send(context.Background(), []byte("lost")); err != nil {
		t.Fatalf("send to down peer should be silently dropped: %v", err)
	}
	if _, err := client.Dial(context.Background(), server.LocalAddr()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	mem.SetDown(server.LocalAddr(), false)
	if err := conn.Send(context.Background(), []byte("seen")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	recv.wait(t, 1)
	if len(recv.msgs) != 1 || string(recv.msgs[0]) != "seen" {
		t.Fatalf("expected only the second frame, got %q", recv.msgs)
	}
}

func TestMemConnCloseReachesBothSides(t *testing.T) {
	mem := NewMemNetwork()
	server := mem.Listen(func(Conn, []byte) {})
	client := mem.Listen(func(Conn, []byte) {})
	conn, err := client.Dial(context.Background(), server.LocalAddr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	peer := conn.(*memConn).peer

	closed := make(chan struct{})
	go func() {
		conn.Close("done")
		conn.Close("again")
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not return")
	}
	for _, c := range []Conn{conn, peer} {
		if !isClosed(c) {
			t.Fatalf("%s still open", c.ID())
		}
	}
}

func TestLinkExchangeWaitsForAck(t *testing.T) {
	mem := NewMemNetwork()
	recv := newInbox()
	server := mem.Listen(recv.handle)
	client := mem.Listen(func(Conn, []byte) {})
	l := NewLink(server.LocalAddr(), client, clocktesting.NewFakePassiveClock(time.Now()))

	if err := l.Exchange(context.Background(), []byte("ping")); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	recv.mu.Lock()
	got := len(recv.msgs)
	recv.mu.Unlock()
	if got != 1 {
		t.Fatalf("expected the frame handled before the ack, got %d", got)
	}

	mem.SetDown(server.LocalAddr(), true)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Exchange(ctx, []byte("ping")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a timeout from a silent peer, got %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("expected the silent connection dropped, got %d", l.Len())
	}
}

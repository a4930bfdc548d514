// Package network moves framed messages between peers: a connection
// abstraction with QUIC and in-memory transports, per-peer link pools and
// the Comm layer the node and client send through.
package network

import (
	"context"
	"errors"

	"github.com/maidsafe/temp-safe-network-sub015/internal/logging"
)

var log = logging.MustGetLogger("network")

var (
	ErrClosed      = errors.New("connection closed")
	ErrUnreachable = errors.New("peer unreachable")
)

// Conn is one live connection. Frames arriving on it, including replies to
// frames sent on it, go to the Handler of the endpoint that owns it.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(ctx context.Context, msg []byte) error
	OpenBi(ctx context.Context) (Stream, error)
	Close(reason string)
	Done() <-chan struct{}
}

// Stream is a bidirectional exchange on a Conn. The remote endpoint hands
// each frame sent on it to its Handler and then answers with Ack.
type Stream interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close()
}

// Ack is the frame a receiver writes back on a Stream once its Handler has
// taken the message.
var Ack = []byte{0x06}

// Handler receives each inbound frame with the connection it came on.
type Handler func(conn Conn, msg []byte)

type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Endpoint is a bound local address that accepts and dials connections.
type Endpoint interface {
	Dialer
	LocalAddr() string
	Close() error
}

func isClosed(c Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
)

const (
	nextProto            = "xornet"
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second

	DefaultMaxConnsPerIP   = 64
	DefaultMaxStreamsPerIP = 512
)

// selfSignedCert wraps the node's ed25519 identity in a certificate. Peers
// do not verify it: every message carries its own signature.
func selfSignedCert(priv ed25519.PrivateKey) (tls.Certificate, error) {
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"xornet"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

type QUICConfig struct {
	ListenAddr      string
	Identity        ed25519.PrivateKey
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Handler         Handler
}

// QUICEndpoint listens and dials on one UDP socket. Each message travels
// as a single frame on its own stream: unidirectional for Send,
// bidirectional for OpenBi.
type QUICEndpoint struct {
	tr       *quic.Transport
	ln       *quic.Listener
	tlsConf  *tls.Config
	dialConf *tls.Config
	quicConf *quic.Config
	conns    *slots
	streams  *slots
	handler  Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func ListenQUIC(cfg QUICConfig) (*QUICEndpoint, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("quic endpoint needs a handler")
	}
	cert, err := selfSignedCert(cfg.Identity)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	maxConns, maxStreams := cfg.MaxConnsPerIP, cfg.MaxStreamsPerIP
	if maxConns == 0 {
		maxConns = DefaultMaxConnsPerIP
	}
	if maxStreams == 0 {
		maxStreams = DefaultMaxStreamsPerIP
	}
	e := &QUICEndpoint{
		tr: &quic.Transport{Conn: udp},
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{nextProto},
		},
		dialConf: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
			NextProtos:         []string{nextProto},
		},
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		conns:   newSlots(maxConns),
		streams: newSlots(maxStreams),
		handler: cfg.Handler,
	}
	e.ln, err = e.tr.Listen(e.tlsConf, e.quicConf)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.acceptLoop()
	log.Infof("quic listening on %s", e.LocalAddr())
	return e, nil
}

func (e *QUICEndpoint) LocalAddr() string { return e.ln.Addr().String() }

func (e *QUICEndpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				log.Warningf("quic accept error: %v", err)
			}
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !e.conns.acquire(ip) {
			log.Debugf("connection cap reached for %s", ip)
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		qc := e.wrap(conn)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.conns.release(ip)
			e.serve(qc)
		}()
	}
}

func (e *QUICEndpoint) Dial(ctx context.Context, addr string) (Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	conn, err := e.tr.Dial(ctx, udpAddr, e.dialConf, e.quicConf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	qc := e.wrap(conn)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.serve(qc)
	}()
	return qc, nil
}

// serve reads one frame per inbound stream until the connection ends.
// Frames on bidirectional streams are answered with Ack.
func (e *QUICEndpoint) serve(qc *quicConn) {
	ip := remoteIP(qc.conn.RemoteAddr())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			stream, err := qc.conn.AcceptStream(e.ctx)
			if err != nil {
				qc.Close("accept stream failed")
				return
			}
			if !e.streams.acquire(ip) {
				stream.CancelRead(1)
				_ = stream.Close()
				continue
			}
			go func(s *quic.Stream) {
				defer e.streams.release(ip)
				defer s.Close()
				_ = s.SetDeadline(time.Now().Add(streamRWTimeout))
				if e.read(qc, s) {
					_ = proto.WriteFrame(s, Ack)
				}
				s.CancelRead(0)
			}(stream)
		}
	}()
	for {
		stream, err := qc.conn.AcceptUniStream(e.ctx)
		if err != nil {
			qc.Close("accept stream failed")
			return
		}
		if !e.streams.acquire(ip) {
			stream.CancelRead(1)
			continue
		}
		go func(s *quic.ReceiveStream) {
			defer e.streams.release(ip)
			_ = s.SetReadDeadline(time.Now().Add(streamRWTimeout))
			e.read(qc, s)
			s.CancelRead(0)
		}(stream)
	}
}

func (e *QUICEndpoint) read(qc *quicConn, r io.Reader) bool {
	data, err := proto.ReadFrame(r, proto.KindLimit)
	if err != nil {
		log.Debugf("quic read from %s failed: %v", qc.RemoteAddr(), err)
		return false
	}
	e.handler(qc, data)
	return true
}

func (e *QUICEndpoint) wrap(conn *quic.Conn) *quicConn {
	return &quicConn{conn: conn, id: fmt.Sprintf("%p", conn)}
}

func (e *QUICEndpoint) Close() error {
	e.cancel()
	err := e.ln.Close()
	if terr := e.tr.Close(); err == nil {
		err = terr
	}
	e.wg.Wait()
	return err
}

type quicConn struct {
	conn *quic.Conn
	id   string
}

func (c *quicConn) ID() string { return c.id }

func (c *quicConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *quicConn) Done() <-chan struct{} { return c.conn.Context().Done() }

func (c *quicConn) Send(ctx context.Context, msg []byte) error {
	stream, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	_ = stream.SetWriteDeadline(time.Now().Add(streamRWTimeout))
	if err := proto.WriteFrame(stream, msg); err != nil {
		stream.CancelWrite(1)
		return err
	}
	return stream.Close()
}

func (c *quicConn) OpenBi(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{s: s}, nil
}

type quicStream struct {
	s *quic.Stream
}

func (q *quicStream) Send(ctx context.Context, msg []byte) error {
	deadline := time.Now().Add(streamRWTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = q.s.SetWriteDeadline(deadline)
	if err := proto.WriteFrame(q.s, msg); err != nil {
		q.s.CancelWrite(1)
		return err
	}
	return nil
}

func (q *quicStream) Recv(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(streamRWTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = q.s.SetReadDeadline(deadline)
	return proto.ReadFrame(q.s, proto.KindLimit)
}

func (q *quicStream) Close() {
	q.s.CancelRead(0)
	_ = q.s.Close()
}

func (c *quicConn) Close(reason string) {
	_ = c.conn.CloseWithError(0, reason)
}

func remoteIP(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/zoxy/internal/acl"
	"github.com/die-net/zoxy/internal/destination"
	"github.com/die-net/zoxy/internal/relay"
)

// connectEstablished is the only response the proxy ever writes itself.
const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// Server supervises proxied connections.
type Server struct {
	ctx context.Context
	cfg Config
	log logrus.FieldLogger
	wg  sync.WaitGroup
}

// NewServer returns a Server. Once ctx is done Serve stops accepting; work
// already in flight is left to finish on its own.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{ctx: ctx, cfg: cfg, log: log}
}

// Serve accepts connections on ln and handles each on its own goroutine.
// Accept timeouts are not errors; they give Serve a chance to notice that
// its context is done, after which it returns nil.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(c)
		}()
	}
}

// Wait blocks until every accepted connection has been closed.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handle(inbound net.Conn) {
	defer teardown(inbound)

	log := s.log.WithField("client", inbound.RemoteAddr().String())
	log.Debug("new connection")

	// Shutdown only stops accepting; established exchanges drain through
	// the relay's idle timeout.
	ctx := context.WithoutCancel(s.ctx)

	if err := s.serveConn(ctx, inbound, log); err != nil {
		if errors.Is(err, acl.ErrRejected) {
			log.WithError(err).Warn("connection rejected")
			return
		}
		log.WithError(err).Info("connection dropped")
	}
}

func (s *Server) serveConn(ctx context.Context, inbound net.Conn, log *logrus.Entry) error {
	if err := s.checkPolicy(inbound); err != nil {
		return err
	}

	req, err := s.readRequest(inbound)
	if err != nil {
		return err
	}
	log = log.WithField("target", req.target)
	log.Infof("%s -> %s", inbound.RemoteAddr(), req.target)
	log.Debugf("request: %q", req.raw)

	host, port, err := destination.Resolve(req.target)
	if err != nil {
		return err
	}

	if s.cfg.Router.Enabled() {
		newHost, newPort, err := s.cfg.Router.Route(ctx, host, port)
		if err != nil {
			return fmt.Errorf("route %s: %w", destination.Address(host, port), err)
		}
		if newHost != host || newPort != port {
			req.rewrite(destination.Address(host, port), destination.Address(newHost, newPort))
			host, port = newHost, newPort
		}
	}

	addr := destination.Address(host, port)
	outbound, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEgressConnect, addr, err)
	}
	defer teardown(outbound)

	if req.tunnel() {
		if err := s.write(inbound, []byte(connectEstablished)); err != nil {
			return fmt.Errorf("write connect response: %w", err)
		}
		if rest := req.trailing(); len(rest) > 0 {
			if err := s.write(outbound, rest); err != nil {
				return fmt.Errorf("write %s: %w", addr, err)
			}
		}
	} else if err := s.write(outbound, req.raw); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}

	res := relay.Relay(ctx, inbound, outbound, s.cfg.Relay, log)
	log.WithFields(logrus.Fields{
		"downstream": res.Downstream,
		"upstream":   res.Upstream,
		"cycles":     res.Cycles,
	}).Debugf("response: %q", res.Observed)
	return nil
}

func (s *Server) checkPolicy(c net.Conn) error {
	if s.cfg.Policy == nil {
		return nil
	}
	peer, err := peerAddr(c)
	if err != nil {
		return err
	}
	return s.cfg.Policy.Check(peer.Addr(), peer.Port())
}

// readRequest performs the one read that captures the client's request.
func (s *Server) readRequest(c net.Conn) (*request, error) {
	if d := s.cfg.NegotiationTimeout; d > 0 {
		_ = c.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = c.SetReadDeadline(time.Time{}) }()
	}

	buf := make([]byte, s.cfg.maxRequestSize())
	n, err := c.Read(buf)
	if n == 0 {
		if err == nil {
			err = errors.New("empty read")
		}
		return nil, fmt.Errorf("%w: %w", ErrRequestParse, err)
	}
	return parseRequest(buf[:n:n])
}

func (s *Server) write(c net.Conn, b []byte) error {
	if d := s.cfg.NegotiationTimeout; d > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(d))
		defer func() { _ = c.SetWriteDeadline(time.Time{}) }()
	}
	_, err := c.Write(b)
	return err
}

func peerAddr(c net.Conn) (netip.AddrPort, error) {
	if ta, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	ap, err := netip.ParseAddrPort(c.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("peer address %s: %w", c.RemoteAddr(), err)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

type closeReader interface {
	CloseRead() error
}

type closeWriter interface {
	CloseWrite() error
}

// teardown shuts both halves of c down and closes it, ignoring errors.
func teardown(c net.Conn) {
	if cr, ok := c.(closeReader); ok {
		_ = cr.CloseRead()
	}
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	_ = c.Close()
}

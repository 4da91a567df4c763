// internal/transport/server.go
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"logroller/internal/metrics"
	"logroller/internal/pool"
)

var (
	ErrStartTimeout = errors.New("transport: listener did not become ready in time")
	ErrInvalidPort  = errors.New("transport: port must be within 0-65535")
)

// DefaultStartTimeout bounds how long Start waits for the listener.
const DefaultStartTimeout = 5 * time.Second

// Connection outcomes reported to metrics.
const (
	outcomeAccepted  = "accepted"
	outcomeServed    = "dispatched"
	outcomeAbandoned = "abandoned"
	outcomeMalformed = "malformed"
	outcomeTooLarge  = "too_large"
	outcomeHandshake = "handshake_failed"
)

// Handler maps one parsed request to a response.
type Handler func(ctx context.Context, req Request) Response

type Options struct {
	// MaxBodySize caps Content-Length; <= 0 means HardBodyLimit.
	MaxBodySize  int64
	StartTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Server
// ------------------------------------------------------------
// One TLS listener, one goroutine per accepted connection, one request
// per connection. Connections have no read or idle timeout; Stop closes
// the ones still reading and waits for the ones dispatching.
type Server struct {
	handler Handler
	opts    Options
	log     zerolog.Logger
	listen  func(network, address string) (net.Listener, error)

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	conns  map[net.Conn]bool // value: dispatching
	wg     sync.WaitGroup
}

func NewServer(h Handler, opts Options) *Server {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	return &Server{
		handler: h,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "transport").Logger(),
		conns:   make(map[net.Conn]bool),
		listen:  net.Listen,
	}
}

type listenResult struct {
	ln  net.Listener
	err error
}

// Start stops any previous listener, binds 0.0.0.0:port with the given
// certificate and returns once the listener is accepting. Port 0 picks a
// free port; see Addr.
func (s *Server) Start(port int, cert tls.Certificate) error {
	if port < 0 || port > 65535 {
		return ErrInvalidPort
	}
	s.Stop()

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	addr := net.JoinHostPort("", strconv.Itoa(port))

	ready := make(chan listenResult, 1)
	go func() {
		ln, err := s.listen("tcp", addr)
		ready <- listenResult{ln: ln, err: err}
	}()

	var res listenResult
	select {
	case res = <-ready:
	case <-time.After(s.opts.StartTimeout):
		// late listener must not stay bound
		go func() {
			if r := <-ready; r.ln != nil {
				r.ln.Close()
			}
		}()
		return ErrStartTimeout
	}
	if res.err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, res.err)
	}

	ln := tls.NewListener(res.ln, tlsCfg)
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listener ready")
	return nil
}

// Addr is the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener. Safe to call when already stopped.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return
	}
	// cancel under mu so acceptLoop cannot register a conn after the sweep
	s.cancel()
	s.ln = nil
	s.cancel = nil
	for c, dispatching := range s.conns {
		if !dispatching {
			c.Close()
		}
	}
	s.mu.Unlock()

	ln.Close()
	s.wg.Wait()
	s.log.Info().Msg("listener stopped")
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = false
		s.wg.Add(1)
		s.mu.Unlock()
		s.opts.Metrics.Connection(outcomeAccepted)

		go s.serveConn(ctx, c)
	}
}

func (s *Server) markDispatching(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; !ok || s.ln == nil {
		return false
	}
	s.conns[c] = true
	return true
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	if tc, ok := c.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			s.log.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("tls handshake failed")
			s.opts.Metrics.Connection(outcomeHandshake)
			return
		}
	}

	p := NewParser(s.opts.MaxBodySize)
	defer p.Release()

	chunk := pool.GetRead()
	defer pool.PutRead(chunk)

	for {
		n, err := c.Read(*chunk)
		if n > 0 {
			switch p.Feed((*chunk)[:n]) {
			case NeedMore:
			case Malformed:
				s.opts.Metrics.Connection(outcomeMalformed)
				s.write(c, jsonError(400, "bad_request"))
				return
			case TooLarge:
				s.opts.Metrics.Connection(outcomeTooLarge)
				s.write(c, jsonError(413, "payload_too_large"))
				return
			case Ready:
				if !s.markDispatching(c) {
					s.opts.Metrics.Connection(outcomeAbandoned)
					return
				}
				req := p.Request()
				req.RemoteAddr = c.RemoteAddr().String()
				// a dispatched request finishes even if Stop runs meanwhile
				resp := s.handler(context.WithoutCancel(ctx), req)
				s.write(c, resp)
				s.opts.Metrics.Connection(outcomeServed)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Str("state", p.State().String()).Msg("connection read failed")
			}
			s.opts.Metrics.Connection(outcomeAbandoned)
			return
		}
	}
}

func (s *Server) write(c net.Conn, resp Response) {
	if _, err := c.Write(resp.Serialize()); err != nil {
		s.log.Debug().Err(err).Msg("response write failed")
	}
}

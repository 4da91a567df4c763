package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"logroller/internal/model"
	"logroller/internal/transport"
)

var ErrNotRunning = errors.New("server not running")

// Controller owns the transport server's lifecycle:
//
//	stopped --Start ok--> running --Stop--> stopped
//	stopped --Start err-> stopped (reason kept in LastStartError)
type Controller struct {
	router   *Router
	identity transport.IdentityProvider
	srv      *transport.Server
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	status    model.ServerStatus
	lastError string

	// started mirrors status.StartedAt for dispatch, which runs without mu.
	started atomic.Pointer[time.Time]
}

type ControllerOptions struct {
	Transport transport.Options
	Logger    zerolog.Logger
	Now       func() time.Time
}

func NewController(router *Router, identity transport.IdentityProvider, opts ControllerOptions) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		router:   router,
		identity: identity,
		log:      opts.Logger.With().Str("component", "controller").Logger(),
		now:      opts.Now,
		status:   model.ServerStatus{State: model.StateStopped},
	}
	c.srv = transport.NewServer(c.dispatch, opts.Transport)
	return c
}

// Start obtains the TLS identity and (re)starts the listener on port.
// Any failure leaves the controller stopped with the reason recorded.
func (c *Controller) Start(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.srv.Stop()
	c.status = model.ServerStatus{State: model.StateStopped}

	// recorded before the listener accepts, so dispatch never sees a nil start
	started := c.now()
	c.started.Store(&started)

	if err := c.start(port); err != nil {
		c.started.Store(nil)
		c.lastError = err.Error()
		c.log.Error().Err(err).Int("port", port).Msg("start failed")
		return err
	}

	c.lastError = ""
	c.status = model.ServerStatus{State: model.StateRunning, Port: c.boundPort(port), StartedAt: &started}
	c.log.Info().Int("port", c.status.Port).Msg("server running")
	return nil
}

func (c *Controller) start(port int) error {
	if c.identity == nil {
		return errors.New("no tls identity provider configured")
	}
	cert, err := c.identity.Identity()
	if err != nil {
		return err
	}
	if err := c.srv.Start(port, cert); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	return nil
}

func (c *Controller) boundPort(requested int) int {
	if a, ok := c.srv.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return requested
}

// Stop always ends stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasRunning := c.status.Running()
	c.srv.Stop()
	c.status = model.ServerStatus{State: model.StateStopped}
	c.started.Store(nil)
	if wasRunning {
		c.log.Info().Msg("server stopped")
	}
}

// Status returns a snapshot.
func (c *Controller) Status() model.ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status
	if st.StartedAt != nil {
		t := *st.StartedAt
		st.StartedAt = &t
	}
	return st
}

// LastStartError is the reason the most recent Start failed, or "".
func (c *Controller) LastStartError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Handle serves req in-process, without a socket. It answers 503
// server_not_running while stopped.
func (c *Controller) Handle(ctx context.Context, req transport.Request) transport.Response {
	st, err := c.running()
	if errors.Is(err, ErrNotRunning) {
		c.log.Debug().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("in-process request rejected")
		return ErrorJSON(503, CodeNotRunning, "")
	}
	return c.router.Route(ctx, req, st.StartedAt)
}

// running returns the status snapshot, or ErrNotRunning while stopped.
func (c *Controller) running() (model.ServerStatus, error) {
	st := c.Status()
	if !st.Running() {
		return st, ErrNotRunning
	}
	return st, nil
}

// dispatch is the transport handler. It must not take mu: Stop holds mu
// while waiting for dispatching connections.
func (c *Controller) dispatch(ctx context.Context, req transport.Request) transport.Response {
	return c.router.Route(ctx, req, c.started.Load())
}

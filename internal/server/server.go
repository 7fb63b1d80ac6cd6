// Package server owns the daemon's two listeners: the stream endpoint
// that accepts requester connections, and the gin admin surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/channel"
	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/coordinator"
	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/relay"
)

// Service accepts requester connections and binds each one to its own
// relay. The owner resource and the frame coordinator are shared across
// every connection.
type Service struct {
	cfg   config.ServerConfig
	owner *relay.Owner
	coord *coordinator.Coordinator

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	nextRequester atomic.Uint64
	clientCount   atomic.Int64
}

func NewService(cfg config.ServerConfig, owner *relay.Owner, coord *coordinator.Coordinator) *Service {
	return &Service{
		cfg:   cfg,
		owner: owner,
		coord: coord,
		conns: make(map[net.Conn]struct{}),
	}
}

func (s *Service) policy() relay.Policy {
	return relay.Policy{
		ModeSetterOp:  s.cfg.ModeSetterOp,
		TargetedOps:   s.cfg.TargetedOps,
		SuppressedOps: s.cfg.SuppressedOps,
	}
}

func (s *Service) limits() frame.Limits {
	limits := frame.DefaultLimits()
	if s.cfg.MaxPayloadBytes > 0 {
		limits.MaxPayloadBytes = uint64(s.cfg.MaxPayloadBytes)
	}
	return limits
}

// Run blocks until signal shutdown: frame loop, admin surface, and the
// requester accept loop all run for the life of the process.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := s.Listen()
	if err != nil {
		return err
	}

	go func() {
		if err := s.coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("frame loop stopped")
		}
	}()

	adminErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminAddr) != "" {
		admin := NewAdmin(s)
		go func() { adminErr <- admin.Serve() }()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx, ln) }()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Listen opens the stream endpoint.
func (s *Service) Listen() (net.Listener, error) {
	addr := strings.TrimSpace(s.cfg.ListenAddr)
	if addr == "" {
		return nil, fmt.Errorf("server: empty listen addr")
	}
	return net.Listen("tcp", addr)
}

// Serve runs the accept loop on an existing listener until the context
// ends. Each accepted connection is bootstrapped and registered with
// the coordinator before its relay starts serving.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("relay endpoint listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// handleConn binds one connection to a fresh relay for the life of the
// connection. The requester id is owner-assigned and carried to the
// peer inside the bootstrap envelope.
func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	requesterID := fmt.Sprintf("req.%d", s.nextRequester.Add(1))
	log.Info().
		Str("requester", requesterID).
		Str("remote", remote).
		Int64("active_clients", active).
		Msg("requester connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Info().
			Str("requester", requesterID).
			Str("remote", remote).
			Int64("active_clients", remaining).
			Msg("requester disconnected")
	}()

	ch := channel.NewStream(conn, s.limits())
	r := relay.New(requesterID, ch, s.owner, s.policy())
	if err := r.Bootstrap(); err != nil {
		log.Warn().Str("requester", requesterID).Err(err).Msg("bootstrap failed")
		return
	}

	s.coord.Register(r)
	defer s.coord.Deregister(r)
	r.Serve()
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

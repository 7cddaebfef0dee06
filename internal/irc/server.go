package irc

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/inconshreveable/log15.v2"

	"github.com/dalnet/twitchrelay/internal/config"
	"github.com/dalnet/twitchrelay/internal/logging"
	"github.com/dalnet/twitchrelay/internal/metrics"
	"github.com/dalnet/twitchrelay/internal/twitch"
)

// Server accepts downstream clients and runs a Session for each
type Server struct {
	cfg      *config.Config
	log      log15.Logger
	metrics  *metrics.RelayMetrics
	rewriter *twitch.Rewriter
	dial     DialFunc

	// slots limits concurrent sessions, nil when unlimited
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewServer creates a relay server. The rewriter is shared by all sessions.
func NewServer(cfg *config.Config, dial DialFunc, m *metrics.RelayMetrics) *Server {
	srv := &Server{
		cfg:      cfg,
		log:      logging.Logger.New("component", "server"),
		metrics:  m,
		rewriter: twitch.NewRewriter(cfg.ModuleID),
		dial:     dial,
	}
	if cfg.MaxClients > 0 {
		srv.slots = make(chan struct{}, cfg.MaxClients)
	}
	return srv
}

// ListenAndServe listens on the configured address and serves until ctx is done
func (srv *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", srv.cfg.Listen)
	}
	return srv.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for the
// running sessions to finish.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv.log.Info("Listening", "addr", ln.Addr().String(), "caps", twitch.Capabilities(), "rewrites", twitch.Commands())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				srv.wg.Wait()
				return nil
			}
			srv.wg.Wait()
			return errors.Wrap(err, "accept failed")
		}

		if !srv.acquire() {
			srv.log.Warn("Rejecting client, too many connections", "client", conn.RemoteAddr().String())
			conn.Write([]byte("ERROR :Too many connections\r\n"))
			conn.Close()
			continue
		}

		srv.wg.Add(1)
		go srv.handle(ctx, conn)
	}
}

func (srv *Server) handle(ctx context.Context, conn net.Conn) {
	defer srv.wg.Done()
	defer srv.release()

	s := NewSession(conn, srv.cfg, srv.dial, srv.rewriter, srv.metrics)

	srv.metrics.SessionsTotal.Inc()
	srv.metrics.ActiveSessions.Inc()
	defer srv.metrics.ActiveSessions.Dec()

	s.log.Info("Client connected")
	if err := s.Run(ctx); err != nil {
		s.log.Error("Session ended", "err", err)
		return
	}
	s.log.Info("Session ended")
}

func (srv *Server) acquire() bool {
	if srv.slots == nil {
		return true
	}
	select {
	case srv.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (srv *Server) release() {
	if srv.slots != nil {
		<-srv.slots
	}
}

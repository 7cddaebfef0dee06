package irc

import (
	"context"
	"io"
	"net"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/inconshreveable/log15.v2"

	"github.com/dalnet/twitchrelay/internal/config"
	"github.com/dalnet/twitchrelay/internal/logging"
	"github.com/dalnet/twitchrelay/internal/metrics"
	"github.com/dalnet/twitchrelay/internal/twitch"
)

// errSessionClosed ends both pumps without being reported as a failure
var errSessionClosed = errors.New("session closed")

// upstreamHandler handles an upstream command before the rewriter sees it.
// PassThrough forwards the message to the client, Handled swallows it.
type upstreamHandler func(msg *ircmsg.Message) (twitch.Decision, error)

// Session relays one downstream client to its own upstream connection
type Session struct {
	ID string

	cfg      *config.Config
	log      log15.Logger
	metrics  *metrics.RelayMetrics
	rewriter *twitch.Rewriter
	caps     *twitch.Negotiator
	limiter  *rate.Limiter
	dial     DialFunc

	client   *lineConn
	upstream *lineConn

	// Upstream callbacks keyed by command
	handlers map[string]upstreamHandler

	// registered is set once RPL_WELCOME arrives; only the upstream pump touches it
	registered bool
}

// NewSession wraps an accepted client connection. The upstream connection is
// opened by Run.
func NewSession(conn net.Conn, cfg *config.Config, dial DialFunc, rewriter *twitch.Rewriter, m *metrics.RelayMetrics) *Session {
	id := uuid.NewString()

	limit := rate.Inf
	if cfg.Upstream.RateLimit > 0 {
		limit = rate.Limit(cfg.Upstream.RateLimit)
	}
	burst := cfg.Upstream.RateBurst
	if burst < 1 {
		burst = 1
	}

	s := &Session{
		ID:       id,
		cfg:      cfg,
		log:      logging.Logger.New("session", id, "client", conn.RemoteAddr().String()),
		metrics:  m,
		rewriter: rewriter,
		caps:     twitch.NewNegotiator(),
		limiter:  rate.NewLimiter(limit, burst),
		dial:     dial,
		client:   newLineConn(conn),
	}
	s.registerHandlers()
	return s
}

func (s *Session) registerHandlers() {
	s.handlers = map[string]upstreamHandler{
		"CAP": s.onCap,
		"001": s.onConnect, // RPL_WELCOME
	}
}

// Run connects upstream and pumps lines both ways until either side goes
// away or ctx is cancelled. Both connections are closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.client.Close()

	conn, err := s.dial(ctx)
	if err != nil {
		s.client.WriteLine("ERROR :Cannot connect to upstream server")
		return err
	}
	s.upstream = newLineConn(conn)
	defer s.upstream.Close()

	s.log.Info("Connected upstream", "server", s.cfg.Upstream.Addr())

	// Ask for the capability list before the client registers, so the
	// offers arrive during the handshake.
	if err := s.upstream.WriteLine("CAP LS 302"); err != nil {
		return errors.Wrap(err, "failed to write to upstream")
	}
	if s.cfg.Upstream.Pass != "" {
		if err := s.upstream.WriteLine("PASS " + s.cfg.Upstream.Pass); err != nil {
			return errors.Wrap(err, "failed to write to upstream")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpUpstream() })
	g.Go(func() error { return s.pumpClient(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// unblock whichever pump is still reading
		s.client.Close()
		s.upstream.Close()
		return nil
	})

	err = g.Wait()
	if err == errSessionClosed || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) pumpUpstream() error {
	for {
		line, err := s.upstream.ReadLine()
		if err != nil {
			if err == io.EOF {
				s.log.Info("Upstream closed the connection")
				return errSessionClosed
			}
			return errors.Wrap(err, "upstream read failed")
		}
		if err := s.onUpstreamLine(line); err != nil {
			return err
		}
	}
}

func (s *Session) pumpClient(ctx context.Context) error {
	for {
		line, err := s.client.ReadLine()
		if err != nil {
			if err == io.EOF {
				s.log.Info("Client disconnected")
				return errSessionClosed
			}
			return errors.Wrap(err, "client read failed")
		}
		if err := s.handleClientLine(ctx, line); err != nil {
			return err
		}
	}
}

// onUpstreamLine runs the callbacks and then the rewriter for one line
func (s *Session) onUpstreamLine(line string) error {
	msg, err := ircmsg.ParseLine(line)
	if err == ircmsg.ErrorLineContainsBadChar {
		line = badChars.Replace(line)
		if line == "" {
			return nil
		}
		msg, err = ircmsg.ParseLine(line)
	}
	if err != nil {
		if command := commandOf(line); twitch.Handles(command) {
			s.log.Warn("Dropping unparsable line", "command", command, "err", err)
			return nil
		}
		s.log.Debug("Forwarding unparsable line", "err", err)
		return s.toClientRaw(line)
	}

	command := strings.ToUpper(msg.Command)
	if h, ok := s.handlers[command]; ok {
		decision, err := h(&msg)
		if err != nil {
			return err
		}
		if decision == twitch.Handled {
			return nil
		}
		return s.forward(line, &msg)
	}

	decision, notices := s.rewriter.Route(&msg)
	if decision == twitch.PassThrough {
		return s.forward(line, &msg)
	}

	s.metrics.MessagesRewritten.WithLabelValues(command).Inc()
	if command == twitch.CmdUserNotice {
		s.log.Debug("User notice", "from", twitch.DisplayName(&msg), "notices", len(notices))
	} else {
		s.log.Debug("Rewrote command", "command", command, "notices", len(notices))
	}

	for _, n := range notices {
		if err := s.client.WriteMessage(n); err != nil {
			if isEncodeError(err) {
				s.log.Warn("Dropping notice", "command", command, "err", err)
				continue
			}
			return errors.Wrap(err, "client write failed")
		}
		s.metrics.NoticesSent.Inc()
	}
	return nil
}

// forward sends an upstream message on to the client. Tags are dropped when
// configured, since the client never negotiated message-tags with us.
func (s *Session) forward(line string, msg *ircmsg.Message) error {
	s.metrics.MessagesForwarded.Inc()

	if !s.cfg.StripsTags() || !strings.HasPrefix(line, "@") {
		return s.toClientRaw(line)
	}

	bare := ircmsg.MakeMessage(nil, msg.Source, msg.Command, msg.Params...)
	if err := s.client.WriteMessage(bare); err != nil {
		if isEncodeError(err) {
			s.log.Debug("Forwarding line with tags", "err", err)
			return s.toClientRaw(line)
		}
		return errors.Wrap(err, "client write failed")
	}
	return nil
}

// badChars are the bytes ircmsg refuses inside a line
var badChars = strings.NewReplacer("\x00", "", "\r", "")

// commandOf returns the command of a raw line, past any tags and source
func commandOf(line string) string {
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		fields = fields[1:]
	}
	if len(fields) > 0 && strings.HasPrefix(fields[0], ":") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func (s *Session) toClientRaw(line string) error {
	return errors.Wrap(s.client.WriteLine(line), "client write failed")
}

func (s *Session) toUpstream(msg ircmsg.Message) error {
	return errors.Wrap(s.upstream.WriteMessage(msg), "upstream write failed")
}

func isEncodeError(err error) bool {
	var ee *encodeError
	return errors.As(err, &ee)
}

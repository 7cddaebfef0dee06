package irc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/twitchrelay/internal/config"
	"github.com/dalnet/twitchrelay/internal/logging"
	"github.com/dalnet/twitchrelay/internal/metrics"
)

func TestMain(m *testing.M) {
	logging.Discard()
	os.Exit(m.Run())
}

const timeout = 5 * time.Second

// peer is one end of a test connection
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) send(line string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(line + "\r\n"))
	require.NoError(p.t, err)
}

func (p *peer) read() (string, error) {
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := p.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func (p *peer) expect(want string) {
	p.t.Helper()
	line, err := p.read()
	require.NoError(p.t, err)
	assert.Equal(p.t, want, line)
}

func (p *peer) readMsg() ircmsg.Message {
	p.t.Helper()
	line, err := p.read()
	require.NoError(p.t, err)
	msg, err := ircmsg.ParseLine(line)
	require.NoError(p.t, err)
	return msg
}

type harness struct {
	t        *testing.T
	cfg      *config.Config
	metrics  *metrics.RelayMetrics
	upstream *net.TCPListener
	relay    net.Listener
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()

	up, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { up.Close() })

	upAddr := up.Addr().(*net.TCPAddr)
	cfg := &config.Config{
		Listen:   "127.0.0.1:0",
		ModuleID: "twitchrelay",
		Upstream: config.Upstream{
			Server:      "127.0.0.1",
			Port:        upAddr.Port,
			DialTimeout: timeout,
		},
	}
	if tweak != nil {
		tweak(cfg)
	}

	dial, err := NewDialer(cfg.Upstream)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		cfg:      cfg,
		metrics:  metrics.NewRelayMetrics(prometheus.NewRegistry()),
		upstream: up.(*net.TCPListener),
	}
	h.start(dial)
	return h
}

func (h *harness) start(dial DialFunc) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(h.t, err)
	h.relay = ln

	srv := NewServer(h.cfg, dial, h.metrics)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	h.t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(h.t, err)
		case <-time.After(timeout):
			h.t.Error("server did not stop")
		}
	})
}

func (h *harness) connectClient() *peer {
	h.t.Helper()
	conn, err := net.DialTimeout("tcp", h.relay.Addr().String(), timeout)
	require.NoError(h.t, err)
	return newPeer(h.t, conn)
}

func (h *harness) acceptUpstream() *peer {
	h.t.Helper()
	h.upstream.SetDeadline(time.Now().Add(timeout))
	conn, err := h.upstream.Accept()
	require.NoError(h.t, err)
	return newPeer(h.t, conn)
}

// register walks a client through registration and capability negotiation
func (h *harness) register() (client, up *peer) {
	h.t.Helper()

	client = h.connectClient()
	up = h.acceptUpstream()
	up.expect("CAP LS 302")

	client.send("NICK justinfan123")
	client.send("USER justinfan123 0 * :justinfan123")
	up.expect("NICK justinfan123")
	up.expect("USER justinfan123 0 * :justinfan123")

	up.send(":tmi.twitch.tv CAP * LS :twitch.tv/tags twitch.tv/commands twitch.tv/membership")
	up.expect("CAP END")

	up.send(":tmi.twitch.tv 001 justinfan123 :Welcome, GLHF!")
	for i := 0; i < 3; i++ {
		assert.Equal(h.t, "CAP", up.readMsg().Command)
	}
	client.expect(":tmi.twitch.tv 001 justinfan123 :Welcome, GLHF!")
	return client, up
}

func TestSessionRequestsCapabilitiesAfterWelcome(t *testing.T) {
	h := newHarness(t, nil)

	client := h.connectClient()
	up := h.acceptUpstream()
	up.expect("CAP LS 302")

	// the client's own negotiation is answered by the relay
	client.send("CAP LS 302")
	reply := client.readMsg()
	assert.Equal(t, "twitchrelay", reply.Source)
	assert.Equal(t, "CAP", reply.Command)
	assert.Equal(t, []string{"*", "LS", ""}, reply.Params)

	client.send("NICK justinfan123")
	client.send("USER justinfan123 0 * :justinfan123")
	up.expect("NICK justinfan123")
	up.expect("USER justinfan123 0 * :justinfan123")

	up.send(":tmi.twitch.tv CAP * LS * :twitch.tv/tags sasl=PLAIN")
	up.send(":tmi.twitch.tv CAP * LS :twitch.tv/commands Twitch.tv/Membership")
	up.expect("CAP END")

	// nothing is requested before registration completes
	client.send("CAP END")
	client.send("JOIN #chan")
	up.expect("JOIN #chan")

	up.send(":tmi.twitch.tv 001 justinfan123 :Welcome, GLHF!")
	for _, want := range []string{"twitch.tv/tags", "twitch.tv/commands", "twitch.tv/membership"} {
		req := up.readMsg()
		assert.Equal(t, "CAP", req.Command)
		assert.Equal(t, []string{"REQ", want}, req.Params)
	}
	client.expect(":tmi.twitch.tv 001 justinfan123 :Welcome, GLHF!")

	// acknowledgements stay between us and the server
	up.send(":tmi.twitch.tv CAP * ACK :twitch.tv/tags")
	up.send(":tmi.twitch.tv 002 justinfan123 :Your host is tmi.twitch.tv")
	client.expect(":tmi.twitch.tv 002 justinfan123 :Your host is tmi.twitch.tv")

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.CapabilityOffers.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CapabilityOffers.WithLabelValues("rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.CapabilityRequests))
}

func TestSessionRewritesTwitchCommands(t *testing.T) {
	h := newHarness(t, nil)
	client, up := h.register()

	up.send("@ban-duration=600 :tmi.twitch.tv CLEARCHAT #chan :alice")
	client.expect(":bans!m@twitchrelay NOTICE #chan :alice was banned for 600 seconds")

	up.send("@emote-only=1;followers-only=-1;r9k=0;slow=30;subs-only=1 :tmi.twitch.tv ROOMSTATE #chan")
	client.expect(":room-state!m@twitchrelay NOTICE #chan :Emote Only, Slow mode (30s), Subscribers Only")

	up.send("@msg-id=sub;system-msg=X\\ssubscribed;display-name=X :tmi.twitch.tv USERNOTICE #chan :Thanks for the stream")
	client.expect(":sub!m@twitchrelay NOTICE #chan :X subscribed")
	client.expect(":sub!m@twitchrelay NOTICE #chan :Thanks for the stream")

	// suppressed entirely
	up.send("@badges=moderator/1;mod=1 :tmi.twitch.tv USERSTATE #chan")
	up.send("@badges=;color= :tmi.twitch.tv GLOBALUSERSTATE")

	// tags are stripped from everything that passes through
	up.send("@color=#FFFFFF;display-name=Bob :bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :hi there")
	client.expect(":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :hi there")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesRewritten.WithLabelValues("CLEARCHAT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesRewritten.WithLabelValues("USERSTATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesRewritten.WithLabelValues("GLOBALUSERSTATE")))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.NoticesSent))
}

func TestSessionCleansBadCharacters(t *testing.T) {
	h := newHarness(t, nil)
	client, up := h.register()

	up.send("@msg-id=sub;system-msg=X :tmi.twitch.tv USERNOTICE #chan :hi\x00there")
	client.expect(":sub!m@twitchrelay NOTICE #chan :X")
	client.expect(":sub!m@twitchrelay NOTICE #chan :hithere")

	up.send("@ban-duration=5 :tmi.twitch.tv CLEARCHAT #chan :ali\rce")
	client.expect(":bans!m@twitchrelay NOTICE #chan :alice was banned for 5 seconds")

	up.send("@color=#FFFFFF :bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :a\x00b")
	client.expect(":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :ab")
}

func TestSessionDropsUnparsableTwitchCommands(t *testing.T) {
	h := newHarness(t, nil)
	client, up := h.register()

	// tag values must be valid UTF-8
	up.send("@msg-id=sub;system-msg=\xff :tmi.twitch.tv USERNOTICE #chan :hi")
	up.send("@room-id=\xff :tmi.twitch.tv roomstate #chan")
	up.send("@color=\xff :bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :still here")
	client.expect("@color=\xff :bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :still here")

	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.NoticesSent))
}

func TestCommandOf(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"@a=b :tmi.twitch.tv USERNOTICE #chan :hi", "USERNOTICE"},
		{":tmi.twitch.tv clearchat #chan", "CLEARCHAT"},
		{"@a=b ROOMSTATE #chan", "ROOMSTATE"},
		{"PING :tmi.twitch.tv", "PING"},
		{"@a=b :source", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, commandOf(tt.line), tt.line)
	}
}

func TestSessionKeepsTagsWhenConfigured(t *testing.T) {
	keep := false
	h := newHarness(t, func(cfg *config.Config) { cfg.StripTags = &keep })
	client, up := h.register()

	up.send("@color=#FFFFFF :bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :hi there")
	client.expect("@color=#FFFFFF :bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :hi there")
}

func TestSessionRefusesClientCapabilities(t *testing.T) {
	h := newHarness(t, nil)
	client, _ := h.register()

	client.send("CAP REQ :twitch.tv/tags twitch.tv/commands")
	reply := client.readMsg()
	assert.Equal(t, "CAP", reply.Command)
	assert.Equal(t, []string{"*", "NAK", "twitch.tv/tags twitch.tv/commands"}, reply.Params)

	client.send("CAP LIST")
	reply = client.readMsg()
	assert.Equal(t, []string{"*", "LIST", ""}, reply.Params)
}

func TestSessionConfiguredPass(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Upstream.Pass = "oauth:token" })

	client := h.connectClient()
	up := h.acceptUpstream()
	up.expect("CAP LS 302")
	up.expect("PASS oauth:token")

	client.send("PASS something-else")
	client.send("NICK someone")
	up.expect("NICK someone")
}

func TestSessionClientQuit(t *testing.T) {
	h := newHarness(t, nil)
	client, up := h.register()

	client.send("QUIT :bye")
	up.expect("QUIT :bye")

	_, err := up.read()
	assert.ErrorIs(t, err, io.EOF)
	_, err = client.read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSessionUpstreamGone(t *testing.T) {
	h := newHarness(t, nil)
	client, up := h.register()

	up.conn.Close()

	_, err := client.read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSessionDialFailure(t *testing.T) {
	cfg := &config.Config{Listen: "127.0.0.1:0", ModuleID: "twitchrelay"}
	srv := NewServer(cfg, func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("no route")
	}, metrics.NewRelayMetrics(prometheus.NewRegistry()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), timeout)
	require.NoError(t, err)
	client := newPeer(t, conn)
	client.expect("ERROR :Cannot connect to upstream server")

	_, err = client.read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerMaxClients(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.MaxClients = 1 })
	h.register()

	second := h.connectClient()
	second.expect("ERROR :Too many connections")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveSessions))
}

func TestSessionRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Upstream.RateLimit = 20
		cfg.Upstream.RateBurst = 1
	})
	client, up := h.register()

	start := time.Now()
	for i := 0; i < 3; i++ {
		client.send("PRIVMSG #chan :spam")
	}
	for i := 0; i < 3; i++ {
		up.expect("PRIVMSG #chan :spam")
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

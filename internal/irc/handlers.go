package irc

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/dalnet/twitchrelay/internal/twitch"
)

/*
Handler Summary:

Upstream (server -> relay):
- CAP (onCap): capability negotiation replies
  - LS: every advertised capability is offered to the Negotiator, CAP END
    follows the last LS line
  - ACK/NAK: logged
  - never forwarded, the client did not ask for any of it
- 001 (onConnect): RPL_WELCOME - registration complete
  - sends CAP REQ for every accepted capability
  - forwarded to the client
- everything else: twitch.Rewriter
  - CLEARCHAT, CLEARMSG, GLOBALUSERSTATE, ROOMSTATE, USERNOTICE, USERSTATE are
    replaced by zero or more NOTICEs
  - other commands are forwarded, tags stripped unless strip_tags is false

Downstream (client -> relay), see commands.go:
- CAP: answered locally, Twitch capabilities are not passed through
- PASS: dropped when an upstream pass is configured
- QUIT: forwarded, then the session ends
- everything else: forwarded upstream through the rate limiter
*/

func (s *Session) onCap(msg *ircmsg.Message) (twitch.Decision, error) {
	// CAP <target> <subcommand> [*] :<caps>
	if len(msg.Params) < 3 {
		return twitch.Handled, nil
	}

	sub := strings.ToUpper(msg.Params[1])
	caps := strings.Fields(msg.Params[len(msg.Params)-1])

	switch sub {
	case "LS":
		more := len(msg.Params) >= 4 && msg.Params[2] == "*"
		for _, c := range caps {
			name := c
			if idx := strings.IndexByte(c, '='); idx >= 0 {
				name = c[:idx]
			}
			s.offer(name)
		}
		if !more {
			s.log.Debug("Capability list complete", "accepted", strings.Join(s.caps.Accepted(), " "))
			if err := s.toUpstream(ircmsg.MakeMessage(nil, "", "CAP", "END")); err != nil {
				return twitch.Handled, err
			}
		}
	case "ACK":
		for _, c := range caps {
			s.log.Info("Capability acknowledged", "cap", c)
		}
	case "NAK":
		for _, c := range caps {
			s.log.Warn("Capability refused", "cap", c)
		}
	default:
		s.log.Debug("Ignoring CAP reply", "subcommand", sub)
	}

	return twitch.Handled, nil
}

func (s *Session) offer(name string) {
	if s.caps.Offer(name) {
		s.metrics.CapabilityOffers.WithLabelValues("accepted").Inc()
		s.log.Debug("Capability offered", "cap", name, "accepted", true)
		return
	}
	s.metrics.CapabilityOffers.WithLabelValues("rejected").Inc()
	s.log.Debug("Capability offered", "cap", name, "accepted", false)
}

func (s *Session) onConnect(msg *ircmsg.Message) (twitch.Decision, error) {
	if s.registered {
		return twitch.PassThrough, nil
	}
	s.registered = true

	reqs := s.caps.Connected()
	s.log.Info("Connection complete, requesting capabilities", "count", len(reqs))
	for _, req := range reqs {
		if err := s.toUpstream(req); err != nil {
			return twitch.PassThrough, err
		}
		s.metrics.CapabilityRequests.Inc()
	}
	return twitch.PassThrough, nil
}

package irc

import (
	"context"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/pkg/errors"
)

// handleClientLine processes one line from the downstream client
func (s *Session) handleClientLine(ctx context.Context, line string) error {
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		s.log.Debug("Forwarding unparsable client line", "err", err)
		return s.sendUpstream(ctx, line)
	}

	switch strings.ToUpper(msg.Command) {
	case "CAP":
		return s.clientCap(&msg)
	case "PASS":
		if s.cfg.Upstream.Pass != "" {
			return nil
		}
	case "QUIT":
		if err := s.sendUpstream(ctx, line); err != nil {
			return err
		}
		s.log.Info("Client quit")
		return errSessionClosed
	}

	return s.sendUpstream(ctx, line)
}

// clientCap answers capability negotiation from the client ourselves. We
// offer nothing, so a client that starts negotiation just ends it again.
func (s *Session) clientCap(msg *ircmsg.Message) error {
	if len(msg.Params) < 1 {
		return nil
	}

	var reply ircmsg.Message
	switch strings.ToUpper(msg.Params[0]) {
	case "LS":
		reply = ircmsg.MakeMessage(nil, s.cfg.ModuleID, "CAP", "*", "LS", "")
	case "LIST":
		reply = ircmsg.MakeMessage(nil, s.cfg.ModuleID, "CAP", "*", "LIST", "")
	case "REQ":
		var requested string
		if len(msg.Params) > 1 {
			requested = msg.Params[1]
		}
		s.log.Debug("Refusing client capability request", "caps", requested)
		reply = ircmsg.MakeMessage(nil, s.cfg.ModuleID, "CAP", "*", "NAK", requested)
	default:
		// END and anything else need no answer
		return nil
	}

	return errors.Wrap(s.client.WriteMessage(reply), "client write failed")
}

// sendUpstream forwards a raw client line, waiting on the rate limiter first
func (s *Session) sendUpstream(ctx context.Context, line string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return errors.Wrap(s.upstream.WriteLine(line), "upstream write failed")
}

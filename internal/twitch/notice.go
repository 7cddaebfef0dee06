package twitch

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/ergochat/irc-go/ircutils"
)

// notice builds ":<identity>!m@<moduleID> NOTICE <channel> :<text>" for the
// client. Tag values and user text end up in the body, so it is stripped of
// line breaks and NULs and cut to the body limit.
func (r *Rewriter) notice(identity, channel, text string) ircmsg.Message {
	source := nickSafe(identity) + "!m@" + r.moduleID
	return ircmsg.MakeMessage(nil, source, "NOTICE", channel, ircutils.SanitizeText(text, r.bodyLimit))
}

// maxIdentityBytes bounds the nick part of a notice source
const maxIdentityBytes = 64

// nickSafe replaces anything that would break the nick part of a prefix.
// Identities that are empty or too long fall back to "usernotice".
func nickSafe(identity string) string {
	if identity == "" || len(identity) > maxIdentityBytes {
		return sourceUserNotice
	}
	return strings.Map(func(c rune) rune {
		switch {
		case c <= ' ', c == 0x7f:
			return '_'
		case c == '!', c == '@', c == ':':
			return '_'
		}
		return c
	}, identity)
}

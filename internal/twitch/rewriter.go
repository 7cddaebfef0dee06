// Package twitch turns Twitch's IRC extensions into traffic a plain IRC client
// understands. It negotiates the three twitch.tv capabilities and rewrites the
// Twitch-only commands into NOTICE messages.
//
// Nothing in this package touches the network. The relay feeds it parsed
// messages and writes whatever it returns.
package twitch

import (
	"strconv"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// Twitch-only commands consumed by the Rewriter
const (
	CmdClearChat       = "CLEARCHAT"
	CmdClearMsg        = "CLEARMSG"
	CmdGlobalUserState = "GLOBALUSERSTATE"
	CmdRoomState       = "ROOMSTATE"
	CmdUserNotice      = "USERNOTICE"
	CmdUserState       = "USERSTATE"
)

// Commands returns every command the Rewriter handles
func Commands() []string {
	return []string{
		CmdClearChat,
		CmdClearMsg,
		CmdGlobalUserState,
		CmdRoomState,
		CmdUserNotice,
		CmdUserState,
	}
}

// Decision tells the relay what to do with the original message
type Decision int

const (
	// PassThrough forwards the original message unchanged
	PassThrough Decision = iota
	// Handled suppresses the original; the returned notices replace it
	Handled
)

func (d Decision) String() string {
	if d == Handled {
		return "handled"
	}
	return "passthrough"
}

// DefaultModuleID is the host part of the fabricated notice sources
const DefaultModuleID = "twitchrelay"

// defaultBodyLimit keeps a notice under the 512 byte line limit with room
// for the source, command and channel.
const defaultBodyLimit = 400

type handler func(r *Rewriter, msg *ircmsg.Message) []ircmsg.Message

// lookup is the dispatch table. A nil handler means pass through.
func lookup(command string) handler {
	switch command {
	case CmdClearChat:
		return (*Rewriter).clearChat
	case CmdClearMsg:
		return (*Rewriter).clearMsg
	case CmdGlobalUserState:
		return (*Rewriter).globalUserState
	case CmdRoomState:
		return (*Rewriter).roomState
	case CmdUserNotice:
		return (*Rewriter).userNotice
	case CmdUserState:
		return (*Rewriter).userState
	}
	return nil
}

// Rewriter maps Twitch commands to NOTICE messages. It holds no per-session
// state and may be shared between sessions.
type Rewriter struct {
	moduleID  string
	bodyLimit int
}

// NewRewriter creates a rewriter whose notices come from <identity>!m@moduleID
func NewRewriter(moduleID string) *Rewriter {
	if moduleID == "" {
		moduleID = DefaultModuleID
	}
	return &Rewriter{
		moduleID:  moduleID,
		bodyLimit: defaultBodyLimit,
	}
}

// Handles reports whether Route would consume a message with this command
func Handles(command string) bool {
	return lookup(strings.ToUpper(command)) != nil
}

// Route dispatches msg. Recognized commands (any case) are Handled and return
// the notices for the client, possibly none. Everything else is PassThrough
// with no notices.
func (r *Rewriter) Route(msg *ircmsg.Message) (Decision, []ircmsg.Message) {
	h := lookup(strings.ToUpper(msg.Command))
	if h == nil {
		return PassThrough, nil
	}
	return Handled, h(r, msg)
}

func param(msg *ircmsg.Message, i int) string {
	if i < len(msg.Params) {
		return msg.Params[i]
	}
	return ""
}

// tag reads a tag, treating absent the same as empty
func tag(msg *ircmsg.Message, name string) string {
	_, value := msg.GetTag(name)
	return value
}

// intTag returns -1 for an absent or non-numeric tag
func intTag(msg *ircmsg.Message, name string) int {
	present, value := msg.GetTag(name)
	if !present {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return -1
	}
	return n
}

package twitch

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// Recognized Twitch capabilities
const (
	CapMembership = "twitch.tv/membership" // JOIN/PART for users
	CapTags       = "twitch.tv/tags"       // message tags
	CapCommands   = "twitch.tv/commands"   // CLEARCHAT, ROOMSTATE and friends
)

var capabilities = [...]string{CapMembership, CapTags, CapCommands}

// Capabilities returns the capabilities this module will accept, in the
// order they are listed above
func Capabilities() []string {
	out := make([]string, len(capabilities))
	copy(out, capabilities[:])
	return out
}

func recognized(name string) bool {
	for _, c := range capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Negotiator collects the Twitch capabilities offered by the upstream server
// and requests them once registration has completed. One Negotiator belongs
// to exactly one upstream session and is not safe for concurrent use.
type Negotiator struct {
	accepted []string
}

// NewNegotiator creates an empty negotiator
func NewNegotiator() *Negotiator {
	return &Negotiator{}
}

// Offer reports whether the capability is one we want. Accepted names are
// stored lower-cased, in offer order. Offering an already accepted
// capability again is accepted but does not add a second entry.
func (n *Negotiator) Offer(name string) bool {
	name = strings.ToLower(name)
	if !recognized(name) {
		return false
	}

	for _, c := range n.accepted {
		if c == name {
			return true
		}
	}
	n.accepted = append(n.accepted, name)
	return true
}

// Accepted returns a copy of the accepted capabilities
func (n *Negotiator) Accepted() []string {
	out := make([]string, len(n.accepted))
	copy(out, n.accepted)
	return out
}

// Connected builds one CAP REQ per accepted capability. The caller sends
// them upstream after RPL_WELCOME; Twitch ignores requests that arrive
// before registration finishes. There is no retry.
func (n *Negotiator) Connected() []ircmsg.Message {
	reqs := make([]ircmsg.Message, 0, len(n.accepted))
	for _, c := range n.accepted {
		reqs = append(reqs, ircmsg.MakeMessage(nil, "", "CAP", "REQ", c))
	}
	return reqs
}

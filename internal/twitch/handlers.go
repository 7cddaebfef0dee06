package twitch

import (
	"fmt"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// Notice source identities
const (
	sourceBans       = "bans"
	sourceDeletedMsg = "deleted_msg"
	sourceRoomState  = "room-state"
	sourceUserNotice = "usernotice"
)

// CLEARCHAT #channel nick, with @ban-duration for timeouts
func (r *Rewriter) clearChat(msg *ircmsg.Message) []ircmsg.Message {
	channel := param(msg, 0)
	nick := param(msg, 1)

	text := fmt.Sprintf("%s was permanently banned", nick)
	if duration := tag(msg, "ban-duration"); duration != "" {
		text = fmt.Sprintf("%s was banned for %s seconds", nick, duration)
	}

	return []ircmsg.Message{r.notice(sourceBans, channel, text)}
}

// CLEARMSG #channel :deleted text
//
// We can't make the client delete the line, so echo what was removed.
func (r *Rewriter) clearMsg(msg *ircmsg.Message) []ircmsg.Message {
	return []ircmsg.Message{r.notice(sourceDeletedMsg, param(msg, 0), param(msg, 1))}
}

func (r *Rewriter) globalUserState(msg *ircmsg.Message) []ircmsg.Message {
	return nil
}

func (r *Rewriter) userState(msg *ircmsg.Message) []ircmsg.Message {
	return nil
}

// ROOMSTATE #channel, settings in tags
func (r *Rewriter) roomState(msg *ircmsg.Message) []ircmsg.Message {
	return []ircmsg.Message{r.notice(sourceRoomState, param(msg, 0), RoomRestrictions(msg))}
}

// RoomRestrictions summarizes the active restrictions of a ROOMSTATE
// message, in a fixed order. It is empty when nothing is restricted.
func RoomRestrictions(msg *ircmsg.Message) string {
	var parts []string

	if tag(msg, "emote-only") == "1" {
		parts = append(parts, "Emote Only")
	}

	switch followers := intTag(msg, "followers-only"); {
	case followers == 0:
		parts = append(parts, "Followers Only")
	case followers > 0:
		parts = append(parts, fmt.Sprintf("Followers Only (following for %d mins)", followers))
	}

	if tag(msg, "r9k") == "1" {
		parts = append(parts, "R9K Mode (message > 9 chars must be unique)")
	}

	if slow := intTag(msg, "slow"); slow > 0 {
		parts = append(parts, fmt.Sprintf("Slow mode (%ds)", slow))
	}

	if tag(msg, "subs-only") == "1" {
		parts = append(parts, "Subscribers Only")
	}

	return strings.Join(parts, ", ")
}

// USERNOTICE #channel [:user text]
//
// Subs, raids and the like. The system message goes out first, then whatever
// the user typed along with it.
func (r *Rewriter) userNotice(msg *ircmsg.Message) []ircmsg.Message {
	source := tag(msg, "msg-id")
	if source == "" {
		source = sourceUserNotice
	}
	channel := param(msg, 0)

	notices := []ircmsg.Message{r.notice(source, channel, tag(msg, "system-msg"))}
	if text := param(msg, 1); text != "" {
		notices = append(notices, r.notice(source, channel, text))
	}
	return notices
}

// DisplayName picks the best name for the user behind a USERNOTICE
func DisplayName(msg *ircmsg.Message) string {
	if name := tag(msg, "display-name"); name != "" {
		return name
	}
	if login := tag(msg, "login"); login != "" {
		return login
	}
	return "unknown"
}

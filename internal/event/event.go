// Package event defines the normalized event model shared by both
// transports and the mapping from raw platform payloads into it.
package event

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hikl/hiklqqbot/internal/protocol"
)

// Kind classifies a normalized event.
type Kind string

const (
	KindGroupCommand      Kind = "group_command"
	KindDirectCommand     Kind = "direct_command"
	KindSingleChatCommand Kind = "single_chat_command"
	KindRobotAdded        Kind = "robot_added"
	KindRobotRemoved      Kind = "robot_removed"
	KindFriendAdded       Kind = "friend_added"
	KindFriendRemoved     Kind = "friend_removed"
	KindMessageReject     Kind = "message_reject"
	KindMessageAccept     Kind = "message_accept"
	KindReady             Kind = "ready"
	KindResumed           Kind = "resumed"
	KindUnhandled         Kind = "unhandled"
)

// Origin names the transport an event arrived on.
type Origin string

const (
	OriginGateway Origin = "gateway"
	OriginWebhook Origin = "webhook"
)

// Event is the single internal representation of a platform event.
// ID is unique per delivery; redeliveries carry the same ID and are
// suppressed by the dedupe cache downstream.
type Event struct {
	ID             string
	Kind           Kind
	SenderID       string
	ConversationID string
	GuildID        string
	MessageID      string
	RawText        string
	ReceivedAt     time.Time
	Origin         Origin
}

// IsCommand reports whether the event carries user text the router
// should try to match against the command registry.
func (e Event) IsCommand() bool {
	switch e.Kind {
	case KindGroupCommand, KindDirectCommand, KindSingleChatCommand:
		return true
	}
	return false
}

var mentionPattern = regexp.MustCompile(`<@!?\d+>`)

// StripMentions removes @-mention markers the platform prefixes onto
// channel messages addressed at the bot.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// Normalize maps a dispatch payload into an Event. Unknown event types
// yield KindUnhandled rather than an error so the pipeline never stalls
// on payloads it does not recognize.
func Normalize(p *protocol.Payload, origin Origin) Event {
	ev := Event{
		ID:         p.ID,
		Kind:       KindUnhandled,
		ReceivedAt: time.Now().UTC(),
		Origin:     origin,
	}

	switch p.Type {
	case protocol.EventReady:
		ev.Kind = KindReady
	case protocol.EventResumed:
		ev.Kind = KindResumed
	case protocol.EventChannelAtMessage:
		fillMessage(&ev, p, KindGroupCommand)
	case protocol.EventGroupAtMessage:
		fillMessage(&ev, p, KindGroupCommand)
	case protocol.EventDirectMessage:
		fillMessage(&ev, p, KindDirectCommand)
	case protocol.EventC2CMessage:
		fillMessage(&ev, p, KindSingleChatCommand)
	case protocol.EventGroupRobotAdded:
		fillNotice(&ev, p, KindRobotAdded)
	case protocol.EventGroupRobotRemoved:
		fillNotice(&ev, p, KindRobotRemoved)
	case protocol.EventFriendAdded:
		fillNotice(&ev, p, KindFriendAdded)
	case protocol.EventFriendRemoved:
		fillNotice(&ev, p, KindFriendRemoved)
	case protocol.EventGroupMessageReject, protocol.EventC2CMessageReject:
		fillNotice(&ev, p, KindMessageReject)
	case protocol.EventGroupMessageReceive, protocol.EventC2CMessageReceive:
		fillNotice(&ev, p, KindMessageAccept)
	}

	// Webhook deliveries always carry a payload id; gateway dispatches
	// for control events may not. Synthesize one so dedupe keys and log
	// correlation stay uniform.
	if ev.ID == "" {
		if ev.MessageID != "" {
			ev.ID = ev.MessageID
		} else {
			ev.ID = uuid.NewString()
		}
	}

	return ev
}

func fillMessage(ev *Event, p *protocol.Payload, kind Kind) {
	var msg protocol.MessageData
	if err := p.Decode(&msg); err != nil {
		return // leave as Unhandled; payload shape is not a message
	}

	ev.Kind = kind
	ev.SenderID = msg.SenderID()
	ev.GuildID = msg.GuildID
	ev.MessageID = msg.ID
	ev.RawText = StripMentions(msg.Text())
	ev.ConversationID = conversationScope(kind, &msg)
}

func fillNotice(ev *Event, p *protocol.Payload, kind Kind) {
	var msg protocol.MessageData
	if err := p.Decode(&msg); err != nil {
		ev.Kind = kind
		return
	}
	ev.Kind = kind
	ev.SenderID = msg.SenderID()
	ev.ConversationID = conversationScope(kind, &msg)
}

// conversationScope picks the identifier that bounds ordering
// guarantees: group openid for group chats, channel id for guild
// channels, sender openid for one-on-one chats.
func conversationScope(kind Kind, msg *protocol.MessageData) string {
	switch {
	case msg.GroupOpenID != "":
		return msg.GroupOpenID
	case msg.ChannelID != "":
		return msg.ChannelID
	case kind == KindSingleChatCommand || kind == KindDirectCommand:
		return msg.SenderID()
	default:
		return msg.OpenID
	}
}

// Package protocol defines the wire types shared by both ingestion
// transports: the persistent gateway connection and the signed webhook
// callback. Every frame is JSON and wrapped in a Payload for uniform
// routing.
package protocol

import (
	"encoding/json"
	"fmt"
)

// OpCode identifies the kind of frame in the gateway protocol.
type OpCode int

const (
	// OpDispatch carries a platform event (server → client).
	OpDispatch OpCode = 0
	// OpHeartbeat carries the last seen sequence number (client → server).
	OpHeartbeat OpCode = 1
	// OpIdentify opens a fresh session (client → server).
	OpIdentify OpCode = 2
	// OpResume replays a dropped session (client → server).
	OpResume OpCode = 6
	// OpReconnect asks the client to reconnect (server → client).
	OpReconnect OpCode = 7
	// OpInvalidSession rejects an identify or resume (server → client).
	OpInvalidSession OpCode = 9
	// OpHello announces the heartbeat interval (server → client).
	OpHello OpCode = 10
	// OpHeartbeatAck confirms a heartbeat (server → client).
	OpHeartbeatAck OpCode = 11
	// OpHTTPCallbackVerify is the webhook endpoint validation handshake.
	OpHTTPCallbackVerify OpCode = 13
)

// Event type names delivered with OpDispatch.
const (
	EventReady                = "READY"
	EventResumed              = "RESUMED"
	EventChannelAtMessage     = "AT_MESSAGE_CREATE"
	EventDirectMessage        = "DIRECT_MESSAGE_CREATE"
	EventC2CMessage           = "C2C_MESSAGE_CREATE"
	EventGroupAtMessage       = "GROUP_AT_MESSAGE_CREATE"
	EventGroupRobotAdded      = "GROUP_ADD_ROBOT"
	EventGroupRobotRemoved    = "GROUP_DEL_ROBOT"
	EventFriendAdded          = "FRIEND_ADD"
	EventFriendRemoved        = "FRIEND_DEL"
	EventGroupMessageReject   = "GROUP_MSG_REJECT"
	EventGroupMessageReceive  = "GROUP_MSG_RECEIVE"
	EventC2CMessageReject     = "C2C_MSG_REJECT"
	EventC2CMessageReceive    = "C2C_MSG_RECEIVE"
)

// Intents declared in the identify payload: guild events, guild members,
// group/C2C messages, and channel @-mentions.
const (
	IntentGuilds          = 1 << 0
	IntentGuildMembers    = 1 << 1
	IntentGroupAndC2C     = 1 << 25
	IntentPublicGuildMsgs = 1 << 30

	DefaultIntents = IntentGuilds | IntentGuildMembers | IntentGroupAndC2C | IntentPublicGuildMsgs
)

// Payload is the top-level frame wrapper used on the gateway connection
// and in webhook request bodies.
type Payload struct {
	Op   OpCode          `json:"op"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// NewPayload builds a Payload with a JSON-encoded data section.
func NewPayload(op OpCode, data any) (*Payload, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding payload data: %w", err)
		}
		raw = b
	}
	return &Payload{Op: op, Data: raw}, nil
}

// Decode unmarshals the data section into target.
func (p *Payload) Decode(target any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("payload op %d has no data", p.Op)
	}
	return json.Unmarshal(p.Data, target)
}

// --- Server → client data sections ---

// HelloData is carried by OpHello.
type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// ReadyData is carried by the READY dispatch.
type ReadyData struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"user"`
	Shard []int `json:"shard"`
}

// VerifyChallenge is carried by OpHTTPCallbackVerify on the webhook.
type VerifyChallenge struct {
	PlainToken string `json:"plain_token"`
	EventTS    string `json:"event_ts"`
}

// VerifyResponse answers the webhook validation handshake.
type VerifyResponse struct {
	PlainToken string `json:"plain_token"`
	Signature  string `json:"signature"`
}

// --- Client → server data sections ---

// IdentifyData is carried by OpIdentify.
type IdentifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Shard      []int             `json:"shard"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ResumeData is carried by OpResume.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// MessageData is the common shape of message-bearing dispatch events.
// The platform varies the set of populated fields per conversation scope.
type MessageData struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  struct {
		ID           string `json:"id"`
		Username     string `json:"username,omitempty"`
		MemberOpenID string `json:"member_openid,omitempty"`
		UserOpenID   string `json:"user_openid,omitempty"`
	} `json:"author"`
	ChannelID   string `json:"channel_id,omitempty"`
	GuildID     string `json:"guild_id,omitempty"`
	GroupOpenID string `json:"group_openid,omitempty"`
	OpenID      string `json:"openid,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`

	// Rich content fallback: some containers deliver text inside a
	// message sub-object instead of the top-level content field.
	Message *struct {
		Content string `json:"content"`
	} `json:"message,omitempty"`
}

// SenderID returns the best available sender identity for the event.
func (m *MessageData) SenderID() string {
	switch {
	case m.Author.ID != "":
		return m.Author.ID
	case m.Author.MemberOpenID != "":
		return m.Author.MemberOpenID
	case m.Author.UserOpenID != "":
		return m.Author.UserOpenID
	default:
		return m.OpenID
	}
}

// Text returns the message text, falling back to the rich-content
// container when the top-level content field is empty.
func (m *MessageData) Text() string {
	if m.Content != "" {
		return m.Content
	}
	if m.Message != nil {
		return m.Message.Content
	}
	return ""
}

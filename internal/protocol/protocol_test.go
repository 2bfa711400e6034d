package protocol

import (
	"encoding/json"
	"testing"
)

func TestPayload_RoundTrip(t *testing.T) {
	p, err := NewPayload(OpIdentify, IdentifyData{
		Token:   "QQBot abc",
		Intents: DefaultIntents,
		Shard:   []int{0, 1},
	})
	if err != nil {
		t.Fatalf("NewPayload error: %v", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Payload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Op != OpIdentify {
		t.Errorf("op = %d, want %d", decoded.Op, OpIdentify)
	}

	var id IdentifyData
	if err := decoded.Decode(&id); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if id.Token != "QQBot abc" {
		t.Errorf("token = %q", id.Token)
	}
	if id.Intents != DefaultIntents {
		t.Errorf("intents = %d, want %d", id.Intents, DefaultIntents)
	}
}

func TestPayload_DecodeEmpty(t *testing.T) {
	p := &Payload{Op: OpHeartbeatAck}
	var hello HelloData
	if err := p.Decode(&hello); err == nil {
		t.Fatal("expected error decoding empty data section")
	}
}

func TestPayload_DispatchFrame(t *testing.T) {
	raw := `{"op":0,"s":42,"t":"GROUP_AT_MESSAGE_CREATE","id":"evt-1","d":{"id":"msg-1","content":"/ping","group_openid":"g1","author":{"member_openid":"u1"}}}`

	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if p.Op != OpDispatch || p.Seq != 42 || p.Type != EventGroupAtMessage || p.ID != "evt-1" {
		t.Errorf("frame header mismatch: %+v", p)
	}

	var msg MessageData
	if err := p.Decode(&msg); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if msg.SenderID() != "u1" {
		t.Errorf("sender = %q, want u1", msg.SenderID())
	}
	if msg.Text() != "/ping" {
		t.Errorf("text = %q, want /ping", msg.Text())
	}
}

func TestMessageData_SenderPrecedence(t *testing.T) {
	m := &MessageData{}
	m.Author.ID = "author-id"
	m.Author.MemberOpenID = "member"
	if got := m.SenderID(); got != "author-id" {
		t.Errorf("sender = %q, want author-id", got)
	}

	m = &MessageData{}
	m.Author.UserOpenID = "user-open"
	if got := m.SenderID(); got != "user-open" {
		t.Errorf("sender = %q, want user-open", got)
	}

	m = &MessageData{OpenID: "fallback"}
	if got := m.SenderID(); got != "fallback" {
		t.Errorf("sender = %q, want fallback", got)
	}
}

func TestMessageData_RichContentFallback(t *testing.T) {
	raw := `{"id":"m1","message":{"content":"nested text"},"author":{"id":"u1"}}`
	var m MessageData
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if m.Text() != "nested text" {
		t.Errorf("text = %q, want nested fallback", m.Text())
	}
}

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/relay/internal/chat"
)

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","role":"user","token":"tok-1","text":"Hello!","ref":"r1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.Role != "user" || cm.Token != "tok-1" {
		t.Errorf("unexpected credentials: %+v", cm.Credentials)
	}
	if cm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
	}
	if cm.Ref != "r1" {
		t.Errorf("expected ref %q, got %q", "r1", cm.Ref)
	}
	if p := cm.Payload(); p.Text != "Hello!" || p.Attachment != nil {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestParseClientMessage_Attachment(t *testing.T) {
	input := []byte(`{"type":"message","role":"agent","token":"t","attachment":{"ref":"blob/1","name":"a.png","content_type":"image/png"}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cm := msg.(ChatMsg)
	if cm.Attachment == nil || cm.Attachment.Ref != "blob/1" {
		t.Fatalf("expected attachment blob/1, got %+v", cm.Attachment)
	}
}

func TestParseClientMessage_Seen(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"seen","role":"agent","token":"t","seq":7}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sm := msg.(SeenMsg); sm.Seq != 7 || sm.Role != "agent" {
		t.Errorf("unexpected seen frame: %+v", sm)
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"seen","seq":"seven"}`))
	if err == nil {
		t.Fatal("expected a decode error, got nil")
	}
}

func TestNewServerMessage_ForcesType(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Type: "wrong", Code: "unauthorized", Message: "nope"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeError {
		t.Errorf("expected type %q, got %v", TypeError, result["type"])
	}
	if result["code"] != "unauthorized" {
		t.Errorf("expected code %q, got %v", "unauthorized", result["code"])
	}
}

func TestEncodeEvent(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	ev := chat.NewMessageEvent("c1", chat.Message{
		Seq:       3,
		Sender:    chat.RoleAgent,
		Payload:   chat.Payload{Text: "hi"},
		CreatedAt: at,
		SeenBy:    []chat.Role{},
	})

	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Type    string `json:"type"`
		ChatID  string `json:"chat_id"`
		Ts      int64  `json:"ts"`
		Message struct {
			Seq    int64  `json:"seq"`
			Sender string `json:"sender"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if result.Type != string(chat.EventMessage) || result.ChatID != "c1" {
		t.Errorf("unexpected envelope: %+v", result)
	}
	if result.Ts != at.UnixMilli() {
		t.Errorf("expected ts %d, got %d", at.UnixMilli(), result.Ts)
	}
	if result.Message.Seq != 3 || result.Message.Sender != "agent" {
		t.Errorf("unexpected message: %+v", result.Message)
	}
}

func TestEncodeKeepaliveHasNoPayload(t *testing.T) {
	data, err := EncodeEvent(chat.NewKeepaliveEvent("c1", time.UnixMilli(5)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"type":"keepalive","chat_id":"c1","ts":5}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"ping", `{"type":"ping"}`, TypePing},
		{"heartbeat", `{"type":"heartbeat","role":"user","token":"t"}`, TypeHeartbeat},
		{"typing", `{"type":"typing","role":"user","token":"t","text":"he"}`, TypeTyping},
		{"message", `{"type":"message","role":"user","token":"t","text":"hi"}`, TypeMessage},
		{"seen", `{"type":"seen","role":"agent","token":"t","seq":0}`, TypeSeen},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

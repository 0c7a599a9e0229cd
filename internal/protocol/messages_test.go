package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageChatInput(t *testing.T) {
	raw := []byte(`{"type":"chat_input","session_id":"s1","text":"こんにちは"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	in, ok := msg.(ChatInput)
	if !ok {
		t.Fatalf("message type = %T, want ChatInput", msg)
	}
	if in.SessionID != "s1" || in.Text != "こんにちは" {
		t.Fatalf("unexpected chat input: %+v", in)
	}
}

func TestParseClientMessageKeepsBlankText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"chat_input","session_id":"s1","text":"  "}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if in := msg.(ChatInput); in.Text != "  " {
		t.Fatalf("Text = %q, want untouched blank text", in.Text)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsMissingSession(t *testing.T) {
	for _, raw := range []string{
		`{"type":"chat_input","text":"hi"}`,
		`{"type":"client_control","action":"replay"}`,
		`{"type":"client_control","session_id":"s1"}`,
		`not json`,
	} {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want error", raw)
		}
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":" Replay "}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionReplay {
		t.Fatalf("Action = %q, want %q", control.Action, ActionReplay)
	}
}

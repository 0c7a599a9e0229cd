package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
)

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wirePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FromMessages reads turns back out of chat-completion messages by way of
// their JSON encoding. Messages with roles outside system/user/assistant
// (tool, developer, ...) are skipped, mirroring Translate.
func FromMessages(msgs []openai.ChatCompletionMessageParamUnion) ([]Turn, error) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	var wire []wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	out := make([]Turn, 0, len(wire))
	for _, w := range wire {
		role, err := ParseRole(w.Role)
		if err != nil {
			continue
		}
		content, err := decodeContent(w.Content)
		if err != nil {
			return nil, fmt.Errorf("decode %s content: %w", role, err)
		}
		out = append(out, Turn{Role: role, Content: content})
	}
	return out, nil
}

func decodeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []wirePart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

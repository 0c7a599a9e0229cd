package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/ent0n29/localchat/internal/conversation"
)

// MockClient provides deterministic local replies when no model endpoint
// is configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	turns, err := conversation.FromMessages(messages)
	if err != nil {
		return "", err
	}
	return buildMockReply(turns), nil
}

func buildMockReply(turns []conversation.Turn) string {
	var last string
	userTurns := 0
	for _, t := range turns {
		if t.Role == conversation.RoleUser {
			last = t.Content
			userTurns++
		}
	}

	base := strings.TrimSpace(last)
	if base == "" {
		return "I am listening."
	}
	if userTurns == 1 {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\n(%d messages so far)", base, userTurns)
}

package conversation

import "github.com/openai/openai-go"

// Translate converts turns into chat-completion messages, one message per
// turn, in order. It never fails: turns carrying an unknown role are
// skipped, since State.Append has already rejected them once.
func Translate(turns []Turn) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(t.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(t.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(t.Content))
		default:
			// skip
		}
	}
	return out
}

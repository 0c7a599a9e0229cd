package prompt

import (
	"github.com/openai/openai-go"

	"github.com/ent0n29/localchat/internal/conversation"
)

// Template fills a fixed three-slot prompt: the system instruction, the
// prior history, then the newest user input.
type Template struct {
	instruction string
}

func NewTemplate(instruction string) *Template {
	return &Template{instruction: instruction}
}

func (t *Template) Mode() string { return ModeTemplate }

// Format lays out the turns the template produces for history and input.
// System turns inside history are dropped so the request carries exactly
// one system message, the template's own.
func (t *Template) Format(history []conversation.Turn, input string) []conversation.Turn {
	out := make([]conversation.Turn, 0, len(history)+2)
	if t.instruction != "" {
		out = append(out, conversation.SystemTurn(t.instruction))
	}
	for _, turn := range history {
		if turn.Role == conversation.RoleSystem {
			continue
		}
		out = append(out, turn)
	}
	return append(out, conversation.UserTurn(input))
}

// Build places everything but the newest turn in the history slot and the
// newest turn, which must come from the user, in the input slot.
func (t *Template) Build(h History) ([]openai.ChatCompletionMessageParamUnion, error) {
	all := h.All()
	if len(all) == 0 || all[len(all)-1].Role != conversation.RoleUser {
		return nil, ErrNoInput
	}
	input := all[len(all)-1].Content
	return conversation.Translate(t.Format(h.AllExceptLast(), input)), nil
}

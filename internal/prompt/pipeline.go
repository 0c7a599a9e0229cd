package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/ent0n29/localchat/internal/conversation"
)

const (
	ModeDirect   = "direct"
	ModeTemplate = "template"
)

var ErrNoInput = errors.New("conversation does not end with a user turn")

// History is the read side of a conversation that pipelines consume.
type History interface {
	All() []conversation.Turn
	AllExceptLast() []conversation.Turn
}

// Pipeline builds the message sequence for one completion request.
type Pipeline interface {
	Build(h History) ([]openai.ChatCompletionMessageParamUnion, error)
	Mode() string
}

// New returns the pipeline for mode. instruction is only used by the
// template pipeline.
func New(mode, instruction string) (Pipeline, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeDirect:
		return Direct{}, nil
	case ModeTemplate:
		return NewTemplate(instruction), nil
	default:
		return nil, fmt.Errorf("unsupported prompt pipeline %q", mode)
	}
}

// Direct translates the whole conversation as-is.
type Direct struct{}

func (Direct) Mode() string { return ModeDirect }

func (Direct) Build(h History) ([]openai.ChatCompletionMessageParamUnion, error) {
	return conversation.Translate(h.All()), nil
}

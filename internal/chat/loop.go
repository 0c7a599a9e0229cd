package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/localchat/internal/conversation"
	"github.com/ent0n29/localchat/internal/llm"
	"github.com/ent0n29/localchat/internal/observability"
	"github.com/ent0n29/localchat/internal/policy"
	"github.com/ent0n29/localchat/internal/prompt"
	"github.com/ent0n29/localchat/internal/reliability"
	"github.com/ent0n29/localchat/internal/transcript"
)

// Phase is the position of a Loop in its per-turn state machine:
// Idle -> AwaitingInput -> Sending -> {Succeeded | Failed} -> Idle.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseAwaitingInput Phase = "awaiting_input"
	PhaseSending       Phase = "sending"
	PhaseSucceeded     Phase = "succeeded"
	PhaseFailed        Phase = "failed"
)

const (
	DefaultNetworkErrorText = "A network error occurred. Please check your connection."
	DefaultErrorFormat      = "An error occurred: %v"

	archiveSaveTimeout = 3 * time.Second
)

var (
	ErrEmptyInput = errors.New("input text is empty")
	ErrBusy       = errors.New("a reply is still being generated")
)

// Options configures a Loop. Zero values fall back to defaults.
type Options struct {
	SessionID        string
	UserID           string
	NetworkErrorText string
	ErrorFormat      string

	Archive transcript.Archive
	// Pending tracks archive writes still in flight. Loops sharing one
	// archive should share one WaitGroup so shutdown can drain it before
	// closing the archive.
	Pending *sync.WaitGroup
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Hooks receive render events for one Submit call. Either may be nil.
type Hooks struct {
	OnTurn  func(index int, turn conversation.Turn)
	OnPhase func(phase Phase)
}

func (h Hooks) turn(index int, t conversation.Turn) {
	if h.OnTurn != nil {
		h.OnTurn(index, t)
	}
}

func (h Hooks) phase(p Phase) {
	if h.OnPhase != nil {
		h.OnPhase(p)
	}
}

// Result describes one completed turn. Retryable is set on failed turns
// the user could resend unchanged.
type Result struct {
	User           conversation.Turn     `json:"user"`
	Assistant      conversation.Turn     `json:"assistant"`
	AssistantIndex int                   `json:"assistant_index"`
	Outcome        Phase                 `json:"outcome"`
	Fault          reliability.FaultKind `json:"fault,omitempty"`
	Retryable      bool                  `json:"retryable,omitempty"`
}

// Loop runs the request/response cycle of one chat session. It never has
// more than one completion call in flight.
type Loop struct {
	state    *conversation.State
	pipeline prompt.Pipeline
	client   llm.Client
	opts     Options
	logger   zerolog.Logger

	sending atomic.Bool

	mu    sync.RWMutex
	phase Phase
}

func NewLoop(state *conversation.State, pipeline prompt.Pipeline, client llm.Client, opts Options) *Loop {
	if strings.TrimSpace(opts.NetworkErrorText) == "" {
		opts.NetworkErrorText = DefaultNetworkErrorText
	}
	if !strings.Contains(opts.ErrorFormat, "%") {
		opts.ErrorFormat = DefaultErrorFormat
	}
	if opts.Pending == nil {
		opts.Pending = &sync.WaitGroup{}
	}
	l := &Loop{
		state:    state,
		pipeline: pipeline,
		client:   client,
		opts:     opts,
		logger: opts.Logger.With().
			Str("component", "chat").
			Str("session_id", opts.SessionID).
			Logger(),
		phase: PhaseIdle,
	}
	l.setPhase(PhaseAwaitingInput, Hooks{})
	return l
}

func (l *Loop) State() *conversation.State { return l.state }

func (l *Loop) Pipeline() string { return l.pipeline.Mode() }

func (l *Loop) Phase() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

func (l *Loop) setPhase(p Phase, hooks Hooks) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
	hooks.phase(p)
}

// Submit appends text as a user turn, asks the client for a reply and
// appends exactly one assistant turn: the normalized reply on success, a
// fallback message on failure. Completion faults never surface as errors;
// only rejected input (empty, busy) or a refused append does.
func (l *Loop) Submit(ctx context.Context, text string, hooks Hooks) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyInput
	}
	if !l.sending.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer l.sending.Store(false)

	started := time.Now()
	userTurn := conversation.UserTurn(text)
	if err := l.state.Append(userTurn); err != nil {
		return Result{}, fmt.Errorf("append user turn: %w", err)
	}
	l.setPhase(PhaseSending, hooks)
	userIndex := l.state.Len() - 1
	hooks.turn(userIndex, userTurn)
	l.archiveTurn(userIndex, userTurn, "")

	reply, fault, err := l.complete(ctx)
	outcome := PhaseSucceeded
	retryable := false
	if err != nil {
		outcome = PhaseFailed
		retryable = reliability.IsRetryable(err)
		reply = l.fallbackText(fault, err)
		l.logger.Warn().Err(err).Str("fault", string(fault)).Msg("completion failed")
	}

	assistantTurn := conversation.AssistantTurn(reply)
	if err := l.state.Append(assistantTurn); err != nil {
		l.setPhase(PhaseIdle, hooks)
		l.setPhase(PhaseAwaitingInput, hooks)
		return Result{}, fmt.Errorf("append assistant turn: %w", err)
	}
	assistantIndex := l.state.Len() - 1
	hooks.turn(assistantIndex, assistantTurn)
	l.archiveTurn(assistantIndex, assistantTurn, string(outcome))

	l.setPhase(outcome, hooks)
	l.setPhase(PhaseIdle, hooks)
	l.setPhase(PhaseAwaitingInput, hooks)

	l.opts.Metrics.ObserveTurn(string(outcome), l.pipeline.Mode())
	l.opts.Metrics.ObserveTurnStage("turn_total", time.Since(started))
	l.logger.Debug().
		Str("outcome", string(outcome)).
		Int("turns", assistantIndex+1).
		Dur("elapsed", time.Since(started)).
		Msg("turn completed")

	return Result{
		User:           userTurn,
		Assistant:      assistantTurn,
		AssistantIndex: assistantIndex,
		Outcome:        outcome,
		Fault:          fault,
		Retryable:      retryable,
	}, nil
}

func (l *Loop) complete(ctx context.Context) (string, reliability.FaultKind, error) {
	buildStarted := time.Now()
	msgs, err := l.pipeline.Build(l.state)
	l.opts.Metrics.ObserveTurnStage("build_messages", time.Since(buildStarted))
	if err != nil {
		return "", reliability.FaultUnclassified, fmt.Errorf("build messages: %w", err)
	}

	callStarted := time.Now()
	text, err := l.client.Complete(ctx, msgs)
	fault := reliability.Classify(err)
	l.opts.Metrics.ObserveCompletion(time.Since(callStarted), string(fault))
	if err != nil {
		return "", fault, err
	}
	return NormalizeIdeographicSpace(text), reliability.FaultNone, nil
}

func (l *Loop) fallbackText(fault reliability.FaultKind, err error) string {
	if fault == reliability.FaultTransport {
		return l.opts.NetworkErrorText
	}
	return fmt.Sprintf(l.opts.ErrorFormat, err)
}

func (l *Loop) archiveTurn(seq int, turn conversation.Turn, outcome string) {
	if l.opts.Archive == nil {
		return
	}
	content, redacted := policy.RedactPII(turn.Content)
	record := transcript.Record{
		SessionID:   l.opts.SessionID,
		UserID:      l.opts.UserID,
		Seq:         seq,
		Role:        string(turn.Role),
		Content:     content,
		Pipeline:    l.pipeline.Mode(),
		Outcome:     outcome,
		PIIRedacted: redacted,
		CreatedAt:   time.Now().UTC(),
	}
	l.opts.Pending.Add(1)
	go func(r transcript.Record) {
		defer l.opts.Pending.Done()
		saveCtx, cancel := context.WithTimeout(context.Background(), archiveSaveTimeout)
		defer cancel()
		if err := l.opts.Archive.SaveTurn(saveCtx, r); err != nil {
			l.opts.Metrics.ObserveArchiveError()
			l.logger.Error().Err(err).Int("seq", r.Seq).Msg("archive turn failed")
		}
	}(record)
}

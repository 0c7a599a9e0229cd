package transcript

import (
	"context"
	"time"
)

// Record is one archived chat turn. Content is stored after PII redaction.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Seq         int       `json:"seq"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Pipeline    string    `json:"pipeline"`
	Outcome     string    `json:"outcome,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Archive is a write-only audit sink for chat turns. Nothing reads it back
// into a live conversation.
type Archive interface {
	SaveTurn(ctx context.Context, record Record) error
	Close() error
}

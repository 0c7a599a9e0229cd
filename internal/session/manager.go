package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/localchat/internal/chat"
	"github.com/ent0n29/localchat/internal/conversation"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session has ended")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// LoopFactory builds the chat loop, and with it the conversation state,
// owned by a new session.
type LoopFactory func(sessionID, userID string) *chat.Loop

type entry struct {
	session Session
	loop    *chat.Loop
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	newLoop           LoopFactory
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration, newLoop LoopFactory) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		newLoop:           newLoop,
		inactivityTimeout: inactivityTimeout,
		endedRetention:    5 * time.Minute,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetEndedRetention controls how long ended sessions stay readable before
// the janitor drops them, and their conversation with them.
func (m *Manager) SetEndedRetention(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedRetention = d
}

func (m *Manager) Create(userID string) *Session {
	now := time.Now().UTC()
	id := uuid.NewString()
	e := &entry{
		session: Session{
			ID:             id,
			UserID:         userID,
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		loop: m.newLoop(id, userID),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = e
	return e.snapshot()
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.snapshot(), nil
}

// Loop returns the chat loop of an active session.
func (m *Manager) Loop(sessionID string) (*chat.Loop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.session.Status != StatusActive {
		return nil, ErrEnded
	}
	return e.loop, nil
}

// Conversation returns the history and phase of a session whether or not
// it has ended. Ended sessions stay readable until the janitor drops them.
func (m *Manager) Conversation(sessionID string) (*conversation.State, chat.Phase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, "", ErrNotFound
	}
	return e.loop.State(), e.loop.Phase(), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.session.Status == StatusActive {
		now := time.Now().UTC()
		e.session.Status = StatusEnded
		e.session.LastActivityAt = now
		e.session.EndedAt = now
	}
	return e.snapshot(), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.session.Status != StatusActive {
			if now.Sub(e.session.EndedAt) >= m.endedRetention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		e.session.Status = StatusEnded
		e.session.LastActivityAt = now
		e.session.EndedAt = now
		expired = append(expired, e.snapshot())
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (e *entry) snapshot() *Session {
	c := e.session
	if e.loop != nil {
		c.TurnCount = e.loop.State().Len()
	}
	return &c
}

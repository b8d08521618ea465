// Package session tracks per-session busy flags and conversation history.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a session is already handling input.
var ErrBusy = errors.New("still processing the previous message")

// Role identifies who produced a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleNote marks synthetic entries written by the engine so an
	// upstream agent loop keeps continuity.
	RoleNote Role = "note"
)

// Message is one history entry.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// DefaultMaxHistory caps retained messages per session.
const DefaultMaxHistory = 200

// Manager owns every session's busy flag and history. Busy is reentrancy
// protection only; concurrent input is rejected, never queued.
type Manager struct {
	mu         sync.Mutex
	busy       map[string]bool
	history    map[string][]Message
	maxHistory int
	now        func() time.Time
}

// NewManager returns an empty manager. maxHistory <= 0 uses
// DefaultMaxHistory.
func NewManager(maxHistory int) *Manager {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Manager{
		busy:       make(map[string]bool),
		history:    make(map[string][]Message),
		maxHistory: maxHistory,
		now:        time.Now,
	}
}

// TryBegin marks the session busy. It returns false if it already was.
func (m *Manager) TryBegin(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[sessionID] {
		return false
	}
	m.busy[sessionID] = true
	return true
}

// End clears the busy flag.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, sessionID)
}

// Busy reports whether the session is handling input.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy[sessionID]
}

// Do runs fn while holding the session's busy flag, or returns ErrBusy.
func (m *Manager) Do(sessionID string, fn func() error) error {
	if !m.TryBegin(sessionID) {
		return ErrBusy
	}
	defer m.End(sessionID)
	return fn()
}

// Append adds a message to the session's history, dropping the oldest
// entries beyond the cap.
func (m *Manager) Append(sessionID string, role Role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[sessionID], Message{Role: role, Content: content, At: m.now().UTC()})
	if over := len(h) - m.maxHistory; over > 0 {
		h = append([]Message(nil), h[over:]...)
	}
	m.history[sessionID] = h
}

// AppendNote adds a synthetic engine note.
func (m *Manager) AppendNote(sessionID, text string) {
	m.Append(sessionID, RoleNote, text)
}

// History returns a copy of the session's messages.
func (m *Manager) History(sessionID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.history[sessionID]...)
}

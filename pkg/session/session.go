// Package session implements the Session Manager: a per-(user,chat)-keyed
// container for rolling conversation history with activity-based eviction.
// It holds conversation state in an in-memory map that additionally tracks
// lastActivity and is periodically swept, since cross-restart durability is
// out of scope for this gateway.
package session

import (
	"sync"
	"time"

	"openvia/pkg/llm"
)

// Defaults: history retains the last N messages, sessions
// idle for longer than the timeout are evicted on the next sweep.
const (
	DefaultMaxHistory     = 20
	DefaultSessionTimeout = 30 * time.Minute
	DefaultSweepInterval  = 5 * time.Minute
)

// Session is the per-(userId, chatId) conversation container. Each Session
// owns its own mutex guarding history and lastActivity, so a sweep can walk
// the manager's map without holding a lock on an individual session for the
// duration of a turn.
type Session struct {
	UserID    string
	ChatID    string
	ChannelID string

	mu                 sync.Mutex
	history            []llm.Message
	lastActivity       time.Time
	previousResponseID string

	// AllowedTools/DeniedTools feed the Policy Engine's per-session
	// allow/deny lists. Nil means "no restriction beyond the built-in
	// heuristics".
	AllowedTools map[string]bool
	DeniedTools  map[string]bool

	// Summary holds an optional condensed digest of truncated history, set
	// through SetSummary; nothing in the gateway produces one. The history
	// truncation below is always applied regardless of whether a summary
	// exists.
	Summary string
}

// touch refreshes lastActivity; called on every access so idle detection
// only counts time since the last real use of the session.
func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// History returns a snapshot copy of the message history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// PreviousResponseID returns the last stateful-provider response id stored
// for this session, or "" if none.
func (s *Session) PreviousResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previousResponseID
}

// SetPreviousResponseID records the stateful-provider response id to chain
// the next round without resending full history.
func (s *Session) SetPreviousResponseID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previousResponseID = id
}

// AddMessages appends one or more messages to history and enforces
// MAX_HISTORY, dropping the oldest user/assistant pair first so pairing is
// preserved.
func (s *Session) AddMessages(maxHistory int, msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.history = append(s.history, msgs...)
	s.truncateLocked(maxHistory)
}

// TruncateTo keeps only the most recent keepCount messages, without the
// pair-preserving rounding that AddMessages applies.
func (s *Session) TruncateTo(keepCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepCount < 0 {
		keepCount = 0
	}
	if len(s.history) > keepCount {
		s.history = s.history[len(s.history)-keepCount:]
	}
}

func (s *Session) truncateLocked(maxHistory int) {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if len(s.history) <= maxHistory {
		return
	}
	// Drop the oldest messages two at a time (user+assistant pair) so a
	// lone trailing tool/system message never gets orphaned at index 0.
	excess := len(s.history) - maxHistory
	if excess%2 != 0 {
		excess++
	}
	if excess > len(s.history) {
		excess = len(s.history)
	}
	s.history = s.history[excess:]
}

func (s *Session) SetSummary(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summary = summary
}

func (s *Session) GetSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Summary
}

func (s *Session) idleDuration(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Manager owns the set of live Sessions keyed by (userId, chatId) and runs
// the periodic eviction sweep. It is the sole owner of every Session value;
// the Orchestrator only ever borrows one for the duration of a turn.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	MaxHistory     int
	SessionTimeout time.Duration
}

func NewManager(maxHistory int, timeout time.Duration) *Manager {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		MaxHistory:     maxHistory,
		SessionTimeout: timeout,
	}
}

func key(userID, chatID string) string { return userID + "\x00" + chatID }

// GetOrCreate returns the existing session for (userID, chatID), creating
// one if absent. channelID is recorded on first creation so the Permission
// Bridge can later route an approval prompt back to the right channel.
func (m *Manager) GetOrCreate(userID, chatID, channelID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(userID, chatID)
	s, ok := m.sessions[k]
	if !ok {
		s = &Session{UserID: userID, ChatID: chatID, ChannelID: channelID, lastActivity: time.Now()}
		m.sessions[k] = s
	}
	s.mu.Lock()
	s.touch()
	s.mu.Unlock()
	return s
}

// Clear removes a session outright, e.g. on an explicit user reset command.
func (m *Manager) Clear(userID, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key(userID, chatID))
}

// Count returns the number of live sessions, used by tests and metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep evicts every session idle for longer than SessionTimeout. It is
// safe to call concurrently with GetOrCreate: an in-flight turn holds its
// own *Session pointer and is not interrupted by eviction.
func (m *Manager) Sweep() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for k, s := range m.sessions {
		if s.idleDuration(now) > m.SessionTimeout {
			delete(m.sessions, k)
			evicted++
		}
	}
	return evicted
}

// Run starts the periodic sweep goroutine; it returns immediately and the
// sweep keeps running until done is closed.
func (m *Manager) Run(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

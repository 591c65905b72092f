package session

import (
	"testing"
	"time"

	"openvia/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_GetOrCreate_ReturnsSameSessionForSameKey(t *testing.T) {
	m := NewManager(10, time.Minute)

	s1 := m.GetOrCreate("user1", "chat1", "telegram")
	s2 := m.GetOrCreate("user1", "chat1", "web")

	assert.Same(t, s1, s2)
	assert.Equal(t, "telegram", s1.ChannelID, "channelID is only recorded on first creation")
}

func TestManager_GetOrCreate_IsolatesByUserAndChat(t *testing.T) {
	m := NewManager(10, time.Minute)

	s1 := m.GetOrCreate("user1", "chat1", "telegram")
	s2 := m.GetOrCreate("user1", "chat2", "telegram")
	s3 := m.GetOrCreate("user2", "chat1", "telegram")

	assert.NotSame(t, s1, s2)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 3, m.Count())
}

func TestSession_AddMessages_TruncatesOldestPairFirst(t *testing.T) {
	s := &Session{UserID: "u", ChatID: "c"}

	for i := 0; i < 10; i++ {
		s.AddMessages(4, llm.NewUserMessage("m"))
	}

	history := s.History()
	require.Len(t, history, 4, "history never exceeds maxHistory")
}

func TestSession_AddMessages_PreservesPairingOnOddExcess(t *testing.T) {
	s := &Session{UserID: "u", ChatID: "c"}

	s.AddMessages(0, llm.NewUserMessage("1"), llm.NewAssistantMessage("2"), llm.NewUserMessage("3"))
	// maxHistory<=0 falls back to DefaultMaxHistory, so nothing is truncated yet.
	assert.Len(t, s.History(), 3)

	s2 := &Session{UserID: "u", ChatID: "c"}
	for i := 0; i < 5; i++ {
		s2.AddMessages(4, llm.NewUserMessage("x"))
	}
	assert.LessOrEqual(t, len(s2.History()), 4)
}

func TestManager_Sweep_EvictsOnlyIdleSessions(t *testing.T) {
	m := NewManager(10, 10*time.Millisecond)

	m.GetOrCreate("stale", "chat", "telegram")
	time.Sleep(20 * time.Millisecond)
	m.GetOrCreate("fresh", "chat", "telegram")

	evicted := m.Sweep()

	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, m.Count())
}

func TestManager_Clear_RemovesSession(t *testing.T) {
	m := NewManager(10, time.Minute)
	m.GetOrCreate("u", "c", "telegram")
	require.Equal(t, 1, m.Count())

	m.Clear("u", "c")

	assert.Equal(t, 0, m.Count())
}

func TestSession_PreviousResponseID_RoundTrips(t *testing.T) {
	s := &Session{UserID: "u", ChatID: "c"}
	assert.Empty(t, s.PreviousResponseID())

	s.SetPreviousResponseID("resp-123")

	assert.Equal(t, "resp-123", s.PreviousResponseID())
}

func TestSession_TruncateTo_KeepsMostRecent(t *testing.T) {
	s := &Session{UserID: "u", ChatID: "c"}
	s.AddMessages(100, llm.NewUserMessage("1"), llm.NewUserMessage("2"), llm.NewUserMessage("3"))

	s.TruncateTo(1)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, "3", history[0].Content[0].Text)
}

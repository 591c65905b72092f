package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"openvia/pkg/api"
	"openvia/pkg/llm"
	"openvia/pkg/session"
)

// Handler adapts an Orchestrator to the api.MessageProcessor/api.ResponderAware
// contract the gateway expects, translating one AgentEvent stream per turn
// into calls on the injected api.MessageResponder. It is the sole wiring
// point between the channel-agnostic gateway and the agent loop.
type Handler struct {
	Orchestrator *Orchestrator
	Sessions     *session.Manager

	responder api.MessageResponder

	locks sync.Map // key string -> *sync.Mutex
}

func NewHandler(o *Orchestrator, sessions *session.Manager) *Handler {
	return &Handler{Orchestrator: o, Sessions: sessions}
}

func (h *Handler) SetResponder(responder api.MessageResponder) {
	h.responder = responder
}

// OnMessage implements api.MessageProcessor. Each message is handled on its
// own goroutine so a slow turn never blocks the channel's receive loop; the
// per-(user,chat) lock below is what actually serializes same-conversation
// turns.
func (h *Handler) OnMessage(msg *api.UnifiedMessage) {
	go h.handle(msg)
}

func (h *Handler) lockFor(userID, chatID string) *sync.Mutex {
	key := userID + "\x00" + chatID
	v, _ := h.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (h *Handler) handle(msg *api.UnifiedMessage) {
	mu := h.lockFor(msg.Session.UserID, msg.Session.ChatID)
	mu.Lock()
	defer mu.Unlock()

	sess := h.Sessions.GetOrCreate(msg.Session.UserID, msg.Session.ChatID, msg.Session.ChannelID)

	ctx := context.Background()
	if msg.DebugID != "" {
		ctx = context.WithValue(ctx, llm.DebugDirContextKey, msg.DebugID)
	}

	userMsg := BuildUserMessage(msg)
	events := h.Orchestrator.Run(ctx, sess, userMsg, msg.NoTools)

	if h.responder == nil {
		slog.Error("agent handler has no responder wired, dropping turn")
		for range events {
		}
		return
	}

	blocks := make(chan llm.ContentBlock, 16)
	streamErrCh := make(chan error, 1)
	go func() {
		streamErrCh <- h.responder.StreamReply(msg.Session, blocks)
	}()

	for ev := range events {
		switch ev.Type {
		case EventTextDelta:
			blocks <- llm.NewTextBlock(ev.Content)
		case EventToolStart:
			blocks <- llm.NewThinkingBlock(fmt.Sprintf("Calling %s...", ev.ToolName))
		case EventToolPending:
			blocks <- llm.NewThinkingBlock(ev.Prompt)
		case EventToolResult, EventDone:
			// No additional user-visible output beyond what text_delta
			// already streamed; tool_result is not re-rendered to the
			// user.
		case EventError:
			blocks <- llm.NewErrorBlock(ev.Content)
		}
	}
	close(blocks)

	if err := <-streamErrCh; err != nil {
		slog.Error("failed to stream reply to channel", "channel", msg.Session.ChannelID, "error", err)
	}
}

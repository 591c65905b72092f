// Package permission implements the Permission Bridge: a process-wide
// singleton correlating out-of-band approval requests/responses across
// concurrent sessions and channels.
//
// No direct prior art elsewhere in this codebase. The one-shot resolver is
// a channel with a buffer of one, written at most once under a sync.Once,
// so a resolver never blocks even when the caller has given up waiting.
package permission

import (
	"context"
	"log/slog"
	"sync"

	"openvia/pkg/utils"
)

// Decision is the human's answer to a PendingPermission.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// RequestContext carries the identity the Bridge needs to route a prompt
// back to the originating channel.
type RequestContext struct {
	UserID    string
	ChatID    string
	ChannelID string
}

// Request is what a registered Handler receives: the prompt text plus the
// context needed to find the right outgoing channel/session.
type Request struct {
	ID      string
	Prompt  string
	Context RequestContext
}

// Handler is the dispatcher installed by the channel subsystem; it must
// deliver Prompt to the channel named by Context.ChannelID and eventually
// cause ResolveRequest to be called (e.g. on a button click or a free-text
// reply). Handler itself runs asynchronously relative to Request's caller.
type Handler func(req Request)

// PendingPermission is a single in-flight approval, jointly referenced by
// the Bridge's map and the awaiting Orchestrator. Its lifetime is the
// longer of the two holders.
type PendingPermission struct {
	ID      string
	Prompt  string
	Context RequestContext

	resultCh chan Decision
	once     sync.Once
}

// resolve completes the one-shot resolver. A second call is a silent no-op.
func (p *PendingPermission) resolve(d Decision) {
	p.once.Do(func() {
		p.resultCh <- d
		close(p.resultCh)
	})
}

// Bridge is the process-wide singleton coordinating permission prompts.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*PendingPermission

	handlerMu sync.RWMutex
	handler   Handler
}

func NewBridge() *Bridge {
	return &Bridge{pending: make(map[string]*PendingPermission)}
}

// RegisterHandler installs the dispatcher that delivers prompts to the
// originating channel. Only one handler can be registered at a time;
// re-registering replaces it.
func (b *Bridge) RegisterHandler(h Handler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handler = h
}

func (b *Bridge) currentHandler() Handler {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	return b.handler
}

// Request allocates a fresh PendingPermission, stores it, and invokes the
// registered handler asynchronously. If no handler is registered, or the
// handler invocation panics, the request resolves to deny immediately.
//
// The returned channel receives exactly one Decision and is then closed.
// Callers should select on it alongside ctx.Done() to honor cancellation;
// Request itself does not impose a timeout.
func (b *Bridge) Request(ctx context.Context, prompt string, reqCtx RequestContext) <-chan Decision {
	p := &PendingPermission{
		ID:       utils.GenerateID(),
		Prompt:   prompt,
		Context:  reqCtx,
		resultCh: make(chan Decision, 1),
	}

	handler := b.currentHandler()
	if handler == nil {
		slog.Warn("permission request with no handler registered, denying", "prompt", prompt)
		p.resolve(DecisionDeny)
		return p.resultCh
	}

	b.mu.Lock()
	b.pending[p.ID] = p
	b.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("permission handler panicked, denying", "id", p.ID, "panic", r)
				b.ResolveRequest(p.ID, DecisionDeny)
			}
		}()
		handler(Request{ID: p.ID, Prompt: p.Prompt, Context: p.Context})
	}()

	return p.resultCh
}

// ResolveRequest completes a pending request by id. A second call, or a
// call for an unknown id, is a no-op.
func (b *Bridge) ResolveRequest(id string, decision Decision) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		slog.Debug("resolveRequest for unknown or already-resolved id", "id", id)
		return
	}
	p.resolve(decision)
}

// FindRequestByUser returns a still-pending request for a user, so channels
// that accept free-text approvals (instead of button clicks) can correlate a
// reply without an explicit id. When the user has several pending requests,
// which one is returned is not defined (map iteration order).
func (b *Bridge) FindRequestByUser(userID string) (*PendingPermission, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pending {
		if p.Context.UserID == userID {
			return p, true
		}
	}
	return nil, false
}

// Pending returns the number of currently outstanding requests, for tests
// and diagnostics.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

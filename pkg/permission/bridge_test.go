package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_Request_NoHandlerDeniesImmediately(t *testing.T) {
	b := NewBridge()

	decisionCh := b.Request(context.Background(), "do the thing?", RequestContext{UserID: "u"})

	select {
	case d := <-decisionCh:
		assert.Equal(t, DecisionDeny, d)
	case <-time.After(time.Second):
		t.Fatal("expected immediate deny with no handler registered")
	}
}

func TestBridge_Request_ResolveRequestDeliversDecision(t *testing.T) {
	b := NewBridge()

	var captured Request
	b.RegisterHandler(func(req Request) {
		captured = req
	})

	decisionCh := b.Request(context.Background(), "run shell?", RequestContext{UserID: "u1", ChannelID: "telegram"})

	require.Eventually(t, func() bool { return captured.ID != "" }, time.Second, time.Millisecond)

	b.ResolveRequest(captured.ID, DecisionAllow)

	select {
	case d := <-decisionCh:
		assert.Equal(t, DecisionAllow, d)
	case <-time.After(time.Second):
		t.Fatal("expected decision to arrive")
	}
}

func TestBridge_ResolveRequest_IsIdempotent(t *testing.T) {
	b := NewBridge()

	var id string
	done := make(chan struct{})
	b.RegisterHandler(func(req Request) {
		id = req.ID
		close(done)
	})

	decisionCh := b.Request(context.Background(), "prompt", RequestContext{UserID: "u"})
	<-done

	assert.NotPanics(t, func() {
		b.ResolveRequest(id, DecisionAllow)
		b.ResolveRequest(id, DecisionDeny) // second call is a no-op
	})

	assert.Equal(t, DecisionAllow, <-decisionCh, "first resolution wins")
}

func TestBridge_ResolveRequest_UnknownIDIsNoop(t *testing.T) {
	b := NewBridge()

	assert.NotPanics(t, func() {
		b.ResolveRequest("does-not-exist", DecisionAllow)
	})
}

func TestBridge_HandlerPanicResolvesDeny(t *testing.T) {
	b := NewBridge()
	b.RegisterHandler(func(req Request) {
		panic("boom")
	})

	decisionCh := b.Request(context.Background(), "prompt", RequestContext{UserID: "u"})

	select {
	case d := <-decisionCh:
		assert.Equal(t, DecisionDeny, d)
	case <-time.After(time.Second):
		t.Fatal("expected panic recovery to resolve deny")
	}
}

func TestBridge_FindRequestByUser_ReturnsPendingRequest(t *testing.T) {
	b := NewBridge()
	b.RegisterHandler(func(req Request) {})

	b.Request(context.Background(), "prompt", RequestContext{UserID: "alice"})

	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, time.Millisecond)

	p, ok := b.FindRequestByUser("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", p.Context.UserID)

	_, ok = b.FindRequestByUser("bob")
	assert.False(t, ok)
}

func TestBridge_Request_ConcurrentRequestsAreIndependent(t *testing.T) {
	b := NewBridge()
	var mu sync.Mutex
	ids := make([]string, 0, 10)
	b.RegisterHandler(func(req Request) {
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		b.ResolveRequest(req.ID, DecisionAllow)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := b.Request(context.Background(), "p", RequestContext{UserID: "u"})
			assert.Equal(t, DecisionAllow, <-ch)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.Pending())
	assert.Len(t, ids, 10)
}

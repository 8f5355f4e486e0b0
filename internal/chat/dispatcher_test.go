package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, in domain.Inbound, out Sender) error

func (f handlerFunc) HandleMessage(ctx context.Context, in domain.Inbound, out Sender) error {
	return f(ctx, in, out)
}

var discard = SenderFunc(func(context.Context, domain.Outbound) error { return nil })

func TestDispatcher_PreservesOrderPerChat(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string][]int{}
		wg   sync.WaitGroup
	)
	const perChat = 50
	wg.Add(2 * perChat)

	d := NewDispatcher(handlerFunc(func(_ context.Context, in domain.Inbound, _ Sender) error {
		defer wg.Done()
		mu.Lock()
		seen[in.ChatID] = append(seen[in.ChatID], in.MessageID)
		mu.Unlock()
		return nil
	}), 4, nil)
	defer d.Close()

	for i := range perChat {
		require.NoError(t, d.Submit(context.Background(), domain.Inbound{ChatID: "a", MessageID: i}, discard))
		require.NoError(t, d.Submit(context.Background(), domain.Inbound{ChatID: "b", MessageID: i}, discard))
	}
	wg.Wait()

	for _, chat := range []string{"a", "b"} {
		require.Len(t, seen[chat], perChat)
		for i, id := range seen[chat] {
			assert.Equal(t, i, id, "chat %s processed out of order", chat)
		}
	}
	assert.Equal(t, 2, d.Chats())
}

func TestDispatcher_ChatsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var inFlight atomic.Int32
	started := make(chan struct{}, 2)

	d := NewDispatcher(handlerFunc(func(ctx context.Context, _ domain.Inbound, _ Sender) error {
		inFlight.Add(1)
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}), 1, nil)
	defer d.Close()

	require.NoError(t, d.Submit(context.Background(), domain.Inbound{ChatID: "a"}, discard))
	require.NoError(t, d.Submit(context.Background(), domain.Inbound{ChatID: "b"}, discard))

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("a blocked chat held up another chat")
		}
	}
	assert.Equal(t, int32(2), inFlight.Load())
	close(release)
}

func TestDispatcher_FatalErrorStopsRun(t *testing.T) {
	boom := errors.New("ledger write failed")
	d := NewDispatcher(handlerFunc(func(context.Context, domain.Inbound, Sender) error {
		return boom
	}), 1, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.NoError(t, d.Submit(context.Background(), domain.Inbound{ChatID: "a"}, discard))

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a fatal error")
	}

	err := d.Submit(context.Background(), domain.Inbound{ChatID: "a"}, discard)
	require.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcher_RunReturnsNilOnShutdown(t *testing.T) {
	d := NewDispatcher(handlerFunc(func(context.Context, domain.Inbound, Sender) error { return nil }), 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Run(ctx))
	require.ErrorIs(t, d.Submit(context.Background(), domain.Inbound{ChatID: "a"}, discard), ErrDispatcherClosed)
}

func TestDispatcher_SubmitHonoursContextWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	d := NewDispatcher(handlerFunc(func(ctx context.Context, _ domain.Inbound, _ Sender) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}), 1, nil)
	defer d.Close()
	defer close(block)

	// One message in flight, one queued.
	require.NoError(t, d.Submit(context.Background(), domain.Inbound{ChatID: "a"}, discard))
	<-started
	require.NoError(t, d.Submit(context.Background(), domain.Inbound{ChatID: "a"}, discard))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Submit(ctx, domain.Inbound{ChatID: "a"}, discard)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

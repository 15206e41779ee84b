package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, want int, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(got), want)
		}
	}
	return got
}

func requireClosed(t *testing.T, ch <-chan Event, timeout time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.False(t, ok, "expected closed channel, got event %+v", ev)
	case <-time.After(timeout):
		t.Fatal("channel not closed in time")
	}
}

func TestSingleStageStreamDeliversInOrderAndEnds(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()

	sub, err := p.Subscribe(ctx, "p1", "rewrite", time.Minute)
	require.NoError(t, err)

	kinds := []string{EventConnected, EventStageUpdate, EventToken, EventToken, EventDone}
	for _, kind := range kinds {
		require.NoError(t, p.Publish(ctx, "p1", "rewrite", Event{Kind: kind}))
	}

	got := collect(t, sub, len(kinds)+1, time.Second)
	require.Len(t, got, len(kinds)+1)
	for i, kind := range kinds {
		assert.Equal(t, kind, got[i].Kind)
		assert.Equal(t, "p1", got[i].ProjectID)
		assert.Equal(t, "rewrite", got[i].Stage)
	}
	assert.Equal(t, EventStreamEnd, got[len(got)-1].Kind)
	requireClosed(t, sub, time.Second)
}

func TestSingleStageStreamEndsOnError(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()

	sub, err := p.Subscribe(ctx, "p1", "storyboard", time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "p1", "storyboard", Event{Kind: EventError, Error: "boom"}))

	got := collect(t, sub, 2, time.Second)
	assert.Equal(t, EventError, got[0].Kind)
	assert.Equal(t, EventStreamEnd, got[1].Kind)
	requireClosed(t, sub, time.Second)
}

func TestWildcardStreamSurvivesDone(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()

	sub, err := p.Subscribe(ctx, "p1", "", time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "p1", "rewrite", Event{Kind: EventDone}))
	require.NoError(t, p.Publish(ctx, "p1", "storyboard", Event{Kind: EventStageUpdate, Status: "processing"}))

	got := collect(t, sub, 2, time.Second)
	assert.Equal(t, EventDone, got[0].Kind)
	assert.Equal(t, "rewrite", got[0].Stage)
	assert.Equal(t, EventStageUpdate, got[1].Kind)
	assert.Equal(t, "storyboard", got[1].Stage)

	select {
	case ev, ok := <-sub:
		t.Fatalf("stream should stay open, got %+v (open=%v)", ev, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFansOutToStageAndProjectChannels(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()

	stageSub, err := p.Subscribe(ctx, "p1", "rewrite", time.Minute)
	require.NoError(t, err)
	wildSub, err := p.Subscribe(ctx, "p1", "", time.Minute)
	require.NoError(t, err)
	otherSub, err := p.Subscribe(ctx, "p1", "storyboard", time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "p1", "rewrite", Event{Kind: EventToken, Content: "hi"}))

	assert.Equal(t, "hi", collect(t, stageSub, 1, time.Second)[0].Content)
	assert.Equal(t, "hi", collect(t, wildSub, 1, time.Second)[0].Content)

	select {
	case ev := <-otherSub:
		t.Fatalf("storyboard subscriber should see nothing, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, "p1", "rewrite", Event{Kind: EventToken, Content: "early"}))

	sub, err := p.Subscribe(ctx, "p1", "rewrite", time.Minute)
	require.NoError(t, err)

	select {
	case ev := <-sub:
		t.Fatalf("late subscriber must not see earlier events, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIdleTimeoutClosesStream(t *testing.T) {
	p := NewMemoryPublisher()

	sub, err := p.Subscribe(context.Background(), "p1", "rewrite", 30*time.Millisecond)
	require.NoError(t, err)
	requireClosed(t, sub, time.Second)

	wild, err := p.Subscribe(context.Background(), "p1", "", 30*time.Millisecond)
	require.NoError(t, err)
	requireClosed(t, wild, time.Second)
}

func TestContextCancelClosesStream(t *testing.T) {
	p := NewMemoryPublisher()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := p.Subscribe(ctx, "p1", "rewrite", time.Minute)
	require.NoError(t, err)
	cancel()
	requireClosed(t, sub, time.Second)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "project:abc", ChannelName("abc", ""))
	assert.Equal(t, "project:abc:stage:rewrite", ChannelName("abc", "rewrite"))
}

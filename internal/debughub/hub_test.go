package debughub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DisabledDropsEverything(t *testing.T) {
	h := New(false)
	_, _, ok := h.Subscribe(Filter{})
	assert.False(t, ok)
	h.Publish(Event{Stream: "log", Message: "hello"})
}

func TestHub_PublishDeliversToMatchingSubscriber(t *testing.T) {
	h := New(true)
	events, unsub, ok := h.Subscribe(Filter{ExtensionIDs: map[string]bool{"demo-ext": true}})
	require.True(t, ok)
	defer unsub()

	h.Publish(Event{Stream: "log", Message: "for someone else", ExtensionID: "other-ext"})
	h.Publish(Event{Stream: "log", Message: "for demo-ext", ExtensionID: "demo-ext"})

	select {
	case e := <-events:
		assert.Equal(t, "for demo-ext", e.Message)
	case <-time.After(time.Second):
		t.Fatal("expected a matching event")
	}

	select {
	case e := <-events:
		t.Fatalf("unexpected second event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SubscriberLimit(t *testing.T) {
	h := New(true)
	h.MaxSubscribers = 1
	_, unsub1, ok := h.Subscribe(Filter{})
	require.True(t, ok)
	defer unsub1()

	_, _, ok = h.Subscribe(Filter{})
	assert.False(t, ok)
}

type fakeMirror struct {
	events []Event
}

func (f *fakeMirror) Publish(ctx context.Context, e Event) error {
	f.events = append(f.events, e)
	return nil
}

func TestHub_MirrorReceivesPublishedEvents(t *testing.T) {
	mirror := &fakeMirror{}
	h := New(true)
	h.Mirror = mirror

	h.Publish(Event{Stream: "log", Message: "mirrored"})
	require.Len(t, mirror.events, 1)
	assert.Equal(t, "mirrored", mirror.events[0].Message)
}

func TestFilter_MatchesEmptyMeansAll(t *testing.T) {
	f := Filter{}
	assert.True(t, f.Matches(Event{TenantID: "t1"}))
}

func TestHub_TruncatesOversizeMessages(t *testing.T) {
	h := New(true)
	h.MaxEventBytes = 8
	events, unsub, ok := h.Subscribe(Filter{})
	require.True(t, ok)
	defer unsub()

	h.Publish(Event{Stream: "stdout", Message: "0123456789abcdef"})

	e := <-events
	assert.Equal(t, "01234567", e.Message)
	assert.True(t, e.Truncated)
	assert.False(t, e.Timestamp.IsZero())
}

func TestHub_OverflowDropsOldestFirst(t *testing.T) {
	h := New(true)
	h.BufferSize = 2
	events, unsub, ok := h.Subscribe(Filter{})
	require.True(t, ok)
	defer unsub()

	for _, msg := range []string{"first", "second", "third", "fourth"} {
		h.Publish(Event{Stream: "log", Message: msg})
	}

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			got = append(got, e.Message)
		case <-time.After(time.Second):
			t.Fatal("expected a buffered event")
		}
	}
	assert.Equal(t, []string{"third", "fourth"}, got,
		"a lagging subscriber keeps the newest events, not the oldest")

	select {
	case e := <-events:
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

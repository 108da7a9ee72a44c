package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:      EventSessionCreated,
		SessionID: "sess-1",
		Message:   "session created",
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventSessionCreated, event.Type)
		assert.Equal(t, "sess-1", event.SessionID)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSequenceIsMonotonicPerSession(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for i := 0; i < 3; i++ {
		broker.Publish(&Event{Type: EventSessionProgress, SessionID: "sess-1"})
	}
	broker.Publish(&Event{Type: EventSessionCreated, SessionID: "sess-2"})

	var seqs []uint64
	var otherSeq uint64
	for i := 0; i < 4; i++ {
		select {
		case event := <-sub:
			if event.SessionID == "sess-1" {
				seqs = append(seqs, event.Sequence)
			} else {
				otherSeq = event.Sequence
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}

	require.Len(t, seqs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	// Sequences are scoped per session, not global
	assert.Equal(t, uint64(1), otherSeq)
}

func TestForgetDropsSequenceCounter(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	broker.Publish(&Event{Type: EventSessionProgress, SessionID: "sess-1"})
	broker.Publish(&Event{Type: EventSessionProgress, SessionID: "sess-1"})

	broker.seqMu.Lock()
	_, tracked := broker.sequences["sess-1"]
	broker.seqMu.Unlock()
	require.True(t, tracked)

	broker.Forget("sess-1")

	broker.seqMu.Lock()
	_, tracked = broker.sequences["sess-1"]
	broker.seqMu.Unlock()
	assert.False(t, tracked)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	// Never drain sub; publishing beyond its buffer must not deadlock
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			broker.Publish(&Event{Type: EventSessionProgress, SessionID: "sess-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

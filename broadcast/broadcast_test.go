package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(7)

	select {
	case id := <-ch:
		require.Equal(t, uint32(7), id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(uint32(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
	require.NotEmpty(t, ch)
}

func TestPublishDegradesFullSubscriberToCatchUpAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+1; i++ {
		b.Publish(uint32(i))
	}

	var last uint32
	for {
		select {
		case id := <-ch:
			last = id
			continue
		default:
		}
		break
	}
	require.Equal(t, CatchUpAll, last)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	unsub()
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-ch
	require.False(t, ok)
}

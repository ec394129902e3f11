package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	stock, unsubStock := b.Subscribe(4, TypeStockUpdate)
	defer unsubStock()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TypeFeedStatus, Data: "feed-a"})
	b.Publish(Event{Type: TypeStockUpdate, Data: "seeds"})

	got := <-stock
	assert.Equal(t, TypeStockUpdate, got.Type)
	assert.False(t, got.Time.IsZero())
	assert.Len(t, stock, 0)
	assert.Len(t, all, 2)
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeStockUpdate})
	b.Publish(Event{Type: TypeStockUpdate})

	require.Len(t, ch, 1)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TypeStockUpdate})
}

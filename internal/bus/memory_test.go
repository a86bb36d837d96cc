package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-engine/pkg/ot"
)

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemoryBus()
	var got []int
	cancel := b.Subscribe("doc", func(msg Message) {
		got = append(got, msg.Op.Version)
	})
	defer cancel()

	for v := 1; v <= 4; v++ {
		require.NoError(t, b.Publish(context.Background(), Message{
			DocumentID: "doc",
			Origin:     "n1",
			Type:       MessageApplied,
			Op:         ot.Operation{Kind: ot.Insert, Text: "x", Version: v},
		}))
	}
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestMemoryBusScopesByDocument(t *testing.T) {
	b := NewMemoryBus()
	var docA, docB int
	defer b.Subscribe("a", func(Message) { docA++ })()
	defer b.Subscribe("b", func(Message) { docB++ })()

	require.NoError(t, b.Publish(context.Background(), Message{DocumentID: "a", Type: MessageApplied}))
	require.NoError(t, b.Publish(context.Background(), Message{DocumentID: "a", Type: MessageApplied}))

	assert.Equal(t, 2, docA)
	assert.Equal(t, 0, docB)
}

func TestMemoryBusCancelStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	var got int
	cancel := b.Subscribe("doc", func(Message) { got++ })

	require.NoError(t, b.Publish(context.Background(), Message{DocumentID: "doc", Type: MessagePresence}))
	cancel()
	require.NoError(t, b.Publish(context.Background(), Message{DocumentID: "doc", Type: MessagePresence}))

	assert.Equal(t, 1, got)
}

func TestMemoryBusFanOutToMultipleSubscribers(t *testing.T) {
	b := NewMemoryBus()
	var first, second int
	defer b.Subscribe("doc", func(Message) { first++ })()
	defer b.Subscribe("doc", func(Message) { second++ })()

	require.NoError(t, b.Publish(context.Background(), Message{DocumentID: "doc", Type: MessageApplied}))

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDelivers(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "compounding.audit")
	require.NoError(t, err)

	msg := Message{Type: "job.approved", Payload: json.RawMessage(`{"note":null}`)}
	require.NoError(t, b.Publish(ctx, "compounding.audit", msg))
	require.NoError(t, b.Publish(ctx, "other", msg))

	select {
	case raw := <-ch:
		var got Message
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "job.approved", got.Type)
		assert.JSONEq(t, `{"note":null}`, string(got.Payload))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Len(t, ch, 0)
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker()
	ch, err := b.Subscribe(context.Background(), "c")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, b.Publish(context.Background(), "c", "x"), ErrClosed)
}

package eventbridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishToMatchingSubscribers(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var got []string
	_, err := bus.Subscribe("workflow.run.>", func(_ context.Context, subject string, _ map[string]any) {
		got = append(got, subject)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("agent.>", func(_ context.Context, subject string, _ map[string]any) {
		got = append(got, "agent:"+subject)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "workflow.run.started", map[string]any{"run_id": "r1"}))
	require.NoError(t, bus.Publish(context.Background(), "agent.run.completed", nil))
	require.NoError(t, bus.Publish(context.Background(), "unrelated.subject", nil))

	assert.Equal(t, []string{"workflow.run.started", "agent:agent.run.completed"}, got)
}

func TestMemoryBus_PayloadDelivered(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var got map[string]any
	_, err := bus.Subscribe("a.b", func(_ context.Context, _ string, payload map[string]any) {
		got = payload
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "a.b", map[string]any{"k": "v"}))
	assert.Equal(t, map[string]any{"k": "v"}, got)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	calls := 0
	unsub, err := bus.Subscribe("a.>", func(_ context.Context, _ string, _ map[string]any) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "a.b", nil))
	unsub()
	require.NoError(t, bus.Publish(context.Background(), "a.b", nil))

	assert.Equal(t, 1, calls)
}

func TestMemoryBus_UnsubscribeIdempotent(t *testing.T) {
	bus := NewMemoryBus(nil)

	unsub, err := bus.Subscribe("a.b", func(_ context.Context, _ string, _ map[string]any) {})
	require.NoError(t, err)
	unsub()
	assert.NotPanics(t, unsub)
}

func TestMemoryBus_ClosedRejectsUse(t *testing.T) {
	bus := NewMemoryBus(nil)

	calls := 0
	_, err := bus.Subscribe("a.b", func(_ context.Context, _ string, _ map[string]any) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	require.Error(t, bus.Publish(context.Background(), "a.b", nil))
	assert.Zero(t, calls)

	_, err = bus.Subscribe("a.c", func(_ context.Context, _ string, _ map[string]any) {})
	require.Error(t, err)
}

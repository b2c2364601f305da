package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()

	_, ok := RequestID(ctx)
	assert.False(t, ok)

	ctx = WithRequestID(ctx, "req-abc")
	got, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-abc", got)
}

func TestRunID(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	got, ok := RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", got)

	_, ok = RequestID(ctx)
	assert.False(t, ok, "keys do not alias")
}

func TestEmptyValueTreatedAsUnset(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	_, ok := RequestID(ctx)
	assert.False(t, ok)
}

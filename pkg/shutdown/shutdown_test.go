package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsCallbacksInReverseOrder(t *testing.T) {
	m := NewManager()
	var order []string
	m.OnShutdown(func(context.Context) { order = append(order, "store") })
	m.OnShutdown(func(context.Context) { order = append(order, "watcher") })
	m.OnShutdown(func(context.Context) { order = append(order, "stream") })

	m.Shutdown(context.Background())

	assert.Equal(t, []string{"stream", "watcher", "store"}, order)
}

func TestShutdownStuckCallbackDoesNotBlockForever(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown(func(context.Context) { ran = true })
	m.OnShutdown(func(context.Context) { time.Sleep(time.Minute) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	m.Shutdown(ctx)

	assert.Less(t, time.Since(start), time.Second)
	// 超时后不再继续执行剩余回调
	assert.False(t, ran)
}

func TestShutdownNoCallbacks(t *testing.T) {
	NewManager().Shutdown(context.Background())
}

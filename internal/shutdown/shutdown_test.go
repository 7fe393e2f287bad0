package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCloser struct {
	name  string
	err   error
	order *[]string
	mu    *sync.Mutex
}

func (m *mockCloser) Close() error {
	m.mu.Lock()
	*m.order = append(*m.order, m.name)
	m.mu.Unlock()
	return m.err
}

func newTestCoordinator() *Coordinator {
	return New(5*time.Second, zerolog.Nop())
}

func TestShutdown_PriorityOrder(t *testing.T) {
	c := newTestCoordinator()
	var order []string
	var mu sync.Mutex

	c.Register("duckdb", &mockCloser{name: "duckdb", order: &order, mu: &mu}, PriorityDatabase)
	c.Register("s3", &mockCloser{name: "s3", order: &order, mu: &mu}, PriorityStorage)
	c.RegisterHook("tmp", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "tmp")
		mu.Unlock()
		return nil
	}, PriorityTempFiles)

	require.NoError(t, c.Shutdown())
	assert.Equal(t, []string{"tmp", "s3", "duckdb"}, order)
}

func TestShutdown_ReturnsFirstErrorAndContinues(t *testing.T) {
	c := newTestCoordinator()
	var order []string
	var mu sync.Mutex
	boom := errors.New("boom")

	c.Register("a", &mockCloser{name: "a", err: boom, order: &order, mu: &mu}, 1)
	c.Register("b", &mockCloser{name: "b", err: errors.New("second"), order: &order, mu: &mu}, 2)

	err := c.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestShutdown_RunsOnce(t *testing.T) {
	c := newTestCoordinator()
	var order []string
	var mu sync.Mutex
	c.Register("a", &mockCloser{name: "a", order: &order, mu: &mu}, 1)

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.Len(t, order, 1)
}

func TestShutdown_Timeout(t *testing.T) {
	c := New(10*time.Millisecond, zerolog.Nop())
	c.RegisterHook("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1)
	c.RegisterHook("never", func(ctx context.Context) error {
		t.Error("hook after timeout should not run")
		return nil
	}, 2)

	err := c.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatch_TriggerCancels(t *testing.T) {
	c := newTestCoordinator()
	ctx, stop := c.Watch(context.Background())
	defer stop()

	c.TriggerShutdown()
	c.TriggerShutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after TriggerShutdown")
	}
}

func TestWatch_StopCancels(t *testing.T) {
	c := newTestCoordinator()
	ctx, stop := c.Watch(context.Background())
	stop()
	stop()
	assert.Error(t, ctx.Err())
}

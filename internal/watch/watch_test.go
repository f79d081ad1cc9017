package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWatch(t *testing.T) (*bus.Bus, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.New(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { b.Close() })

	tc, err := tenant.New("acme", "acme")
	require.NoError(t, err)
	ctx, token := tenant.Bind(context.Background(), tc)
	t.Cleanup(func() { tenant.Unbind(token) })
	return b, ctx
}

func publish(t *testing.T, ctx context.Context, b *bus.Bus, stream string, eventType events.EventType, data map[string]any) *events.AgentEvent {
	t.Helper()
	e, err := events.NewAgentEvent(eventType, "acme", "planner", []string{"intake", "planner"}, data)
	require.NoError(t, err)
	_, err = b.Publish(ctx, e, stream)
	require.NoError(t, err)
	return e
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestFollow(t *testing.T) {
	b, ctx := setupWatch(t)
	publish(t, ctx, b, "tasks", events.EventTypeTaskAssigned, nil)

	followCtx, cancel := context.WithCancel(ctx)
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- Follow(followCtx, b, "tasks", "0", OutputFormatJSON, out) }()

	second := publish(t, ctx, b, "tasks", events.EventTypeTaskCompleted, nil)

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") == 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("follow did not stop")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var line struct {
		Event *events.AgentEvent `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &line))
	assert.Equal(t, second.ID, line.Event.ID)
}

func TestWaitFor(t *testing.T) {
	b, ctx := setupWatch(t)

	t.Run("returns the first matching event", func(t *testing.T) {
		publish(t, ctx, b, "agent.qualifier", events.EventTypeAgentHealth, nil)
		want := publish(t, ctx, b, "agent.qualifier", events.EventTypeHandoffRejected, map[string]any{"handoff_event_id": "h-1"})

		entry, err := WaitFor(ctx, b, "agent.qualifier", "0", func(e *events.AgentEvent) bool {
			return e.Data["handoff_event_id"] == "h-1"
		}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want.ID, entry.Event.ID)
	})

	t.Run("times out", func(t *testing.T) {
		_, err := WaitFor(ctx, b, "agent.qualifier", "0", func(e *events.AgentEvent) bool {
			return false
		}, 300*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})
}

func TestFormatEntry(t *testing.T) {
	e, err := events.NewAgentEvent(events.EventTypeTaskAssigned, "acme", "planner", []string{"intake", "planner"}, nil)
	require.NoError(t, err)
	e = e.ForRetry()

	var buf bytes.Buffer
	require.NoError(t, FormatEntry(&buf, bus.Entry{ID: "1-0", Event: e}, OutputFormatDefault))
	assert.Contains(t, buf.String(), "task_assigned")
	assert.Contains(t, buf.String(), "intake → planner (retry 1)")

	buf.Reset()
	require.NoError(t, FormatEntry(&buf, bus.Entry{ID: "2-0", Err: bus.ErrEntryDeleted}, OutputFormatDefault))
	assert.Contains(t, buf.String(), "unreadable entry")

	buf.Reset()
	require.NoError(t, FormatEntry(&buf, bus.Entry{ID: "2-0", Err: bus.ErrEntryDeleted}, OutputFormatJSON))
	assert.Contains(t, buf.String(), `"entry_id":"2-0"`)

	assert.Error(t, FormatEntry(&buf, bus.Entry{ID: "3-0", Event: e}, "yaml"))
}

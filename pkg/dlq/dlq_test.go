package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) (*Queue, *bus.Bus, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	b := bus.New(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { b.Close() })
	return New(b, 0), b, mr
}

func bindTenant(t *testing.T, id string) context.Context {
	t.Helper()
	tc, err := tenant.New(id, id)
	require.NoError(t, err)
	ctx, token := tenant.Bind(context.Background(), tc)
	t.Cleanup(func() { tenant.Unbind(token) })
	return ctx
}

func failedEvent(t *testing.T, tenantID string, retries int) *events.AgentEvent {
	t.Helper()
	e, err := events.NewAgentEvent(events.EventTypeTaskAssigned, tenantID, "planner",
		[]string{"intake", "planner"}, map[string]any{"task": "draft"})
	require.NoError(t, err)
	for i := 0; i < retries; i++ {
		e = e.ForRetryAfter(fmt.Sprintf("crm timeout #%d", i+1))
	}
	return e
}

func TestSend(t *testing.T) {
	q, _, mr := setupTestQueue(t)
	ctx := bindTenant(t, "acme")

	e := failedEvent(t, "acme", 3)
	id, err := q.Send(ctx, e, "handoffs", "crm timeout", 4)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, mr.Exists("acme:events:handoffs:dlq"))

	msg, err := q.Get(ctx, "handoffs", id)
	require.NoError(t, err)
	assert.Equal(t, "crm timeout", msg.Reason)
	assert.Equal(t, 4, msg.Attempts)
	assert.Equal(t, "handoffs", msg.Stream)
	assert.False(t, msg.FailedAt.IsZero())
	assert.Equal(t, e, msg.Event)
	assert.Empty(t, msg.ParseErr)
	assert.Equal(t, []string{"crm timeout #1", "crm timeout #2", "crm timeout #3", "crm timeout"}, msg.History)

	_, err = q.Send(context.Background(), e, "handoffs", "x", 1)
	assert.ErrorIs(t, err, tenant.ErrUnbound)
}

func TestSendRaw(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := bindTenant(t, "acme")

	id, err := q.SendRaw(ctx, map[string]any{"id": "garbage"}, "handoffs", "unparseable entry")
	require.NoError(t, err)

	msg, err := q.Get(ctx, "handoffs", id)
	require.NoError(t, err)
	assert.Nil(t, msg.Event)
	assert.NotEmpty(t, msg.ParseErr)
	assert.Equal(t, "garbage", msg.Fields["id"])
	assert.Equal(t, []string{"unparseable entry"}, msg.History)

	_, err = q.Replay(ctx, "handoffs", id)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	acme := bindTenant(t, "acme")
	globex := bindTenant(t, "globex")

	var ids []string
	for _, reason := range []string{"first", "second", "third"} {
		id, err := q.Send(acme, failedEvent(t, "acme", 3), "handoffs", reason, 4)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	t.Run("newest first", func(t *testing.T) {
		msgs, err := q.List(acme, "handoffs", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "third", msgs[0].Reason)
		assert.Equal(t, "first", msgs[2].Reason)
		assert.Equal(t, ids[2], msgs[0].EntryID)
	})

	t.Run("respects limit", func(t *testing.T) {
		msgs, err := q.List(acme, "handoffs", 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "second", msgs[1].Reason)
	})

	t.Run("other tenants see nothing", func(t *testing.T) {
		msgs, err := q.List(globex, "handoffs", 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		_, err = q.Get(globex, "handoffs", ids[0])
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("count", func(t *testing.T) {
		n, err := q.Count(acme, "handoffs")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})
}

func TestReplay(t *testing.T) {
	q, b, _ := setupTestQueue(t)
	ctx := bindTenant(t, "acme")
	require.NoError(t, b.EnsureConsumerGroup(ctx, "handoffs", "workers"))

	failed := failedEvent(t, "acme", 3)
	dlqID, err := q.Send(ctx, failed, "handoffs", "exhausted", 4)
	require.NoError(t, err)

	newID, err := q.Replay(ctx, "handoffs", dlqID)
	require.NoError(t, err)
	assert.NotEqual(t, dlqID, newID)

	entries, err := b.Read(ctx, "handoffs", "workers", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, newID, entry.ID)

	for field := range entry.Fields {
		assert.False(t, strings.HasPrefix(field, "_dlq"), "replayed entry carries %s", field)
		assert.NotEqual(t, events.FieldRetryCount, field)
		assert.NotEqual(t, events.FieldOriginalEventID, field)
		assert.NotEqual(t, events.FieldAttemptErrors, field)
	}

	require.NoError(t, entry.Err)
	assert.Zero(t, entry.Event.RetryCount)
	assert.Equal(t, failed.OriginalEventID, entry.Event.ID, "replay restores the original event identity")
	assert.Equal(t, failed.Data, entry.Event.Data)

	n, err := q.Count(ctx, "handoffs")
	require.NoError(t, err)
	assert.Zero(t, n, "replayed dead letters are removed")

	_, err = q.Replay(ctx, "handoffs", dlqID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDiscard(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := bindTenant(t, "acme")

	id, err := q.Send(ctx, failedEvent(t, "acme", 0), "handoffs", "no handler", 1)
	require.NoError(t, err)

	require.NoError(t, q.Discard(ctx, "handoffs", id))
	assert.ErrorIs(t, q.Discard(ctx, "handoffs", id), ErrNotFound)
}

//go:build integration

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/consumer"
	"github.com/dyluth/warren/pkg/dlq"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns its URL.
func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func integrationConfig(t *testing.T, redisURL string) *config.WarrenConfig {
	t.Helper()
	retries := 3
	cfg := &config.WarrenConfig{
		Version: "1.0",
		Redis:   config.RedisConfig{URL: redisURL},
		Retry:   config.RetryConfig{MaxRetries: &retries, BaseDelay: 10 * time.Millisecond, Factor: 2},
		Tenants: []config.TenantConfig{{ID: "acme", Streams: []string{"work"}}},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestIntegration_RetryBoundOnRealRedis(t *testing.T) {
	cfg := integrationConfig(t, setupRedis(t))

	b, err := NewBus(cfg)
	require.NoError(t, err)
	defer b.Close()

	p, err := NewProtocol(cfg.Handoff, zerolog.Nop())
	require.NoError(t, err)

	e, err := NewEngine(cfg, b, p, zerolog.Nop(), func(o *consumer.Options) {
		o.Block = 50 * time.Millisecond
	})
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, e.Registry().Register(events.EventTypeTaskCompleted, consumer.HandlerFunc(
		func(ctx context.Context, tc *tenant.Context, ev *events.AgentEvent) error {
			calls.Add(1)
			return errors.New("downstream unavailable")
		})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	tc, err := tenant.New("acme", "acme")
	require.NoError(t, err)
	tctx, token := tenant.Bind(context.Background(), tc)
	defer tenant.Unbind(token)

	ev, err := events.NewAgentEvent(events.EventTypeTaskCompleted, "acme", "planner", []string{"planner"}, nil)
	require.NoError(t, err)
	_, err = b.Publish(tctx, ev, "work")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := e.Queue().Count(tctx, "work")
		return err == nil && n == 1
	}, 10*time.Second, 20*time.Millisecond)

	// Nothing further is retried once the event is dead-lettered
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())

	msgs, err := e.Queue().List(tctx, "work", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, consumer.ReasonRetriesExhausted, msgs[0].Reason)
	assert.Equal(t, ev.ID, msgs[0].Event.OriginalEventID)

	pending, err := b.Pending(tctx, "work", "warren")
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestIntegration_StreamTrimming(t *testing.T) {
	cfg := integrationConfig(t, setupRedis(t))

	b, err := NewBus(cfg)
	require.NoError(t, err)
	defer b.Close()

	tc, err := tenant.New("acme", "acme")
	require.NoError(t, err)
	ctx, token := tenant.Bind(context.Background(), tc)
	defer tenant.Unbind(token)

	for i := 0; i < 2000; i++ {
		ev, err := events.NewAgentEvent(events.EventTypeAgentHealth, "acme", "planner", []string{"planner"},
			map[string]any{"seq": i})
		require.NoError(t, err)
		_, err = b.Publish(ctx, ev, "work")
		require.NoError(t, err)
	}

	n, err := b.Len(ctx, "work")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, cfg.Streams.MaxLen)
	assert.Less(t, n, int64(2000), "approximate trimming keeps the stream near its cap")

	entries, err := b.Range(ctx, "work", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Greater(t, entries[0].Event.Data["seq"], 0.0, "oldest entries were trimmed")
}

func TestIntegration_TrimmedRedeliveryIsDeadLettered(t *testing.T) {
	cfg := integrationConfig(t, setupRedis(t))
	cfg.Streams.MaxLen = 5

	b, err := NewBus(cfg)
	require.NoError(t, err)
	defer b.Close()

	tc, err := tenant.New("acme", "acme")
	require.NoError(t, err)
	ctx, token := tenant.Bind(context.Background(), tc)
	defer tenant.Unbind(token)

	var calls atomic.Int32
	registry := consumer.NewRegistry()
	require.NoError(t, registry.Register(events.EventTypeTaskCompleted, consumer.HandlerFunc(
		func(ctx context.Context, tc *tenant.Context, ev *events.AgentEvent) error {
			calls.Add(1)
			return errors.New("downstream unavailable")
		})))
	require.NoError(t, registry.Register(events.EventTypeAgentHealth, consumer.HandlerFunc(
		func(ctx context.Context, tc *tenant.Context, ev *events.AgentEvent) error { return nil })))

	q := dlq.New(b, 0)
	c, err := consumer.New(b, q, registry, tc, func(o *consumer.Options) {
		o.Stream = "work"
		o.Group = "warren"
		o.Consumer = "c1"
		o.Block = 0
		o.BaseDelay = time.Hour
	})
	require.NoError(t, err)
	require.NoError(t, b.EnsureConsumerGroup(ctx, "work", "warren"))

	ev, err := events.NewAgentEvent(events.EventTypeTaskCompleted, "acme", "planner", []string{"planner"}, nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, ev, "work")
	require.NoError(t, err)

	outcomes, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, consumer.StateRetryScheduled, outcomes[0].State)
	retryID := outcomes[0].NewEntryID

	outcomes, err = c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, consumer.StateDeferred, outcomes[0].State)

	// Approximate trimming drops whole nodes, so push well past one node
	for i := 0; i < 300; i++ {
		filler, err := events.NewAgentEvent(events.EventTypeAgentHealth, "acme", "watcher", []string{"watcher"}, nil)
		require.NoError(t, err)
		_, err = b.Publish(ctx, filler, "work")
		require.NoError(t, err)
	}
	left, err := b.RedisClient().XRange(ctx, "acme:events:work", retryID, retryID).Result()
	require.NoError(t, err)
	require.Empty(t, left, "redelivery was trimmed")

	outcomes, err = c.Poll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, outcomes)
	assert.Equal(t, retryID, outcomes[0].EntryID)
	assert.Equal(t, consumer.StateDeadLettered, outcomes[0].State)

	msgs, err := q.List(ctx, "work", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, consumer.ReasonTrimmed, msgs[0].Reason)
	assert.Equal(t, retryID, msgs[0].Fields[consumer.FieldTrimmedEntryID])
	assert.Equal(t, int32(1), calls.Load())
}

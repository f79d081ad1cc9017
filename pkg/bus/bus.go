// Package bus publishes and consumes AgentEvents on tenant-scoped Redis streams.
//
// Every operation derives its stream key from the tenant bound to the call's
// context (see package tenant). Keys are never cached, so a single pooled Redis
// connection can safely serve many tenants. Calls made without a bound tenant
// fail with tenant.ErrUnbound before any Redis command is issued.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxLen is the approximate number of entries kept per stream.
const DefaultMaxLen = 1000

var (
	// ErrTenantMismatch is returned when an event's tenant differs from the bound tenant.
	ErrTenantMismatch = errors.New("event tenant does not match bound tenant")

	// ErrEntryDeleted marks a pending entry whose payload was trimmed from the stream.
	ErrEntryDeleted = errors.New("stream entry no longer exists")
)

// Options configures a Bus.
type Options struct {
	MaxLen int64        // Approximate stream cap applied on every publish
	Tracer trace.Tracer // Defaults to the global OpenTelemetry tracer provider
}

// Bus provides tenant-scoped stream operations.
// The bus is thread-safe and can be shared by every consumer loop in the process.
type Bus struct {
	rdb    *redis.Client
	maxLen int64
	tracer trace.Tracer
}

// Entry is a single stream entry returned by Read, ReadPending or ReclaimAbandoned.
// Entries that cannot be decoded are still returned, with Err set, so the caller
// can dead-letter them instead of losing them.
type Entry struct {
	ID     string             // Redis stream entry id
	Event  *events.AgentEvent // Nil when Err is set
	Fields map[string]any     // Raw wire fields
	Err    error              // *events.ParseError or ErrEntryDeleted
}

// New creates a bus connected to Redis.
func New(redisOpts *redis.Options, optFns ...func(o *Options)) *Bus {
	return NewFromClient(redis.NewClient(redisOpts), optFns...)
}

// NewFromClient creates a bus on an existing Redis client.
func NewFromClient(rdb *redis.Client, optFns ...func(o *Options)) *Bus {
	opts := Options{
		MaxLen: DefaultMaxLen,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/dyluth/warren/pkg/bus")
	}

	return &Bus{
		rdb:    rdb,
		maxLen: opts.MaxLen,
		tracer: opts.Tracer,
	}
}

// Close closes the Redis connection. Implements io.Closer.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// RedisClient exposes the underlying client for packages that manage their own
// tenant-scoped keys (the dead letter queue).
func (b *Bus) RedisClient() *redis.Client {
	return b.rdb
}

// MaxLen returns the approximate per-stream cap.
func (b *Bus) MaxLen() int64 {
	return b.maxLen
}

// StreamKey resolves the Redis key of stream for the tenant bound to ctx.
func StreamKey(ctx context.Context, stream string) (*tenant.Context, string, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, "", err
	}
	if err := events.ValidateName("stream name", stream); err != nil {
		return nil, "", err
	}
	return tc, events.StreamKey(tc.ID, stream), nil
}

// Publish validates and appends an event to the tenant's stream, trimming the
// stream approximately to MaxLen. Returns the new entry id.
// An event without a tenant is stamped with the bound tenant; an event of any
// other tenant is rejected.
func (b *Bus) Publish(ctx context.Context, e *events.AgentEvent, stream string) (string, error) {
	tc, key, err := StreamKey(ctx, stream)
	if err != nil {
		return "", err
	}

	ctx, span := b.start(ctx, "bus.publish", tc, stream,
		attribute.String("warren.event.id", e.ID),
		attribute.String("warren.event.type", string(e.Type)),
		attribute.Int("warren.event.retry_count", e.RetryCount),
	)
	defer span.End()

	if e.TenantID == "" {
		stamped := *e
		stamped.TenantID = tc.ID
		e = &stamped
	}
	if e.TenantID != tc.ID {
		return "", b.fail(span, fmt.Errorf("%w: event=%s bound=%s", ErrTenantMismatch, e.TenantID, tc.ID))
	}

	if err := e.Validate(); err != nil {
		return "", b.fail(span, fmt.Errorf("invalid event: %w", err))
	}

	fields, err := events.ToWire(e)
	if err != nil {
		return "", b.fail(span, fmt.Errorf("failed to serialize event: %w", err))
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: b.maxLen > 0,
		Values: fields,
	}).Result()
	if err != nil {
		return "", b.fail(span, fmt.Errorf("failed to append event to stream: %w", err))
	}

	span.SetAttributes(attribute.String("warren.entry.id", id))
	return id, nil
}

// EnsureConsumerGroup creates group on the tenant's stream if it does not exist.
// New groups start from the beginning of the retained stream so that events
// published before the first consumer started are still delivered.
func (b *Bus) EnsureConsumerGroup(ctx context.Context, stream, group string) error {
	tc, key, err := StreamKey(ctx, stream)
	if err != nil {
		return err
	}
	if err := events.ValidateName("consumer group", group); err != nil {
		return err
	}

	ctx, span := b.start(ctx, "bus.ensure_group", tc, stream, attribute.String("warren.group", group))
	defer span.End()

	err = b.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return b.fail(span, fmt.Errorf("failed to create consumer group: %w", err))
	}

	return nil
}

// Read claims up to count new entries for consumer within group, blocking up to
// block when none are available. A block of zero or less does not block.
// Returns an empty slice (not an error) when nothing arrived.
func (b *Bus) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	return b.readGroup(ctx, "bus.read", stream, group, consumer, ">", count, block)
}

// ReadPending re-reads entries already delivered to consumer but not yet
// acknowledged, starting after the given entry id ("0" for the beginning).
// It never blocks.
func (b *Bus) ReadPending(ctx context.Context, stream, group, consumer, after string, count int64) ([]Entry, error) {
	if after == "" {
		after = "0"
	}
	return b.readGroup(ctx, "bus.read_pending", stream, group, consumer, after, count, 0)
}

func (b *Bus) readGroup(ctx context.Context, op, stream, group, consumer, id string, count int64, block time.Duration) ([]Entry, error) {
	tc, key, err := StreamKey(ctx, stream)
	if err != nil {
		return nil, err
	}

	ctx, span := b.start(ctx, op, tc, stream,
		attribute.String("warren.group", group),
		attribute.String("warren.consumer", consumer),
	)
	defer span.End()

	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, id},
		Count:    count,
		Block:    block,
	}
	if block <= 0 {
		args.Block = -1
	}

	res, err := b.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Entry{}, nil
		}
		return nil, b.fail(span, fmt.Errorf("failed to read from consumer group: %w", err))
	}

	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}

	span.SetAttributes(attribute.Int("warren.entries", len(entries)))
	return entries, nil
}

// Tail reads up to count entries appended after the given entry id without
// joining a consumer group, so nothing is claimed or acknowledged. "$" means
// only entries appended after the call. A block of zero or less does not block.
func (b *Bus) Tail(ctx context.Context, stream, after string, count int64, block time.Duration) ([]Entry, error) {
	tc, key, err := StreamKey(ctx, stream)
	if err != nil {
		return nil, err
	}
	if after == "" {
		after = "$"
	}

	ctx, span := b.start(ctx, "bus.tail", tc, stream)
	defer span.End()

	args := &redis.XReadArgs{
		Streams: []string{key, after},
		Count:   count,
		Block:   block,
	}
	if block <= 0 {
		args.Block = -1
	}

	res, err := b.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Entry{}, nil
		}
		return nil, b.fail(span, fmt.Errorf("failed to tail stream: %w", err))
	}

	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

// Ack marks entries as processed, removing them from the group's pending list.
// Acknowledging an already acknowledged entry is a no-op.
func (b *Bus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	tc, key, err := StreamKey(ctx, stream)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	ctx, span := b.start(ctx, "bus.ack", tc, stream, attribute.String("warren.group", group))
	defer span.End()

	if err := b.rdb.XAck(ctx, key, group, ids...).Err(); err != nil {
		return b.fail(span, fmt.Errorf("failed to acknowledge entries: %w", err))
	}

	return nil
}

// ReclaimAbandoned transfers entries that have been pending for at least minIdle
// to consumer and returns them. Claiming resets the idle time, so an entry is
// handed out once per abandonment.
func (b *Bus) ReclaimAbandoned(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	tc, key, err := StreamKey(ctx, stream)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}

	ctx, span := b.start(ctx, "bus.reclaim", tc, stream,
		attribute.String("warren.group", group),
		attribute.String("warren.consumer", consumer),
		attribute.Int64("warren.min_idle_ms", minIdle.Milliseconds()),
	)
	defer span.End()

	var entries []Entry
	start := "0-0"
	for int64(len(entries)) < count {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count - int64(len(entries)),
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return nil, b.fail(span, fmt.Errorf("failed to reclaim pending entries: %w", err))
		}

		entries = append(entries, toEntries(msgs)...)

		if next == "" || next == "0-0" {
			break
		}
		start = next
	}

	span.SetAttributes(attribute.Int("warren.entries", len(entries)))
	return entries, nil
}

// Len returns the number of entries currently retained in the stream.
func (b *Bus) Len(ctx context.Context, stream string) (int64, error) {
	_, key, err := StreamKey(ctx, stream)
	if err != nil {
		return 0, err
	}
	n, err := b.rdb.XLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

// Range returns up to count entries oldest-first. count <= 0 returns all.
func (b *Bus) Range(ctx context.Context, stream string, count int64) ([]Entry, error) {
	_, key, err := StreamKey(ctx, stream)
	if err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	if count > 0 {
		msgs, err = b.rdb.XRangeN(ctx, key, "-", "+", count).Result()
	} else {
		msgs, err = b.rdb.XRange(ctx, key, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to range stream: %w", err)
	}

	return toEntries(msgs), nil
}

// Pending returns the pending-entries summary of group.
func (b *Bus) Pending(ctx context.Context, stream, group string) (*redis.XPending, error) {
	_, key, err := StreamKey(ctx, stream)
	if err != nil {
		return nil, err
	}
	p, err := b.rdb.XPending(ctx, key, group).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending summary: %w", err)
	}
	return p, nil
}

// Groups returns the consumer groups registered on the stream.
func (b *Bus) Groups(ctx context.Context, stream string) ([]redis.XInfoGroup, error) {
	_, key, err := StreamKey(ctx, stream)
	if err != nil {
		return nil, err
	}
	groups, err := b.rdb.XInfoGroups(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read consumer groups: %w", err)
	}
	return groups, nil
}

// EntryTime returns the append time encoded in a stream entry id.
func EntryTime(id string) (time.Time, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid stream entry id: %q", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream entry id %q: %w", id, err)
	}
	return time.UnixMilli(n).UTC(), nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry := Entry{ID: msg.ID, Fields: msg.Values}
		if len(msg.Values) == 0 {
			entry.Err = ErrEntryDeleted
		} else {
			entry.Event, entry.Err = events.FromWire(msg.Values)
		}
		entries = append(entries, entry)
	}
	return entries
}

func (b *Bus) start(ctx context.Context, name string, tc *tenant.Context, stream string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("warren.tenant.id", tc.ID),
		attribute.String("warren.stream", stream),
	)
	return b.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (b *Bus) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

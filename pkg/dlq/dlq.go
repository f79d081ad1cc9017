// Package dlq stores events whose retry budget is exhausted and lets operators
// review, replay or discard them.
//
// Each tenant stream has its own dead letter partition at
// {tenant_id}:events:{stream}:dlq. Entries hold the full wire form of the failed
// event plus failure metadata, so a reviewer sees exactly what the handler saw.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxLen is the approximate number of dead letters kept per stream.
const DefaultMaxLen = 10000

// ErrNotFound is returned when a dead letter entry does not exist.
var ErrNotFound = errors.New("dead letter entry not found")

// Message is a dead-lettered event with its failure metadata.
type Message struct {
	EntryID  string             `json:"entry_id"` // Id within the dead letter stream
	Stream   string             `json:"stream"`   // Original stream name
	Reason   string             `json:"reason"`
	Attempts int                `json:"attempts"` // Total deliveries, including the first
	History  []string           `json:"history"`  // Failure of every delivery, oldest first; the last is Reason
	FailedAt time.Time          `json:"failed_at"`
	Event    *events.AgentEvent `json:"event,omitempty"` // Nil when the stored fields could not be decoded
	Fields   map[string]string  `json:"fields"`          // Raw stored fields
	ParseErr string             `json:"parse_error,omitempty"`
}

// Queue is the dead letter facility. It shares the bus's Redis connection.
type Queue struct {
	bus    *bus.Bus
	rdb    *redis.Client
	maxLen int64
}

// New creates a dead letter queue on top of b.
// maxLen <= 0 uses DefaultMaxLen.
func New(b *bus.Bus, maxLen int64) *Queue {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Queue{
		bus:    b,
		rdb:    b.RedisClient(),
		maxLen: maxLen,
	}
}

// Key resolves the dead letter key of stream for the tenant bound to ctx.
func Key(ctx context.Context, stream string) (string, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return "", err
	}
	if err := events.ValidateName("stream name", stream); err != nil {
		return "", err
	}
	return events.DLQKey(tc.ID, stream), nil
}

// Send writes a failed event to the stream's dead letter partition.
// attempts is the total number of deliveries the event received. The event's
// attempt errors followed by reason are stored as the failure history.
func (q *Queue) Send(ctx context.Context, e *events.AgentEvent, stream, reason string, attempts int) (string, error) {
	key, err := Key(ctx, stream)
	if err != nil {
		return "", err
	}

	fields, err := events.ToWire(e)
	if err != nil {
		return "", fmt.Errorf("failed to serialize dead letter: %w", err)
	}
	history := append(append([]string{}, e.AttemptErrors...), reason)
	return q.append(ctx, key, fields, stream, reason, attempts, history)
}

// SendRaw dead-letters stream fields that could not be decoded into an event.
// The fields are stored verbatim so nothing is lost.
func (q *Queue) SendRaw(ctx context.Context, fields map[string]any, stream, reason string) (string, error) {
	key, err := Key(ctx, stream)
	if err != nil {
		return "", err
	}

	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return q.append(ctx, key, copied, stream, reason, 1, []string{reason})
}

func (q *Queue) append(ctx context.Context, key string, fields map[string]any, stream, reason string, attempts int, history []string) (string, error) {
	rawHistory, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("failed to serialize failure history: %w", err)
	}

	fields[events.FieldDLQReason] = reason
	fields[events.FieldDLQHistory] = string(rawHistory)
	fields[events.FieldDLQAttempts] = strconv.Itoa(attempts)
	fields[events.FieldDLQFailedAt] = events.Now().Format(events.TimeLayout)
	fields[events.FieldDLQStream] = stream

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: q.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to write dead letter: %w", err)
	}
	return id, nil
}

// List returns up to limit dead letters for stream, newest first.
// limit <= 0 returns all.
func (q *Queue) List(ctx context.Context, stream string, limit int64) ([]*Message, error) {
	key, err := Key(ctx, stream)
	if err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	if limit > 0 {
		msgs, err = q.rdb.XRevRangeN(ctx, key, "+", "-", limit).Result()
	} else {
		msgs, err = q.rdb.XRevRange(ctx, key, "+", "-").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toMessage(stream, msg))
	}
	return out, nil
}

// Get returns a single dead letter.
func (q *Queue) Get(ctx context.Context, stream, entryID string) (*Message, error) {
	key, err := Key(ctx, stream)
	if err != nil {
		return nil, err
	}

	msgs, err := q.rdb.XRangeN(ctx, key, entryID, entryID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	return toMessage(stream, msgs[0]), nil
}

// Count returns the number of dead letters retained for stream.
func (q *Queue) Count(ctx context.Context, stream string) (int64, error) {
	key, err := Key(ctx, stream)
	if err != nil {
		return 0, err
	}
	n, err := q.rdb.XLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// Replay strips all dead letter and retry metadata from the stored event and
// publishes it to the original stream as a fresh entry. The event regains its
// original id, so the retry budget starts over. The dead letter is removed once
// the replay is published. Returns the new stream entry id.
func (q *Queue) Replay(ctx context.Context, stream, entryID string) (string, error) {
	msg, err := q.Get(ctx, stream, entryID)
	if err != nil {
		return "", err
	}
	if msg.Event == nil {
		return "", fmt.Errorf("dead letter %s cannot be replayed: %s", entryID, msg.ParseErr)
	}

	newID, err := q.bus.Publish(ctx, msg.Event.Fresh(), stream)
	if err != nil {
		return "", fmt.Errorf("failed to replay dead letter %s: %w", entryID, err)
	}

	if err := q.Discard(ctx, stream, entryID); err != nil {
		return newID, fmt.Errorf("replayed as %s but failed to remove dead letter: %w", newID, err)
	}

	return newID, nil
}

// Discard permanently removes a dead letter.
func (q *Queue) Discard(ctx context.Context, stream, entryID string) error {
	key, err := Key(ctx, stream)
	if err != nil {
		return err
	}
	n, err := q.rdb.XDel(ctx, key, entryID).Result()
	if err != nil {
		return fmt.Errorf("failed to discard dead letter: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	return nil
}

func toMessage(stream string, msg redis.XMessage) *Message {
	fields := events.FieldsToStrings(msg.Values)

	m := &Message{
		EntryID: msg.ID,
		Stream:  stream,
		Reason:  fields[events.FieldDLQReason],
		Fields:  fields,
	}
	if s := fields[events.FieldDLQStream]; s != "" {
		m.Stream = s
	}
	m.Attempts, _ = strconv.Atoi(fields[events.FieldDLQAttempts])
	m.FailedAt, _ = time.Parse(events.TimeLayout, fields[events.FieldDLQFailedAt])
	if err := json.Unmarshal([]byte(fields[events.FieldDLQHistory]), &m.History); err != nil && m.Reason != "" {
		m.History = []string{m.Reason}
	}

	e, err := events.FromWire(msg.Values)
	if err != nil {
		m.ParseErr = err.Error()
	} else {
		m.Event = e
	}

	return m
}

// Package consumer runs the per (tenant, stream, group) processing loop.
//
// Each claimed entry moves through claimed → processing → one of acked,
// retry_scheduled or dead_lettered. A failing event is republished as a new
// entry carrying an incremented retry count, and the original is
// acknowledged. Once the retry budget is spent the event goes to the dead
// letter queue instead, so nothing is retried forever and nothing is lost.
//
// Backoff is enforced without sleeping: a redelivery whose delay has not yet
// elapsed (measured from its stream entry id) stays in this consumer's pending
// list and is picked up by a later pass.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/dlq"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for Options.
const (
	DefaultBatchSize  = 10
	DefaultBlock      = 2 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultFactor     = 4.0

	maxRetryDelay = time.Hour
	errorPause    = time.Second
	idlePause     = 100 * time.Millisecond
)

// Dead letter reasons written by the consumer.
const (
	ReasonNoHandler        = "no_handler"
	ReasonParseError       = "parse_error"
	ReasonStructural       = "structural_violation"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonTenantMismatch   = "tenant_mismatch"
	ReasonTrimmed          = "trimmed_before_processing"
)

// Tombstone fields of a dead letter written for an entry trimmed while pending.
const (
	FieldTrimmedEntryID = "trimmed_entry_id"
	FieldTrimmedStream  = "trimmed_stream"
)

// State is the processing state of a claimed entry.
type State string

const (
	StateClaimed        State = "claimed"
	StateProcessing     State = "processing"
	StateAcked          State = "acked"
	StateRetryScheduled State = "retry_scheduled"
	StateDeadLettered   State = "dead_lettered"

	// StateDeferred is a redelivery whose backoff has not elapsed.
	// It stays claimed and pending.
	StateDeferred State = "deferred"
)

// Outcome reports what happened to one entry.
type Outcome struct {
	EntryID    string
	EventID    string // Empty when the entry could not be decoded
	State      State
	Attempt    int    // 1 for the first delivery
	NewEntryID string // Retry entry or dead letter id
	Err        error  // Handler failure, if any
}

// Options configures a Consumer.
type Options struct {
	Stream         string
	Group          string
	Consumer       string // Defaults to hostname-pid
	BatchSize      int64
	Block          time.Duration // How long Read waits for new entries; <= 0 does not block
	MaxRetries     int
	BaseDelay      time.Duration
	Factor         float64
	HandlerTimeout time.Duration // Zero means no deadline
	Logger         zerolog.Logger
	Tracer         trace.Tracer
}

// Consumer processes one tenant stream as one member of a consumer group.
// A Consumer is a single loop and must not be polled concurrently.
type Consumer struct {
	bus      *bus.Bus
	dlq      *dlq.Queue
	registry *Registry
	tenant   *tenant.Context
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a consumer for tc. Stream and Group are required.
func New(b *bus.Bus, q *dlq.Queue, registry *Registry, tc *tenant.Context, optFns ...func(o *Options)) (*Consumer, error) {
	opts := Options{
		BatchSize:  DefaultBatchSize,
		Block:      DefaultBlock,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Factor:     DefaultFactor,
		Logger:     zerolog.Nop(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if tc == nil {
		return nil, tenant.ErrUnbound
	}
	if err := events.ValidateName("stream name", opts.Stream); err != nil {
		return nil, err
	}
	if err := events.ValidateName("consumer group", opts.Group); err != nil {
		return nil, err
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "warren"
		}
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative: %d", opts.MaxRetries)
	}
	if opts.BaseDelay < 0 || opts.Factor < 1 {
		return nil, fmt.Errorf("invalid backoff: base=%s factor=%v", opts.BaseDelay, opts.Factor)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/dyluth/warren/internal/consumer")
	}

	return &Consumer{
		bus:      b,
		dlq:      q,
		registry: registry,
		tenant:   tc,
		opts:     opts,
		log: opts.Logger.With().
			Str("component", "consumer").
			Str("tenant", tc.ID).
			Str("stream", opts.Stream).
			Str("group", opts.Group).
			Str("consumer", opts.Consumer).
			Logger(),
		now: time.Now,
	}, nil
}

// Name returns the consumer's name within its group.
func (c *Consumer) Name() string {
	return c.opts.Consumer
}

// Tenant returns the tenant this consumer serves.
func (c *Consumer) Tenant() *tenant.Context {
	return c.tenant
}

// Options returns the effective options.
func (c *Consumer) Options() Options {
	return c.opts
}

// RetryDelay returns the backoff before redelivery number attempt (1-based):
// BaseDelay * Factor^(attempt-1).
func (c *Consumer) RetryDelay(attempt int) time.Duration {
	if attempt <= 0 || c.opts.BaseDelay == 0 {
		return 0
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          c.opts.Factor,
		MaxInterval:         maxRetryDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Run ensures the consumer group exists and polls until ctx is cancelled.
// Poll errors are logged and the loop continues after a short pause.
func (c *Consumer) Run(ctx context.Context) error {
	err := tenant.Run(ctx, c.tenant, func(ctx context.Context) error {
		return c.bus.EnsureConsumerGroup(ctx, c.opts.Stream, c.opts.Group)
	})
	if err != nil {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	c.log.Info().Msg("Consumer started")
	defer c.log.Info().Msg("Consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		outcomes, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("Poll failed")
			if !sleep(ctx, errorPause) {
				return nil
			}
			continue
		}

		// A non-blocking read would otherwise spin on an idle stream.
		if len(outcomes) == 0 && c.opts.Block <= 0 {
			if !sleep(ctx, idlePause) {
				return nil
			}
		}
	}
}

// Poll runs one pass: redeliveries in this consumer's pending list whose
// backoff has elapsed, then up to BatchSize new entries. Every entry is
// processed to completion before the next.
func (c *Consumer) Poll(ctx context.Context) ([]Outcome, error) {
	var outcomes []Outcome

	err := tenant.Run(ctx, c.tenant, func(ctx context.Context) error {
		pending, err := c.pendingPass(ctx)
		outcomes = append(outcomes, pending...)
		if err != nil {
			return err
		}

		entries, err := c.bus.Read(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, c.opts.BatchSize, c.opts.Block)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			out, err := c.process(ctx, entry)
			outcomes = append(outcomes, out)
			if err != nil {
				return err
			}
		}
		return nil
	})

	return outcomes, err
}

// pendingPass walks this consumer's pending list once.
func (c *Consumer) pendingPass(ctx context.Context) ([]Outcome, error) {
	var outcomes []Outcome

	after := "0"
	for {
		entries, err := c.bus.ReadPending(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, after, c.opts.BatchSize)
		if err != nil {
			return outcomes, err
		}
		if len(entries) == 0 {
			return outcomes, nil
		}

		for _, entry := range entries {
			out, err := c.process(ctx, entry)
			if out.State != StateDeferred {
				outcomes = append(outcomes, out)
			}
			if err != nil {
				return outcomes, err
			}
		}

		after = entries[len(entries)-1].ID
		if int64(len(entries)) < c.opts.BatchSize {
			return outcomes, nil
		}
	}
}

// process drives one claimed entry to a final or deferred state. ctx must be
// bound to the consumer's tenant. A returned error means the entry was left
// pending and will be seen again.
func (c *Consumer) process(ctx context.Context, entry bus.Entry) (Outcome, error) {
	out := Outcome{EntryID: entry.ID, State: StateClaimed, Attempt: 1}

	if entry.Err != nil {
		return c.processUndecodable(ctx, entry, out)
	}

	e := entry.Event
	out.EventID = e.ID
	out.Attempt = e.RetryCount + 1

	log := c.log.With().
		Str("entry_id", entry.ID).
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Int("retry_count", e.RetryCount).
		Logger()

	if e.TenantID != c.tenant.ID {
		log.Error().Str("event_tenant", e.TenantID).Msg("Event in stream belongs to another tenant")
		return c.deadLetter(ctx, e, entry.ID, ReasonTenantMismatch, out, log)
	}

	if due, ok := c.due(entry.ID, e.RetryCount); !ok {
		out.State = StateDeferred
		log.Debug().Time("due", due).Msg("Redelivery not due yet")
		return out, nil
	}

	handler, err := c.registry.Lookup(e.Type)
	if err != nil {
		log.Warn().Msg("No handler registered, dead-lettering")
		return c.deadLetter(ctx, e, entry.ID, ReasonNoHandler, out, log)
	}

	out.State = StateProcessing
	ctx, span := c.opts.Tracer.Start(ctx, "consumer.process", trace.WithAttributes(
		attribute.String("warren.tenant.id", c.tenant.ID),
		attribute.String("warren.stream", c.opts.Stream),
		attribute.String("warren.event.id", e.ID),
		attribute.String("warren.event.type", string(e.Type)),
		attribute.Int("warren.event.retry_count", e.RetryCount),
	))
	defer span.End()

	herr := c.invoke(ctx, handler, e)
	if herr == nil {
		if err := c.bus.Ack(ctx, c.opts.Stream, c.opts.Group, entry.ID); err != nil {
			return out, fmt.Errorf("failed to acknowledge %s: %w", entry.ID, err)
		}
		out.State = StateAcked
		log.Info().Str("outcome", string(StateAcked)).Msg("Event processed")
		return out, nil
	}

	out.Err = herr
	span.RecordError(herr)
	span.SetStatus(codes.Error, herr.Error())

	if errors.Is(herr, events.ErrStructural) {
		log.Warn().Err(herr).Msg("Handler reported a structural violation, dead-lettering")
		return c.deadLetter(ctx, e, entry.ID, ReasonStructural+": "+herr.Error(), out, log)
	}

	failure := &events.TransientHandlerFailure{EventID: e.ID, Attempt: e.RetryCount, Err: herr}

	if e.RetryCount >= c.opts.MaxRetries {
		terminal := &events.TerminalFailure{
			EventID:  e.OriginalID(),
			Attempts: out.Attempt,
			Reason:   ReasonRetriesExhausted + ": " + herr.Error(),
			Err:      failure,
		}
		out.Err = terminal
		log.Warn().Err(herr).Msg("Retry budget exhausted, dead-lettering")
		return c.deadLetter(ctx, e, entry.ID, terminal.Reason, out, log)
	}

	retry := e.ForRetryAfter(herr.Error())
	newID, err := c.bus.Publish(ctx, retry, c.opts.Stream)
	if err != nil {
		return out, fmt.Errorf("failed to republish %s for retry: %w", e.ID, err)
	}
	if err := c.bus.Ack(ctx, c.opts.Stream, c.opts.Group, entry.ID); err != nil {
		return out, fmt.Errorf("failed to acknowledge %s after retry: %w", entry.ID, err)
	}

	out.State = StateRetryScheduled
	out.NewEntryID = newID
	out.Err = failure
	log.Warn().
		Err(herr).
		Str("outcome", string(StateRetryScheduled)).
		Str("retry_entry_id", newID).
		Dur("delay", c.RetryDelay(retry.RetryCount)).
		Msg("Handler failed, retry scheduled")
	return out, nil
}

// processUndecodable handles entries whose payload could not be turned into an event.
func (c *Consumer) processUndecodable(ctx context.Context, entry bus.Entry, out Outcome) (Outcome, error) {
	log := c.log.With().Str("entry_id", entry.ID).Logger()

	if errors.Is(entry.Err, bus.ErrEntryDeleted) {
		// Trimmed before it was acknowledged; only the id is left, so the
		// dead letter records where the event was lost.
		tombstone := map[string]any{
			FieldTrimmedEntryID: entry.ID,
			FieldTrimmedStream:  c.opts.Stream,
		}
		id, err := c.dlq.SendRaw(ctx, tombstone, c.opts.Stream, ReasonTrimmed)
		if err != nil {
			return out, fmt.Errorf("failed to dead-letter trimmed entry %s: %w", entry.ID, err)
		}
		if err := c.bus.Ack(ctx, c.opts.Stream, c.opts.Group, entry.ID); err != nil {
			return out, fmt.Errorf("failed to acknowledge %s: %w", entry.ID, err)
		}
		out.State = StateDeadLettered
		out.NewEntryID = id
		out.Err = entry.Err
		log.Error().Str("outcome", string(StateDeadLettered)).Str("dlq_entry_id", id).
			Msg("Pending entry was trimmed from the stream before processing")
		return out, nil
	}

	out.Err = entry.Err
	id, err := c.dlq.SendRaw(ctx, entry.Fields, c.opts.Stream, ReasonParseError+": "+entry.Err.Error())
	if err != nil {
		return out, fmt.Errorf("failed to dead-letter %s: %w", entry.ID, err)
	}
	if err := c.bus.Ack(ctx, c.opts.Stream, c.opts.Group, entry.ID); err != nil {
		return out, fmt.Errorf("failed to acknowledge %s: %w", entry.ID, err)
	}

	out.State = StateDeadLettered
	out.NewEntryID = id
	log.Error().Err(entry.Err).Str("outcome", string(StateDeadLettered)).Msg("Malformed entry dead-lettered")
	return out, nil
}

func (c *Consumer) deadLetter(ctx context.Context, e *events.AgentEvent, entryID, reason string, out Outcome, log zerolog.Logger) (Outcome, error) {
	id, err := c.dlq.Send(ctx, e, c.opts.Stream, reason, out.Attempt)
	if err != nil {
		return out, fmt.Errorf("failed to dead-letter %s: %w", e.ID, err)
	}
	if err := c.bus.Ack(ctx, c.opts.Stream, c.opts.Group, entryID); err != nil {
		return out, fmt.Errorf("failed to acknowledge %s: %w", entryID, err)
	}

	out.State = StateDeadLettered
	out.NewEntryID = id
	log.Info().Str("outcome", string(StateDeadLettered)).Str("reason", reason).Str("dlq_entry_id", id).Msg("Event dead-lettered")
	return out, nil
}

// due reports whether a redelivery's backoff has elapsed.
func (c *Consumer) due(entryID string, retryCount int) (time.Time, bool) {
	if retryCount == 0 {
		return time.Time{}, true
	}
	appended, err := bus.EntryTime(entryID)
	if err != nil {
		return time.Time{}, true
	}
	due := appended.Add(c.RetryDelay(retryCount))
	return due, !c.now().Before(due)
}

// invoke runs the handler with the tenant, deadline and panic recovery applied.
func (c *Consumer) invoke(ctx context.Context, h Handler, e *events.AgentEvent) (err error) {
	if c.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	err = h.Handle(ctx, c.tenant, e)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handler exceeded %s deadline: %w", c.opts.HandlerTimeout, err)
	}
	return err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package orchestrator

import (
	"fmt"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/handoff"
	"github.com/dyluth/warren/pkg/handoff/judge"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewBus connects a bus to the configured Redis with the configured stream cap.
func NewBus(cfg *config.WarrenConfig) (*bus.Bus, error) {
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	return bus.New(redisOpts, func(o *bus.Options) {
		o.MaxLen = cfg.Streams.MaxLen
	}), nil
}

// NewProtocol builds the handoff protocol from configuration: per-type
// strictness, data body schemas and the semantic checker.
func NewProtocol(cfg config.HandoffConfig, logger zerolog.Logger) (*handoff.Protocol, error) {
	strictness, err := handoff.ParseStrictness(cfg.Strictness)
	if err != nil {
		return nil, err
	}

	schemas, err := handoff.LoadSchemas(cfg.Schemas)
	if err != nil {
		return nil, err
	}

	checker, err := NewChecker(cfg)
	if err != nil {
		return nil, err
	}

	return &handoff.Protocol{
		Strictness:   strictness,
		Checker:      checker,
		Schemas:      schemas,
		CheckTimeout: cfg.CheckTimeout,
		Logger:       logger.With().Str("component", "handoff").Logger(),
	}, nil
}

// NewChecker returns the configured semantic checker, or nil for "none".
// API keys come from the provider's usual environment variable.
func NewChecker(cfg config.HandoffConfig) (handoff.Checker, error) {
	switch cfg.Checker {
	case "", config.CheckerNone:
		return nil, nil
	case config.CheckerAnthropic:
		return judge.NewAnthropicChecker(func(o *judge.AnthropicOptions) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	case config.CheckerOpenAI:
		return judge.NewOpenAIChecker(func(o *judge.OpenAIOptions) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown handoff checker: %s", cfg.Checker)
	}
}

// Package handoff decides whether a HandoffPayload may proceed to its target.
//
// Validation has two stages. The structural stage always runs and fails
// closed: a payload that breaks its invariants is rejected synchronously and
// the semantic checker is never consulted. The semantic stage runs only when
// the handoff type's strictness asks for it, and fails open: when the checker
// errors, times out or is not configured, the payload passes tagged with
// ReasonSemanticUnavailable.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/events"
	"github.com/rs/zerolog"
)

// DefaultCheckTimeout bounds a single semantic check.
const DefaultCheckTimeout = 10 * time.Second

// ReasonSemanticUnavailable tags payloads that passed without a semantic verdict.
const ReasonSemanticUnavailable = "semantic_validation_unavailable"

// Stage names a validation stage.
type Stage string

const (
	StageStructural Stage = "structural"
	StageSemantic   Stage = "semantic"
)

// Verdict is a semantic checker's judgement of a payload.
type Verdict struct {
	Plausible bool     `json:"plausible"`
	Reasons   []string `json:"reasons"`
}

// Checker judges whether a structurally valid payload is plausible.
// Implementations are typically model-backed and may be slow or unavailable.
type Checker interface {
	Check(ctx context.Context, payload *events.HandoffPayload) (Verdict, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, payload *events.HandoffPayload) (Verdict, error)

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, payload *events.HandoffPayload) (Verdict, error) {
	return f(ctx, payload)
}

// Rejection is returned when a payload fails a stage. It matches
// events.ErrValidationRejected with errors.Is.
type Rejection struct {
	Stage   Stage
	Reasons []string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("handoff rejected at %s stage: %s", r.Stage, strings.Join(r.Reasons, "; "))
}

// Is matches events.ErrValidationRejected.
func (r *Rejection) Is(target error) bool {
	return target == events.ErrValidationRejected
}

// Result describes an accepted payload.
type Result struct {
	Payload *events.HandoffPayload
	Passed  bool
	Stages  []Stage  // Stages that ran
	Reasons []string // Annotations, e.g. ReasonSemanticUnavailable
}

// Protocol validates handoffs. The zero value validates structurally and
// treats every type as semantic with no checker.
type Protocol struct {
	Strictness   StrictnessConfig
	Checker      Checker // Optional
	Schemas      Schemas // Optional per-type data body schemas
	CheckTimeout time.Duration
	Logger       zerolog.Logger
}

// ValidateOrReject returns the accepted payload, or a *Rejection carrying every
// violated invariant or the checker's stated reasons.
func (p *Protocol) ValidateOrReject(ctx context.Context, payload *events.HandoffPayload) (*Result, error) {
	if payload == nil {
		return nil, &Rejection{Stage: StageStructural, Reasons: []string{events.InvariantRequiredField + ": payload is nil"}}
	}

	result := &Result{Payload: payload, Stages: []Stage{StageStructural}}

	if reasons := p.structural(payload); len(reasons) > 0 {
		return nil, &Rejection{Stage: StageStructural, Reasons: reasons}
	}

	if p.Strictness.DepthFor(payload.HandoffType) != DepthSemantic {
		result.Passed = true
		return result, nil
	}

	result.Stages = append(result.Stages, StageSemantic)

	if p.Checker == nil {
		result.Passed = true
		result.Reasons = append(result.Reasons, ReasonSemanticUnavailable)
		return result, nil
	}

	verdict, err := p.check(ctx, payload)
	if err != nil {
		p.Logger.Warn().
			Err(err).
			Str("handoff_type", payload.HandoffType).
			Str("source", payload.SourceAgentID).
			Str("target", payload.TargetAgentID).
			Msg("Semantic checker unavailable, passing handoff")
		result.Passed = true
		result.Reasons = append(result.Reasons, ReasonSemanticUnavailable)
		return result, nil
	}

	if !verdict.Plausible {
		reasons := verdict.Reasons
		if len(reasons) == 0 {
			reasons = []string{"semantic checker judged the payload implausible"}
		}
		return nil, &Rejection{Stage: StageSemantic, Reasons: reasons}
	}

	result.Passed = true
	return result, nil
}

func (p *Protocol) structural(payload *events.HandoffPayload) []string {
	var reasons []string
	for _, v := range payload.Violations() {
		reasons = append(reasons, v.Invariant+": "+v.Detail)
	}
	if len(reasons) > 0 {
		return reasons
	}

	if err := p.Schemas.validate(payload.HandoffType, payload.Data); err != nil {
		reasons = append(reasons, events.InvariantDataSchema+": "+err.Error())
	}
	return reasons
}

// check runs the checker under CheckTimeout. A panicking checker counts as unavailable.
func (p *Protocol) check(ctx context.Context, payload *events.HandoffPayload) (verdict Verdict, err error) {
	timeout := p.CheckTimeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		verdict Verdict
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("checker panicked: %v", r)}
			}
		}()
		v, err := p.Checker.Check(ctx, payload)
		done <- outcome{verdict: v, err: err}
	}()

	select {
	case o := <-done:
		return o.verdict, o.err
	case <-ctx.Done():
		return Verdict{}, fmt.Errorf("semantic check abandoned: %w", ctx.Err())
	}
}

// IsRejection reports whether err is a handoff rejection and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

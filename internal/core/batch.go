package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// BatchResult aggregates one evaluation pass over a subject's flags.
// Values holds the variant key or boolean per flag key; flags that failed to
// evaluate are omitted and HadError is set instead.
type BatchResult struct {
	Values   map[string]any
	Reasons  map[string]EvaluationReason
	Payloads map[string]json.RawMessage
	HadError bool

	// Errors records the per-flag failure that caused an omission, for
	// logging. Not part of the caller-visible contract.
	Errors map[string]error
}

// EvaluateAll evaluates every flag in the batch, isolating per-flag
// failures: one broken flag never prevents its siblings from resolving.
func (m *Matcher) EvaluateAll(ctx context.Context) BatchResult {
	result := BatchResult{
		Values:   make(map[string]any, len(m.flags)),
		Reasons:  make(map[string]EvaluationReason, len(m.flags)),
		Payloads: make(map[string]json.RawMessage),
		Errors:   make(map[string]error),
	}

	for _, flag := range m.flags {
		if m.skipDatabase && flagNeedsDatabase(flag) {
			result.HadError = true
			result.Errors[flag.Key] = ErrDatabaseSkipped
			continue
		}

		match, err := m.evaluateFlag(ctx, flag)
		if err != nil {
			result.HadError = true
			result.Errors[flag.Key] = err
			continue
		}

		result.Values[flag.Key] = match.Value()
		result.Reasons[flag.Key] = EvaluationReason{
			Reason:         match.Reason,
			ConditionIndex: match.ConditionIndex,
		}
		if len(match.Payload) > 0 {
			result.Payloads[flag.Key] = match.Payload
		}
	}

	return result
}

// evaluateFlag wraps GetMatch with a panic guard so a malformed definition
// cannot take down the batch.
func (m *Matcher) evaluateFlag(ctx context.Context, flag *FeatureFlag) (match MatchResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.Join(ErrInvalidFlagDefinition, toError(recovered))
		}
	}()
	return m.GetMatch(ctx, flag)
}

// flagNeedsDatabase reports whether a flag cannot possibly be evaluated when
// the caller has declared the store unavailable.
func flagNeedsDatabase(flag *FeatureFlag) bool {
	return flag.AggregatesByGroups() || flag.EnsureExperienceContinuity
}

func toError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic during flag evaluation: %v", v)
}

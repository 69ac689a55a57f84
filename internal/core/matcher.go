package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// PayloadDecrypter decrypts flag payloads stored encrypted. Implementations
// live outside the engine; see internal/secrets.
type PayloadDecrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// GetMatch evaluates one flag for the matcher's subject.
//
// Order of precedence: missing aggregation identifier, super conditions,
// holdout conditions, then the flag's own conditions. A flag carrying both
// super and holdout groups is not validated against; super conditions are
// checked first and holdouts second, matching long-standing behavior.
func (m *Matcher) GetMatch(ctx context.Context, flag *FeatureFlag) (MatchResult, error) {
	identifier, hasIdentifier, err := m.hashIdentifier(ctx, flag)
	if err != nil {
		return MatchResult{}, err
	}
	if !hasIdentifier && flag.AggregatesByGroups() {
		return MatchResult{Matched: false, Reason: ReasonNoGroupType}, nil
	}

	if len(flag.Filters.SuperGroups) > 0 {
		result, decided, err := m.superConditionMatch(ctx, flag)
		if err != nil {
			return MatchResult{}, err
		}
		if decided {
			return m.withPayload(flag, result)
		}
	}

	if result, decided := m.holdoutMatch(flag, identifier); decided {
		return m.withPayload(flag, result)
	}

	conditions, err := m.flagConditions(ctx, flag)
	if err != nil {
		return MatchResult{}, err
	}

	// Conditions pinning a variant evaluate first so a targeted override
	// beats hash allocation; the stable sort keeps the stored order within
	// each class and the original index is kept for reporting.
	type indexedCondition struct {
		index int
		cond  FlagCondition
	}
	ordered := make([]indexedCondition, len(conditions))
	for i, cond := range conditions {
		ordered[i] = indexedCondition{index: i, cond: cond}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return variantOverridePriority(ordered[i].cond) > variantOverridePriority(ordered[j].cond)
	})

	best := MatchResult{Matched: false, Reason: ReasonNoConditionMatch}
	bestScored := false

	for _, ic := range ordered {
		matched, reason, err := m.isConditionMatch(ctx, flag, ic.cond, ic.index)
		if err != nil {
			return MatchResult{}, err
		}

		if matched {
			variant := m.resolveVariant(flag, ic.cond, identifier)
			return m.withPayload(flag, MatchResult{
				Matched:        true,
				Variant:        variant,
				Reason:         reason,
				ConditionIndex: ic.index,
			})
		}

		if !bestScored || reason.score() > best.Reason.score() ||
			(reason.score() == best.Reason.score() && ic.index < best.ConditionIndex) {
			best = MatchResult{Matched: false, Reason: reason, ConditionIndex: ic.index}
			bestScored = true
		}
	}

	return best, nil
}

// variantOverridePriority ranks conditions carrying a variant override ahead
// of the rest. The override is not validated here; resolveVariant falls back
// to hash allocation when it names a variant that no longer exists.
func variantOverridePriority(cond FlagCondition) int {
	if cond.Variant != nil {
		return 1
	}
	return 0
}

// superConditionMatch handles the short-circuit enrollment check. decided is
// false when normal conditions should still run.
func (m *Matcher) superConditionMatch(ctx context.Context, flag *FeatureFlag) (MatchResult, bool, error) {
	super := flag.Filters.SuperGroups[0]

	if len(super.Properties) > 0 {
		isSet, err := m.superConditionValueIsSet(ctx, flag)
		if err != nil {
			return MatchResult{}, false, err
		}
		if isSet {
			matched, err := m.superConditionValue(ctx, flag)
			if err != nil {
				return MatchResult{}, false, err
			}
			return MatchResult{Matched: matched, Reason: ReasonSuperConditionValue}, true, nil
		}
		return MatchResult{}, false, nil
	}

	// A super condition with no properties is a bare rollout gate.
	matched, reason, err := m.isConditionMatch(ctx, flag, super, 0)
	if err != nil {
		return MatchResult{}, false, err
	}
	if matched {
		return MatchResult{Matched: true, Reason: ReasonSuperConditionValue}, true, nil
	}
	if reason == ReasonOutOfRolloutBound {
		return MatchResult{Matched: false, Reason: ReasonOutOfRolloutBound}, true, nil
	}
	return MatchResult{Matched: false, Reason: ReasonSuperConditionValue}, true, nil
}

// superConditionValueIsSet reports whether the subject carries the explicit
// enrollment marker property, from overrides when possible, otherwise from
// the batched store query.
func (m *Matcher) superConditionValueIsSet(ctx context.Context, flag *FeatureFlag) (bool, error) {
	marker := superConditionMarkerKey(flag)
	if _, ok := m.subject.PersonProperties[marker]; ok {
		return true, nil
	}

	overrides, err := m.overridesFor(ctx, flag)
	if err != nil {
		return false, err
	}
	if _, ok := localMatch(flag.Filters.SuperGroups[0].Properties, overrides); ok {
		// Condition is fully answerable from overrides, and the marker was
		// not among them.
		return false, nil
	}
	return m.storedConditionMatch(ctx, flag, conditionKey(flag, "super_set", 0))
}

func (m *Matcher) superConditionValue(ctx context.Context, flag *FeatureFlag) (bool, error) {
	super := flag.Filters.SuperGroups[0]
	overrides, err := m.overridesFor(ctx, flag)
	if err != nil {
		return false, err
	}
	if matched, ok := localMatch(super.Properties, overrides); ok {
		return matched, nil
	}
	return m.storedConditionMatch(ctx, flag, conditionKey(flag, "super", 0))
}

// holdoutMatch applies the cross-flag holdout allocation. Only bare
// rollout-percentage holdout conditions participate.
func (m *Matcher) holdoutMatch(flag *FeatureFlag, identifier string) (MatchResult, bool) {
	if len(flag.Filters.HoldoutGroups) == 0 {
		return MatchResult{}, false
	}
	holdout := flag.Filters.HoldoutGroups[0]
	if len(holdout.Properties) > 0 || holdout.RolloutPercentage == nil {
		return MatchResult{}, false
	}

	if HoldoutHash(identifier) > *holdout.RolloutPercentage/100 {
		return MatchResult{}, false
	}

	variant := ""
	if holdout.Variant != nil {
		variant = *holdout.Variant
	} else {
		variant = matchingVariantForFlag(flag, identifier)
	}
	return MatchResult{Matched: true, Variant: variant, Reason: ReasonHoldoutConditionValue}, true
}

// resolveVariant picks the condition's variant override when it names a real
// variant, otherwise falls back to hash allocation.
func (m *Matcher) resolveVariant(flag *FeatureFlag, cond FlagCondition, identifier string) string {
	if cond.Variant != nil {
		for _, key := range flag.VariantKeys() {
			if key == *cond.Variant {
				return key
			}
		}
	}
	return matchingVariantForFlag(flag, identifier)
}

// withPayload attaches the payload for a matched result: the variant's entry
// for multivariate matches, the "true" entry for boolean matches, decrypted
// when the flag stores payloads encrypted.
func (m *Matcher) withPayload(flag *FeatureFlag, result MatchResult) (MatchResult, error) {
	if !result.Matched || len(flag.Filters.Payloads) == 0 {
		return result, nil
	}

	key := "true"
	if result.Variant != "" {
		key = result.Variant
	}
	payload, ok := flag.Filters.Payloads[key]
	if !ok {
		return result, nil
	}

	if flag.HasEncryptedPayloads {
		if m.stores.Decrypter == nil {
			return result, fmt.Errorf("flag %q: %w: encrypted payload with no decrypter", flag.Key, ErrInvalidFlagDefinition)
		}
		var ciphertext string
		if err := json.Unmarshal(payload, &ciphertext); err != nil {
			return result, fmt.Errorf("flag %q: %w: malformed encrypted payload", flag.Key, ErrInvalidFlagDefinition)
		}
		plaintext, err := m.stores.Decrypter.Decrypt([]byte(ciphertext))
		if err != nil {
			return result, fmt.Errorf("flag %q: decrypt payload: %w", flag.Key, err)
		}
		payload = plaintext
	}

	result.Payload = payload
	return result, nil
}

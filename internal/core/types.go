// Package core implements the deterministic feature-flag evaluation engine:
// hashing, variant allocation, cohort expansion, per-condition matching with a
// batched database fallback, and batch evaluation across flags.
//
// The package holds no connection state of its own. Database access goes
// through the small collaborator interfaces defined in conditions.go and
// cohort.go, which the repository package implements.
package core

import "encoding/json"

// PropertyType discriminates where a property is resolved from.
type PropertyType string

const (
	PropertyTypePerson PropertyType = "person"
	PropertyTypeGroup  PropertyType = "group"
	PropertyTypeCohort PropertyType = "cohort"
	PropertyTypeEvent  PropertyType = "event"
)

// Operator is a property-matching predicate.
type Operator string

const (
	OperatorExact        Operator = "exact"
	OperatorIsNot        Operator = "is_not"
	OperatorIContains    Operator = "icontains"
	OperatorNotIContains Operator = "not_icontains"
	OperatorRegex        Operator = "regex"
	OperatorNotRegex     Operator = "not_regex"
	OperatorGT           Operator = "gt"
	OperatorGTE          Operator = "gte"
	OperatorLT           Operator = "lt"
	OperatorLTE          Operator = "lte"
	OperatorIsSet        Operator = "is_set"
	OperatorIsNotSet     Operator = "is_not_set"
	OperatorIn           Operator = "in"
	OperatorNotIn        Operator = "not_in"
)

// Property is a single matching predicate parsed from stored filter JSON.
// Immutable once parsed.
type Property struct {
	Key            string       `json:"key"`
	Operator       Operator     `json:"operator,omitempty"`
	Value          any          `json:"value,omitempty"`
	Type           PropertyType `json:"type,omitempty"`
	GroupTypeIndex *int         `json:"group_type_index,omitempty"`
	Negation       bool         `json:"negation,omitempty"`
}

// IsNegated reports whether the property only ever matches by absence or
// inequality. Conditions made up entirely of negated properties are trivially
// true for entities that do not exist at all.
func (p Property) IsNegated() bool {
	return p.Negation || p.Operator == OperatorIsNotSet || p.Operator == OperatorIsNot || p.Operator == OperatorNotIn
}

// CohortID returns the referenced cohort id for cohort-typed properties.
func (p Property) CohortID() (int64, bool) {
	if p.Type != PropertyTypeCohort {
		return 0, false
	}
	id, ok := toInt64(p.Value)
	return id, ok
}

// FlagCondition is one condition group: properties AND'ed together, gated by
// an optional rollout percentage, optionally pinning a variant.
type FlagCondition struct {
	Properties        []Property `json:"properties,omitempty"`
	RolloutPercentage *float64   `json:"rollout_percentage,omitempty"`
	Variant           *string    `json:"variant,omitempty"`
}

// MultivariateVariant is one entry of a flag's variant list. Order in the
// stored list is authoritative for hash-bucket allocation.
type MultivariateVariant struct {
	Key               string  `json:"key"`
	RolloutPercentage float64 `json:"rollout_percentage"`
}

// Multivariate holds a flag's ordered variant definitions.
type Multivariate struct {
	Variants []MultivariateVariant `json:"variants,omitempty"`
}

// FlagFilters is the structured condition payload stored on a flag.
// Conditions in Groups are OR'ed; super and holdout groups short-circuit
// normal evaluation (see Matcher).
type FlagFilters struct {
	Groups                    []FlagCondition            `json:"groups,omitempty"`
	Multivariate              *Multivariate              `json:"multivariate,omitempty"`
	AggregationGroupTypeIndex *int                       `json:"aggregation_group_type_index,omitempty"`
	Payloads                  map[string]json.RawMessage `json:"payloads,omitempty"`
	SuperGroups               []FlagCondition            `json:"super_groups,omitempty"`
	HoldoutGroups             []FlagCondition            `json:"holdout_groups,omitempty"`
}

// FeatureFlag is an immutable snapshot of a flag definition.
type FeatureFlag struct {
	ID                         int64       `json:"id"`
	TeamID                     int64       `json:"team_id"`
	Key                        string      `json:"key"`
	Active                     bool        `json:"active"`
	Deleted                    bool        `json:"deleted"`
	EnsureExperienceContinuity bool        `json:"ensure_experience_continuity"`
	HasEncryptedPayloads       bool        `json:"has_encrypted_payloads,omitempty"`
	Filters                    FlagFilters `json:"filters"`
}

// Conditions returns the flag's normal condition groups.
func (f *FeatureFlag) Conditions() []FlagCondition { return f.Filters.Groups }

// VariantKeys returns the defined multivariate variant keys in order.
func (f *FeatureFlag) VariantKeys() []string {
	if f.Filters.Multivariate == nil {
		return nil
	}
	keys := make([]string, 0, len(f.Filters.Multivariate.Variants))
	for _, v := range f.Filters.Multivariate.Variants {
		keys = append(keys, v.Key)
	}
	return keys
}

// AggregatesByGroups reports whether the flag is evaluated per-group rather
// than per-person.
func (f *FeatureFlag) AggregatesByGroups() bool {
	return f.Filters.AggregationGroupTypeIndex != nil
}

// MatchReason explains why a flag evaluated the way it did.
type MatchReason string

const (
	ReasonSuperConditionValue   MatchReason = "super_condition_value"
	ReasonHoldoutConditionValue MatchReason = "holdout_condition_value"
	ReasonConditionMatch        MatchReason = "condition_match"
	ReasonNoGroupType           MatchReason = "no_group_type"
	ReasonOutOfRolloutBound     MatchReason = "out_of_rollout_bound"
	ReasonNoConditionMatch      MatchReason = "no_condition_match"
)

// score orders reasons for the "highest-priority reason wins" rule when no
// condition matched. Higher is more informative.
func (r MatchReason) score() int {
	switch r {
	case ReasonSuperConditionValue:
		return 5
	case ReasonHoldoutConditionValue:
		return 4
	case ReasonConditionMatch:
		return 3
	case ReasonNoGroupType:
		return 2
	case ReasonOutOfRolloutBound:
		return 1
	default:
		return 0
	}
}

// MatchResult is the immutable outcome of evaluating one flag for one subject.
type MatchResult struct {
	Matched        bool
	Variant        string
	Reason         MatchReason
	ConditionIndex int
	Payload        json.RawMessage
}

// Value returns the externally visible flag value: the variant key for
// multivariate matches, otherwise a boolean.
func (m MatchResult) Value() any {
	if m.Matched && m.Variant != "" {
		return m.Variant
	}
	return m.Matched
}

// EvaluationReason pairs a reason with the condition index that produced it,
// for observability.
type EvaluationReason struct {
	Reason         MatchReason `json:"reason"`
	ConditionIndex int         `json:"condition_index"`
}

package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakePersonStore struct {
	results map[string]bool
	exists  bool
	err     error

	calls   int
	queries [][]ConditionQuery
}

func (s *fakePersonStore) QueryPersonConditions(_ context.Context, _ int64, _ string, queries []ConditionQuery) (map[string]bool, bool, error) {
	s.calls++
	s.queries = append(s.queries, queries)
	if s.err != nil {
		return nil, false, s.err
	}
	results := make(map[string]bool, len(queries))
	for _, q := range queries {
		results[q.Key] = s.results[q.Key]
	}
	return results, s.exists, nil
}

type fakeGroupStore struct {
	results map[string]bool
	exists  bool
	err     error
	calls   int
}

func (s *fakeGroupStore) QueryGroupConditions(_ context.Context, _ int64, _ int, _ string, queries []ConditionQuery) (map[string]bool, bool, error) {
	s.calls++
	if s.err != nil {
		return nil, false, s.err
	}
	results := make(map[string]bool, len(queries))
	for _, q := range queries {
		results[q.Key] = s.results[q.Key]
	}
	return results, s.exists, nil
}

type fakeGroupTypes struct {
	mapping map[string]int
	err     error
	calls   int
}

func (s *fakeGroupTypes) GroupTypesToIndexes(_ context.Context, _ int64) (map[string]int, error) {
	s.calls++
	return s.mapping, s.err
}

func testStores(persons *fakePersonStore, groups *fakeGroupStore, groupTypes *fakeGroupTypes) Stores {
	if persons == nil {
		persons = &fakePersonStore{}
	}
	if groups == nil {
		groups = &fakeGroupStore{}
	}
	if groupTypes == nil {
		groupTypes = &fakeGroupTypes{mapping: map[string]int{}}
	}
	return Stores{
		Persons:    persons,
		Groups:     groups,
		Cohorts:    &fakeCohortStore{cohorts: map[int64]*Cohort{}},
		GroupTypes: groupTypes,
	}
}

func boolFlag(id int64, key string, conditions ...FlagCondition) *FeatureFlag {
	return &FeatureFlag{
		ID:      id,
		TeamID:  1,
		Key:     key,
		Active:  true,
		Filters: FlagFilters{Groups: conditions},
	}
}

func TestConditionsSingleRoundTripPerBatch(t *testing.T) {
	persons := &fakePersonStore{
		exists: true,
		results: map[string]bool{
			"flag_1_cond_0": true,
			"flag_2_cond_0": false,
		},
	}
	flags := []*FeatureFlag{
		boolFlag(1, "alpha", FlagCondition{Properties: []Property{personProp("plan", "pro")}}),
		boolFlag(2, "beta", FlagCondition{Properties: []Property{personProp("region", "eu")}}),
	}

	m := NewMatcher(testStores(persons, nil, nil), 1, flags, Subject{DistinctID: "user-1"}, false)
	result := m.EvaluateAll(context.Background())

	if persons.calls != 1 {
		t.Fatalf("store called %d times, want exactly 1", persons.calls)
	}
	if len(persons.queries[0]) != 2 {
		t.Fatalf("round trip carried %d queries, want 2", len(persons.queries[0]))
	}
	if result.Values["alpha"] != true {
		t.Errorf("alpha = %v, want true", result.Values["alpha"])
	}
	if result.Values["beta"] != false {
		t.Errorf("beta = %v, want false", result.Values["beta"])
	}
	if result.HadError {
		t.Errorf("unexpected batch error: %v", result.Errors)
	}
}

func TestConditionsLocalOverridesSkipStore(t *testing.T) {
	persons := &fakePersonStore{exists: true}
	flag := boolFlag(1, "alpha", FlagCondition{Properties: []Property{personProp("plan", "pro")}})

	subject := Subject{
		DistinctID:       "user-1",
		PersonProperties: map[string]any{"plan": "pro"},
	}
	m := NewMatcher(testStores(persons, nil, nil), 1, []*FeatureFlag{flag}, subject, false)
	result := m.EvaluateAll(context.Background())

	if persons.calls != 0 {
		t.Fatalf("store called %d times, want 0 for fully local evaluation", persons.calls)
	}
	if result.Values["alpha"] != true {
		t.Fatalf("alpha = %v, want true", result.Values["alpha"])
	}
}

func TestConditionsPartialOverridesFallBackToStore(t *testing.T) {
	// One property covered locally is not enough; the whole condition goes to
	// the store.
	persons := &fakePersonStore{
		exists:  true,
		results: map[string]bool{"flag_1_cond_0": true},
	}
	flag := boolFlag(1, "alpha", FlagCondition{Properties: []Property{
		personProp("plan", "pro"),
		personProp("region", "eu"),
	}})

	subject := Subject{
		DistinctID:       "user-1",
		PersonProperties: map[string]any{"plan": "pro"},
	}
	m := NewMatcher(testStores(persons, nil, nil), 1, []*FeatureFlag{flag}, subject, false)
	result := m.EvaluateAll(context.Background())

	if persons.calls != 1 {
		t.Fatalf("store called %d times, want 1", persons.calls)
	}
	if result.Values["alpha"] != true {
		t.Fatalf("alpha = %v, want true", result.Values["alpha"])
	}
}

func TestConditionsPureNegativeExistenceFastPath(t *testing.T) {
	persons := &fakePersonStore{exists: false, results: map[string]bool{}}
	flag := boolFlag(1, "alpha", FlagCondition{Properties: []Property{
		{Key: "churned", Operator: OperatorIsNotSet, Type: PropertyTypePerson},
	}})

	m := NewMatcher(testStores(persons, nil, nil), 1, []*FeatureFlag{flag}, Subject{DistinctID: "ghost"}, false)
	result := m.EvaluateAll(context.Background())

	if result.Values["alpha"] != true {
		t.Fatalf("alpha = %v, want true: a missing person satisfies pure-negative conditions", result.Values["alpha"])
	}
}

func TestConditionsMissingEntityPositiveConditionFails(t *testing.T) {
	persons := &fakePersonStore{exists: false, results: map[string]bool{}}
	flag := boolFlag(1, "alpha", FlagCondition{Properties: []Property{personProp("plan", "pro")}})

	m := NewMatcher(testStores(persons, nil, nil), 1, []*FeatureFlag{flag}, Subject{DistinctID: "ghost"}, false)
	result := m.EvaluateAll(context.Background())

	if result.Values["alpha"] != false {
		t.Fatalf("alpha = %v, want false for missing person", result.Values["alpha"])
	}
	if result.Reasons["alpha"].Reason != ReasonNoConditionMatch {
		t.Fatalf("reason = %q, want no_condition_match", result.Reasons["alpha"].Reason)
	}
}

func TestConditionsStoreFailureRememberedAcrossFlags(t *testing.T) {
	persons := &fakePersonStore{err: errors.New("connection refused")}
	flags := []*FeatureFlag{
		boolFlag(1, "alpha", FlagCondition{Properties: []Property{personProp("plan", "pro")}}),
		boolFlag(2, "beta", FlagCondition{Properties: []Property{personProp("region", "eu")}}),
	}

	m := NewMatcher(testStores(persons, nil, nil), 1, flags, Subject{DistinctID: "user-1"}, false)
	result := m.EvaluateAll(context.Background())

	if persons.calls != 1 {
		t.Fatalf("dead store queried %d times, want exactly 1", persons.calls)
	}
	if !result.HadError {
		t.Fatal("expected HadError for store failure")
	}
	for _, key := range []string{"alpha", "beta"} {
		if _, ok := result.Values[key]; ok {
			t.Errorf("%s resolved despite store failure", key)
		}
		if !errors.Is(result.Errors[key], ErrConditionsUnavailable) {
			t.Errorf("%s error = %v, want ErrConditionsUnavailable", key, result.Errors[key])
		}
	}
}

func TestConditionsSkipDatabaseFailsDatabaseConditions(t *testing.T) {
	persons := &fakePersonStore{exists: true}
	flag := boolFlag(1, "alpha", FlagCondition{Properties: []Property{personProp("plan", "pro")}})

	m := NewMatcher(testStores(persons, nil, nil), 1, []*FeatureFlag{flag}, Subject{DistinctID: "user-1"}, true)
	result := m.EvaluateAll(context.Background())

	if persons.calls != 0 {
		t.Fatal("skipDatabase must not touch the store")
	}
	if !errors.Is(result.Errors["alpha"], ErrDatabaseSkipped) {
		t.Fatalf("error = %v, want ErrDatabaseSkipped", result.Errors["alpha"])
	}
}

func TestConditionsRolloutGate(t *testing.T) {
	flag := boolFlag(1, "gated", FlagCondition{RolloutPercentage: pct(0)})

	m := NewMatcher(testStores(nil, nil, nil), 1, []*FeatureFlag{flag}, Subject{DistinctID: "user-1"}, false)
	result := m.EvaluateAll(context.Background())

	if result.Values["gated"] != false {
		t.Fatalf("gated = %v, want false at 0%%", result.Values["gated"])
	}
	if result.Reasons["gated"].Reason != ReasonOutOfRolloutBound {
		t.Fatalf("reason = %q, want out_of_rollout_bound", result.Reasons["gated"].Reason)
	}

	full := boolFlag(2, "open", FlagCondition{RolloutPercentage: pct(100)})
	m = NewMatcher(testStores(nil, nil, nil), 1, []*FeatureFlag{full}, Subject{DistinctID: "user-1"}, false)
	result = m.EvaluateAll(context.Background())

	if result.Values["open"] != true {
		t.Fatalf("open = %v, want true at 100%%", result.Values["open"])
	}
}

func TestConditionsGroupMappingFailure(t *testing.T) {
	idx := 0
	groupTypes := &fakeGroupTypes{err: errors.New("mapping query failed")}
	flag := &FeatureFlag{
		ID: 1, TeamID: 1, Key: "org-flag", Active: true,
		Filters: FlagFilters{
			AggregationGroupTypeIndex: &idx,
			Groups:                    []FlagCondition{{RolloutPercentage: pct(100)}},
		},
	}

	m := NewMatcher(testStores(nil, nil, groupTypes), 1, []*FeatureFlag{flag},
		Subject{DistinctID: "user-1", Groups: map[string]string{"organization": "acme"}}, false)
	result := m.EvaluateAll(context.Background())

	if !errors.Is(result.Errors["org-flag"], ErrGroupMappingUnavailable) {
		t.Fatalf("error = %v, want ErrGroupMappingUnavailable", result.Errors["org-flag"])
	}
	if groupTypes.calls != 1 {
		t.Fatalf("mapping fetched %d times, want 1 (memoized)", groupTypes.calls)
	}
}

func TestConditionsGroupFlagUsesGroupStore(t *testing.T) {
	idx := 0
	groups := &fakeGroupStore{
		exists:  true,
		results: map[string]bool{fmt.Sprintf("flag_%d_cond_0", 1): true},
	}
	groupTypes := &fakeGroupTypes{mapping: map[string]int{"organization": 0}}
	flag := &FeatureFlag{
		ID: 1, TeamID: 1, Key: "org-flag", Active: true,
		Filters: FlagFilters{
			AggregationGroupTypeIndex: &idx,
			Groups: []FlagCondition{{Properties: []Property{
				{Key: "tier", Operator: OperatorExact, Value: "enterprise", Type: PropertyTypeGroup, GroupTypeIndex: &idx},
			}}},
		},
	}

	m := NewMatcher(testStores(nil, groups, groupTypes), 1, []*FeatureFlag{flag},
		Subject{DistinctID: "user-1", Groups: map[string]string{"organization": "acme"}}, false)
	result := m.EvaluateAll(context.Background())

	if groups.calls != 1 {
		t.Fatalf("group store called %d times, want 1", groups.calls)
	}
	if result.Values["org-flag"] != true {
		t.Fatalf("org-flag = %v, want true", result.Values["org-flag"])
	}
}

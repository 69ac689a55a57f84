package core

import (
	"context"
	"fmt"
)

// ExprOp is a node kind in a compiled property expression.
type ExprOp string

const (
	ExprAnd  ExprOp = "and"
	ExprOr   ExprOp = "or"
	ExprLeaf ExprOp = "leaf"
)

// PropertyExpr is a boolean expression over leaf properties, handed to the
// person/group store for SQL compilation. Cohort references are resolved
// before the expression is built, so leaves are always plain properties.
type PropertyExpr struct {
	Op       ExprOp
	Leaf     *Property
	Children []PropertyExpr
}

// ConditionQuery is one named boolean to compute in the batched store query.
type ConditionQuery struct {
	Key        string
	Expr       PropertyExpr
	AllNegated bool
}

// PersonStore answers batched condition queries against stored person
// properties. exists reports whether the person is known at all, which the
// pure-negative fast path relies on.
type PersonStore interface {
	QueryPersonConditions(ctx context.Context, teamID int64, distinctID string, queries []ConditionQuery) (results map[string]bool, exists bool, err error)
}

// GroupStore is the group-aggregated counterpart of PersonStore.
type GroupStore interface {
	QueryGroupConditions(ctx context.Context, teamID int64, groupTypeIndex int, groupKey string, queries []ConditionQuery) (results map[string]bool, exists bool, err error)
}

// GroupTypeMapper resolves a team's group type names to indexes.
type GroupTypeMapper interface {
	GroupTypesToIndexes(ctx context.Context, teamID int64) (map[string]int, error)
}

// Subject is everything known about who a batch of flags is being evaluated
// for: the person identity, supplied group keys, and caller overrides.
type Subject struct {
	DistinctID string
	// Groups maps group type name to the caller's group key.
	Groups map[string]string
	// PersonProperties are caller-supplied property overrides, preferred over
	// the store when every condition property is covered.
	PersonProperties map[string]any
	// GroupProperties maps group type name to property overrides.
	GroupProperties map[string]map[string]any
	// HashKeyOverrides pins the hash identifier per flag key for experience
	// continuity.
	HashKeyOverrides map[string]string
}

// Stores bundles the collaborator interfaces a Matcher needs.
type Stores struct {
	Persons    PersonStore
	Groups     GroupStore
	Cohorts    CohortStore
	GroupTypes GroupTypeMapper
	Decrypter  PayloadDecrypter
}

// Matcher evaluates a batch of flags for one subject. All caches are scoped
// to the instance; create one per evaluation call and do not share across
// goroutines.
type Matcher struct {
	stores  Stores
	teamID  int64
	flags   []*FeatureFlag
	subject Subject

	// skipDatabase declares the store known-unavailable up front: flags that
	// need it are skipped instead of timing out one by one.
	skipDatabase bool

	cohortResolver *CohortResolver

	groupTypeFetched bool
	groupTypeErr     error
	indexToGroupType map[int]string

	// storeErr remembers the first failed batched query so later conditions
	// in the same call short-circuit instead of re-querying a dead store.
	storeErr map[string]error

	conditionResults map[string]bool
	entityExists     map[string]bool
	entityQueried    map[string]bool
	conditionErrs    map[string]error

	expandedConditions map[string][]FlagCondition
}

// NewMatcher creates a per-call matcher over the given flag snapshots.
func NewMatcher(stores Stores, teamID int64, flags []*FeatureFlag, subject Subject, skipDatabase bool) *Matcher {
	return &Matcher{
		stores:             stores,
		teamID:             teamID,
		flags:              flags,
		subject:            subject,
		skipDatabase:       skipDatabase,
		cohortResolver:     NewCohortResolver(stores.Cohorts, teamID),
		storeErr:           make(map[string]error),
		conditionResults:   make(map[string]bool),
		entityExists:       make(map[string]bool),
		entityQueried:      make(map[string]bool),
		conditionErrs:      make(map[string]error),
		expandedConditions: make(map[string][]FlagCondition),
	}
}

// hashIdentifier returns the identifier a flag's hashes are computed from:
// the pinned override or distinct id for person flags, the caller's group
// key for group-aggregated flags. ok is false when the caller supplied no
// key for the flag's group type.
func (m *Matcher) hashIdentifier(ctx context.Context, flag *FeatureFlag) (string, bool, error) {
	if !flag.AggregatesByGroups() {
		if override, ok := m.subject.HashKeyOverrides[flag.Key]; ok && override != "" {
			return override, true, nil
		}
		return m.subject.DistinctID, m.subject.DistinctID != "", nil
	}

	name, err := m.groupTypeName(ctx, *flag.Filters.AggregationGroupTypeIndex)
	if err != nil {
		return "", false, err
	}
	key, ok := m.subject.Groups[name]
	return key, ok && key != "", nil
}

func (m *Matcher) groupTypeName(ctx context.Context, index int) (string, error) {
	if !m.groupTypeFetched {
		m.groupTypeFetched = true
		mapping, err := m.stores.GroupTypes.GroupTypesToIndexes(ctx, m.teamID)
		if err != nil {
			m.groupTypeErr = fmt.Errorf("%w: %w", ErrGroupMappingUnavailable, err)
		} else {
			m.indexToGroupType = make(map[int]string, len(mapping))
			for name, idx := range mapping {
				m.indexToGroupType[idx] = name
			}
		}
	}
	if m.groupTypeErr != nil {
		return "", m.groupTypeErr
	}
	return m.indexToGroupType[index], nil
}

// flagConditions returns the flag's conditions with single-cohort expansion
// applied, memoized per flag.
func (m *Matcher) flagConditions(ctx context.Context, flag *FeatureFlag) ([]FlagCondition, error) {
	if conds, ok := m.expandedConditions[flag.Key]; ok {
		return conds, nil
	}
	conds, err := ExpandCohorts(ctx, flag, m.cohortResolver)
	if err != nil {
		return nil, err
	}
	m.expandedConditions[flag.Key] = conds
	return conds, nil
}

// overridesFor returns the caller-supplied property overrides relevant to a
// flag's aggregation target.
func (m *Matcher) overridesFor(ctx context.Context, flag *FeatureFlag) (map[string]any, error) {
	if !flag.AggregatesByGroups() {
		return m.subject.PersonProperties, nil
	}
	name, err := m.groupTypeName(ctx, *flag.Filters.AggregationGroupTypeIndex)
	if err != nil {
		return nil, err
	}
	return m.subject.GroupProperties[name], nil
}

// localMatch evaluates properties entirely from overrides. ok is false when
// any property is missing from the overrides or needs store resolution.
func localMatch(props []Property, overrides map[string]any) (matched, ok bool) {
	for _, p := range props {
		if p.Type == PropertyTypeCohort {
			return false, false
		}
		value, present := overrides[p.Key]
		// An absent override proves nothing: the store may still hold the
		// property, so the condition is not locally answerable.
		if !present {
			return false, false
		}
		if !MatchProperty(p, value, present) {
			return false, true
		}
	}
	return true, true
}

// isConditionMatch decides whether one condition holds for the subject,
// trying local evaluation before the batched store fallback, then applying
// the rollout gate.
func (m *Matcher) isConditionMatch(ctx context.Context, flag *FeatureFlag, cond FlagCondition, index int) (bool, MatchReason, error) {
	if len(cond.Properties) > 0 {
		overrides, err := m.overridesFor(ctx, flag)
		if err != nil {
			return false, ReasonNoConditionMatch, err
		}

		matched, ok := localMatch(cond.Properties, overrides)
		if !ok {
			matched, err = m.storedConditionMatch(ctx, flag, conditionKey(flag, "cond", index))
			if err != nil {
				return false, ReasonNoConditionMatch, err
			}
		}
		if !matched {
			return false, ReasonNoConditionMatch, nil
		}
	}

	if cond.RolloutPercentage == nil {
		return true, ReasonConditionMatch, nil
	}

	identifier, ok, err := m.hashIdentifier(ctx, flag)
	if err != nil {
		return false, ReasonNoConditionMatch, err
	}
	if !ok {
		identifier = ""
	}
	if Hash(flag.Key, identifier, "") > *cond.RolloutPercentage/100 {
		return false, ReasonOutOfRolloutBound, nil
	}
	return true, ReasonConditionMatch, nil
}

// storedConditionMatch returns the batched query result for a condition,
// issuing the single per-entity-type round trip on first use.
func (m *Matcher) storedConditionMatch(ctx context.Context, flag *FeatureFlag, key string) (bool, error) {
	entity, err := m.entityKey(ctx, flag)
	if err != nil {
		return false, err
	}
	if err := m.ensureEntityQueried(ctx, flag, entity); err != nil {
		return false, err
	}
	if err, ok := m.conditionErrs[key]; ok {
		return false, err
	}
	return m.conditionResults[key], nil
}

func (m *Matcher) entityKey(ctx context.Context, flag *FeatureFlag) (string, error) {
	if !flag.AggregatesByGroups() {
		return "person", nil
	}
	// Group mapping availability is checked up front so its failure is
	// reported distinctly from a condition-query failure.
	if _, err := m.groupTypeName(ctx, *flag.Filters.AggregationGroupTypeIndex); err != nil {
		return "", err
	}
	return fmt.Sprintf("group:%d", *flag.Filters.AggregationGroupTypeIndex), nil
}

// ensureEntityQueried runs the coalesced condition query for one entity type,
// covering every still-unresolved condition of every flag in the batch that
// aggregates by that entity. One round trip per entity type per call.
func (m *Matcher) ensureEntityQueried(ctx context.Context, flag *FeatureFlag, entity string) error {
	if err, ok := m.storeErr[entity]; ok {
		return err
	}
	if m.entityQueried[entity] {
		return nil
	}
	if m.skipDatabase {
		m.storeErr[entity] = fmt.Errorf("%w: %w", ErrConditionsUnavailable, ErrDatabaseSkipped)
		return m.storeErr[entity]
	}
	m.entityQueried[entity] = true

	queries := m.collectQueries(ctx, entity)

	var (
		results map[string]bool
		exists  bool
		err     error
	)
	if flag.AggregatesByGroups() {
		idx := *flag.Filters.AggregationGroupTypeIndex
		name, nameErr := m.groupTypeName(ctx, idx)
		if nameErr != nil {
			return nameErr
		}
		results, exists, err = m.stores.Groups.QueryGroupConditions(ctx, m.teamID, idx, m.subject.Groups[name], queries)
	} else {
		results, exists, err = m.stores.Persons.QueryPersonConditions(ctx, m.teamID, m.subject.DistinctID, queries)
	}
	if err != nil {
		m.storeErr[entity] = fmt.Errorf("%w: %w", ErrConditionsUnavailable, err)
		return m.storeErr[entity]
	}

	m.entityExists[entity] = exists
	for _, q := range queries {
		matched := results[q.Key]
		// A nonexistent entity satisfies a condition made purely of negated
		// properties: everything "is not set" on an entity that is not there.
		if !exists && q.AllNegated {
			matched = true
		}
		m.conditionResults[q.Key] = matched
	}
	return nil
}

// collectQueries builds the condition queries for every flag in the batch
// aggregating by the given entity, skipping conditions that local overrides
// already answer.
func (m *Matcher) collectQueries(ctx context.Context, entity string) []ConditionQuery {
	var queries []ConditionQuery

	for _, flag := range m.flags {
		flagEntity, err := m.entityKey(ctx, flag)
		if err != nil || flagEntity != entity {
			continue
		}

		overrides, err := m.overridesFor(ctx, flag)
		if err != nil {
			continue
		}

		conds, err := m.flagConditions(ctx, flag)
		if err != nil {
			// Cohort resolution failed for this flag; its evaluation will
			// surface the error, nothing to query.
			continue
		}

		for i, cond := range conds {
			if len(cond.Properties) == 0 {
				continue
			}
			if _, ok := localMatch(cond.Properties, overrides); ok {
				continue
			}
			m.appendQuery(ctx, &queries, flag, "cond", i, cond.Properties)
		}

		for i, cond := range flag.Filters.SuperGroups {
			if len(cond.Properties) == 0 {
				continue
			}
			if _, ok := localMatch(cond.Properties, overrides); ok {
				continue
			}
			m.appendQuery(ctx, &queries, flag, "super", i, cond.Properties)
			m.appendQuery(ctx, &queries, flag, "super_set", i, []Property{{
				Key:      superConditionMarkerKey(flag),
				Operator: OperatorIsSet,
				Type:     PropertyTypePerson,
			}})
		}
	}

	return queries
}

func (m *Matcher) appendQuery(ctx context.Context, queries *[]ConditionQuery, flag *FeatureFlag, kind string, index int, props []Property) {
	key := conditionKey(flag, kind, index)
	expr, err := m.buildExpr(ctx, props)
	if err != nil {
		m.conditionErrs[key] = err
		return
	}
	*queries = append(*queries, ConditionQuery{
		Key:        key,
		Expr:       expr,
		AllNegated: allNegated(props),
	})
}

// buildExpr compiles a condition's property list into an AND expression,
// inlining cohort references as OR-of-AND subtrees.
func (m *Matcher) buildExpr(ctx context.Context, props []Property) (PropertyExpr, error) {
	children := make([]PropertyExpr, 0, len(props))
	for i := range props {
		p := props[i]
		id, isCohort := p.CohortID()
		if !isCohort {
			children = append(children, PropertyExpr{Op: ExprLeaf, Leaf: &p})
			continue
		}
		tree, err := m.cohortResolver.ResolveTree(ctx, id)
		if err != nil {
			return PropertyExpr{}, err
		}
		sub, err := exprFromGroup(tree)
		if err != nil {
			return PropertyExpr{}, err
		}
		children = append(children, sub)
	}
	return PropertyExpr{Op: ExprAnd, Children: children}, nil
}

func exprFromGroup(g CohortPropertyGroup) (PropertyExpr, error) {
	op := ExprAnd
	if g.Type == GroupOR {
		op = ExprOr
	}
	children := make([]PropertyExpr, 0, len(g.Props)+len(g.Groups))
	for i := range g.Props {
		p := g.Props[i]
		children = append(children, PropertyExpr{Op: ExprLeaf, Leaf: &p})
	}
	for _, nested := range g.Groups {
		sub, err := exprFromGroup(nested)
		if err != nil {
			return PropertyExpr{}, err
		}
		children = append(children, sub)
	}
	return PropertyExpr{Op: op, Children: children}, nil
}

func allNegated(props []Property) bool {
	if len(props) == 0 {
		return false
	}
	for _, p := range props {
		if !p.IsNegated() {
			return false
		}
	}
	return true
}

func conditionKey(flag *FeatureFlag, kind string, index int) string {
	return fmt.Sprintf("flag_%d_%s_%d", flag.ID, kind, index)
}

func superConditionMarkerKey(flag *FeatureFlag) string {
	return "$feature_enrollment/" + flag.Key
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// maxCohortDepth caps dependency resolution. Trees deeper than this are
// treated as not expandable rather than walked to exhaustion.
const maxCohortDepth = 10

// Cohort is a reusable boolean combination of properties. Leaves may
// reference other cohorts by id.
type Cohort struct {
	ID         int64
	TeamID     int64
	Properties CohortPropertyGroup
}

// CohortStore resolves cohort definitions.
type CohortStore interface {
	GetCohort(ctx context.Context, teamID, cohortID int64) (*Cohort, error)
}

// GroupOperator combines children of a cohort property group.
type GroupOperator string

const (
	GroupAND GroupOperator = "AND"
	GroupOR  GroupOperator = "OR"
)

// CohortPropertyGroup is a node in a cohort's property tree: an AND/OR
// combination of nested groups and leaf properties.
type CohortPropertyGroup struct {
	Type   GroupOperator
	Groups []CohortPropertyGroup
	Props  []Property
}

// UnmarshalJSON accepts the stored tree shape
// {"type":"AND","values":[<group or property>, ...]}, telling groups apart
// from leaves by the presence of an AND/OR type tag.
func (g *CohortPropertyGroup) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   GroupOperator     `json:"type"`
		Values []json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	g.Type = raw.Type
	g.Groups = nil
	g.Props = nil

	for _, value := range raw.Values {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(value, &probe); err != nil {
			return err
		}

		if probe.Type == string(GroupAND) || probe.Type == string(GroupOR) {
			var nested CohortPropertyGroup
			if err := json.Unmarshal(value, &nested); err != nil {
				return err
			}
			g.Groups = append(g.Groups, nested)
			continue
		}

		var prop Property
		if err := json.Unmarshal(value, &prop); err != nil {
			return err
		}
		g.Props = append(g.Props, prop)
	}

	return nil
}

// MarshalJSON writes the same shape UnmarshalJSON reads.
func (g CohortPropertyGroup) MarshalJSON() ([]byte, error) {
	values := make([]any, 0, len(g.Groups)+len(g.Props))
	for _, nested := range g.Groups {
		values = append(values, nested)
	}
	for _, prop := range g.Props {
		values = append(values, prop)
	}
	return json.Marshal(struct {
		Type   GroupOperator `json:"type"`
		Values []any         `json:"values"`
	}{Type: g.Type, Values: values})
}

// DependentCohortIDs lists the cohorts directly referenced by c's tree.
func DependentCohortIDs(c *Cohort) []int64 {
	var ids []int64
	var walk func(g CohortPropertyGroup)
	walk = func(g CohortPropertyGroup) {
		for _, p := range g.Props {
			if id, ok := p.CohortID(); ok {
				ids = append(ids, id)
			}
		}
		for _, nested := range g.Groups {
			walk(nested)
		}
	}
	walk(c.Properties)
	return ids
}

// CohortResolver fetches cohorts with a per-call cache and rejects cyclic
// dependency graphs. Not safe for concurrent use; scope one per evaluation.
type CohortResolver struct {
	store  CohortStore
	teamID int64
	cache  map[int64]*Cohort
}

// NewCohortResolver creates a resolver scoped to one team and one
// evaluation call.
func NewCohortResolver(store CohortStore, teamID int64) *CohortResolver {
	return &CohortResolver{store: store, teamID: teamID, cache: make(map[int64]*Cohort)}
}

func (r *CohortResolver) get(ctx context.Context, id int64) (*Cohort, error) {
	if c, ok := r.cache[id]; ok {
		return c, nil
	}
	c, err := r.store.GetCohort(ctx, r.teamID, id)
	if err != nil {
		return nil, fmt.Errorf("get cohort %d: %w", id, err)
	}
	r.cache[id] = c
	return c, nil
}

// ResolveTree returns cohort id's property tree with every dependent cohort
// reference inlined. A repeat visit on the resolution path means a cycle.
func (r *CohortResolver) ResolveTree(ctx context.Context, id int64) (CohortPropertyGroup, error) {
	return r.resolveTree(ctx, id, map[int64]bool{}, 0)
}

func (r *CohortResolver) resolveTree(ctx context.Context, id int64, seen map[int64]bool, depth int) (CohortPropertyGroup, error) {
	if depth > maxCohortDepth {
		return CohortPropertyGroup{}, fmt.Errorf("cohort %d: %w", id, ErrCohortCycle)
	}
	if seen[id] {
		return CohortPropertyGroup{}, fmt.Errorf("cohort %d revisited: %w", id, ErrCohortCycle)
	}
	seen[id] = true
	defer delete(seen, id)

	cohort, err := r.get(ctx, id)
	if err != nil {
		return CohortPropertyGroup{}, err
	}

	return r.inlineDependents(ctx, cohort.Properties, seen, depth)
}

func (r *CohortResolver) inlineDependents(ctx context.Context, g CohortPropertyGroup, seen map[int64]bool, depth int) (CohortPropertyGroup, error) {
	out := CohortPropertyGroup{Type: g.Type}

	for _, p := range g.Props {
		depID, ok := p.CohortID()
		if !ok {
			out.Props = append(out.Props, p)
			continue
		}
		resolved, err := r.resolveTree(ctx, depID, seen, depth+1)
		if err != nil {
			return CohortPropertyGroup{}, err
		}
		if p.Negation {
			// Negated sub-cohorts cannot be inlined without double-negation
			// rewrites; refuse expansion instead of guessing.
			return CohortPropertyGroup{}, fmt.Errorf("cohort %d negated dependency: %w", depID, ErrCohortNotExpandable)
		}
		out.Groups = append(out.Groups, resolved)
	}

	for _, nested := range g.Groups {
		resolved, err := r.inlineDependents(ctx, nested, seen, depth+1)
		if err != nil {
			return CohortPropertyGroup{}, err
		}
		out.Groups = append(out.Groups, resolved)
	}

	return out, nil
}

// flattenPropertyGroup rewrites a property tree as OR-of-ANDs: the outer
// slice is OR'ed, each inner slice AND'ed. Trees where an AND node spans an
// OR child would need distribution and are rejected.
func flattenPropertyGroup(g CohortPropertyGroup, depth int) ([][]Property, error) {
	if depth > maxCohortDepth {
		return nil, ErrCohortNotExpandable
	}

	switch g.Type {
	case GroupOR:
		var disjuncts [][]Property
		for _, p := range g.Props {
			disjuncts = append(disjuncts, []Property{p})
		}
		for _, nested := range g.Groups {
			flattened, err := flattenPropertyGroup(nested, depth+1)
			if err != nil {
				return nil, err
			}
			disjuncts = append(disjuncts, flattened...)
		}
		return disjuncts, nil

	case GroupAND, "":
		conjunction := append([]Property(nil), g.Props...)
		for _, nested := range g.Groups {
			flattened, err := flattenPropertyGroup(nested, depth+1)
			if err != nil {
				return nil, err
			}
			if len(flattened) != 1 {
				return nil, ErrCohortNotExpandable
			}
			conjunction = append(conjunction, flattened[0]...)
		}
		return [][]Property{conjunction}, nil

	default:
		return nil, ErrCohortNotExpandable
	}
}

// ExpandCohorts rewrites a flag's conditions with its single referenced
// cohort flattened into plain person properties, enabling fully local
// evaluation. When expansion is not mathematically safe the original
// conditions are returned unchanged. A cohort dependency cycle is a hard
// error for the flag.
func ExpandCohorts(ctx context.Context, flag *FeatureFlag, resolver *CohortResolver) ([]FlagCondition, error) {
	conditions := flag.Conditions()

	cohortIDs := map[int64]bool{}
	for _, cond := range conditions {
		for _, p := range cond.Properties {
			if id, ok := p.CohortID(); ok {
				cohortIDs[id] = true
			}
		}
	}
	if len(cohortIDs) != 1 {
		return conditions, nil
	}
	var cohortID int64
	for id := range cohortIDs {
		cohortID = id
	}

	tree, err := resolver.ResolveTree(ctx, cohortID)
	if err != nil {
		if isHardCohortError(err) {
			return nil, err
		}
		return conditions, nil
	}

	disjuncts, err := flattenPropertyGroup(tree, 0)
	if err != nil {
		return conditions, nil
	}

	totalProps := 0
	for _, conj := range disjuncts {
		for _, p := range conj {
			if p.Type != PropertyTypePerson && p.Type != "" {
				return conditions, nil
			}
			if p.IsNegated() {
				return conditions, nil
			}
			totalProps++
		}
	}

	expanded := make([]FlagCondition, 0, len(conditions))
	for _, cond := range conditions {
		rest, hadCohort := withoutCohortProperties(cond.Properties)
		if !hadCohort {
			expanded = append(expanded, cond)
			continue
		}
		if cond.Variant != nil && totalProps > 1 {
			return conditions, nil
		}
		for _, conj := range disjuncts {
			props := make([]Property, 0, len(rest)+len(conj))
			props = append(props, rest...)
			props = append(props, conj...)
			expanded = append(expanded, FlagCondition{
				Properties:        props,
				RolloutPercentage: cond.RolloutPercentage,
				Variant:           cond.Variant,
			})
		}
	}

	return expanded, nil
}

func withoutCohortProperties(props []Property) ([]Property, bool) {
	rest := make([]Property, 0, len(props))
	had := false
	for _, p := range props {
		if _, ok := p.CohortID(); ok {
			had = true
			continue
		}
		rest = append(rest, p)
	}
	return rest, had
}

func isHardCohortError(err error) bool {
	return errors.Is(err, ErrCohortCycle)
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/rollouts/internal/core"
)

// EntityStore answers the engine's batched condition queries against person
// and group property rows. Every call is a single round trip covering all of
// the batch's conditions for one entity, guarded by a server-side statement
// timeout.
type EntityStore struct {
	db      DB
	timeout time.Duration
}

// NewEntityStore creates an EntityStore. timeout bounds each statement; zero
// selects the default.
func NewEntityStore(db DB, timeout time.Duration) *EntityStore {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &EntityStore{db: db, timeout: timeout}
}

// QueryPersonConditions computes every condition boolean for the person
// behind distinctID in one statement. exists reports whether the person is
// known at all.
func (s *EntityStore) QueryPersonConditions(ctx context.Context, teamID int64, distinctID string, queries []core.ConditionQuery) (map[string]bool, bool, error) {
	entitySQL := `
		SELECT p.id, p.properties
		FROM persons p
		JOIN person_distinct_ids pdi ON pdi.person_id = p.id AND pdi.team_id = p.team_id
		WHERE p.team_id = $1 AND pdi.distinct_id = $2
		LIMIT 1`
	return s.queryConditions(ctx, entitySQL, []any{teamID, distinctID}, queries)
}

// QueryGroupConditions is the group-aggregated counterpart of
// QueryPersonConditions.
func (s *EntityStore) QueryGroupConditions(ctx context.Context, teamID int64, groupTypeIndex int, groupKey string, queries []core.ConditionQuery) (map[string]bool, bool, error) {
	entitySQL := `
		SELECT g.id, g.group_properties AS properties
		FROM groups g
		WHERE g.team_id = $1 AND g.group_type_index = $2 AND g.group_key = $3
		LIMIT 1`
	return s.queryConditions(ctx, entitySQL, []any{teamID, groupTypeIndex, groupKey}, queries)
}

// queryConditions compiles the batch into one SELECT producing an existence
// bit plus one boolean column per condition, left-joined against the entity
// row so a missing entity yields FALSE everywhere.
func (s *EntityStore) queryConditions(ctx context.Context, entitySQL string, entityArgs []any, queries []core.ConditionQuery) (map[string]bool, bool, error) {
	args := append([]any(nil), entityArgs...)

	columns := make([]string, 0, len(queries)+1)
	columns = append(columns, "(t.id IS NOT NULL)")
	for _, q := range queries {
		expr, err := compileExpr(q.Expr, &args)
		if err != nil {
			return nil, false, fmt.Errorf("compile condition %s: %w", q.Key, err)
		}
		columns = append(columns, fmt.Sprintf("COALESCE(%s, FALSE)", expr))
	}

	query := fmt.Sprintf(
		"SELECT %s FROM (SELECT 1) AS one LEFT JOIN (%s) AS t ON TRUE",
		strings.Join(columns, ", "), entitySQL,
	)

	var exists bool
	results := make(map[string]bool, len(queries))

	err := s.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		dest := make([]any, 0, len(queries)+1)
		dest = append(dest, &exists)
		values := make([]bool, len(queries))
		for i := range values {
			dest = append(dest, &values[i])
		}

		if err := tx.QueryRow(ctx, query, args...).Scan(dest...); err != nil {
			return err
		}

		for i, q := range queries {
			results[q.Key] = values[i]
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("query conditions: %w", err)
	}

	return results, exists, nil
}

// withStatementTimeout runs fn inside a transaction with a SET LOCAL
// statement_timeout, so a slow query fails fast server-side instead of
// stalling the evaluation.
func (s *EntityStore) withStatementTimeout(ctx context.Context, fn func(pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout+time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", s.timeout.Milliseconds())); err != nil {
		return fmt.Errorf("set statement timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// compileExpr renders a property expression as SQL over the joined entity
// alias "t". Arguments are appended to args and referenced positionally.
func compileExpr(expr core.PropertyExpr, args *[]any) (string, error) {
	switch expr.Op {
	case core.ExprLeaf:
		if expr.Leaf == nil {
			return "", fmt.Errorf("leaf expression with no property")
		}
		return compileLeaf(*expr.Leaf, args)
	case core.ExprAnd, core.ExprOr:
		if len(expr.Children) == 0 {
			return "TRUE", nil
		}
		joiner := " AND "
		if expr.Op == core.ExprOr {
			joiner = " OR "
		}
		parts := make([]string, 0, len(expr.Children))
		for _, child := range expr.Children {
			part, err := compileExpr(child, args)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		return "(" + strings.Join(parts, joiner) + ")", nil
	default:
		return "", fmt.Errorf("unknown expression op %q", expr.Op)
	}
}

// compileLeaf renders one property predicate. Numeric comparisons are
// typeof-aware: a stored JSON number compares numerically, anything else
// textually, mirroring the in-memory matcher.
func compileLeaf(p core.Property, args *[]any) (string, error) {
	bind := func(value any) string {
		*args = append(*args, value)
		return fmt.Sprintf("$%d", len(*args))
	}
	keyRef := bind(p.Key)
	text := fmt.Sprintf("(t.properties->>%s)", keyRef)

	var sql string
	switch p.Operator {
	case core.OperatorIsSet:
		sql = fmt.Sprintf("jsonb_exists(t.properties, %s)", keyRef)
	case core.OperatorIsNotSet:
		sql = fmt.Sprintf("NOT jsonb_exists(t.properties, %s)", keyRef)
	case core.OperatorExact, "":
		sql = equalitySQL(text, p.Value, bind)
	case core.OperatorIsNot:
		sql = fmt.Sprintf("NOT COALESCE(%s, FALSE)", equalitySQL(text, p.Value, bind))
	case core.OperatorIn:
		sql = equalitySQL(text, p.Value, bind)
	case core.OperatorNotIn:
		sql = fmt.Sprintf("NOT COALESCE(%s, FALSE)", equalitySQL(text, p.Value, bind))
	case core.OperatorIContains:
		sql = fmt.Sprintf("%s ILIKE %s", text, bind("%"+stringifyValue(p.Value)+"%"))
	case core.OperatorNotIContains:
		sql = fmt.Sprintf("NOT COALESCE(%s ILIKE %s, FALSE)", text, bind("%"+stringifyValue(p.Value)+"%"))
	case core.OperatorRegex:
		sql = fmt.Sprintf("%s ~ %s", text, bind(stringifyValue(p.Value)))
	case core.OperatorNotRegex:
		sql = fmt.Sprintf("NOT COALESCE(%s ~ %s, FALSE)", text, bind(stringifyValue(p.Value)))
	case core.OperatorGT, core.OperatorGTE, core.OperatorLT, core.OperatorLTE:
		sql = comparisonSQL(p, keyRef, text, bind)
	default:
		return "", fmt.Errorf("unsupported operator %q", p.Operator)
	}

	if p.Negation {
		sql = fmt.Sprintf("NOT COALESCE(%s, FALSE)", sql)
	}
	return "COALESCE(" + sql + ", FALSE)", nil
}

func equalitySQL(text string, value any, bind func(any) string) string {
	if list, ok := valueAsStringList(value); ok {
		return fmt.Sprintf("lower(%s) = ANY(%s)", text, bind(list))
	}
	return fmt.Sprintf("lower(%s) = lower(%s)", text, bind(stringifyValue(value)))
}

func comparisonSQL(p core.Property, keyRef, text string, bind func(any) string) string {
	op := map[core.Operator]string{
		core.OperatorGT:  ">",
		core.OperatorGTE: ">=",
		core.OperatorLT:  "<",
		core.OperatorLTE: "<=",
	}[p.Operator]

	if number, ok := valueAsNumber(p.Value); ok {
		return fmt.Sprintf(
			"CASE WHEN jsonb_typeof(t.properties->%s) = 'number' THEN (%s)::numeric %s %s ELSE %s %s %s END",
			keyRef, text, op, bind(number), text, op, bind(stringifyValue(p.Value)),
		)
	}
	return fmt.Sprintf("%s %s %s", text, op, bind(stringifyValue(p.Value)))
}

// GroupTypeStore resolves a team's group type names to indexes.
type GroupTypeStore struct {
	db DB
}

func NewGroupTypeStore(db DB) *GroupTypeStore {
	return &GroupTypeStore{db: db}
}

// GroupTypesToIndexes returns the team's group type name to index mapping.
func (s *GroupTypeStore) GroupTypesToIndexes(ctx context.Context, teamID int64) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT group_type, group_type_index
		FROM group_type_mappings
		WHERE team_id = $1
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("group types to indexes: %w", err)
	}
	defer rows.Close()

	mapping := make(map[string]int)
	for rows.Next() {
		var name string
		var index int
		if err := rows.Scan(&name, &index); err != nil {
			return nil, fmt.Errorf("scan group type mapping: %w", err)
		}
		mapping[name] = index
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group type mapping rows: %w", err)
	}
	return mapping, nil
}

// CohortStore loads cohort definitions.
type CohortStore struct {
	db DB
}

func NewCohortStore(db DB) *CohortStore {
	return &CohortStore{db: db}
}

// GetCohort loads one non-deleted cohort.
func (s *CohortStore) GetCohort(ctx context.Context, teamID, cohortID int64) (*core.Cohort, error) {
	var filters []byte
	cohort := &core.Cohort{ID: cohortID, TeamID: teamID}
	err := s.db.QueryRow(ctx, `
		SELECT filters
		FROM cohorts
		WHERE team_id = $1 AND id = $2 AND NOT deleted
	`, teamID, cohortID).Scan(&filters)
	if err != nil {
		return nil, fmt.Errorf("get cohort %d: %w", cohortID, err)
	}

	var parsed struct {
		Properties core.CohortPropertyGroup `json:"properties"`
	}
	if err := json.Unmarshal(filters, &parsed); err != nil {
		return nil, fmt.Errorf("parse cohort %d filters: %w", cohortID, err)
	}
	cohort.Properties = parsed.Properties
	return cohort, nil
}

func valueAsStringList(value any) ([]string, bool) {
	switch list := value.(type) {
	case []string:
		out := make([]string, len(list))
		for i, s := range list {
			out[i] = strings.ToLower(s)
		}
		return out, true
	case []any:
		out := make([]string, len(list))
		for i, v := range list {
			out[i] = strings.ToLower(stringifyValue(v))
		}
		return out, true
	default:
		return nil, false
	}
}

func valueAsNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func stringifyValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

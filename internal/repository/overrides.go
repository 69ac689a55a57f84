package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// foreignKeyViolation is the Postgres error code raised when a person row
	// is merged away between the target lookup and the insert.
	foreignKeyViolation = "23503"

	fkRetryLimit = 2
	fkRetryDelay = 50 * time.Millisecond
)

// OverrideStore persists hash key overrides for experience continuity flags.
// Writes are conditional inserts: an existing override always wins, so a
// person keeps their original variant allocation across identity merges.
type OverrideStore struct {
	db      DB
	timeout time.Duration
}

func NewOverrideStore(db DB, timeout time.Duration) *OverrideStore {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &OverrideStore{db: db, timeout: timeout}
}

// setOverridesSQL resolves every person behind the supplied distinct ids and
// inserts one override row per continuity flag that does not already have
// one. ON CONFLICT DO NOTHING makes concurrent writers race safely: whoever
// commits first wins and the loser's row is dropped.
const setOverridesSQL = `
	WITH target_persons AS (
		SELECT DISTINCT person_id
		FROM person_distinct_ids
		WHERE team_id = $1 AND distinct_id = ANY($2)
	)
	INSERT INTO feature_flag_hash_key_overrides (team_id, person_id, feature_flag_key, hash_key)
	SELECT $1, tp.person_id, ff.key, $3
	FROM target_persons tp
	CROSS JOIN feature_flags ff
	WHERE ff.team_id = $1
	  AND ff.active AND NOT ff.deleted
	  AND ff.ensure_experience_continuity
	  AND NOT EXISTS (
		SELECT 1
		FROM feature_flag_hash_key_overrides existing
		WHERE existing.team_id = $1
		  AND existing.person_id = tp.person_id
		  AND existing.feature_flag_key = ff.key
	  )
	ON CONFLICT DO NOTHING`

// SetHashKeyOverrides writes hashKey as the override for every continuity
// flag of every person behind distinctIDs, leaving existing overrides
// untouched. Returns whether any row was written. A foreign key violation
// means a person was merged mid-write; the statement is retried a bounded
// number of times since the merged identity maps to a new person row.
func (s *OverrideStore) SetHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string, hashKey string) (bool, error) {
	var wrote bool

	for attempt := 0; ; attempt++ {
		err := s.withStatementTimeout(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, setOverridesSQL, teamID, distinctIDs, hashKey)
			if err != nil {
				return err
			}
			wrote = tag.RowsAffected() > 0
			return nil
		})
		if err == nil {
			return wrote, nil
		}

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != foreignKeyViolation || attempt >= fkRetryLimit {
			return false, fmt.Errorf("set hash key overrides: %w", err)
		}

		timer := time.NewTimer(fkRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, fmt.Errorf("set hash key overrides: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// GetHashKeyOverrides returns the flag key to hash key overrides for the
// person(s) behind distinctIDs. When the ids resolve to different persons
// with conflicting overrides, the person behind the earliest supplied
// distinct id wins.
func (s *OverrideStore) GetHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pdi.distinct_id, o.feature_flag_key, o.hash_key
		FROM feature_flag_hash_key_overrides o
		JOIN person_distinct_ids pdi ON pdi.person_id = o.person_id AND pdi.team_id = o.team_id
		WHERE o.team_id = $1 AND pdi.distinct_id = ANY($2)
	`, teamID, distinctIDs)
	if err != nil {
		return nil, fmt.Errorf("get hash key overrides: %w", err)
	}
	defer rows.Close()

	priority := make(map[string]int, len(distinctIDs))
	for i, id := range distinctIDs {
		if _, ok := priority[id]; !ok {
			priority[id] = i
		}
	}

	overrides := make(map[string]string)
	chosen := make(map[string]int)
	for rows.Next() {
		var distinctID, flagKey, hashKey string
		if err := rows.Scan(&distinctID, &flagKey, &hashKey); err != nil {
			return nil, fmt.Errorf("scan hash key override: %w", err)
		}
		rank, ok := priority[distinctID]
		if !ok {
			continue
		}
		if existing, ok := chosen[flagKey]; ok && existing <= rank {
			continue
		}
		overrides[flagKey] = hashKey
		chosen[flagKey] = rank
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hash key override rows: %w", err)
	}
	return overrides, nil
}

// HasPendingOverrides reports whether any continuity flag still lacks an
// override for the persons behind distinctIDs, so callers can skip the write
// path entirely on the common steady-state request.
func (s *OverrideStore) HasPendingOverrides(ctx context.Context, teamID int64, distinctIDs []string) (bool, error) {
	var pending bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM person_distinct_ids pdi
			CROSS JOIN feature_flags ff
			WHERE pdi.team_id = $1 AND pdi.distinct_id = ANY($2)
			  AND ff.team_id = $1
			  AND ff.active AND NOT ff.deleted
			  AND ff.ensure_experience_continuity
			  AND NOT EXISTS (
				SELECT 1
				FROM feature_flag_hash_key_overrides o
				WHERE o.team_id = $1
				  AND o.person_id = pdi.person_id
				  AND o.feature_flag_key = ff.key
			  )
		)
	`, teamID, distinctIDs).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("has pending overrides: %w", err)
	}
	return pending, nil
}

// withStatementTimeout mirrors EntityStore's transaction wrapper.
func (s *OverrideStore) withStatementTimeout(ctx context.Context, fn func(pgx.Tx) error) error {
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

// Package repository provides the PostgreSQL-backed collaborators consumed by
// the evaluation engine: flag definitions, person/group condition queries,
// cohorts, group type mappings, and durable hash-key overrides. It also
// handles LISTEN/NOTIFY-based cache invalidation so the service layer learns
// about flag writes without polling.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/rollouts/internal/core"
)

const (
	defaultNotifyChannel = "feature_flag_changes"
	defaultQueryTimeout  = time.Second
)

// DB is the subset of pgxpool.Pool the stores need. pgxmock satisfies it for
// unit tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// FlagRepository loads active flag definition snapshots per team.
type FlagRepository struct {
	db            DB
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewFlagRepository creates a FlagRepository on the default notify channel.
// pool may be nil in tests; it is only needed for LISTEN subscriptions.
func NewFlagRepository(db DB, pool *pgxpool.Pool) *FlagRepository {
	return &FlagRepository{db: db, pool: pool, notifyChannel: defaultNotifyChannel}
}

// ListActiveFlags returns immutable snapshots of every active, non-deleted
// flag for the team. Flags whose stored filters fail to parse are skipped and
// their keys returned separately so the caller can record a partial result.
func (r *FlagRepository) ListActiveFlags(ctx context.Context, teamID int64) ([]*core.FeatureFlag, []string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, team_id, key, active, deleted, ensure_experience_continuity, has_encrypted_payloads, filters
		FROM feature_flags
		WHERE team_id = $1 AND active AND NOT deleted
		ORDER BY id
	`, teamID)
	if err != nil {
		return nil, nil, fmt.Errorf("list active flags: %w", err)
	}
	defer rows.Close()

	var flags []*core.FeatureFlag
	var malformed []string
	for rows.Next() {
		var flag core.FeatureFlag
		var filters []byte
		if err := rows.Scan(
			&flag.ID,
			&flag.TeamID,
			&flag.Key,
			&flag.Active,
			&flag.Deleted,
			&flag.EnsureExperienceContinuity,
			&flag.HasEncryptedPayloads,
			&filters,
		); err != nil {
			return nil, nil, fmt.Errorf("scan flag: %w", err)
		}
		if err := json.Unmarshal(filters, &flag.Filters); err != nil {
			malformed = append(malformed, flag.Key)
			continue
		}
		flags = append(flags, &flag)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list active flags rows: %w", err)
	}

	return flags, malformed, nil
}

// NotifyFlagChange announces that a team's flags changed. The authoring
// surface calls this after committing a write; tests use it to exercise the
// invalidation path.
func (r *FlagRepository) NotifyFlagChange(ctx context.Context, teamID int64) error {
	_, err := r.db.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, strconv.FormatInt(teamID, 10))
	if err != nil {
		return fmt.Errorf("notify flag change: %w", err)
	}
	return nil
}

// SubscribeFlagInvalidation returns a channel receiving the team id of each
// flag-change notification (0 when the payload is unparseable, meaning
// "invalidate everything"). The channel is closed when the listener stops.
func (r *FlagRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan int64, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("subscribe flag invalidation: no pool")
	}

	invalidations := make(chan int64, 16)
	go r.runInvalidationListener(ctx, invalidations)
	return invalidations, nil
}

func (r *FlagRepository) runInvalidationListener(ctx context.Context, invalidations chan<- int64) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidations(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *FlagRepository) listenForInvalidations(ctx context.Context, invalidations chan<- int64) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for flag change notification: %w", err)
		}

		teamID, err := strconv.ParseInt(strings.TrimSpace(notification.Payload), 10, 64)
		if err != nil {
			teamID = 0
		}

		select {
		case invalidations <- teamID:
		default:
		}
	}
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

// Package service ties flag definitions, the evaluation engine, and the
// override store together behind one EvaluateFlags call, with a per-team
// snapshot cache kept fresh by TTL expiry and LISTEN/NOTIFY invalidation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/rollouts/internal/core"
	"github.com/matt-riley/rollouts/internal/metrics"
)

const (
	defaultFlagCacheTTL = 30 * time.Second
	cacheReloadTimeout  = 5 * time.Second
)

var ErrFlagsUnavailable = errors.New("flag definitions unavailable")

// FlagSource loads per-team flag definition snapshots.
type FlagSource interface {
	ListActiveFlags(ctx context.Context, teamID int64) (flags []*core.FeatureFlag, malformed []string, err error)
}

// OverrideRepository persists and reads hash key overrides for experience
// continuity.
type OverrideRepository interface {
	SetHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string, hashKey string) (bool, error)
	GetHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string) (map[string]string, error)
	HasPendingOverrides(ctx context.Context, teamID int64, distinctIDs []string) (bool, error)
}

type invalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan int64, error)
}

// EvaluateRequest is one flag evaluation call for a subject.
type EvaluateRequest struct {
	TeamID     int64
	DistinctID string
	// HashKeyOverride pins variant allocation across an identity merge,
	// typically the pre-login anonymous distinct id.
	HashKeyOverride  string
	Groups           map[string]string
	PersonProperties map[string]any
	GroupProperties  map[string]map[string]any
	// FlagKeys restricts evaluation to the named flags when non-empty.
	FlagKeys []string
}

// Options configures optional Service collaborators.
type Options struct {
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	FlagCacheTTL time.Duration
	// ResyncInterval bounds how stale the cache can get if notifications are
	// lost. Zero disables the safety-net resync.
	ResyncInterval time.Duration
}

type cacheEntry struct {
	flags     []*core.FeatureFlag
	malformed []string
	loadedAt  time.Time
}

// Service evaluates flag batches for subjects. Safe for concurrent use.
type Service struct {
	flags     FlagSource
	overrides OverrideRepository
	stores    core.Stores
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	ttl       time.Duration

	mu    sync.RWMutex
	cache map[int64]cacheEntry
}

// New creates a Service. When flags also implements the invalidation
// subscriber interface, a background listener keeps the cache fresh for the
// lifetime of ctx.
func New(ctx context.Context, flags FlagSource, overrides OverrideRepository, stores core.Stores, opts Options) (*Service, error) {
	if flags == nil {
		return nil, errors.New("flag source is nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FlagCacheTTL <= 0 {
		opts.FlagCacheTTL = defaultFlagCacheTTL
	}

	svc := &Service{
		flags:     flags,
		overrides: overrides,
		stores:    stores,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    otel.Tracer("rollouts/service"),
		ttl:       opts.FlagCacheTTL,
		cache:     make(map[int64]cacheEntry),
	}

	if subscriber, ok := flags.(invalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber, opts.ResyncInterval); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// EvaluateFlags evaluates every active flag of the request's team for the
// subject. Per-flag failures surface through BatchResult.HadError rather than
// the returned error, which is reserved for "no definitions at all".
func (s *Service) EvaluateFlags(ctx context.Context, req EvaluateRequest) (core.BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "EvaluateFlags", trace.WithAttributes(
		attribute.Int64("team.id", req.TeamID),
	))
	defer span.End()

	if strings.TrimSpace(req.DistinctID) == "" && req.HashKeyOverride == "" {
		return core.BatchResult{}, errors.New("distinct_id is required")
	}

	entry, err := s.teamFlags(ctx, req.TeamID)
	if err != nil {
		return core.BatchResult{}, fmt.Errorf("%w: %w", ErrFlagsUnavailable, err)
	}

	flags := entry.flags
	if len(req.FlagKeys) > 0 {
		flags = filterFlags(flags, req.FlagKeys)
	}

	subject := core.Subject{
		DistinctID:       req.DistinctID,
		Groups:           req.Groups,
		PersonProperties: req.PersonProperties,
		GroupProperties:  req.GroupProperties,
	}

	skipDatabase := false
	if hasContinuityFlags(flags) {
		overrides, degraded := s.resolveHashKeyOverrides(ctx, req)
		subject.HashKeyOverrides = overrides
		skipDatabase = degraded
	}

	matcher := core.NewMatcher(s.stores, req.TeamID, flags, subject, skipDatabase)
	result := matcher.EvaluateAll(ctx)

	// Definitions skipped at load time count as evaluation failures too.
	if len(entry.malformed) > 0 {
		result.HadError = true
	}

	s.recordResult(ctx, req.TeamID, result)
	return result, nil
}

// resolveHashKeyOverrides handles the continuity write-then-read sequence.
// degraded is true when the override store failed, in which case evaluation
// proceeds without the database rather than failing the whole batch.
func (s *Service) resolveHashKeyOverrides(ctx context.Context, req EvaluateRequest) (map[string]string, bool) {
	if s.overrides == nil {
		return nil, false
	}

	ids := []string{req.DistinctID}
	if req.HashKeyOverride != "" && req.HashKeyOverride != req.DistinctID {
		ids = append(ids, req.HashKeyOverride)
	}

	if req.HashKeyOverride != "" {
		// Writes are skipped entirely when every continuity flag already has
		// an override for these persons; the steady state is read-only.
		pending, err := s.overrides.HasPendingOverrides(ctx, req.TeamID, ids)
		if err != nil {
			s.logger.WarnContext(ctx, "override pending check failed, evaluating without database",
				slog.Int64("team_id", req.TeamID), slog.Any("error", err))
			return nil, true
		}
		if pending {
			wrote, err := s.overrides.SetHashKeyOverrides(ctx, req.TeamID, ids, req.HashKeyOverride)
			switch {
			case err != nil:
				s.recordOverrideWrite("error")
				s.logger.WarnContext(ctx, "override write failed, evaluating without database",
					slog.Int64("team_id", req.TeamID), slog.Any("error", err))
				return nil, true
			case wrote:
				s.recordOverrideWrite("written")
			default:
				s.recordOverrideWrite("noop")
			}
		}
	}

	overrides, err := s.overrides.GetHashKeyOverrides(ctx, req.TeamID, ids)
	if err != nil {
		s.logger.WarnContext(ctx, "override read failed, evaluating without database",
			slog.Int64("team_id", req.TeamID), slog.Any("error", err))
		return nil, true
	}
	return overrides, false
}

// teamFlags returns the cached snapshot for a team, loading from the source
// when missing or past its TTL.
func (s *Service) teamFlags(ctx context.Context, teamID int64) (cacheEntry, error) {
	s.mu.RLock()
	entry, ok := s.cache[teamID]
	s.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < s.ttl {
		return entry, nil
	}

	flags, malformed, err := s.flags.ListActiveFlags(ctx, teamID)
	if err != nil {
		// A stale snapshot beats no snapshot when the source is down.
		if ok {
			return entry, nil
		}
		return cacheEntry{}, err
	}

	entry = cacheEntry{flags: flags, malformed: malformed, loadedAt: time.Now()}
	s.mu.Lock()
	s.cache[teamID] = entry
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncCacheLoads()
		s.metrics.SetCacheSize(teamID, float64(len(flags)))
	}
	for _, key := range malformed {
		s.logger.WarnContext(ctx, "skipping flag with malformed filters",
			slog.Int64("team_id", teamID), slog.String("flag_key", key))
	}
	return entry, nil
}

// InvalidateTeam drops a team's cached snapshot. teamID 0 drops everything.
func (s *Service) InvalidateTeam(teamID int64) {
	s.mu.Lock()
	if teamID == 0 {
		s.cache = make(map[int64]cacheEntry)
	} else {
		delete(s.cache, teamID)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncCacheInvalidations()
		if teamID == 0 {
			s.metrics.ResetCacheSize()
		}
	}
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber invalidationSubscriber, resyncInterval time.Duration) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		var resync <-chan time.Time
		if resyncInterval > 0 {
			ticker := time.NewTicker(resyncInterval)
			defer ticker.Stop()
			resync = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-resync:
				s.InvalidateTeam(0)
			case teamID, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						s.logger.WarnContext(ctx, "resubscribe cache invalidation failed", slog.Any("error", err))
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.InvalidateTeam(teamID)
			}
		}
	}()

	return nil
}

func (s *Service) recordResult(ctx context.Context, teamID int64, result core.BatchResult) {
	for key, err := range result.Errors {
		s.logger.WarnContext(ctx, "flag evaluation failed",
			slog.Int64("team_id", teamID), slog.String("flag_key", key), slog.Any("error", err))
		if s.metrics != nil {
			s.metrics.RecordEvaluationError()
		}
	}
	if s.metrics == nil {
		return
	}
	for key, reason := range result.Reasons {
		value, ok := result.Values[key]
		s.metrics.RecordEvaluation(ok && value != false, string(reason.Reason))
	}
	if result.HadError {
		s.metrics.RecordPartialResponse()
	}
}

func (s *Service) recordOverrideWrite(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordOverrideWrite(outcome)
	}
}

func hasContinuityFlags(flags []*core.FeatureFlag) bool {
	for _, flag := range flags {
		if flag.EnsureExperienceContinuity {
			return true
		}
	}
	return false
}

func filterFlags(flags []*core.FeatureFlag, keys []string) []*core.FeatureFlag {
	wanted := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		wanted[key] = struct{}{}
	}
	filtered := make([]*core.FeatureFlag, 0, len(keys))
	for _, flag := range flags {
		if _, ok := wanted[flag.Key]; ok {
			filtered = append(filtered, flag)
		}
	}
	return filtered
}

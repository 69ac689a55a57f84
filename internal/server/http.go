// Package server exposes the evaluation engine over HTTP: one decide-style
// evaluation route plus health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/matt-riley/rollouts/internal/core"
	"github.com/matt-riley/rollouts/internal/middleware"
	"github.com/matt-riley/rollouts/internal/repository"
	"github.com/matt-riley/rollouts/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// Evaluator is the service surface the HTTP layer needs.
type Evaluator interface {
	EvaluateFlags(ctx context.Context, req service.EvaluateRequest) (core.BatchResult, error)
}

// TeamResolver maps API tokens to team ids.
type TeamResolver interface {
	GetTeamIDByToken(ctx context.Context, token string) (int64, error)
}

// Options configures optional HTTP handler collaborators.
type Options struct {
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	MaxBodyBytes   int64
}

type HTTPServer struct {
	evaluator    Evaluator
	teams        TeamResolver
	maxBodyBytes int64
}

type evaluateJSONRequest struct {
	Token            string                    `json:"token"`
	DistinctID       string                    `json:"distinct_id"`
	Groups           map[string]string         `json:"groups,omitempty"`
	PersonProperties map[string]any            `json:"person_properties,omitempty"`
	GroupProperties  map[string]map[string]any `json:"group_properties,omitempty"`
	AnonDistinctID   string                    `json:"$anon_distinct_id,omitempty"`
	FlagKeys         []string                  `json:"flag_keys,omitempty"`
}

type evaluateJSONResponse struct {
	FeatureFlags              map[string]any             `json:"featureFlags"`
	FeatureFlagPayloads       map[string]json.RawMessage `json:"featureFlagPayloads,omitempty"`
	EvaluationReasons         map[string]evaluateReason  `json:"evaluationReasons"`
	ErrorsWhileComputingFlags bool                       `json:"errorsWhileComputingFlags"`
}

type evaluateReason struct {
	Reason         string `json:"reason"`
	ConditionIndex int    `json:"condition_index"`
}

// NewHTTPHandler builds the route mux around the evaluator.
func NewHTTPHandler(evaluator Evaluator, teams TeamResolver, opts Options) http.Handler {
	if evaluator == nil {
		panic("evaluator is nil")
	}
	if teams == nil {
		panic("team resolver is nil")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		evaluator:    evaluator,
		teams:        teams,
		maxBodyBytes: opts.MaxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	return mux
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Token) == "" {
		writeJSONError(w, http.StatusUnauthorized, "token is required")
		return
	}
	if strings.TrimSpace(request.DistinctID) == "" {
		writeJSONError(w, http.StatusBadRequest, "distinct_id is required")
		return
	}

	teamID, err := s.teams.GetTeamIDByToken(r.Context(), request.Token)
	if err != nil {
		if errors.Is(err, repository.ErrTeamNotFound) {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		writeServiceError(w, r, err)
		return
	}

	result, err := s.evaluator.EvaluateFlags(r.Context(), service.EvaluateRequest{
		TeamID:           teamID,
		DistinctID:       request.DistinctID,
		HashKeyOverride:  request.AnonDistinctID,
		Groups:           request.Groups,
		PersonProperties: request.PersonProperties,
		GroupProperties:  request.GroupProperties,
		FlagKeys:         request.FlagKeys,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response := evaluateJSONResponse{
		FeatureFlags:              result.Values,
		FeatureFlagPayloads:       result.Payloads,
		EvaluationReasons:         make(map[string]evaluateReason, len(result.Reasons)),
		ErrorsWhileComputingFlags: result.HadError,
	}
	if response.FeatureFlags == nil {
		response.FeatureFlags = map[string]any{}
	}
	for key, reason := range result.Reasons {
		response.EvaluationReasons[key] = evaluateReason{
			Reason:         string(reason.Reason),
			ConditionIndex: reason.ConditionIndex,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := middleware.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, service.ErrFlagsUnavailable):
		logger.ErrorContext(r.Context(), "flag definitions unavailable", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "flag definitions unavailable")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		logger.ErrorContext(r.Context(), "evaluate request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return fmt.Errorf("decode json body: %w", err)
}

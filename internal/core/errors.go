package core

import "errors"

// Sentinel errors for the failure modes that batch evaluation must isolate.
// Store-availability errors are remembered for the remainder of a call so a
// failing backend is hit at most once per evaluation pass.
var (
	// ErrConditionsUnavailable means the batched condition query against the
	// person/group store failed (timeout, connection loss).
	ErrConditionsUnavailable = errors.New("flag conditions unavailable")

	// ErrGroupMappingUnavailable means the group-type-index mapping could not
	// be fetched.
	ErrGroupMappingUnavailable = errors.New("group type mapping unavailable")

	// ErrCohortCycle means cohort dependency resolution detected a cycle (or
	// exceeded the depth cap). Hard evaluation error for the affected flag.
	ErrCohortCycle = errors.New("cohort dependencies contain a cycle")

	// ErrCohortNotExpandable means a cohort cannot be flattened into
	// OR-of-AND conditions. Callers fall back to unexpanded evaluation.
	ErrCohortNotExpandable = errors.New("cohort cannot be expanded to flag conditions")

	// ErrDatabaseSkipped means the caller declared the store unavailable up
	// front, so database-dependent flags were not evaluated.
	ErrDatabaseSkipped = errors.New("database-backed evaluation skipped")

	// ErrInvalidFlagDefinition means a flag's stored filters are malformed.
	// Recorded per flag; sibling flags are unaffected.
	ErrInvalidFlagDefinition = errors.New("invalid flag definition")
)

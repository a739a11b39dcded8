package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Structural errors. Raised while compiling a timeline; the experiment
	// cannot launch.
	ErrMissingTerminal     = errors.New("timeline must end with an end page")
	ErrNestedFixTime       = errors.New("fixed time-credit blocks cannot be nested")
	ErrDuplicateModule     = errors.New("duplicate module label")
	ErrMissingTimeEstimate = errors.New("page is missing a time estimate")
	ErrAliasedElt          = errors.New("element instance appears more than once in the timeline")
	ErrDanglingGoTo        = errors.New("goto target is not part of the timeline")
	ErrEmptyTimeline       = errors.New("timeline is empty")

	// Allocation errors. Experimenter misconfiguration, never retried.
	ErrBranchNotFound      = errors.New("switch selector returned a key with no matching branch")
	ErrInvalidFilterResult = errors.New("custom node filter returned nodes outside the candidate set")

	// Participant response errors
	ErrStalePage  = errors.New("response does not match the current page")
	ErrNotOnPage  = errors.New("participant is not on a page")
	ErrBadAnswer  = errors.New("answer could not be parsed for this page")
	ErrNoResponse = errors.New("no response to process")

	// Runtime errors
	ErrCursorOutOfBounds   = errors.New("timeline cursor ran past the last element")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantFinished = errors.New("participant has already finished")
	ErrTrialNotFound       = errors.New("trial not found")
	ErrNodeNotFound        = errors.New("node not found")
	ErrNetworkNotFound     = errors.New("network not found")
	ErrTrialMakerNotFound  = errors.New("trial maker not found")

	// Async process errors
	ErrAsyncTimeout   = errors.New("async process timed out")
	ErrAsyncFailed    = errors.New("async process failed")
	ErrProcessUnknown = errors.New("async process not found")

	// Concurrency errors
	ErrLockContention = errors.New("database lock contention: retries exhausted")
)

// Failure reasons recorded on trials, nodes and participants.
const (
	ReasonResponseTimeout  = "response_timeout"
	ReasonAsyncTimeout     = "async_timeout"
	ReasonAsyncFailed      = "async_failed"
	ReasonPrematureExit    = "premature_exit"
	ReasonPerformanceCheck = "performance_check"
	ReasonParticipantFail  = "participant_failed"
	ReasonParentFailed     = "parent_failed"
)

// Package joberr defines the closed error-kind taxonomy used across the
// job lifecycle, plus a small wrapping type that carries a kind alongside
// an optional underlying cause.
package joberr

import "fmt"

// Kind is one of the error kinds named in the error-handling design. It is
// a closed set: callers switch on it, never on string prefixes.
type Kind string

const (
	// Spec errors, raised at submit.
	BadSpec          Kind = "bad_spec"
	InsufficientNodes Kind = "insufficient_nodes"

	// Dispatch errors.
	Backpressure    Kind = "backpressure"
	NodeUnavailable Kind = "node_unavailable"
	RateLimited     Kind = "rate_limited"

	// Execution errors.
	Timeout          Kind = "timeout"
	WorkerCrashed    Kind = "worker_crashed"
	ResourceDenied   Kind = "resource_denied"
	ModelFetchFailed Kind = "model_fetch_failed"

	// Fusion errors.
	QuorumLost     Kind = "quorum_lost"
	NoConsensus    Kind = "no_consensus"
	ReviewRequired Kind = "review_required"

	// Pipeline errors.
	StepFailed Kind = "step_failed"

	// Control-plane errors.
	RegistryStale   Kind = "registry_stale"
	PeerTimeout     Kind = "peer_timeout"
	HandoffRejected Kind = "handoff_rejected"

	// Cache errors.
	CacheFull Kind = "cache_full"

	// Job-manager request errors, not part of the §7 taxonomy proper but
	// needed to answer submit/cancel/result calls precisely.
	NotFound       Kind = "not_found"
	AlreadyTerminal Kind = "already_terminal"
	NotReady       Kind = "not_ready"
)

// Error wraps a Kind with an optional message and cause. It is the only
// error type job-lifecycle code constructs; transport adapters map Kind to
// a status code (see internal/clientapi).
type Error struct {
	Kind    Kind
	Step    int // populated for StepFailed
	Message string
	Cause   error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func StepFailure(step int, cause error) *Error {
	return &Error{Kind: StepFailed, Step: step, Message: fmt.Sprintf("step %d failed", step), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind from err if it is (or wraps) a *Error, otherwise
// returns the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	if fe, ok := err.(interface{ Unwrap() error }); ok {
		return KindOf(fe.Unwrap())
	}
	return ""
}

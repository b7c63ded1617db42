// Package runerr defines the structured error taxonomy shared by every
// pipeline stage. Stages never return bare errors; they wrap the
// underlying cause in an Error carrying a Kind and the stage that
// produced it, so the runner can decide fatal-vs-partial outcomes
// without string matching.
package runerr

import "fmt"

// Kind classifies the reason a pipeline operation failed.
type Kind string

const (
	ConfigInvalid        Kind = "ConfigInvalid"
	PathNotFound         Kind = "PathNotFound"
	PathUnreadable       Kind = "PathUnreadable"
	RegexInvalid         Kind = "RegexInvalid"
	ProviderUnavailable  Kind = "ProviderUnavailable"
	RateLimited          Kind = "RateLimited"
	TokenLimit           Kind = "TokenLimit"
	ReducerMismatch      Kind = "ReducerMismatch"
	ArtifactNotFound     Kind = "ArtifactNotFound"
	ArtifactIncompatible Kind = "ArtifactIncompatible"
	StoreError           Kind = "StoreError"
	InconsistencyDetected Kind = "InconsistencyDetected"
	Timeout              Kind = "Timeout"
	Cancelled             Kind = "Cancelled"
	NotImplemented        Kind = "NotImplemented"
)

// Error is the structured carrier propagated out of a stage. Stage names
// match the runner's Load/Split/Embed/Reduce/Store/Evaluate vocabulary.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and stage name.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf builds an Error from a format string, analogous to fmt.Errorf.
func Newf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; the zero Kind otherwise.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return ""
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Fatal reports whether a Kind always aborts the run, as opposed to being
// recorded and leaving the run in a partial state.
func Fatal(k Kind) bool {
	switch k {
	case StoreError, InconsistencyDetected, PathUnreadable:
		return false
	default:
		return true
	}
}

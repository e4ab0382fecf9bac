package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oisee/cftrace/pkg/trace"
)

// Failure kinds. Every error a Runner returns matches exactly one of these
// with errors.Is.
var (
	ErrArtifactNotFound    = errors.New("artifact not found")
	ErrArtifactInvalid     = errors.New("artifact invalid")
	ErrBinding             = errors.New("binding error")
	ErrExecutionFault      = errors.New("execution fault")
	ErrTruncation          = trace.ErrTruncated
	ErrDirectionsExhausted = errors.New("directions exhausted")
	ErrTimeout             = errors.New("timeout")
)

var kinds = []error{
	ErrArtifactNotFound,
	ErrArtifactInvalid,
	ErrBinding,
	ErrTimeout,
	ErrDirectionsExhausted,
	ErrExecutionFault,
	ErrTruncation,
}

// KindOf returns the failure kind err wraps, or nil if it wraps none.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is a short stable label for the failure kind of err, used in
// result files and metrics.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrArtifactNotFound:
		return "artifact_not_found"
	case ErrArtifactInvalid:
		return "artifact_invalid"
	case ErrBinding:
		return "binding"
	case ErrExecutionFault:
		return "execution_fault"
	case ErrTruncation:
		return "truncation"
	case ErrDirectionsExhausted:
		return "directions_exhausted"
	case ErrTimeout:
		return "timeout"
	}
	if err == nil {
		return ""
	}
	return "other"
}

// Error is a failed run, annotated with where it failed.
type Error struct {
	Backend  string
	Phase    Phase
	Artifact string
	// Partial holds the raw trace buffer of a truncated run when the
	// runner's policy keeps it. It is never a successful result.
	Partial trace.Trace
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(": ")
	b.WriteString(e.Phase.String())
	if e.Artifact != "" {
		fmt.Fprintf(&b, " %s", e.Artifact)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

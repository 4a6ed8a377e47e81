package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseValidate Phase = "validate" // manifest and schema validation
	PhaseRegistry Phase = "registry" // endpoint resolution
	PhaseFetch    Phase = "fetch"    // artifact acquisition
	PhaseLoad     Phase = "load"     // compile and instantiate
	PhasePool     Phase = "pool"     // sandbox acquisition
	PhaseEncode   Phase = "encode"   // Go to WASM
	PhaseDecode   Phase = "decode"   // WASM to Go
	PhaseRuntime  Phase = "runtime"  // guest execution
	PhaseChain    Phase = "chain"    // next hop forwarding
)

// Kind categorizes the error. Kinds are stable and travel between nodes.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindDeploymentFailed  Kind = "deployment_failed"
	KindFetchIntegrity    Kind = "fetch_integrity"
	KindFetchUnavailable  Kind = "fetch_unavailable"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTrap              Kind = "trap"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindInvalidData       Kind = "invalid_data"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindTransport         Kind = "transport"
	KindRemoteFailure     Kind = "remote_failure"
	KindInternal          Kind = "internal"
)

// NoHop marks an error not yet attributed to a chain hop.
const NoHop = -1

// Error is the structured error type used throughout the supervisor
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
	Hop    int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Hop >= 0 {
		fmt.Fprintf(&b, " (hop %d)", e.Hop)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
			Hop:   NoHop,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Hop attributes the error to a chain hop
func (b *Builder) Hop(hop int) *Builder {
	b.err.Hop = hop
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is checks on Kind alone.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrDeploymentFailed  = &Error{Kind: KindDeploymentFailed}
	ErrFetchIntegrity    = &Error{Kind: KindFetchIntegrity}
	ErrFetchUnavailable  = &Error{Kind: KindFetchUnavailable}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
	ErrTrap              = &Error{Kind: KindTrap}
	ErrOutOfBounds       = &Error{Kind: KindOutOfBounds}
	ErrDeadlineExceeded  = &Error{Kind: KindDeadlineExceeded}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrRemoteFailure     = &Error{Kind: KindRemoteFailure}
)

// KindOf returns the Kind of the first structured error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HopOf returns the hop recorded on the first structured error in err's chain
// that carries one, or NoHop.
func HopOf(err error) int {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Hop >= 0 {
			return e.Hop
		}
		err = errors.Unwrap(err)
	}
	return NoHop
}

// WithHop returns err attributed to hop. Errors that already carry a hop keep it.
func WithHop(err error, hop int) error {
	if err == nil || HopOf(err) >= 0 {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Hop = hop
		return &cp
	}
	return &Error{Phase: PhaseRuntime, Kind: KindInternal, Cause: err, Hop: hop}
}

// Convenience constructors for common error patterns

// Validation creates a validation error
func Validation(path []string, detail string, args ...any) *Error {
	return New(PhaseValidate, KindValidation).Path(path...).Detail(detail, args...).Build()
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
		Hop:    NoHop,
	}
}

// DeploymentFailed reports that a deployment exists but cannot serve requests
func DeploymentFailed(id string, cause error) *Error {
	return &Error{
		Phase:  PhaseRegistry,
		Kind:   KindDeploymentFailed,
		Detail: fmt.Sprintf("deployment %q is failed", id),
		Cause:  cause,
		Hop:    NoHop,
	}
}

// Integrity creates a content hash mismatch error
func Integrity(module, expected, actual string) *Error {
	return &Error{
		Phase:  PhaseFetch,
		Kind:   KindFetchIntegrity,
		Path:   []string{module},
		Detail: fmt.Sprintf("digest mismatch: expected %s, got %s", expected, actual),
		Hop:    NoHop,
	}
}

// Unavailable creates a transient fetch error
func Unavailable(module string, cause error) *Error {
	return &Error{
		Phase:  PhaseFetch,
		Kind:   KindFetchUnavailable,
		Path:   []string{module},
		Detail: "artifact source unavailable",
		Cause:  cause,
		Hop:    NoHop,
	}
}

// Exhausted creates a resource exhaustion error
func Exhausted(phase Phase, detail string, args ...any) *Error {
	return New(phase, KindResourceExhausted).Detail(detail, args...).Build()
}

// Trap creates a guest runtime fault error
func Trap(function string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTrap,
		Path:   []string{function},
		Detail: "module trapped",
		Cause:  cause,
		Hop:    NoHop,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, offset, length uint64, limit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("range [%d, %d) exceeds bound %d", offset, offset+length, limit),
		Value:  offset,
		Hop:    NoHop,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
		Hop:    NoHop,
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
		Hop:    NoHop,
	}
}

// DeadlineExceeded creates a deadline error for a hop
func DeadlineExceeded(hop int, cause error) *Error {
	return &Error{
		Phase:  PhaseChain,
		Kind:   KindDeadlineExceeded,
		Detail: "request deadline exceeded",
		Cause:  cause,
		Hop:    hop,
	}
}

// Transport creates an outbound transport error
func Transport(target string, cause error) *Error {
	return &Error{
		Phase:  PhaseChain,
		Kind:   KindTransport,
		Detail: fmt.Sprintf("forward to %s failed", target),
		Cause:  cause,
		Hop:    NoHop,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
		Hop:    NoHop,
	}
}

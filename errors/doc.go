// Package errors provides structured error types for the supervisor.
//
// Errors are categorized by Phase (where the error occurred) and Kind (what
// went wrong). Kinds form the failure taxonomy that every invocation reports
// to its caller, and they travel unchanged between nodes of a chain:
//
//	validation          malformed manifest or schema, rejected before activation
//	not_found           unknown endpoint or deployment
//	deployment_failed   the deployment exists but cannot serve
//	fetch_integrity     artifact content hash mismatch
//	fetch_unavailable   artifact source transiently unreachable
//	resource_exhausted  sandbox pool saturated
//	trap                guest fault, memory or time ceiling
//	out_of_bounds       schema and linear memory disagree
//	deadline_exceeded   request deadline passed at some hop
//	transport           next hop unreachable after retries
//	remote_failure      next hop answered with an unparseable failure
//
// Hop records which hop of a chained request produced the error; NoHop marks
// errors not yet attributed.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindOutOfBounds).
//		Path("detect", "result").
//		Hop(1).
//		Detail("pointer %d past memory", ptr).
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
// The Err* sentinels match on Kind alone:
//
//	if errors.Is(err, errors.ErrTrap) { ... }
package errors

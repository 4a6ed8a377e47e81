package history

import (
	"context"
	"time"

	"github.com/wippyai/wasm-supervisor/chain"
)

// Entry records one invocation on this node.
type Entry struct {
	RequestID    string        `json:"requestId"`
	DeploymentID string        `json:"deploymentId"`
	Path         string        `json:"path"`
	Module       string        `json:"module"`
	Function     string        `json:"function"`
	Hop          int           `json:"hop"`
	Node         string        `json:"node,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
	Success      bool          `json:"success"`
	Result       *chain.Result `json:"result,omitempty"`
}

// Duration is how long the invocation took, next hops included.
func (e Entry) Duration() time.Duration { return e.FinishedAt.Sub(e.StartedAt) }

// Store keeps request history.
type Store interface {
	// Record appends an entry.
	Record(ctx context.Context, e Entry) error
	// Get returns the entries of one request in the order they were recorded,
	// or a not_found error.
	Get(ctx context.Context, requestID string) ([]Entry, error)
	// List returns up to limit entries, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Failed reports whether any entry of a request failed.
func Failed(entries []Entry) bool {
	for _, e := range entries {
		if !e.Success {
			return true
		}
	}
	return false
}

package chain

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wippyai/wasm-supervisor/errors"
)

// Headers carrying the request context between nodes.
const (
	HeaderRequestID  = "X-Request-Id"
	HeaderStep       = "X-Chain-Step"
	HeaderDeadline   = "X-Chain-Deadline"
	HeaderDeployment = "X-Deployment-Id"
	HeaderOrigin     = "X-Chain-Origin"
)

// DefaultMaxSteps bounds the hop index a node accepts.
const DefaultMaxSteps = 20

// Context is the identity and deadline of one logical request. It is
// created at the originating node and travels unchanged except for Hop.
type Context struct {
	RequestID    string    `json:"requestId"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	Hop          int       `json:"hop"`
	Deadline     time.Time `json:"deadline,omitempty"`
	// Origin names the device that started the request.
	Origin string `json:"origin,omitempty"`
}

// NewContext starts a request at hop 0. A zero timeout means no deadline.
func NewContext(deploymentID, origin string, timeout time.Duration) Context {
	c := Context{
		RequestID:    uuid.NewString(),
		DeploymentID: deploymentID,
		Origin:       origin,
	}
	if timeout > 0 {
		c.Deadline = time.Now().Add(timeout)
	}
	return c
}

// Next is the context for the following hop.
func (c Context) Next() Context {
	c.Hop++
	return c
}

// HasDeadline reports whether the request carries a deadline.
func (c Context) HasDeadline() bool { return !c.Deadline.IsZero() }

// Expired reports whether the deadline has passed at now.
func (c Context) Expired(now time.Time) bool {
	return c.HasDeadline() && !now.Before(c.Deadline)
}

// Bind derives a Go context that ends at the request deadline.
func (c Context) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	if !c.HasDeadline() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, c.Deadline)
}

// Inject writes the context into outbound headers.
func (c Context) Inject(h http.Header) {
	h.Set(HeaderRequestID, c.RequestID)
	h.Set(HeaderStep, strconv.Itoa(c.Hop))
	if c.HasDeadline() {
		h.Set(HeaderDeadline, c.Deadline.UTC().Format(time.RFC3339Nano))
	}
	if c.DeploymentID != "" {
		h.Set(HeaderDeployment, c.DeploymentID)
	}
	if c.Origin != "" {
		h.Set(HeaderOrigin, c.Origin)
	}
}

// Extract reads a context from inbound headers. A missing request id is
// generated here, which makes this node the origin; a missing step is hop 0.
// Steps above maxSteps are rejected so a misrouted cycle cannot run forever.
func Extract(h http.Header, maxSteps int) (Context, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	c := Context{
		RequestID:    strings.TrimSpace(h.Get(HeaderRequestID)),
		DeploymentID: h.Get(HeaderDeployment),
		Origin:       h.Get(HeaderOrigin),
	}
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}

	if s := h.Get(HeaderStep); s != "" {
		hop, err := strconv.Atoi(s)
		if err != nil || hop < 0 {
			return Context{}, errors.Validation([]string{HeaderStep}, "invalid step %q", s)
		}
		if hop > maxSteps {
			return Context{}, errors.Validation([]string{HeaderStep}, "step %d exceeds maximum %d", hop, maxSteps)
		}
		c.Hop = hop
	}

	if s := h.Get(HeaderDeadline); s != "" {
		d, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Context{}, errors.Validation([]string{HeaderDeadline}, "invalid deadline %q", s)
		}
		c.Deadline = d
	}
	return c, nil
}

// IsChained reports whether headers came from another hop rather than a client.
func IsChained(h http.Header) bool {
	return h.Get(HeaderStep) != ""
}

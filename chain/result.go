package chain

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/errors"
)

// Result is what one invocation produces. For a chained request it is the
// terminal hop's result, returned unchanged through every earlier hop.
type Result struct {
	RequestID string `json:"requestId"`
	// Hop is the hop that produced the result or the failure.
	Hop     int  `json:"hop"`
	Success bool `json:"success"`

	Values []json.RawMessage `json:"values,omitempty"`
	Schema []codec.Spec      `json:"schema,omitempty"`
	// Files maps output-stage file names to the URL serving them.
	Files map[string]string `json:"files,omitempty"`

	Failure *Failure `json:"failure,omitempty"`
}

// Failure describes why an invocation did not produce a value.
type Failure struct {
	Kind    errors.Kind `json:"kind"`
	Hop     int         `json:"hop"`
	Message string      `json:"message"`
	// Node is the device that reported the failure, when known.
	Node string `json:"node,omitempty"`
}

func (f *Failure) Error() string {
	if f.Node != "" {
		return fmt.Sprintf("%s at hop %d on %s: %s", f.Kind, f.Hop, f.Node, f.Message)
	}
	return fmt.Sprintf("%s at hop %d: %s", f.Kind, f.Hop, f.Message)
}

// Err converts the failure back into the error taxonomy.
func (f *Failure) Err() error {
	return errors.New(errors.PhaseChain, f.Kind).Hop(f.Hop).Detail("%s", f.Message).Build()
}

// Success builds a result carrying values of the given schema.
func Success(rc Context, schema codec.Schema, values []codec.Value) (*Result, error) {
	raw := make([]json.RawMessage, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "marshal result")
		}
		raw[i] = b
	}
	return &Result{
		RequestID: rc.RequestID,
		Hop:       rc.Hop,
		Success:   true,
		Values:    raw,
		Schema:    schema.Specs(),
	}, nil
}

// Fail builds a failed result from err. Errors that already carry a hop keep
// it; anything else is attributed to rc's hop.
func Fail(rc Context, err error, node string) *Result {
	f := FailureOf(err, rc.Hop)
	if f.Node == "" {
		f.Node = node
	}
	return &Result{
		RequestID: rc.RequestID,
		Hop:       f.Hop,
		Failure:   f,
	}
}

// FailureOf maps any error to a Failure. Untyped errors become internal.
func FailureOf(err error, hop int) *Failure {
	var f *Failure
	if stderrors.As(err, &f) {
		cp := *f
		return &cp
	}
	kind := errors.KindOf(err)
	if h := errors.HopOf(err); h != errors.NoHop {
		hop = h
	}
	return &Failure{Kind: kind, Hop: hop, Message: err.Error()}
}

package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/internal/wasmtest"
	"github.com/wippyai/wasm-supervisor/registry"
)

func TestClientRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	c := NewClient(h.http.URL+"/", nil)
	ctx := context.Background()

	m := doubleManifest(h.module(t, "double", wasmtest.Double()))
	m.Endpoints[0].Mounts = []registry.Mount{
		{Path: "frame.png", MediaType: "image/png", Stage: registry.StageExecution},
	}
	dep, err := c.Deploy(ctx, m, true)
	require.NoError(t, err)
	assert.Equal(t, "D1", dep.DeploymentID)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	res, err := c.Invoke(ctx, "/a", []json.RawMessage{json.RawMessage("7")}, map[string][]byte{"frame.png": []byte("x")})
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Failure)
	assert.JSONEq(t, "14", string(res.Values[0]))

	res, err = c.Invoke(ctx, "/a", []json.RawMessage{json.RawMessage("7")}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errors.KindValidation, res.Failure.Kind)

	entries, err := c.History(ctx, res.RequestID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)

	entries, err = c.History(ctx, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, c.Remove(ctx, "D1"))
	_, err = c.Deploy(ctx, &registry.Manifest{DeploymentID: "D2"}, false)
	var f *chain.Failure
	require.True(t, stderrors.As(err, &f))
	assert.Equal(t, errors.KindValidation, f.Kind)
}

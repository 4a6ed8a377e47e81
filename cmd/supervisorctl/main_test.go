package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-supervisor/api"
	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/registry"
)

var deployments = []registry.Deployment{{
	ID:     "D1",
	Status: registry.StatusActive,
	Endpoints: []registry.EndpointSpec{{
		Path:     "/a",
		Module:   "m1",
		Function: "double",
		Input:    []codec.Spec{{Name: "x", Type: "s32"}},
		Output:   []codec.Spec{{Type: "s32"}},
		Mounts:   []registry.Mount{{Path: "frame.png", MediaType: "image/png", Stage: registry.StageExecution}},
	}},
}, {
	ID:     "D2",
	Status: registry.StatusFailed,
	Error:  "digest mismatch",
}}

// fakeNode answers like a supervisor with one deployment. The last invoke
// body is kept for inspection.
func fakeNode(t *testing.T, last *[]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /deploy", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(deployments)
	})
	mux.HandleFunc("POST /deploy", func(w http.ResponseWriter, r *http.Request) {
		var m registry.Manifest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.DeployResponse{DeploymentID: m.DeploymentID, Status: registry.StatusActive, Endpoints: []string{"/a"}})
	})
	mux.HandleFunc("DELETE /deploy/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /a", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*last = body
		_ = json.NewEncoder(w).Encode(chain.Result{RequestID: "r1", Success: true, Values: []json.RawMessage{json.RawMessage("14")}})
	})
	mux.HandleFunc("POST /bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(chain.Result{RequestID: "r2", Failure: &chain.Failure{Kind: errors.KindTrap, Message: "unreachable"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatch(t *testing.T) {
	var last []byte
	srv := fakeNode(t, &last)
	c := api.NewClient(srv.URL, nil)
	ctx := context.Background()

	manifest := filepath.Join(t.TempDir(), "d1.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("deploymentId: D1\nmodules: []\nendpoints: []\n"), 0o644))

	var out bytes.Buffer
	require.NoError(t, dispatch(ctx, c, &out, "deploy", []string{"-wait", manifest}))
	assert.Contains(t, out.String(), "D1 (active)")

	out.Reset()
	require.NoError(t, dispatch(ctx, c, &out, "list", nil))
	assert.Contains(t, out.String(), "/a")
	assert.Contains(t, out.String(), "digest mismatch")

	out.Reset()
	require.NoError(t, dispatch(ctx, c, &out, "remove", []string{"D1"}))
	assert.Equal(t, "removed D1\n", out.String())

	frame := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(frame, []byte("png"), 0o644))
	out.Reset()
	require.NoError(t, dispatch(ctx, c, &out, "invoke", []string{"-file", "frame.png=" + frame, "/a", "7"}))
	assert.Contains(t, out.String(), `"success": true`)
	assert.Contains(t, string(last), "png")

	out.Reset()
	err := dispatch(ctx, c, &out, "invoke", []string{"/bad"})
	assert.ErrorIs(t, err, errFailed)
	assert.Contains(t, out.String(), "unreachable")

	assert.Error(t, dispatch(ctx, c, &out, "bogus", nil))
	assert.Error(t, dispatch(ctx, c, &out, "remove", nil))
}

func TestJSONArg(t *testing.T) {
	assert.Equal(t, `7`, string(jsonArg("7")))
	assert.Equal(t, `"alice"`, string(jsonArg("alice")))
	assert.Equal(t, `[1,2]`, string(jsonArg("[1,2]")))
}

func TestInteractiveModelInvokes(t *testing.T) {
	var last []byte
	srv := fakeNode(t, &last)
	m := newInteractiveModel(api.NewClient(srv.URL, nil), srv.URL)

	loaded := m.loadEndpoints().(loadedMsg)
	require.NoError(t, loaded.err)
	require.Len(t, loaded.endpoints, 1)
	ep := loaded.endpoints[0]
	assert.Equal(t, "s32", ep.params[0].typeStr)
	assert.Equal(t, []string{"frame.png"}, ep.files)

	m.Update(loaded)
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, stateInputArgs, m.state)
	require.Len(t, m.inputs, 2)

	frame := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(frame, []byte("png"), 0o644))
	m.inputs[0].SetValue("7")
	m.inputs[1].SetValue(frame)

	res := m.callEndpoint().(callResultMsg)
	require.NoError(t, res.err)
	assert.Equal(t, "14", res.result)
	assert.Contains(t, string(last), `[7]`)

	m.inputs[0].SetValue("seven")
	res = m.callEndpoint().(callResultMsg)
	assert.Error(t, res.err)

	m.Update(res)
	assert.Equal(t, stateShowResult, m.state)
	assert.Contains(t, m.View(), "Error")
}

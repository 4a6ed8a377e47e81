package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/engine"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/executor"
	"github.com/wippyai/wasm-supervisor/history"
	"github.com/wippyai/wasm-supervisor/internal/wasmtest"
	"github.com/wippyai/wasm-supervisor/metrics"
	"github.com/wippyai/wasm-supervisor/pool"
	"github.com/wippyai/wasm-supervisor/registry"
	"github.com/wippyai/wasm-supervisor/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	srv  *Server
	http *httptest.Server
	dir  string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	m := metrics.New()

	st, err := store.New(t.TempDir(), store.WithLogger(log), store.WithMetrics(m))
	require.NoError(t, err)

	eng, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{ExecutionTimeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(ctx) })

	p := pool.New(eng, st, pool.Config{MaxInstances: 4}, pool.WithLogger(log), pool.WithMetrics(m))
	t.Cleanup(func() { _ = p.Close(ctx) })

	var exec *executor.Executor
	reg := registry.New(st, registry.WithLogger(log), registry.WithMetrics(m),
		registry.OnActivate(func(id string) { exec.Begin(id) }),
		registry.OnRemove(func(d registry.Deployment) { exec.Forget(d) }))
	hist := history.NewMemory(100)
	exec = executor.New(reg, st, p, chain.NewClient(chain.DefaultClientConfig()), executor.Config{
		Node:      "node-a",
		ParamsDir: t.TempDir(),
	}, executor.WithLogger(log), executor.WithMetrics(m), executor.WithHistory(hist))

	if cfg.Device.ID == "" {
		cfg.Device = Device{ID: "node-a", Name: "kitchen"}
	}
	srv := New(cfg, reg, exec,
		WithLogger(log), WithMetrics(m), WithHistory(hist), WithStats(st, p))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	h := &harness{srv: srv, http: httptest.NewServer(srv.Handler()), dir: t.TempDir()}
	t.Cleanup(h.http.Close)
	return h
}

// module writes a binary the store can fetch through file://.
func (h *harness) module(t *testing.T, name string, wasm []byte) string {
	t.Helper()
	path := filepath.Join(h.dir, name+".wasm")
	require.NoError(t, os.WriteFile(path, wasm, 0o644))
	return "file://" + path
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) deploy(t *testing.T, m *registry.Manifest) *http.Response {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)
	return h.do(t, http.MethodPost, "/deploy?wait=true", bytes.NewReader(body), nil)
}

func (h *harness) call(t *testing.T, path, args string) (*http.Response, *chain.Result) {
	t.Helper()
	resp := h.do(t, http.MethodPost, path, strings.NewReader(`{"args": `+args+`}`),
		http.Header{"Content-Type": {"application/json"}})
	return resp, decodeResult(t, resp)
}

func decodeResult(t *testing.T, resp *http.Response) *chain.Result {
	t.Helper()
	var res chain.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return &res
}

func doubleManifest(url string) *registry.Manifest {
	s32 := []codec.Spec{{Name: "x", Type: "s32"}}
	return &registry.Manifest{
		DeploymentID: "D1",
		Modules:      []registry.Module{{ID: "m1", URLs: registry.ModuleURLs{Binary: url}}},
		Endpoints: []registry.EndpointSpec{
			{Path: "/a", Module: "m1", Function: "double", Input: s32, Output: s32},
		},
	}
}

func TestDeployAndInvoke(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.deploy(t, doubleManifest(h.module(t, "double", wasmtest.Double())))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var dep DeployResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dep))
	assert.Equal(t, "D1", dep.DeploymentID)
	assert.Equal(t, registry.StatusActive, dep.Status)
	assert.Equal(t, []string{"/a"}, dep.Endpoints)

	resp, res := h.call(t, "/a", "[21]")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.Success)
	assert.JSONEq(t, "42", string(res.Values[0]))
	assert.Equal(t, res.RequestID, resp.Header.Get(chain.HeaderRequestID))

	resp = h.do(t, http.MethodGet, "/request-history/"+res.RequestID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []history.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "/a", entries[0].Path)
	assert.Equal(t, "double", entries[0].Function)

	resp = h.do(t, http.MethodGet, "/deploy", nil, nil)
	var list []registry.Deployment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "D1", list[0].ID)
}

func TestInvokeQueryAndChainedPayload(t *testing.T) {
	h := newHarness(t, Config{})
	require.Equal(t, http.StatusCreated, h.deploy(t, doubleManifest(h.module(t, "double", wasmtest.Double()))).StatusCode)

	resp := h.do(t, http.MethodGet, "/a?x=4", nil, nil)
	res := decodeResult(t, resp)
	require.True(t, res.Success, "%+v", res.Failure)
	assert.JSONEq(t, "8", string(res.Values[0]))

	resp = h.do(t, http.MethodGet, "/a?y=4", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	payload, err := codec.Encode(codec.MustSchema("s32"), []codec.Value{codec.S32(-3)})
	require.NoError(t, err)
	header := http.Header{"Content-Type": {chain.ContentType}}
	rc := chain.Context{RequestID: "req-1", Hop: 2}
	rc.Inject(header)

	resp = h.do(t, http.MethodPost, "/a", bytes.NewReader(payload), header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = decodeResult(t, resp)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, 2, res.Hop)
	assert.JSONEq(t, "-6", string(res.Values[0]))
}

func TestInvokeStatusCodes(t *testing.T) {
	h := newHarness(t, Config{})
	trap := []codec.Spec{{Name: "x", Type: "s32"}}
	resp := h.deploy(t, &registry.Manifest{
		DeploymentID: "D1",
		Modules: []registry.Module{
			{ID: "m1", URLs: registry.ModuleURLs{Binary: h.module(t, "double", wasmtest.Double())}},
			{ID: "m2", URLs: registry.ModuleURLs{Binary: h.module(t, "trap", wasmtest.Trap())}},
		},
		Endpoints: []registry.EndpointSpec{
			{Path: "/a", Module: "m1", Function: "double", Input: trap, Output: trap},
			{Path: "/t", Module: "m2", Function: "fail", Input: trap, Output: trap},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, res := h.call(t, "/missing", "[]")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, errors.KindNotFound, res.Failure.Kind)

	resp, res = h.call(t, "/a", `["x"]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, errors.KindValidation, res.Failure.Kind)

	resp, res = h.call(t, "/t", "[1]")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, errors.KindTrap, res.Failure.Kind)
	assert.Equal(t, "node-a", res.Failure.Node)

	resp = h.do(t, http.MethodGet, "/request-history/"+res.RequestID, nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/request-history/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	header := http.Header{chain.HeaderStep: {"99"}}
	resp = h.do(t, http.MethodPost, "/a", strings.NewReader(`{"args":[1]}`), header)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPut, "/a", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDeployRejects(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.do(t, http.MethodPost, "/deploy", strings.NewReader(`{"deploymentId": "D1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var f chain.Failure
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	assert.Equal(t, errors.KindValidation, f.Kind)

	resp = h.do(t, http.MethodPost, "/deploy", strings.NewReader(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeploySignatureMismatchFails(t *testing.T) {
	h := newHarness(t, Config{})
	m := doubleManifest(h.module(t, "double", wasmtest.Double()))
	m.Endpoints[0].Output = []codec.Spec{{Name: "y", Type: "s64"}}

	resp := h.deploy(t, m)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/deploy/D1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d registry.Deployment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.Equal(t, registry.StatusFailed, d.Status)

	resp, res := h.call(t, "/a", "[1]")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, errors.KindDeploymentFailed, res.Failure.Kind)
}

func TestRemoveDeployment(t *testing.T) {
	h := newHarness(t, Config{})
	require.Equal(t, http.StatusCreated, h.deploy(t, doubleManifest(h.module(t, "double", wasmtest.Double()))).StatusCode)

	for range 2 {
		resp := h.do(t, http.MethodDelete, "/deploy/D1", nil, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	resp, _ := h.call(t, "/a", "[1]")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/deploy/D1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitSparesChainedHops(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 0.001, RateBurst: 1})
	require.Equal(t, http.StatusCreated, h.deploy(t, doubleManifest(h.module(t, "double", wasmtest.Double()))).StatusCode)

	resp, _ := h.call(t, "/a", "[1]")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, res := h.call(t, "/a", "[1]")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, errors.KindResourceExhausted, res.Failure.Kind)

	payload, err := codec.Encode(codec.MustSchema("s32"), []codec.Value{codec.S32(1)})
	require.NoError(t, err)
	header := http.Header{"Content-Type": {chain.ContentType}, chain.HeaderStep: {"1"}}
	resp = h.do(t, http.MethodPost, "/a", bytes.NewReader(payload), header)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMultipartFilesAndResults(t *testing.T) {
	h := newHarness(t, Config{})
	m := doubleManifest(h.module(t, "double", wasmtest.Double()))
	m.Endpoints[0].Mounts = []registry.Mount{
		{Path: "frame.png", MediaType: "image/png", Stage: registry.StageExecution},
	}
	require.Equal(t, http.StatusCreated, h.deploy(t, m).StatusCode)

	form := func(withFile bool) (io.Reader, http.Header) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		require.NoError(t, w.WriteField(ArgsField, "[5]"))
		if withFile {
			part, err := w.CreateFormFile("frame.png", "camera.png")
			require.NoError(t, err)
			_, _ = part.Write([]byte("png bytes"))
		}
		require.NoError(t, w.Close())
		return &buf, http.Header{"Content-Type": {w.FormDataContentType()}}
	}

	body, header := form(false)
	resp := h.do(t, http.MethodPost, "/a", body, header)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, header = form(true)
	resp = h.do(t, http.MethodPost, "/a", body, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeResult(t, resp)
	assert.JSONEq(t, "10", string(res.Values[0]))

	resp = h.do(t, http.MethodGet, "/module_results/D1/m1/frame.png", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIntrospection(t *testing.T) {
	h := newHarness(t, Config{Device: Device{ID: "node-b", Name: "porch", Arch: "aarch64"}})

	resp := h.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report healthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "node-b", report.Device)
	require.NotNil(t, report.Pool)
	assert.Equal(t, 4, report.Pool.MaxInstances)

	resp = h.do(t, http.MethodGet, routeDescription, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var desc deviceDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Equal(t, "aarch64", desc.Arch)
	assert.Equal(t, "porch", desc.Name)
	assert.Contains(t, desc.SupervisorInterfaces, "camera#takeImageDynamicSize")

	h.call(t, "/nowhere", "[]")
	resp = h.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `route="invoke"`)

	resp = h.do(t, http.MethodGet, "/request-history?limit=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusOf(t *testing.T) {
	cases := map[errors.Kind]int{
		errors.KindValidation:        http.StatusBadRequest,
		errors.KindNotFound:          http.StatusNotFound,
		errors.KindDeploymentFailed:  http.StatusConflict,
		errors.KindResourceExhausted: http.StatusServiceUnavailable,
		errors.KindDeadlineExceeded:  http.StatusGatewayTimeout,
		errors.KindTransport:         http.StatusBadGateway,
		errors.KindRemoteFailure:     http.StatusBadGateway,
		errors.KindTrap:              http.StatusInternalServerError,
		errors.KindFetchIntegrity:    http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusOf(kind), kind)
	}
}

package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/errors"
)

func TestInjectExtract(t *testing.T) {
	rc := NewContext("d1", "node-a", time.Minute).Next()
	h := http.Header{}
	rc.Inject(h)

	got, err := Extract(h, 0)
	require.NoError(t, err)
	assert.Equal(t, rc.RequestID, got.RequestID)
	assert.Equal(t, 1, got.Hop)
	assert.Equal(t, "d1", got.DeploymentID)
	assert.Equal(t, "node-a", got.Origin)
	assert.True(t, rc.Deadline.Equal(got.Deadline))
	assert.True(t, IsChained(h))
}

func TestExtractDefaults(t *testing.T) {
	got, err := Extract(http.Header{}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, got.RequestID)
	assert.Equal(t, 0, got.Hop)
	assert.False(t, got.HasDeadline())
	assert.False(t, IsChained(http.Header{}))
}

func TestExtractRejects(t *testing.T) {
	cases := map[string]http.Header{
		"negative step": {HeaderStep: {"-1"}},
		"garbage step":  {HeaderStep: {"two"}},
		"too many":      {HeaderStep: {"21"}},
		"bad deadline":  {HeaderDeadline: {"tomorrow"}},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Extract(h, DefaultMaxSteps)
			assert.Equal(t, errors.KindValidation, errors.KindOf(err))
		})
	}

	_, err := Extract(http.Header{HeaderStep: {"3"}}, 2)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestContextDeadline(t *testing.T) {
	rc := Context{Deadline: time.Now().Add(-time.Second)}
	assert.True(t, rc.Expired(time.Now()))

	ctx, cancel := rc.Bind(context.Background())
	defer cancel()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)

	assert.False(t, Context{}.Expired(time.Now()))
}

func TestTargetURL(t *testing.T) {
	assert.Equal(t, "http://n:3000/d/modules/m/f", Target{Address: "http://n:3000/", Path: "/d/modules/m/f"}.URL())
	assert.Equal(t, "http://n/x", Target{Address: "http://n", Path: "x"}.URL())
}

func TestFailureOf(t *testing.T) {
	f := FailureOf(errors.Trap("run", fmt.Errorf("unreachable")), 3)
	assert.Equal(t, errors.KindTrap, f.Kind)
	assert.Equal(t, 3, f.Hop)

	f = FailureOf(errors.DeadlineExceeded(2, nil), 0)
	assert.Equal(t, errors.KindDeadlineExceeded, f.Kind)
	assert.Equal(t, 2, f.Hop)

	f = FailureOf(fmt.Errorf("boom"), 1)
	assert.Equal(t, errors.KindInternal, f.Kind)

	remote := &Failure{Kind: errors.KindTrap, Hop: 4, Message: "x", Node: "b"}
	f = FailureOf(fmt.Errorf("wrapped: %w", remote), 0)
	assert.Equal(t, *remote, *f)

	back := remote.Err()
	assert.Equal(t, errors.KindTrap, errors.KindOf(back))
	assert.Equal(t, 4, errors.HopOf(back))
}

func TestSuccessResult(t *testing.T) {
	rc := NewContext("d", "", 0)
	res, err := Success(rc, codec.MustSchema("s32"), []codec.Value{codec.S32(-7)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, json.RawMessage("-7"), res.Values[0])
	assert.Equal(t, "s32", res.Schema[0].Type)
}

// hopServer answers chained calls and records what it saw.
type hopServer struct {
	*httptest.Server
	hits atomic.Int32

	mu      sync.Mutex
	ids     []string
	steps   []string
	dropN   int32 // hang up on the first dropN requests
	respond func(w http.ResponseWriter, r *http.Request)
}

func newHopServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *hopServer {
	t.Helper()
	s := &hopServer{respond: respond}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.hits.Add(1)
		s.mu.Lock()
		s.ids = append(s.ids, r.Header.Get(HeaderRequestID))
		s.steps = append(s.steps, r.Header.Get(HeaderStep))
		s.mu.Unlock()

		if n <= s.dropN {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		s.respond(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func jsonResult(res Result) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}
}

func testClient(t *testing.T) *Client {
	return NewClient(ClientConfig{
		Timeout:        time.Second,
		MaxRetries:     3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, WithLogger(zaptest.NewLogger(t)))
}

func TestForwardSuccess(t *testing.T) {
	rc := NewContext("d2", "a", time.Minute)
	srv := newHopServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ContentType, r.Header.Get("Content-Type"))
		jsonResult(Result{RequestID: r.Header.Get(HeaderRequestID), Hop: 1, Success: true,
			Values: []json.RawMessage{json.RawMessage("42")}})(w, r)
	})

	res, err := testClient(t).Forward(context.Background(), Target{Address: srv.URL, Path: "/c"}, rc.Next(), []byte{1, 2})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, rc.RequestID, res.RequestID)
	assert.Equal(t, []string{"1"}, srv.steps)
}

func TestForwardRemoteFailureNotRetried(t *testing.T) {
	srv := newHopServer(t, jsonResult(Result{Hop: 1, Failure: &Failure{Kind: errors.KindTrap, Hop: 1, Message: "boom"}}))

	res, err := testClient(t).Forward(context.Background(), Target{Address: srv.URL, Path: "/c"}, NewContext("d", "", 0).Next(), nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, errors.KindTrap, res.Failure.Kind)
	assert.Equal(t, 1, res.Failure.Hop)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestForwardNonJSONIsRemoteFailure(t *testing.T) {
	srv := newHopServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	res, err := testClient(t).Forward(context.Background(), Target{Address: srv.URL, Path: "/c"}, NewContext("d", "", 0).Next(), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errors.KindRemoteFailure, res.Failure.Kind)
	assert.Equal(t, 1, res.Failure.Hop)
	assert.Contains(t, res.Failure.Message, "upstream exploded")
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestForwardRetriesTransportFaults(t *testing.T) {
	srv := newHopServer(t, jsonResult(Result{Hop: 1, Success: true}))
	srv.dropN = 2
	rc := NewContext("d", "", time.Minute).Next()

	res, err := testClient(t).Forward(context.Background(), Target{Address: srv.URL, Path: "/c"}, rc, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(3), srv.hits.Load())

	// every attempt carries the same request id
	for _, id := range srv.ids {
		assert.Equal(t, rc.RequestID, id)
	}
}

func TestForwardRetriesExhausted(t *testing.T) {
	srv := newHopServer(t, jsonResult(Result{Success: true}))
	srv.dropN = 100

	_, err := testClient(t).Forward(context.Background(), Target{Address: srv.URL, Path: "/c"}, NewContext("d", "", 0).Next(), nil)
	assert.Equal(t, errors.KindTransport, errors.KindOf(err))
	assert.Equal(t, 0, errors.HopOf(err))
	assert.Equal(t, int32(4), srv.hits.Load())
}

func TestForwardAfterDeadline(t *testing.T) {
	srv := newHopServer(t, jsonResult(Result{Success: true}))
	rc := Context{RequestID: "r", Hop: 2, Deadline: time.Now().Add(-time.Millisecond)}

	_, err := testClient(t).Forward(context.Background(), Target{Address: srv.URL, Path: "/c"}, rc, nil)
	assert.Equal(t, errors.KindDeadlineExceeded, errors.KindOf(err))
	assert.Equal(t, 1, errors.HopOf(err))
	assert.Equal(t, int32(0), srv.hits.Load())
}

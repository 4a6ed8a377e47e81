package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/wasm-supervisor/engine"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/internal/wasmtest"
	"github.com/wippyai/wasm-supervisor/metrics"
	"github.com/wippyai/wasm-supervisor/store"
)

type memLoader struct {
	mu    sync.Mutex
	blobs map[digest.Digest][]byte
	loads atomic.Int32
	fail  error
}

func (l *memLoader) add(module string, wasm []byte) *store.Artifact {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blobs == nil {
		l.blobs = make(map[digest.Digest][]byte)
	}
	d := digest.FromBytes(wasm)
	l.blobs[d] = wasm
	return &store.Artifact{
		Key:    store.Key{Module: module, Arch: store.GenericArch},
		Digest: d,
		Size:   int64(len(wasm)),
	}
}

func (l *memLoader) Load(a *store.Artifact) ([]byte, error) {
	l.loads.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	b, ok := l.blobs[a.Digest]
	if !ok {
		return nil, fmt.Errorf("no blob for %s", a.Digest)
	}
	return b, nil
}

func newTestPool(t *testing.T, cfg Config, ecfg *engine.Config) (*Pool, *memLoader) {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.NewWazeroEngineWithConfig(ctx, ecfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(ctx) })

	loader := &memLoader{}
	p := New(eng, loader, cfg, WithLogger(zaptest.NewLogger(t)), WithMetrics(metrics.New()))
	t.Cleanup(func() { _ = p.Close(ctx) })
	return p, loader
}

func call(t *testing.T, sb *Sandbox, fn string, arg int32) int32 {
	t.Helper()
	res, err := sb.Call(context.Background(), fn, uint64(uint32(arg)))
	require.NoError(t, err)
	require.Len(t, res, 1)
	return int32(uint32(res[0]))
}

func TestAcquireReusesWarmInstance(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("m1", wasmtest.Double())
	ctx := context.Background()

	sb, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	assert.Equal(t, int32(42), call(t, sb, "double", 21))
	first := sb.ID
	sb.Release()

	st := p.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 1, st.Idle)

	sb, err = p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	assert.Equal(t, first, sb.ID)
	assert.Equal(t, 1, sb.Calls())
	assert.Contains(t, sb.Exports(), "double")
	assert.True(t, sb.HasMemory())
	sb.Release()
}

func TestConcurrentHoldersGetDistinctInstances(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("m1", wasmtest.Double())
	ctx := context.Background()

	a, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	b, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, uint64(1), a.Generation)
	assert.Equal(t, uint64(2), b.Generation)

	a.Release()
	b.Release()
	assert.Equal(t, 2, p.Stats().Idle)
}

func TestTrappedInstanceNeverReused(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("bad", wasmtest.Trap())
	ctx := context.Background()

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		sb, err := p.Acquire(ctx, Target{Artifact: art})
		require.NoError(t, err)
		assert.False(t, seen[sb.ID], "sandbox %d handed out after trap", sb.ID)
		seen[sb.ID] = true

		_, err = sb.Call(ctx, "fail")
		assert.Equal(t, errors.KindTrap, errors.KindOf(err))
		sb.Release()
	}
	assert.Equal(t, 0, p.Stats().Live)
}

func TestExecutionCeilingDiscardsInstance(t *testing.T) {
	p, loader := newTestPool(t, Config{}, &engine.Config{ExecutionTimeout: 50 * time.Millisecond})
	art := loader.add("spin", wasmtest.Spinner())
	ctx := context.Background()

	sb, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	_, err = sb.Call(ctx, "spin")
	assert.Equal(t, errors.KindTrap, errors.KindOf(err))
	id := sb.ID
	sb.Release()

	sb, err = p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	assert.NotEqual(t, id, sb.ID)
	sb.Release()
}

func TestMissingExportKeepsInstance(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("m1", wasmtest.Double())
	ctx := context.Background()

	sb, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	_, err = sb.Call(ctx, "nope")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	id := sb.ID
	sb.Release()

	sb, err = p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	assert.Equal(t, id, sb.ID)
	sb.Release()
}

func TestEvictsIdleInstanceOfOtherArtifact(t *testing.T) {
	p, loader := newTestPool(t, Config{MaxInstances: 1}, nil)
	double := loader.add("double", wasmtest.Double())
	addOne := loader.add("add_one", wasmtest.AddOne())
	ctx := context.Background()

	sb, err := p.Acquire(ctx, Target{Artifact: double})
	require.NoError(t, err)
	sb.Release()

	sb, err = p.Acquire(ctx, Target{Artifact: addOne})
	require.NoError(t, err)
	assert.Equal(t, int32(8), call(t, sb, "add_one", 7))
	sb.Release()

	st := p.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 1, st.Idle)
}

func TestExhaustedNeverEvictsBusy(t *testing.T) {
	p, loader := newTestPool(t, Config{MaxInstances: 1, AcquireTimeout: 50 * time.Millisecond}, nil)
	double := loader.add("double", wasmtest.Double())
	addOne := loader.add("add_one", wasmtest.AddOne())
	ctx := context.Background()

	held, err := p.Acquire(ctx, Target{Artifact: double})
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, Target{Artifact: addOne})
	assert.Equal(t, errors.KindResourceExhausted, errors.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// the busy instance is untouched
	assert.Equal(t, int32(4), call(t, held, "double", 2))
	held.Release()
}

func TestWaiterWakesOnRelease(t *testing.T) {
	p, loader := newTestPool(t, Config{MaxInstances: 1, AcquireTimeout: 2 * time.Second}, nil)
	art := loader.add("double", wasmtest.Double())
	ctx := context.Background()

	held, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)

	got := make(chan *Sandbox, 1)
	go func() {
		sb, err := p.Acquire(ctx, Target{Artifact: art})
		if err != nil {
			got <- nil
			return
		}
		got <- sb
	}()

	time.Sleep(50 * time.Millisecond)
	held.Release()

	select {
	case sb := <-got:
		require.NotNil(t, sb)
		assert.Equal(t, held.ID, sb.ID)
		sb.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	p, loader := newTestPool(t, Config{MaxInstances: 1, AcquireTimeout: time.Minute}, nil)
	art := loader.add("double", wasmtest.Double())

	held, err := p.Acquire(context.Background(), Target{Artifact: art})
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, Target{Artifact: art})
	assert.Equal(t, errors.KindResourceExhausted, errors.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdleBoundPerArtifact(t *testing.T) {
	p, loader := newTestPool(t, Config{MaxIdlePerArtifact: 1}, nil)
	art := loader.add("double", wasmtest.Double())
	ctx := context.Background()

	a, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	b, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	a.Release()
	b.Release()

	st := p.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 1, st.Idle)
}

func TestMountsSeparateInstances(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("double", wasmtest.Double())
	ctx := context.Background()

	sb, err := p.Acquire(ctx, Target{Artifact: art, MountDir: t.TempDir()})
	require.NoError(t, err)
	first := sb.ID
	sb.Release()

	sb, err = p.Acquire(ctx, Target{Artifact: art, MountDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotEqual(t, first, sb.ID)
	sb.Release()
	assert.Equal(t, 1, p.Stats().Modules)
}

func TestCompilesOncePerDigest(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("double", wasmtest.Double())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	sbs := make(chan *Sandbox, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sb, err := p.Acquire(ctx, Target{Artifact: art})
			if assert.NoError(t, err) {
				sbs <- sb
			}
		}()
	}
	wg.Wait()
	close(sbs)

	ids := map[uint64]bool{}
	for sb := range sbs {
		ids[sb.ID] = true
		sb.Release()
	}
	assert.Len(t, ids, n)
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestLoaderErrorFreesSlot(t *testing.T) {
	p, loader := newTestPool(t, Config{MaxInstances: 1}, nil)
	art := loader.add("double", wasmtest.Double())
	loader.fail = errors.Integrity("double", "sha256:aa", "sha256:bb")

	_, err := p.Acquire(context.Background(), Target{Artifact: art})
	assert.Equal(t, errors.KindFetchIntegrity, errors.KindOf(err))
	assert.Equal(t, 0, p.Stats().Live)

	loader.mu.Lock()
	loader.fail = nil
	loader.mu.Unlock()

	sb, err := p.Acquire(context.Background(), Target{Artifact: art})
	require.NoError(t, err)
	sb.Release()
}

func TestDrop(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("double", wasmtest.Double())
	ctx := context.Background()

	idle, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	busy, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	idle.Release()

	p.Drop(art.Digest)
	st := p.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 0, st.Idle)
	assert.Equal(t, 0, st.Modules)

	busy.Release()
	assert.Equal(t, 0, p.Stats().Live)

	// a later acquire recompiles
	sb, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	assert.Equal(t, int32(6), call(t, sb, "double", 3))
	sb.Release()
	assert.Equal(t, int32(2), loader.loads.Load())
}

func TestDoubleReleaseIsHarmless(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("double", wasmtest.Double())

	sb, err := p.Acquire(context.Background(), Target{Artifact: art})
	require.NoError(t, err)
	sb.Release()
	sb.Release()
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestClose(t *testing.T) {
	p, loader := newTestPool(t, Config{}, nil)
	art := loader.add("double", wasmtest.Double())
	ctx := context.Background()

	busy, err := p.Acquire(ctx, Target{Artifact: art})
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))

	_, err = p.Acquire(ctx, Target{Artifact: art})
	assert.Equal(t, errors.KindResourceExhausted, errors.KindOf(err))

	busy.Release()
	assert.Equal(t, 0, p.Stats().Live)
}

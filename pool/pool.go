package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-supervisor/engine"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/metrics"
	"github.com/wippyai/wasm-supervisor/store"
)

const (
	DefaultMaxInstances       = 64
	DefaultMaxIdlePerArtifact = 4
	DefaultAcquireTimeout     = 5 * time.Second
)

// Config bounds the pool.
type Config struct {
	// MaxInstances caps live instances, busy or idle, across all artifacts.
	MaxInstances int
	// MaxIdlePerArtifact caps warm instances kept per artifact.
	MaxIdlePerArtifact int
	// AcquireTimeout is how long Acquire waits for a slot before giving up.
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = DefaultMaxInstances
	}
	if c.MaxIdlePerArtifact <= 0 {
		c.MaxIdlePerArtifact = DefaultMaxIdlePerArtifact
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

// Loader returns the verified bytes of an artifact.
type Loader interface {
	Load(a *store.Artifact) ([]byte, error)
}

// Target describes the instance a caller wants. Instances are only shared
// between targets with the same artifact digest and mount directory.
type Target struct {
	Artifact *store.Artifact
	// MountDir is mounted as the guest's root. Empty mounts nothing.
	MountDir string
	// Label tags guest output in logs.
	Label string
	Env   map[string]string
}

func (t Target) key() string {
	return t.Artifact.Digest.String() + "|" + t.MountDir
}

// Stats is a snapshot of the pool.
type Stats struct {
	Live         int `json:"live"`
	Idle         int `json:"idle"`
	Busy         int `json:"busy"`
	Modules      int `json:"modules"`
	MaxInstances int `json:"maxInstances"`
}

// Pool owns sandbox instances. Each instance serves one call at a time;
// warm instances are reused per artifact and trapped ones are destroyed.
type Pool struct {
	engine  *engine.WazeroEngine
	loader  Loader
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	slots    *semaphore.Weighted
	compiles singleflight.Group

	mu      sync.Mutex
	modules map[digest.Digest]*engine.WazeroModule
	idle    map[string]*list.List // per target key, front is most recently released
	order   *list.List            // all idle sandboxes, front is most recently released
	live    int
	nextID  uint64
	gens    map[string]uint64
	changed chan struct{}
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a pool that compiles artifacts read through loader on eng.
func New(eng *engine.WazeroEngine, loader Loader, cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		engine:  eng,
		loader:  loader,
		cfg:     cfg,
		logger:  zap.NewNop(),
		slots:   semaphore.NewWeighted(int64(cfg.MaxInstances)),
		modules: make(map[digest.Digest]*engine.WazeroModule),
		idle:    make(map[string]*list.List),
		order:   list.New(),
		gens:    make(map[string]uint64),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pool"))
	return p
}

// Acquire returns an instance for t that no other caller holds. It reuses a
// warm instance when one is idle, creates one when under the global bound,
// and otherwise evicts the least recently used idle instance of a different
// artifact. With nothing to evict it waits up to AcquireTimeout and then
// fails with resource_exhausted. Busy instances are never evicted.
func (p *Pool) Acquire(ctx context.Context, t Target) (*Sandbox, error) {
	if t.Artifact == nil {
		return nil, errors.New(errors.PhasePool, errors.KindValidation).Detail("no artifact").Build()
	}
	key := t.key()
	start := time.Now()
	evicted := false

	var timeout *time.Timer
	defer func() {
		if timeout != nil {
			timeout.Stop()
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.PhasePool, errors.KindResourceExhausted).Detail("pool closed").Build()
		}

		if sb := p.popIdle(key); sb != nil {
			p.mu.Unlock()
			if sb.inst.Closed() {
				p.destroy(sb, "closed while idle")
				continue
			}
			sb.busy = true
			p.metrics.RecordAcquire("reused", time.Since(start))
			p.report()
			return sb, nil
		}

		if p.slots.TryAcquire(1) {
			p.mu.Unlock()
			sb, err := p.create(ctx, t, key)
			if err != nil {
				p.slots.Release(1)
				p.notify()
				return nil, err
			}
			result := "created"
			if evicted {
				result = "evicted"
			}
			p.metrics.RecordAcquire(result, time.Since(start))
			p.report()
			return sb, nil
		}

		if victim := p.evictCandidate(key); victim != nil {
			p.mu.Unlock()
			p.destroy(victim, "evicted for another artifact")
			evicted = true
			continue
		}

		wait := p.changed
		p.mu.Unlock()

		if timeout == nil {
			timeout = time.NewTimer(p.cfg.AcquireTimeout)
		}
		select {
		case <-wait:
		case <-timeout.C:
			p.metrics.RecordAcquire("exhausted", time.Since(start))
			return nil, errors.Exhausted(errors.PhasePool,
				"no sandbox for %s within %s (%d live)", t.Artifact.Key, p.cfg.AcquireTimeout, p.cfg.MaxInstances)
		case <-ctx.Done():
			p.metrics.RecordAcquire("exhausted", time.Since(start))
			return nil, errors.New(errors.PhasePool, errors.KindResourceExhausted).
				Detail("waiting for sandbox").
				Cause(ctx.Err()).
				Build()
		}
	}
}

// popIdle takes the most recently released idle instance of key. Caller holds mu.
func (p *Pool) popIdle(key string) *Sandbox {
	l := p.idle[key]
	if l == nil || l.Len() == 0 {
		return nil
	}
	sb := l.Remove(l.Front()).(*Sandbox)
	if l.Len() == 0 {
		delete(p.idle, key)
	}
	p.order.Remove(sb.orderElem)
	sb.idleElem, sb.orderElem = nil, nil
	return sb
}

// evictCandidate unlinks the least recently used idle instance whose key
// differs from key. Caller holds mu.
func (p *Pool) evictCandidate(key string) *Sandbox {
	for e := p.order.Back(); e != nil; e = e.Prev() {
		sb := e.Value.(*Sandbox)
		if sb.key == key {
			continue
		}
		p.unlinkIdle(sb)
		return sb
	}
	return nil
}

func (p *Pool) unlinkIdle(sb *Sandbox) {
	if l := p.idle[sb.key]; l != nil && sb.idleElem != nil {
		l.Remove(sb.idleElem)
		if l.Len() == 0 {
			delete(p.idle, sb.key)
		}
	}
	if sb.orderElem != nil {
		p.order.Remove(sb.orderElem)
	}
	sb.idleElem, sb.orderElem = nil, nil
}

func (p *Pool) create(ctx context.Context, t Target, key string) (*Sandbox, error) {
	mod, err := p.module(ctx, t.Artifact)
	if err != nil {
		return nil, err
	}

	inst, err := mod.InstantiateWithConfig(ctx, &engine.InstanceConfig{
		Env:      t.Env,
		MountDir: t.MountDir,
		Label:    t.Label,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	p.gens[key]++
	sb := &Sandbox{
		ID:         p.nextID,
		Generation: p.gens[key],
		Artifact:   t.Artifact,
		key:        key,
		module:     mod,
		inst:       inst,
		busy:       true,
		pool:       p,
	}
	p.live++
	p.mu.Unlock()

	p.logger.Debug("sandbox created",
		zap.String("module", t.Artifact.Key.Module),
		zap.String("arch", t.Artifact.Key.Arch),
		zap.Uint64("sandbox_id", sb.ID),
		zap.Uint64("generation", sb.Generation))
	return sb, nil
}

// module returns the compiled module for a, compiling it once per digest.
func (p *Pool) module(ctx context.Context, a *store.Artifact) (*engine.WazeroModule, error) {
	p.mu.Lock()
	mod, ok := p.modules[a.Digest]
	p.mu.Unlock()
	if ok {
		return mod, nil
	}

	v, err, _ := p.compiles.Do(a.Digest.String(), func() (any, error) {
		p.mu.Lock()
		mod, ok := p.modules[a.Digest]
		p.mu.Unlock()
		if ok {
			return mod, nil
		}

		wasm, err := p.loader.Load(a)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		mod, err = p.engine.Compile(context.WithoutCancel(ctx), wasm)
		if err != nil {
			return nil, err
		}
		p.logger.Info("module compiled",
			zap.String("module", a.Key.Module),
			zap.String("digest", a.Digest.String()),
			zap.Duration("took", time.Since(start)))

		p.mu.Lock()
		p.modules[a.Digest] = mod
		p.mu.Unlock()
		return mod, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*engine.WazeroModule), nil
}

// Release returns sb to the pool. Poisoned, closed or stale instances and
// instances past the idle bound are destroyed instead.
func (p *Pool) Release(sb *Sandbox) {
	if sb == nil {
		return
	}

	p.mu.Lock()
	if !sb.busy {
		p.mu.Unlock()
		return
	}
	sb.busy = false

	reason := ""
	switch {
	case p.closed:
		reason = "pool closed"
	case sb.poisoned:
		reason = "poisoned"
	case sb.inst.Closed():
		reason = "instance closed"
	case p.modules[sb.Artifact.Digest] != sb.module:
		reason = "artifact dropped"
	case p.idle[sb.key] != nil && p.idle[sb.key].Len() >= p.cfg.MaxIdlePerArtifact:
		reason = "idle bound reached"
	}
	if reason != "" {
		p.mu.Unlock()
		p.destroy(sb, reason)
		return
	}

	l := p.idle[sb.key]
	if l == nil {
		l = list.New()
		p.idle[sb.key] = l
	}
	sb.idleElem = l.PushFront(sb)
	sb.orderElem = p.order.PushFront(sb)
	p.mu.Unlock()

	p.notify()
	p.report()
}

// destroy closes an instance that is no longer linked anywhere and frees its slot.
func (p *Pool) destroy(sb *Sandbox, reason string) {
	if err := sb.inst.Close(context.Background()); err != nil {
		p.logger.Warn("close sandbox", zap.Uint64("sandbox_id", sb.ID), zap.Error(err))
	}
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.slots.Release(1)

	p.logger.Debug("sandbox destroyed",
		zap.String("module", sb.Artifact.Key.Module),
		zap.Uint64("sandbox_id", sb.ID),
		zap.Uint64("generation", sb.Generation),
		zap.String("reason", reason))
	p.notify()
	p.report()
}

// notify wakes every waiter in Acquire.
func (p *Pool) notify() {
	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) report() {
	if p.metrics == nil {
		return
	}
	st := p.Stats()
	p.metrics.SetSandboxes(st.Live, st.Idle)
}

// Drop destroys the idle instances of an artifact and forgets its compiled
// module. Busy instances are destroyed when they are released.
func (p *Pool) Drop(d digest.Digest) {
	p.mu.Lock()
	var victims []*Sandbox
	for e := p.order.Front(); e != nil; {
		next := e.Next()
		sb := e.Value.(*Sandbox)
		if sb.Artifact.Digest == d {
			p.unlinkIdle(sb)
			victims = append(victims, sb)
		}
		e = next
	}
	mod := p.modules[d]
	delete(p.modules, d)
	p.mu.Unlock()

	for _, sb := range victims {
		p.destroy(sb, "artifact dropped")
	}
	if mod != nil {
		if err := mod.Close(context.Background()); err != nil {
			p.logger.Warn("close module", zap.String("digest", d.String()), zap.Error(err))
		}
	}
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := p.order.Len()
	return Stats{
		Live:         p.live,
		Idle:         idle,
		Busy:         p.live - idle,
		Modules:      len(p.modules),
		MaxInstances: p.cfg.MaxInstances,
	}
}

// Close destroys idle instances and compiled modules. Busy instances are
// destroyed as they are released; later Acquire calls fail.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var victims []*Sandbox
	for e := p.order.Front(); e != nil; {
		next := e.Next()
		sb := e.Value.(*Sandbox)
		p.unlinkIdle(sb)
		victims = append(victims, sb)
		e = next
	}
	mods := p.modules
	p.modules = make(map[digest.Digest]*engine.WazeroModule)
	p.mu.Unlock()

	for _, sb := range victims {
		p.destroy(sb, "pool closed")
	}
	for d, mod := range mods {
		if err := mod.Close(ctx); err != nil {
			p.logger.Warn("close module", zap.String("digest", d.String()), zap.Error(err))
		}
	}
	return nil
}

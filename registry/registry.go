package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/metrics"
	"github.com/wippyai/wasm-supervisor/store"
)

// Status is a deployment's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// Endpoint is a resolved, immutable endpoint of an active deployment.
type Endpoint struct {
	DeploymentID string
	Path         string
	Module       Module
	Function     string
	Input        codec.Schema
	Output       codec.Schema
	// Next is nil for a terminal endpoint.
	Next   *Next
	Mounts []Mount

	record *record
}

// Next is a next hop: a local path, or a remote target when Remote is set.
type Next struct {
	Path   string
	Remote *chain.Target
}

// Local reports whether the next hop runs on this node.
func (n *Next) Local() bool { return n != nil && n.Remote == nil }

// MountsAt returns the endpoint's mounts of one stage.
func (e *Endpoint) MountsAt(stage Stage) []Mount {
	var out []Mount
	for _, m := range e.Mounts {
		if m.Stage == stage {
			out = append(out, m)
		}
	}
	return out
}

// Spec renders the endpoint back into manifest form.
func (e *Endpoint) Spec() EndpointSpec {
	spec := EndpointSpec{
		Path:     e.Path,
		Module:   e.Module.ID,
		Function: e.Function,
		Input:    e.Input.Specs(),
		Output:   e.Output.Specs(),
		Mounts:   e.Mounts,
	}
	if e.Next != nil {
		spec.Next = &NextSpec{Path: e.Next.Path}
		if e.Next.Remote != nil {
			spec.Next.Address = e.Next.Remote.Address
		}
	}
	return spec
}

// Deployment is a snapshot of one deployment.
type Deployment struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	Error     string         `json:"error,omitempty"`
	Modules   []Module       `json:"modules"`
	Endpoints []EndpointSpec `json:"endpoints"`
}

type record struct {
	id        string
	createdAt time.Time
	modules   []Module
	endpoints []*Endpoint

	status  atomic.Value // Status
	failure atomic.Pointer[error]
}

func (r *record) Status() Status { return r.status.Load().(Status) }

func (r *record) snapshot() Deployment {
	d := Deployment{
		ID:        r.id,
		Status:    r.Status(),
		CreatedAt: r.createdAt,
		Modules:   r.modules,
		Endpoints: make([]EndpointSpec, len(r.endpoints)),
	}
	if err := r.failure.Load(); err != nil {
		d.Error = (*err).Error()
	}
	for i, ep := range r.endpoints {
		d.Endpoints[i] = ep.Spec()
	}
	return d
}

// Resolver records where module artifacts are fetched from.
// *store.Store implements it.
type Resolver interface {
	Register(module string, src store.Source) error
}

// Registry holds deployments and the endpoint paths they serve. Resolve is
// lock-free; Activate and Remove serialize per deployment id only.
type Registry struct {
	resolver   Resolver
	arch       string
	logger     *zap.Logger
	metrics    *metrics.Collector
	onRemove   func(Deployment)
	onActivate func(id string)

	paths sync.Map // path -> *Endpoint
	locks sync.Map // deployment id -> *sync.Mutex

	mu          sync.RWMutex
	deployments map[string]*record
}

// Option configures a Registry.
type Option func(*Registry)

// WithArch sets the arch variant checked for resolvability.
func WithArch(arch string) Option {
	return func(r *Registry) { r.arch = arch }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

// OnRemove is called after a deployment is removed or replaced.
func OnRemove(fn func(Deployment)) Option {
	return func(r *Registry) { r.onRemove = fn }
}

// OnActivate is called once a manifest is accepted and before its endpoints
// resolve. It runs inside the registry's critical section; only Resolve may
// be called from it.
func OnActivate(fn func(id string)) Option {
	return func(r *Registry) { r.onActivate = fn }
}

// New creates an empty registry.
func New(resolver Resolver, opts ...Option) *Registry {
	r := &Registry{
		resolver:    resolver,
		arch:        store.GenericArch,
		logger:      zap.NewNop(),
		deployments: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "registry"))
	return r
}

func (r *Registry) lock(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Activate validates m and makes its endpoints resolvable. A manifest for an
// existing deployment id replaces it. Module ids are shared across
// deployments, so a module another deployment uses must keep its source.
// On any error neither the registry nor the resolver is changed.
func (r *Registry) Activate(m *Manifest) (Deployment, error) {
	endpoints, modules, err := build(m)
	if err == nil {
		err = r.checkSources(m, endpoints)
	}
	if err != nil {
		r.logger.Warn("manifest rejected", zap.String("deployment_id", m.DeploymentID), zap.Error(err))
		return Deployment{}, err
	}

	unlock := r.lock(m.DeploymentID)
	defer unlock()

	rec := &record{
		id:        m.DeploymentID,
		createdAt: time.Now(),
		endpoints: endpoints,
	}
	for _, mod := range m.Modules {
		rec.modules = append(rec.modules, modules[mod.ID])
	}
	rec.status.Store(StatusPending)
	for _, ep := range endpoints {
		ep.record = rec
	}

	// Claim new paths while pending; paths owned by an earlier version of
	// this deployment keep serving it until the swap below.
	var claimed []*Endpoint
	var replaced []*Endpoint
	release := func() {
		for _, c := range claimed {
			r.paths.CompareAndDelete(c.Path, c)
		}
	}
	for _, ep := range endpoints {
		v, loaded := r.paths.LoadOrStore(ep.Path, ep)
		if !loaded {
			claimed = append(claimed, ep)
			continue
		}
		if v.(*Endpoint).DeploymentID == m.DeploymentID {
			replaced = append(replaced, ep)
			continue
		}
		release()
		return Deployment{}, errors.Validation([]string{"endpoints", ep.Path},
			"path already served by deployment %q", v.(*Endpoint).DeploymentID)
	}

	// Sources are checked against live deployments and registered in one
	// section so two manifests cannot both claim a module id.
	r.mu.Lock()
	if err := r.sharedModuleConflict(m); err != nil {
		r.mu.Unlock()
		release()
		return Deployment{}, err
	}
	for _, mod := range m.Modules {
		if err := r.resolver.Register(mod.ID, mod.Source()); err != nil {
			r.mu.Unlock()
			release()
			return Deployment{}, errors.Validation([]string{"modules", mod.ID}, "%v", err)
		}
	}
	if r.onActivate != nil {
		r.onActivate(rec.id)
	}
	rec.status.Store(StatusActive)
	for _, ep := range replaced {
		r.paths.Store(ep.Path, ep)
	}
	old := r.deployments[m.DeploymentID]
	r.deployments[m.DeploymentID] = rec
	r.mu.Unlock()

	if old != nil {
		r.retire(old, rec)
	}
	r.report()

	r.logger.Info("deployment active",
		zap.String("deployment_id", rec.id),
		zap.Int("endpoints", len(endpoints)),
		zap.Bool("replaced", old != nil))
	return rec.snapshot(), nil
}

// checkSources validates every module source and checks that each endpoint's
// module has an artifact for this node's arch.
func (r *Registry) checkSources(m *Manifest, endpoints []*Endpoint) error {
	for _, mod := range m.Modules {
		if err := mod.Source().Validate(mod.ID); err != nil {
			return errors.Validation([]string{"modules", mod.ID}, "%v", err)
		}
	}
	for _, ep := range endpoints {
		if !ep.Module.Source().Resolves(r.arch) {
			return errors.Validation([]string{"endpoints", ep.Path, "module"},
				"module %q has no artifact for arch %q", ep.Module.ID, r.arch)
		}
	}
	return nil
}

// sharedModuleConflict reports a module of m that another deployment serves
// from a different source. Callers hold r.mu.
func (r *Registry) sharedModuleConflict(m *Manifest) error {
	for _, mod := range m.Modules {
		src := mod.Source()
		for id, rec := range r.deployments {
			if id == m.DeploymentID {
				continue
			}
			for _, used := range rec.modules {
				if used.ID == mod.ID && !used.Source().Equal(src) {
					return errors.Validation([]string{"modules", mod.ID},
						"module %q is served to deployment %q from a different source", mod.ID, id)
				}
			}
		}
	}
	return nil
}

// retire unpublishes old's paths that next does not serve and marks it removed.
func (r *Registry) retire(old, next *record) {
	keep := make(map[string]bool)
	if next != nil {
		for _, ep := range next.endpoints {
			keep[ep.Path] = true
		}
	}
	for _, ep := range old.endpoints {
		if !keep[ep.Path] {
			r.paths.CompareAndDelete(ep.Path, ep)
		}
	}
	old.status.Store(StatusRemoved)
	if r.onRemove != nil {
		r.onRemove(old.snapshot())
	}
}

// Resolve returns the endpoint served at path. Unknown and pending paths
// are not_found; endpoints of a failed deployment are deployment_failed.
func (r *Registry) Resolve(path string) (*Endpoint, error) {
	v, ok := r.paths.Load(path)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRegistry, "endpoint", path)
	}
	ep := v.(*Endpoint)
	switch ep.record.Status() {
	case StatusActive:
		return ep, nil
	case StatusFailed:
		var cause error
		if err := ep.record.failure.Load(); err != nil {
			cause = *err
		}
		return nil, errors.DeploymentFailed(ep.DeploymentID, cause)
	default:
		return nil, errors.NotFound(errors.PhaseRegistry, "endpoint", path)
	}
}

// Remove deletes a deployment. Removing an unknown or already removed
// deployment is not an error.
func (r *Registry) Remove(id string) {
	unlock := r.lock(id)
	defer unlock()

	r.mu.Lock()
	rec, ok := r.deployments[id]
	delete(r.deployments, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.retire(rec, nil)
	r.report()
	r.logger.Info("deployment removed", zap.String("deployment_id", id))
}

// MarkFailed moves an active deployment to failed. Its endpoints then answer
// deployment_failed until it is removed or replaced.
func (r *Registry) MarkFailed(id string, cause error) {
	r.mu.RLock()
	rec, ok := r.deployments[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if cause != nil {
		rec.failure.Store(&cause)
	}
	if !rec.status.CompareAndSwap(StatusActive, StatusFailed) {
		return
	}
	r.report()
	r.logger.Error("deployment failed", zap.String("deployment_id", id), zap.Error(cause))
}

// Get returns a snapshot of one deployment.
func (r *Registry) Get(id string) (Deployment, bool) {
	r.mu.RLock()
	rec, ok := r.deployments[id]
	r.mu.RUnlock()
	if !ok {
		return Deployment{}, false
	}
	return rec.snapshot(), true
}

// Endpoints returns the live endpoints of one deployment.
func (r *Registry) Endpoints(id string) []*Endpoint {
	r.mu.RLock()
	rec, ok := r.deployments[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return rec.endpoints
}

// List returns every deployment, oldest first.
func (r *Registry) List() []Deployment {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.deployments))
	for _, rec := range r.deployments {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].createdAt.Before(recs[j].createdAt) })
	out := make([]Deployment, len(recs))
	for i, rec := range recs {
		out[i] = rec.snapshot()
	}
	return out
}

func (r *Registry) report() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, d := range r.List() {
		counts[string(d.Status)]++
	}
	r.metrics.SetDeployments(counts)
}

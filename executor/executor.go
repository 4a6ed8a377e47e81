package executor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/history"
	"github.com/wippyai/wasm-supervisor/metrics"
	"github.com/wippyai/wasm-supervisor/pool"
	"github.com/wippyai/wasm-supervisor/registry"
	"github.com/wippyai/wasm-supervisor/store"
)

// ResultsPrefix is the URL prefix output-stage files are served under.
const ResultsPrefix = "/module_results"

// Config tunes the executor.
type Config struct {
	// Node identifies this device in failures and history.
	Node string
	// Arch selects module variants.
	Arch string
	// ParamsDir holds per-deployment module files, mounted as the guest root.
	ParamsDir string
	// MaxSteps bounds the hop index.
	MaxSteps int
	// FetchRetries is how often a fetch_unavailable artifact fetch is retried.
	FetchRetries uint
	FetchBackoff time.Duration
	// DeadlineGrace extends how long a hop waits on the next hop past the
	// request deadline, so the hop that overran reports it.
	DeadlineGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Arch == "" {
		c.Arch = store.GenericArch
	}
	if c.ParamsDir == "" {
		c.ParamsDir = filepath.Join(os.TempDir(), "wasm-supervisor", "params")
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = chain.DefaultMaxSteps
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = 200 * time.Millisecond
	}
	if c.DeadlineGrace <= 0 {
		c.DeadlineGrace = time.Second
	}
	return c
}

// ArtifactStore is the module store as the executor uses it.
type ArtifactStore interface {
	Ensure(ctx context.Context, module, arch string) (*store.Artifact, error)
}

// Forwarder sends a chained payload to a remote next hop.
type Forwarder interface {
	Forward(ctx context.Context, target chain.Target, rc chain.Context, payload []byte) (*chain.Result, error)
}

// Input is the request payload of one invocation. Exactly one of Values,
// Args or Payload is used, in that order of precedence.
type Input struct {
	// Values are arguments already typed by the caller.
	Values []codec.Value
	// Args are JSON arguments, typed by the endpoint's input schema.
	Args []json.RawMessage
	// Payload is a chained arena as sent by the previous hop.
	Payload []byte
	// Files are execution-stage files keyed by mount path.
	Files map[string][]byte
}

// Executor runs endpoint invocations and follows their next hops.
type Executor struct {
	registry *registry.Registry
	store    ArtifactStore
	pool     *pool.Pool
	client   Forwarder
	fetcher  store.Fetcher
	history  history.Store
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector

	dirs  sync.Map // mount dir -> *sync.Mutex
	preps sync.Map // deployment id -> *preparation
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithHistory records every invocation served by this node.
func WithHistory(h history.Store) Option {
	return func(e *Executor) { e.history = h }
}

// WithFetcher sets how deployment-stage files are downloaded.
func WithFetcher(f store.Fetcher) Option {
	return func(e *Executor) { e.fetcher = f }
}

// New wires an executor.
func New(reg *registry.Registry, st ArtifactStore, p *pool.Pool, client Forwarder, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		registry: reg,
		store:    st,
		pool:     p,
		client:   client,
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetcher == nil {
		e.fetcher = store.NewHTTPFetcher(time.Minute)
	}
	e.logger = e.logger.With(zap.String("component", "executor"))
	return e
}

// Invoke runs the endpoint at path and, when it has a next hop, the rest of
// the chain. It never returns an opaque error: the result is either the
// terminal hop's values or a failure naming its kind and hop.
func (e *Executor) Invoke(ctx context.Context, path string, rc chain.Context, in Input) *chain.Result {
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	start := time.Now()

	res, ep := e.invoke(ctx, path, rc, in)
	if res.RequestID == "" {
		res.RequestID = rc.RequestID
	}

	deployment := rc.DeploymentID
	if ep != nil {
		deployment = ep.DeploymentID
	}
	outcome := "ok"
	if !res.Success && res.Failure != nil {
		outcome = string(res.Failure.Kind)
	}
	e.metrics.RecordInvocation(deployment, outcome, time.Since(start))
	e.record(ctx, path, rc, ep, start, res)

	log := e.logger.With(
		zap.String("request_id", rc.RequestID),
		zap.String("path", path),
		zap.Int("hop", rc.Hop))
	if res.Success {
		log.Debug("invocation done", zap.Duration("took", time.Since(start)))
	} else {
		log.Warn("invocation failed",
			zap.String("kind", string(res.Failure.Kind)),
			zap.Int("failed_hop", res.Failure.Hop),
			zap.String("message", res.Failure.Message))
	}
	return res
}

func (e *Executor) invoke(ctx context.Context, path string, rc chain.Context, in Input) (*chain.Result, *registry.Endpoint) {
	if rc.Hop < 0 || rc.Hop > e.cfg.MaxSteps {
		return e.fail(rc, errors.Validation([]string{chain.HeaderStep}, "step %d outside [0, %d]", rc.Hop, e.cfg.MaxSteps)), nil
	}
	if rc.Expired(time.Now()) {
		return e.fail(rc, errors.DeadlineExceeded(rc.Hop, nil)), nil
	}

	ep, err := e.registry.Resolve(path)
	if err != nil {
		return e.fail(rc, err), nil
	}
	if rc.DeploymentID == "" {
		rc.DeploymentID = ep.DeploymentID
	}

	args, err := decodeInput(ep, in)
	if err != nil {
		return e.fail(rc, err), ep
	}

	callCtx, cancel := rc.Bind(ctx)
	values, files, err := e.run(callCtx, ep, args, in.Files)
	cancel()
	if err != nil {
		if rc.Expired(time.Now()) {
			err = errors.DeadlineExceeded(rc.Hop, err)
		}
		return e.fail(rc, err), ep
	}

	if ep.Next == nil {
		res, err := chain.Success(rc, ep.Output, values)
		if err != nil {
			return e.fail(rc, err), ep
		}
		res.Files = files
		return res, ep
	}

	// A hop that finished after the deadline does not forward.
	if rc.Expired(time.Now()) {
		return e.fail(rc, errors.DeadlineExceeded(rc.Hop, nil)), ep
	}
	if ep.Next.Local() {
		return e.Invoke(ctx, ep.Next.Path, rc.Next(), Input{Values: values}), ep
	}
	return e.forward(ctx, ep, rc, values), ep
}

func (e *Executor) forward(ctx context.Context, ep *registry.Endpoint, rc chain.Context, values []codec.Value) *chain.Result {
	payload, err := codec.Encode(ep.Output, values)
	if err != nil {
		return e.fail(rc, err)
	}

	fctx := ctx
	if rc.HasDeadline() {
		var cancel context.CancelFunc
		fctx, cancel = context.WithDeadline(ctx, rc.Deadline.Add(e.cfg.DeadlineGrace))
		defer cancel()
	}

	res, err := e.client.Forward(fctx, *ep.Next.Remote, rc.Next(), payload)
	if err != nil {
		return e.fail(rc, err)
	}
	return res
}

// run executes one endpoint in a sandbox. The sandbox is released on every
// path; a trap, a ceiling hit or a decode error discards it.
func (e *Executor) run(ctx context.Context, ep *registry.Endpoint, args []codec.Value, files map[string][]byte) ([]codec.Value, map[string]string, error) {
	artifact, err := e.ensure(ctx, ep)
	if err != nil {
		return nil, nil, err
	}

	if err := e.await(ctx, ep); err != nil {
		return nil, nil, err
	}

	var mountDir string
	if len(ep.Mounts) > 0 {
		mountDir = e.mountDir(ep.DeploymentID, ep.Module.ID)
		if err := os.MkdirAll(mountDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create params dir: %w", err)
		}
	}
	// Request files are shared state in the mount dir; calls that write or
	// read them are serialized per directory.
	if len(ep.MountsAt(registry.StageExecution)) > 0 || len(ep.MountsAt(registry.StageOutput)) > 0 {
		unlock := e.lockDir(mountDir)
		defer unlock()
	}
	if err := stageFiles(ep, mountDir, files); err != nil {
		return nil, nil, err
	}

	sb, err := e.pool.Acquire(ctx, pool.Target{
		Artifact: artifact,
		MountDir: mountDir,
		Label:    ep.Path,
	})
	if err != nil {
		return nil, nil, err
	}
	defer sb.Release()

	params, arena, err := codec.Lower(sb, ep.Input, args)
	if err != nil {
		sb.Discard()
		return nil, nil, err
	}
	// a failed call never returns its sandbox, so the arena goes with it
	results, err := sb.Call(ctx, ep.Function, params...)
	if err != nil {
		return nil, nil, err
	}
	values, err := codec.Lift(sb, ep.Output, results)
	arena.Free()
	if err != nil {
		sb.Discard()
		return nil, nil, err
	}

	out, err := collectOutputFiles(ep, mountDir)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Debug("executed",
		zap.String("deployment_id", ep.DeploymentID),
		zap.String("module", ep.Module.ID),
		zap.String("function", ep.Function),
		zap.Uint64("sandbox_id", sb.ID),
		zap.Uint64("generation", sb.Generation),
		zap.Int("calls", sb.Calls()))
	return values, out, nil
}

// ensure fetches the endpoint's artifact, retrying transient failures. An
// integrity failure is irrecoverable and fails the whole deployment.
func (e *Executor) ensure(ctx context.Context, ep *registry.Endpoint) (*store.Artifact, error) {
	op := func() (*store.Artifact, error) {
		a, err := e.store.Ensure(ctx, ep.Module.ID, e.cfg.Arch)
		if err != nil && (errors.KindOf(err) != errors.KindFetchUnavailable || ctx.Err() != nil) {
			return nil, backoff.Permanent(err)
		}
		return a, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.FetchBackoff
	a, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.FetchRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("artifact fetch failed, retrying",
				zap.String("module", ep.Module.ID),
				zap.Duration("backoff", next),
				zap.Error(err))
		}))
	if err == nil {
		return a, nil
	}

	var perm *backoff.PermanentError
	if stderrors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if errors.KindOf(err) == errors.KindInternal && ctx.Err() != nil {
		err = errors.Unavailable(ep.Module.ID, err)
	}
	if errors.KindOf(err) == errors.KindFetchIntegrity {
		e.registry.MarkFailed(ep.DeploymentID, err)
	}
	return nil, err
}

func (e *Executor) fail(rc chain.Context, err error) *chain.Result {
	return chain.Fail(rc, err, e.cfg.Node)
}

func (e *Executor) record(ctx context.Context, path string, rc chain.Context, ep *registry.Endpoint, start time.Time, res *chain.Result) {
	if e.history == nil {
		return
	}
	entry := history.Entry{
		RequestID:    rc.RequestID,
		DeploymentID: rc.DeploymentID,
		Path:         path,
		Hop:          rc.Hop,
		Node:         e.cfg.Node,
		StartedAt:    start,
		FinishedAt:   time.Now(),
		Success:      res.Success,
		Result:       res,
	}
	if ep != nil {
		entry.DeploymentID = ep.DeploymentID
		entry.Module = ep.Module.ID
		entry.Function = ep.Function
	}
	if err := e.history.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("record history", zap.String("request_id", rc.RequestID), zap.Error(err))
	}
}

func decodeInput(ep *registry.Endpoint, in Input) ([]codec.Value, error) {
	switch {
	case in.Values != nil:
		if len(in.Values) != len(ep.Input) {
			return nil, errors.Validation(nil, "expected %d arguments, got %d", len(ep.Input), len(in.Values))
		}
		for i, p := range ep.Input {
			if in.Values[i].Kind() != p.Kind() {
				return nil, errors.Validation([]string{p.Name}, "expected %s, got %s", p.Kind(), in.Values[i].Kind())
			}
		}
		return in.Values, nil
	case in.Payload != nil:
		return codec.Decode(ep.Input, in.Payload)
	default:
		return codec.ParseArgs(ep.Input, in.Args)
	}
}

func (e *Executor) mountDir(deploymentID, module string) string {
	return filepath.Join(e.cfg.ParamsDir, deploymentID, module)
}

func (e *Executor) lockDir(dir string) func() {
	v, _ := e.dirs.LoadOrStore(dir, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ResultFile returns the on-disk path of an output-stage file of a live
// deployment.
func (e *Executor) ResultFile(deploymentID, module, file string) (string, error) {
	for _, ep := range e.registry.Endpoints(deploymentID) {
		if ep.Module.ID != module {
			continue
		}
		for _, m := range ep.MountsAt(registry.StageOutput) {
			if m.Path == file {
				return filepath.Join(e.mountDir(deploymentID, module), file), nil
			}
		}
	}
	return "", errors.NotFound(errors.PhaseRegistry, "result file", fmt.Sprintf("%s/%s/%s", deploymentID, module, file))
}

func resultURL(deploymentID, module, file string) string {
	return ResultsPrefix + "/" + deploymentID + "/" + module + "/" + file
}

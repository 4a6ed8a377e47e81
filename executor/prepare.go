package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/pool"
	"github.com/wippyai/wasm-supervisor/registry"
)

// prepareParallelism bounds concurrent fetches of one deployment.
const prepareParallelism = 4

type preparation struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newPreparation() *preparation {
	return &preparation{done: make(chan struct{})}
}

func (p *preparation) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *preparation) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Begin marks a deployment as awaiting preparation. Invocations that need
// its deployment-stage files block until the next Prepare finishes. Wire it
// to registry.OnActivate so the mark precedes the first resolvable request.
func (e *Executor) Begin(deploymentID string) {
	e.preps.Store(deploymentID, newPreparation())
}

// pending returns the unfinished mark left by Begin, or a fresh one.
func (e *Executor) pending(deploymentID string) *preparation {
	for {
		fresh := newPreparation()
		v, loaded := e.preps.LoadOrStore(deploymentID, fresh)
		if !loaded {
			return fresh
		}
		prep := v.(*preparation)
		if !prep.finished() {
			return prep
		}
		if e.preps.CompareAndSwap(deploymentID, prep, fresh) {
			return fresh
		}
	}
}

// Prepare readies a freshly activated deployment. It fetches every module
// artifact and downloads deployment-stage files, then checks each endpoint's
// export against its schemas on a warm sandbox. Integrity and signature
// failures move the deployment to failed. Invocations of endpoints with
// deployment-stage files wait for Prepare to finish.
func (e *Executor) Prepare(ctx context.Context, deploymentID string) (err error) {
	prep := e.pending(deploymentID)
	defer func() { prep.finish(err) }()

	endpoints := e.registry.Endpoints(deploymentID)
	if len(endpoints) == 0 {
		return errors.NotFound(errors.PhaseRegistry, "deployment", deploymentID)
	}

	log := e.logger.With(zap.String("deployment_id", deploymentID))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prepareParallelism)

	files := make(map[string]bool)
	for _, ep := range endpoints {
		g.Go(func() error { return e.check(gctx, ep) })

		for _, m := range ep.MountsAt(registry.StageDeployment) {
			dst := filepath.Join(e.mountDir(deploymentID, ep.Module.ID), m.Path)
			if files[dst] {
				continue
			}
			files[dst] = true
			src := ep.Module.URLs.Other[m.Path]
			g.Go(func() error { return e.download(gctx, src, dst) })
		}
	}

	if err := g.Wait(); err != nil {
		// Sources that are only unreachable stay active; invocations fetch
		// lazily and may still succeed.
		if errors.KindOf(err) != errors.KindFetchUnavailable {
			e.registry.MarkFailed(deploymentID, err)
		}
		log.Error("deployment preparation failed", zap.Error(err))
		return err
	}
	log.Info("deployment prepared", zap.Int("endpoints", len(endpoints)), zap.Int("files", len(files)))
	return nil
}

// check fetches an endpoint's artifact and verifies its export on a sandbox,
// which stays warm in the pool afterwards.
func (e *Executor) check(ctx context.Context, ep *registry.Endpoint) error {
	artifact, err := e.ensure(ctx, ep)
	if err != nil {
		return err
	}

	var mountDir string
	if len(ep.Mounts) > 0 {
		mountDir = e.mountDir(ep.DeploymentID, ep.Module.ID)
		if err := os.MkdirAll(mountDir, 0o755); err != nil {
			return fmt.Errorf("create params dir: %w", err)
		}
	}

	sb, err := e.pool.Acquire(ctx, pool.Target{Artifact: artifact, MountDir: mountDir, Label: ep.Path})
	if err != nil {
		return err
	}
	defer sb.Release()

	def, ok := sb.Function(ep.Function)
	if !ok {
		return errors.New(errors.PhaseValidate, errors.KindValidation).
			Path("endpoints", ep.Path, "function").
			Detail("module %q exports no function %q (exports: %s)",
				ep.Module.ID, ep.Function, strings.Join(sb.Exports(), ", ")).
			Build()
	}
	if err := codec.CheckSignature(ep.Function, def, ep.Input, ep.Output); err != nil {
		return err
	}
	if (ep.Input.Variable() || ep.Output.Variable()) && !sb.HasMemory() {
		return errors.New(errors.PhaseValidate, errors.KindValidation).
			Path("endpoints", ep.Path, "function").
			Detail("module %q exports no linear memory for string or byte values", ep.Module.ID).
			Build()
	}
	return nil
}

// download writes a deployment-stage file, replacing any earlier version
// only once the new one is complete.
func (e *Executor) download(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create params dir: %w", err)
	}

	body, err := e.fetcher.Fetch(ctx, src)
	if err != nil {
		return errors.Unavailable(filepath.Base(dst), err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return errors.Unavailable(filepath.Base(dst), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return os.Rename(tmp.Name(), dst)
}

// await blocks until the deployment's pending preparation has written its
// deployment-stage files.
func (e *Executor) await(ctx context.Context, ep *registry.Endpoint) error {
	if len(ep.MountsAt(registry.StageDeployment)) == 0 {
		return nil
	}
	v, ok := e.preps.Load(ep.DeploymentID)
	if !ok {
		return nil
	}
	prep := v.(*preparation)
	select {
	case <-prep.done:
		return prep.err
	case <-ctx.Done():
		return errors.Wrap(errors.PhaseFetch, errors.KindFetchUnavailable, ctx.Err(), "deployment files not ready")
	}
}

// Forget drops per-deployment state once a deployment is removed. A
// deployment that was replaced rather than removed keeps its files.
func (e *Executor) Forget(d registry.Deployment) {
	if _, live := e.registry.Get(d.ID); live {
		return
	}
	e.preps.Delete(d.ID)
	dir := filepath.Join(e.cfg.ParamsDir, d.ID)
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("remove params dir", zap.String("deployment_id", d.ID), zap.Error(err))
	}
}

// stageFiles places the request's files where the module expects them and
// clears output files left by an earlier call. Every execution-stage mount
// must be supplied.
func stageFiles(ep *registry.Endpoint, dir string, files map[string][]byte) error {
	for _, m := range ep.MountsAt(registry.StageOutput) {
		if err := os.Remove(filepath.Join(dir, m.Path)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear output %s: %w", m.Path, err)
		}
	}
	for _, m := range ep.MountsAt(registry.StageExecution) {
		data, ok := files[m.Path]
		if !ok {
			return errors.Validation([]string{"files", m.Path}, "missing file for mount %q", m.Path)
		}
		if err := os.WriteFile(filepath.Join(dir, m.Path), data, 0o644); err != nil {
			return fmt.Errorf("write mount %s: %w", m.Path, err)
		}
	}
	return nil
}

// collectOutputFiles maps the output-stage files the module wrote to the
// URLs serving them. A declared output the module did not write is invalid_data.
func collectOutputFiles(ep *registry.Endpoint, dir string) (map[string]string, error) {
	mounts := ep.MountsAt(registry.StageOutput)
	if len(mounts) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(mounts))
	for _, m := range mounts {
		if _, err := os.Stat(filepath.Join(dir, m.Path)); err != nil {
			return nil, errors.InvalidData(errors.PhaseDecode, []string{"files", m.Path},
				fmt.Sprintf("module did not write output file %q", m.Path))
		}
		out[m.Path] = resultURL(ep.DeploymentID, ep.Module.ID, m.Path)
	}
	return out, nil
}

package store

import (
	"context"
	_ "crypto/sha256"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/metrics"
)

const (
	// GenericArch names the variant served when no arch-specific one exists.
	GenericArch = "generic"

	DefaultMaxBytes     = 1 << 30
	DefaultFetchTimeout = 2 * time.Minute

	artifactFile = "module.wasm"
)

// Key identifies one artifact on disk.
type Key struct {
	Module string
	Arch   string
}

func (k Key) String() string { return k.Module + "@" + k.Arch }

// Source is where a module's artifacts come from.
type Source struct {
	// URL is the generic binary.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Variants maps an arch to its binary.
	Variants map[string]string `json:"variants,omitempty" yaml:"variants,omitempty"`
	// Digest is the expected content hash. Empty pins the first fetched payload.
	Digest digest.Digest `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// location picks the URL for arch, falling back to the generic binary.
func (s Source) location(arch string) (string, string, bool) {
	if u := s.Variants[arch]; u != "" {
		return u, arch, true
	}
	if u := s.Variants[GenericArch]; u != "" {
		return u, GenericArch, true
	}
	if s.URL != "" {
		return s.URL, GenericArch, true
	}
	return "", "", false
}

// Artifact is a verified module binary in the cache.
type Artifact struct {
	Key       Key
	Digest    digest.Digest
	Path      string
	Size      int64
	FetchedAt time.Time
}

// Stats is a snapshot of the cache.
type Stats struct {
	Artifacts int   `json:"artifacts"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"maxBytes"`
	Inflight  int   `json:"inflight"`
}

// Store caches verified module artifacts on disk under <dir>/<module>/<arch>.
type Store struct {
	dir          string
	fetcher      Fetcher
	maxBytes     int64
	fetchTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Collector

	group singleflight.Group

	// mu guards the maps below; it is never held across a fetch
	mu       sync.Mutex
	sources  map[string]Source
	pinned   map[Key]digest.Digest
	entries  map[Key]*Artifact
	order    *lru.Cache
	used     int64
	inflight map[Key]bool
}

// Option configures a Store.
type Option func(*Store)

func WithFetcher(f Fetcher) Option {
	return func(s *Store) { s.fetcher = f }
}

// WithMaxBytes bounds the cache; least recently used artifacts are evicted past it.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) { s.fetchTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:          dir,
		maxBytes:     DefaultMaxBytes,
		fetchTimeout: DefaultFetchTimeout,
		logger:       zap.NewNop(),
		sources:      make(map[string]Source),
		pinned:       make(map[Key]digest.Digest),
		entries:      make(map[Key]*Artifact),
		order:        lru.New(0),
		inflight:     make(map[Key]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetcher == nil {
		s.fetcher = NewHTTPFetcher(s.fetchTimeout)
	}
	s.logger = s.logger.With(zap.String("component", "store"))
	s.order.OnEvicted = s.onEvicted

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create module cache dir: %w", err)
	}
	return s, nil
}

// Validate checks that src is a usable source for module.
func (s Source) Validate(module string) error {
	if err := validName(module); err != nil {
		return errors.Validation([]string{module}, "module id: %v", err)
	}
	if s.Digest != "" {
		if err := s.Digest.Validate(); err != nil {
			return errors.Validation([]string{module, "digest"}, "%v", err)
		}
	}
	if _, _, ok := s.location(GenericArch); !ok && len(s.Variants) == 0 {
		return errors.Validation([]string{module}, "no binary URL")
	}
	for arch, u := range s.Variants {
		if err := validName(arch); err != nil {
			return errors.Validation([]string{module, "variants", arch}, "arch: %v", err)
		}
		if u == "" {
			return errors.Validation([]string{module, "variants", arch}, "empty URL")
		}
	}
	return nil
}

// Resolves reports whether src serves an artifact for arch.
func (s Source) Resolves(arch string) bool {
	_, _, ok := s.location(arch)
	return ok
}

// Equal reports whether both sources name the same artifacts.
func (s Source) Equal(o Source) bool {
	return s.URL == o.URL && s.Digest == o.Digest && maps.Equal(s.Variants, o.Variants)
}

// Register records where a module can be fetched from. Registering a
// different source for a known module drops its cached artifacts.
func (s *Store) Register(module string, src Source) error {
	if err := src.Validate(module); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.sources[module]; ok && !old.Equal(src) {
		for key := range s.entries {
			if key.Module == module && !s.inflight[key] {
				s.order.Remove(key)
			}
		}
		for key := range s.pinned {
			if key.Module == module {
				delete(s.pinned, key)
			}
		}
	}
	s.sources[module] = src
	return nil
}

// Ensure returns a verified artifact for module on arch, fetching it when it
// is not cached. Concurrent calls for one key share a single fetch.
// A digest mismatch is fetch_integrity; anything transient is fetch_unavailable
// and left to the caller to retry.
func (s *Store) Ensure(ctx context.Context, module, arch string) (*Artifact, error) {
	s.mu.Lock()
	src, ok := s.sources[module]
	s.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseFetch, "module", module)
	}
	location, resolved, ok := src.location(arch)
	if !ok {
		return nil, errors.NotFound(errors.PhaseFetch, "artifact", Key{module, arch}.String())
	}
	key := Key{Module: module, Arch: resolved}

	if a := s.cached(key); a != nil {
		s.metrics.RecordFetch("hit", 0)
		return a, nil
	}

	// The fetch outlives any single waiter so a cancelled caller does not
	// fail the others sharing it.
	ch := s.group.DoChan(key.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fctx, key, location, src.Digest)
	})

	select {
	case <-ctx.Done():
		return nil, errors.Unavailable(module, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		a := *res.Val.(*Artifact)
		return &a, nil
	}
}

func (s *Store) cached(key Key) *Artifact {
	s.mu.Lock()
	a, ok := s.entries[key]
	if ok {
		s.order.Get(key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := os.Stat(a.Path); err != nil {
		s.logger.Warn("cached artifact vanished", zap.String("artifact", key.String()), zap.Error(err))
		s.mu.Lock()
		if s.entries[key] == a {
			s.order.Remove(key)
		}
		s.mu.Unlock()
		return nil
	}
	cp := *a
	return &cp
}

func (s *Store) fetch(ctx context.Context, key Key, location string, expected digest.Digest) (*Artifact, error) {
	s.mu.Lock()
	s.inflight[key] = true
	if expected == "" {
		expected = s.pinned[key]
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	log := s.logger.With(zap.String("module", key.Module), zap.String("arch", key.Arch))
	path := s.path(key)

	// a previous run may have left a verified copy
	if expected != "" {
		if size, err := verifyFile(path, expected); err == nil {
			log.Debug("reusing artifact on disk", zap.String("digest", expected.String()))
			s.metrics.RecordFetch("hit", 0)
			return s.install(key, expected, path, size), nil
		}
	}

	start := time.Now()
	got, size, err := s.download(ctx, location, path, expected)
	if err != nil {
		if errors.KindOf(err) == errors.KindFetchIntegrity {
			s.metrics.RecordFetch("integrity", 0)
			log.Error("artifact failed verification", zap.String("url", location), zap.Error(err))
			return nil, errors.Integrity(key.Module, expected.String(), got.String())
		}
		s.metrics.RecordFetch("unavailable", 0)
		log.Warn("artifact fetch failed", zap.String("url", location), zap.Error(err))
		return nil, errors.Unavailable(key.Module, err)
	}

	s.metrics.RecordFetch("fetched", size)
	log.Info("artifact fetched",
		zap.String("url", location),
		zap.String("digest", got.String()),
		zap.Int64("size", size),
		zap.Duration("took", time.Since(start)))

	return s.install(key, got, path, size), nil
}

// download streams location into a temp file next to path, hashing as it
// goes, and renames it into place once the digest checks out.
func (s *Store) download(ctx context.Context, location, path string, expected digest.Digest) (digest.Digest, int64, error) {
	rc, err := s.fetcher.Fetch(ctx, location)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), artifactFile+".*.tmp")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	alg := digest.Canonical
	if expected != "" {
		alg = expected.Algorithm()
	}
	digester := alg.Digester()

	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}

	got := digester.Digest()
	if expected != "" && got != expected {
		return got, size, errors.Integrity("", expected.String(), got.String())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, err
	}
	return got, size, nil
}

func (s *Store) install(key Key, d digest.Digest, path string, size int64) *Artifact {
	a := &Artifact{Key: key, Digest: d, Path: path, Size: size, FetchedAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.used -= old.Size
	}
	s.entries[key] = a
	s.order.Add(key, a)
	s.used += size
	if _, ok := s.pinned[key]; !ok {
		s.pinned[key] = d
	}

	for s.used > s.maxBytes && s.order.Len() > 1 {
		s.order.RemoveOldest()
	}
	s.metrics.SetCacheBytes(s.used)
	return a
}

// onEvicted runs under mu whenever an entry leaves the LRU.
func (s *Store) onEvicted(k lru.Key, v any) {
	key := k.(Key)
	a := v.(*Artifact)
	if s.entries[key] != a {
		return
	}
	delete(s.entries, key)
	s.used -= a.Size
	s.metrics.RecordEviction()
	s.metrics.SetCacheBytes(s.used)

	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove evicted artifact", zap.String("artifact", key.String()), zap.Error(err))
	}
	s.logger.Debug("artifact evicted", zap.String("artifact", key.String()), zap.Int64("size", a.Size))
}

// Load reads an artifact and verifies it against its digest. A file that no
// longer verifies is dropped from the cache.
func (s *Store) Load(a *Artifact) ([]byte, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, errors.Unavailable(a.Key.Module, err)
	}

	verifier := a.Digest.Verifier()
	_, _ = verifier.Write(data)
	if !verifier.Verified() {
		got := a.Digest.Algorithm().FromBytes(data)
		s.mu.Lock()
		if cur, ok := s.entries[a.Key]; ok && cur.Digest == a.Digest {
			s.order.Remove(a.Key)
		}
		s.mu.Unlock()
		return nil, errors.Integrity(a.Key.Module, a.Digest.String(), got.String())
	}
	return data, nil
}

// Invalidate drops every cached artifact of module. Artifacts with a fetch
// in flight are left alone; the fetch installs its result.
func (s *Store) Invalidate(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.entries {
		if key.Module != module {
			continue
		}
		if s.inflight[key] {
			s.logger.Debug("invalidate skipped, fetch in flight", zap.String("artifact", key.String()))
			continue
		}
		s.order.Remove(key)
	}
}

// Stats returns a snapshot of cache usage.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Artifacts: len(s.entries),
		Bytes:     s.used,
		MaxBytes:  s.maxBytes,
		Inflight:  len(s.inflight),
	}
}

func (s *Store) path(key Key) string {
	return filepath.Join(s.dir, key.Module, key.Arch, artifactFile)
}

func verifyFile(path string, expected digest.Digest) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	verifier := expected.Verifier()
	size, err := io.Copy(verifier, f)
	if err != nil {
		return 0, err
	}
	if !verifier.Verified() {
		return 0, fmt.Errorf("digest mismatch")
	}
	return size, nil
}

func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty")
	case name == "." || name == "..":
		return fmt.Errorf("%q is reserved", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%q contains a path separator", name)
	}
	return nil
}

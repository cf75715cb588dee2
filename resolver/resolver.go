// Package resolver computes install sizes by breadth-first traversal of the
// npm dependency graph.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pkgwatch/npmsync/registry"
)

const (
	defaultConcurrency = 20
	defaultMaxPackages = 500
	defaultTimeout     = 15 * time.Second
)

// Result is the aggregate install size for a package and its transitive
// runtime dependencies.
type Result struct {
	Name            string
	Version         string
	SelfSize        int64 // unpacked size of the root alone
	TotalSize       int64 // unpacked size of every resolved package, root included
	DependencyCount int   // distinct name@version pairs, root excluded
	Partial         bool  // true when the cap or deadline truncated traversal
}

// Resolver walks dependency graphs against the registry.
type Resolver struct {
	fetch       registry.Fetcher
	concurrency int
	maxPackages int
	timeout     time.Duration
	platform    Platform
	logger      *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithConcurrency caps parallel packument fetches per BFS level.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		r.concurrency = n
	}
}

// WithMaxPackages caps the number of distinct packages resolved.
func WithMaxPackages(n int) Option {
	return func(r *Resolver) {
		r.maxPackages = n
	}
}

// WithTimeout bounds the wall-clock time of a single resolution.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// WithPlatform sets the install target used for os/cpu/libc filtering.
func WithPlatform(p Platform) Option {
	return func(r *Resolver) {
		r.platform = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// New creates a Resolver that fetches packuments through f.
func New(f registry.Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		fetch:       f,
		concurrency: defaultConcurrency,
		maxPackages: defaultMaxPackages,
		timeout:     defaultTimeout,
		platform:    DefaultPlatform,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// want is an unresolved edge: a package name and the range requested for it.
type want struct {
	name string
	rng  string
}

// InstallSize resolves the dependency tree of name at version (latest when
// empty) and sums unpacked sizes. Diamond dependencies are counted once,
// keyed by name@version. Unresolvable specifiers and platform-excluded
// versions contribute zero without aborting the traversal. Hitting the
// package cap or the deadline yields a best-effort partial result, not an
// error. Returns registry.ErrNotFound (wrapped) when the root itself does
// not exist.
func (r *Resolver) InstallSize(ctx context.Context, name, version string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()

	// Packument cache scoped to this invocation. A nil entry records a
	// failed fetch so one broken package is not re-fetched per level.
	cache := map[string]*registry.Packument{}

	rootPack, err := r.fetchCached(ctx, cache, name)
	if err != nil {
		return nil, err
	}
	if rootPack == nil {
		return nil, &registry.NotFoundError{Name: name}
	}

	root, ok := pickVersion(rootPack, version)
	if !ok {
		if version == "" {
			return nil, &registry.NotFoundError{Name: name}
		}
		return nil, &registry.NotFoundError{Name: name, Version: version}
	}

	result := &Result{
		Name:      rootPack.Name,
		Version:   root.Version,
		SelfSize:  root.Dist.UnpackedSize,
		TotalSize: root.Dist.UnpackedSize,
	}

	visited := map[string]struct{}{
		rootPack.Name + "@" + root.Version: {},
	}

	frontier := nextWants(root, nil)

	for len(frontier) > 0 {
		if len(visited) >= r.maxPackages {
			result.Partial = true
			break
		}
		if ctx.Err() != nil {
			result.Partial = true
			break
		}

		frontier = rewriteAliases(frontier)
		r.prefetchLevel(ctx, cache, frontier)

		var next []want
		seenEdges := map[string]struct{}{}

		for _, w := range frontier {
			if len(visited) >= r.maxPackages {
				result.Partial = true
				break
			}

			p := cache[w.name]
			if p == nil {
				// Fetch failed or package gone: zero contribution.
				continue
			}

			v, ok := pickVersion(p, w.rng)
			if !ok {
				continue
			}
			if !r.platform.Supports(v.OS, v.CPU, v.Libc) {
				continue
			}

			key := p.Name + "@" + v.Version
			if _, dup := visited[key]; dup {
				continue
			}
			visited[key] = struct{}{}

			result.TotalSize += v.Dist.UnpackedSize
			result.DependencyCount++

			next = append(next, nextWants(v, seenEdges)...)
		}

		frontier = next
	}

	// A deadline firing mid-prefetch empties the frontier without reaching
	// the check at the top of the loop.
	if ctx.Err() != nil {
		result.Partial = true
	}

	if result.Partial && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Debug("install size truncated by deadline",
			zap.String("package", name),
			zap.Int("resolved", len(visited)),
			zap.Duration("elapsed", time.Since(started)))
	}

	return result, nil
}

// nextWants collects the combined dependency and optionalDependency edges of
// a version, skipping unresolvable specifiers. seen deduplicates edges within
// one BFS level; pass nil to skip level-dedup.
func nextWants(v registry.VersionInfo, seen map[string]struct{}) []want {
	wants := make([]want, 0, len(v.Dependencies)+len(v.OptionalDeps))

	collect := func(deps map[string]string) {
		for depName, spec := range deps {
			if kind, _, _ := classifySpec(spec); kind == specSkip {
				continue
			}
			if seen != nil {
				edgeKey := depName + "\x00" + spec
				if _, dup := seen[edgeKey]; dup {
					continue
				}
				seen[edgeKey] = struct{}{}
			}
			wants = append(wants, want{name: depName, rng: spec})
		}
	}

	collect(v.Dependencies)
	collect(v.OptionalDeps)
	return wants
}

// rewriteAliases replaces npm: alias edges with their target name and range.
// Nested aliases are not a thing npm accepts, so one rewrite suffices.
func rewriteAliases(edges []want) []want {
	out := edges[:0]
	for _, w := range edges {
		kind, aliasName, rng := classifySpec(w.rng)
		switch kind {
		case specSkip:
			continue
		case specAlias:
			if aliasName == "" {
				continue
			}
			out = append(out, want{name: aliasName, rng: rng})
		default:
			out = append(out, w)
		}
	}
	return out
}

// prefetchLevel fetches every packument the level needs with bounded
// parallelism, filling the invocation cache. Fetch failures are recorded as
// nil entries; a level never aborts on a single bad package.
func (r *Resolver) prefetchLevel(ctx context.Context, cache map[string]*registry.Packument, edges []want) {
	var missing []string
	seen := map[string]struct{}{}
	for _, w := range edges {
		if _, cached := cache[w.name]; cached {
			continue
		}
		if _, dup := seen[w.name]; dup {
			continue
		}
		seen[w.name] = struct{}{}
		missing = append(missing, w.name)
	}
	if len(missing) == 0 {
		return
	}

	var mu sync.Mutex
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for _, name := range missing {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			p, err := r.fetch.FetchPackument(ctx, name)
			if err != nil {
				p = nil
			}
			mu.Lock()
			cache[name] = p
			mu.Unlock()
		}(name)
	}

	wg.Wait()
}

// fetchCached fetches one packument through the invocation cache. Only the
// root fetch propagates its error.
func (r *Resolver) fetchCached(ctx context.Context, cache map[string]*registry.Packument, name string) (*registry.Packument, error) {
	if p, ok := cache[name]; ok {
		return p, nil
	}
	p, err := r.fetch.FetchPackument(ctx, name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			cache[name] = nil
			return nil, err
		}
		return nil, fmt.Errorf("fetching root packument: %w", err)
	}
	cache[name] = p
	return p, nil
}

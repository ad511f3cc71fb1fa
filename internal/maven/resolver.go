package maven

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scopes of a resolved artifact.
const (
	ScopeCompile   = "compile"
	ScopeRuntime   = "runtime"
	ScopeTest      = "test"
	ScopeProcessor = "processor"
)

// Request is one declared dependency.
type Request struct {
	Coordinate Coordinate
	Scope      string
	Exclusions []Exclusion
	Transitive bool
	Shade      bool
	// Constraint selects a version from repository metadata when the
	// declared version is Latest.
	Constraint *semver.Constraints
}

// Artifact is one resolved file.
type Artifact struct {
	Coordinate Coordinate
	Scope      string
	Path       string
	Digest     digest.Digest
	Shade      bool
	Depth      int
	// Via is the key of the artifact that pulled this one in; empty for
	// declared dependencies.
	Via string
}

// Resolution is the outcome of resolving a request set.
type Resolution struct {
	Artifacts []Artifact
}

// Classpath kinds.
const (
	ClasspathCompile   = "compile"
	ClasspathRuntime   = "runtime"
	ClasspathTest      = "test"
	ClasspathProcessor = "processor"
	ClasspathShade     = "shade"
)

// Classpath returns artifact paths for kind in resolution order, with one
// entry per group:artifact.
func (r *Resolution) Classpath(kind string) []string {
	include := func(a Artifact) bool {
		switch kind {
		case ClasspathCompile:
			return a.Scope == ScopeCompile
		case ClasspathRuntime:
			return a.Scope == ScopeCompile || a.Scope == ScopeRuntime
		case ClasspathTest:
			return a.Scope == ScopeCompile || a.Scope == ScopeRuntime || a.Scope == ScopeTest
		case ClasspathProcessor:
			return a.Scope == ScopeProcessor
		case ClasspathShade:
			return a.Shade && (a.Scope == ScopeCompile || a.Scope == ScopeRuntime)
		}
		return false
	}
	seen := map[string]bool{}
	var out []string
	for _, a := range r.Artifacts {
		if a.Path == "" || !include(a) || seen[a.Coordinate.Key()] {
			continue
		}
		seen[a.Coordinate.Key()] = true
		out = append(out, a.Path)
	}
	return out
}

// Resolver computes transitive closures. When a graph asks for several
// versions of one group:artifact the highest wins, and edges declared only
// by losing versions are dropped.
type Resolver struct {
	fetcher     *Fetcher
	logger      *zap.Logger
	parallelism int

	mu   sync.Mutex
	poms map[string]*effectivePOM
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithParallelism bounds concurrent downloads within one graph level.
func WithParallelism(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver fetching through f.
func NewResolver(f *Fetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		fetcher:     f,
		logger:      zap.NewNop(),
		parallelism: 8,
		poms:        map[string]*effectivePOM{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type node struct {
	coord      Coordinate
	scope      string
	shade      bool
	transitive bool
	exclusions []Exclusion
	via        string

	depth int

	// filled by describe and fetchFile
	packaging string
	deps      []POMDependency
	path      string
	sum       digest.Digest
}

// maxSelectionRounds bounds how often a graph is walked again after a
// version upgrade.
const maxSelectionRounds = 10

// Resolve resolves reqs. Main (compile and runtime), test and processor
// requests form independent graphs, each mediated separately, so the same
// library may appear once per graph.
func (r *Resolver) Resolve(ctx context.Context, reqs []Request) (*Resolution, error) {
	var main, test, proc []Request
	for _, q := range reqs {
		switch q.Scope {
		case ScopeTest:
			test = append(test, q)
		case ScopeProcessor:
			proc = append(proc, q)
		case ScopeCompile, ScopeRuntime, "":
			main = append(main, q)
		default:
			return nil, fmt.Errorf("%s: unknown scope %q", q.Coordinate, q.Scope)
		}
	}
	res := &Resolution{}
	for _, graph := range [][]Request{main, test, proc} {
		arts, err := r.resolveGraph(ctx, graph)
		if err != nil {
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, arts...)
	}
	return res, nil
}

func (r *Resolver) resolveGraph(ctx context.Context, reqs []Request) ([]Artifact, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	var roots []*node
	for _, q := range reqs {
		c := q.Coordinate
		if c.Version == Latest {
			v, err := r.latest(ctx, c, q.Constraint)
			if err != nil {
				return nil, err
			}
			c.Version = v
		}
		scope := q.Scope
		if scope == "" {
			scope = ScopeCompile
		}
		roots = append(roots, &node{
			coord:      c,
			scope:      scope,
			shade:      q.Shade,
			transitive: q.Transitive,
			exclusions: q.Exclusions,
		})
	}

	// Walk with the current selection until the highest version requested
	// for every reachable artifact is the one selected.
	selected := map[string]string{}
	for round := 1; ; round++ {
		nodes, requested, err := r.walk(ctx, roots, selected)
		if err != nil {
			return nil, err
		}
		if maps.Equal(requested, selected) {
			if err := r.fetchFiles(ctx, nodes); err != nil {
				return nil, err
			}
			out := make([]Artifact, 0, len(nodes))
			for _, n := range nodes {
				out = append(out, Artifact{
					Coordinate: n.coord,
					Scope:      n.scope,
					Path:       n.path,
					Digest:     n.sum,
					Shade:      n.shade,
					Depth:      n.depth,
					Via:        n.via,
				})
			}
			return out, nil
		}
		if round == maxSelectionRounds {
			return nil, fmt.Errorf("version selection did not settle after %d rounds", round)
		}
		selected = requested
	}
}

// walk traverses the graph breadth-first, replacing every requested version
// with the selected one. It returns the reached nodes in order and the
// highest version requested per group:artifact.
func (r *Resolver) walk(ctx context.Context, roots []*node, selected map[string]string) ([]*node, map[string]string, error) {
	requested := map[string]string{}
	visited := map[string]bool{}
	// reach records the request for n and reports whether n is new.
	reach := func(n *node) bool {
		k := n.coord.Key()
		if cur, ok := requested[k]; !ok || compareVersions(n.coord.Version, cur) > 0 {
			requested[k] = n.coord.Version
		}
		if v, ok := selected[k]; ok {
			n.coord.Version = v
		}
		if visited[k] {
			return false
		}
		visited[k] = true
		return true
	}

	var level []*node
	for _, root := range roots {
		n := *root
		if reach(&n) {
			level = append(level, &n)
		}
	}
	var out []*node
	for depth := 0; len(level) > 0; depth++ {
		if err := r.describeLevel(ctx, level); err != nil {
			return nil, nil, err
		}
		var next []*node
		for _, n := range level {
			n.depth = depth
			out = append(out, n)
			if !n.transitive {
				continue
			}
			for _, d := range n.deps {
				child, ok, err := r.child(ctx, n, d)
				if err != nil {
					return nil, nil, err
				}
				if ok && reach(child) {
					next = append(next, child)
				}
			}
		}
		level = next
	}
	return out, requested, nil
}

// compareVersions orders Maven versions, falling back to a segment-wise
// comparison for versions that are not semantic versions.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	split := func(s string) []string {
		return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '-' })
	}
	as, bs := split(a), split(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, errX := strconv.Atoi(x)
		yi, errY := strconv.Atoi(y)
		switch {
		case errX == nil && errY == nil:
			if xi != yi {
				return cmp.Compare(xi, yi)
			}
		case x != y:
			return strings.Compare(x, y)
		}
	}
	return 0
}

// child turns a dependency of n into a graph node, or reports ok=false when
// the edge is not followed.
func (r *Resolver) child(ctx context.Context, n *node, d POMDependency) (*node, bool, error) {
	if d.optional() {
		return nil, false, nil
	}
	var scope string
	switch d.Scope {
	case "compile":
		scope = n.scope
	case "runtime":
		scope = n.scope
		if scope == ScopeCompile {
			scope = ScopeRuntime
		}
	default:
		// test, provided, system and import are not transitive.
		return nil, false, nil
	}
	c := Coordinate{
		Group:      d.GroupID,
		Artifact:   d.ArtifactID,
		Version:    d.Version,
		Classifier: d.classifier(),
		Extension:  d.extension(),
	}
	for _, ex := range n.exclusions {
		if ex.Matches(c) {
			return nil, false, nil
		}
	}
	if c.Version == "" || unresolved(c.Version) || unresolved(c.Group) || unresolved(c.Artifact) {
		return nil, false, fmt.Errorf("%s depends on %s:%s: %w", n.coord, d.GroupID, d.ArtifactID, errNoVersion)
	}
	if cons, isRange, err := rangeConstraint(c.Version); isRange {
		if err != nil {
			return nil, false, fmt.Errorf("%s depends on %s: %w", n.coord, c.Key(), err)
		}
		v, err := r.latest(ctx, c, cons)
		if err != nil {
			return nil, false, err
		}
		c.Version = v
	}

	excl := append([]Exclusion(nil), n.exclusions...)
	for _, e := range d.Exclusions {
		excl = append(excl, Exclusion{Group: e.GroupID, Artifact: e.ArtifactID})
	}
	return &node{
		coord:      c,
		scope:      scope,
		shade:      n.shade,
		transitive: true,
		exclusions: excl,
		via:        n.coord.Key(),
	}, true, nil
}

func (r *Resolver) latest(ctx context.Context, c Coordinate, cons *semver.Constraints) (string, error) {
	versions, err := r.fetcher.Versions(ctx, c)
	if err != nil {
		return "", fmt.Errorf("%s: list versions: %w", c.Key(), err)
	}
	v, err := SelectVersion(cons, versions)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.Key(), err)
	}
	r.logger.Debug("selected version", zap.String("artifact", c.Key()), zap.String("version", v))
	return v, nil
}

// describeLevel reads the descriptors of one graph level in parallel.
func (r *Resolver) describeLevel(ctx context.Context, level []*node) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, n := range level {
		n := n
		g.Go(func() error {
			return r.describe(gctx, n)
		})
	}
	return g.Wait()
}

func (r *Resolver) describe(ctx context.Context, n *node) error {
	n.packaging = "jar"
	if !n.transitive && n.coord.Extension != "pom" {
		return nil
	}
	e, err := r.effective(ctx, n.coord)
	switch {
	case errors.Is(err, ErrNotFound):
		r.logger.Warn("descriptor missing, transitive dependencies not followed", zap.String("artifact", n.coord.String()))
	case err != nil:
		return err
	default:
		n.packaging = e.packaging
		n.deps = e.dependencies
	}
	return nil
}

// fetchFiles downloads the files of the selected nodes in parallel.
func (r *Resolver) fetchFiles(ctx context.Context, nodes []*node) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			return r.fetchFile(gctx, n)
		})
	}
	return g.Wait()
}

func (r *Resolver) fetchFile(ctx context.Context, n *node) error {
	if n.coord.Extension == "pom" || (n.packaging == "pom" && n.coord.Classifier == "" && n.coord.Extension == "jar") {
		return nil
	}
	path, err := r.fetcher.Fetch(ctx, n.coord.Path())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", n.coord, err)
	}
	sum, err := FileDigest(path)
	if err != nil {
		return err
	}
	n.path, n.sum = path, sum
	r.logger.Debug("resolved", zap.String("artifact", n.coord.String()), zap.String("digest", sum.String()))
	return nil
}

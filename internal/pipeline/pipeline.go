// Package pipeline runs the build stages as a linear task graph:
// resolve, compile, shade, manifest, the optional test stage, verify, then
// the optional mappings and publish stages. A failed stage skips everything
// after it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"paperpack/internal/compile"
	"paperpack/internal/config"
	"paperpack/internal/dag"
	"paperpack/internal/history"
	"paperpack/internal/junit"
	"paperpack/internal/logging"
	"paperpack/internal/manifest"
	"paperpack/internal/mappings"
	"paperpack/internal/maven"
	"paperpack/internal/metrics"
	"paperpack/internal/scan"
	"paperpack/internal/shade"
	"paperpack/internal/trace"
)

// Pipeline builds one project.
type Pipeline struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *metrics.Recorder
	fetcherOpts []maven.FetcherOption

	now   func() time.Time
	newID func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records stage outcomes into m.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithFetcherOptions passes options to the dependency fetcher.
func WithFetcherOptions(opts ...maven.FetcherOption) Option {
	return func(p *Pipeline) { p.fetcherOpts = append(p.fetcherOpts, opts...) }
}

// New creates a Pipeline for cfg. cfg must already be validated.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Options selects what one Build does.
type Options struct {
	// Until is the last stage to run. Empty runs every enabled stage.
	Until string
	// TracePath receives the canonical build trace when set.
	TracePath string
}

// Result describes a finished build, successful or not.
type Result struct {
	BuildID string
	Target  string
	Graph   *dag.GraphResult

	Resolution  *maven.Resolution
	Classes     string
	TestClasses string
	// Artifact is the newest archive the build produced: the shaded jar,
	// or the mapped jar once the mappings stage ran.
	Artifact string
	// Shaded is the stamped shaded jar, the archive that is published.
	Shaded              string
	Tests               *junit.Summary
	Fingerprint         digest.Digest
	PreviousFingerprint digest.Digest
	Manifest            *manifest.Manifest
	Published           []string
	Trace               trace.BuildTrace
}

// Succeeded reports whether every selected stage completed.
func (r *Result) Succeeded() bool {
	return r.Graph != nil && r.Graph.Succeeded()
}

// RunClasspath returns the runtime classpath. Libraries bundled into the
// artifact are left out unless includeShaded is set.
func (r *Result) RunClasspath(includeShaded bool) []string {
	if r.Resolution == nil {
		return nil
	}
	runtime := r.Resolution.Classpath(maven.ClasspathRuntime)
	if includeShaded {
		return runtime
	}
	shaded := map[string]bool{}
	for _, p := range r.Resolution.Classpath(maven.ClasspathShade) {
		shaded[p] = true
	}
	out := make([]string, 0, len(runtime))
	for _, p := range runtime {
		if !shaded[p] {
			out = append(out, p)
		}
	}
	return out
}

// build is the state stages hand to each other.
type build struct {
	id       string
	logger   *zap.Logger
	previous *history.Build

	resolution  *maven.Resolution
	classes     string
	testClasses string
	artifact    string
	shaded      string
	tests       *junit.Summary
	relocator   *shade.Relocator
	fingerprint digest.Digest
	manifest    *manifest.Manifest
	published   []string

	// outputs holds the content identities each stage produced.
	outputs map[string][]string
}

// Build runs the pipeline up to opts.Until. Stage failures are returned as
// *history.StageFailureError next to a non-nil Result; an unknown target
// wraps ErrUnknownStage.
func (p *Pipeline) Build(ctx context.Context, opts Options) (*Result, error) {
	if err := checkTarget(p.cfg, opts.Until); err != nil {
		return nil, err
	}
	b := &build{id: p.newID(), outputs: map[string][]string{}}
	b.logger = logging.ForBuild(p.logger, b.id)

	g, err := graph(p.cfg, func(stage string) dag.Task {
		return dag.Task{Name: stage, Run: func(ctx context.Context) error {
			return p.runStage(ctx, b, stage)
		}}
	})
	if err != nil {
		return nil, &history.GraphFailureError{Code: "InvalidGraph", Message: err.Error(), Cause: err}
	}
	target := opts.Until
	if target == "" {
		stages := Stages(p.cfg)
		target = stages[len(stages)-1]
	}
	if g, err = g.Upstream(target); err != nil {
		return nil, &history.GraphFailureError{Code: "InvalidTarget", Message: err.Error(), Cause: err}
	}

	store, err := history.NewStore(p.cfg.BuildPath())
	if err != nil {
		return nil, &history.SystemFailureError{Code: "History", Message: err.Error(), Cause: err}
	}
	if prev, err := store.Latest(history.StatusSucceeded); err != nil {
		b.logger.Warn("could not read build history", zap.Error(err))
	} else {
		b.previous = prev
	}
	rec := history.Build{
		BuildID:   b.id,
		GraphHash: g.Hash().String(),
		StartTime: p.now().UTC(),
		Target:    target,
		Status:    history.StatusRunning,
	}
	if b.previous != nil {
		id := b.previous.BuildID
		rec.PreviousBuildID = &id
	}
	if err := store.SaveBuild(rec); err != nil {
		return nil, &history.SystemFailureError{Code: "History", Message: err.Error(), Cause: err}
	}
	if p.metrics != nil {
		p.metrics.SetBuild(p.cfg.Project.Name, p.cfg.Project.Version, b.id)
	}

	recorder := trace.NewRecorder()
	exec, err := dag.NewExecutor(g)
	if err != nil {
		return nil, &history.GraphFailureError{Code: "InvalidGraph", Message: err.Error(), Cause: err}
	}
	exec.Observer = &observer{logger: b.logger, metrics: p.metrics, sink: recorder, outputs: b.outputs}

	b.logger.Info("build started",
		zap.String("project", p.cfg.Project.Name),
		zap.String("version", p.cfg.Project.Version),
		zap.String("target", target),
		zap.Strings("stages", g.TopologicalOrder()))
	gr, err := exec.RunSerial(ctx)
	if err != nil {
		return nil, &history.SystemFailureError{Code: "Executor", Message: err.Error(), Cause: err}
	}

	res := &Result{
		BuildID:     b.id,
		Target:      target,
		Graph:       gr,
		Resolution:  b.resolution,
		Classes:     b.classes,
		TestClasses: b.testClasses,
		Artifact:    b.artifact,
		Shaded:      b.shaded,
		Tests:       b.tests,
		Fingerprint: b.fingerprint,
		Manifest:    b.manifest,
		Published:   b.published,
		Trace:       recorder.Trace(g.Hash().String()),
	}
	if b.previous != nil {
		res.PreviousFingerprint = digest.Digest(b.previous.Fingerprint)
	}

	buildErr := stageError(gr)
	if opts.TracePath != "" {
		if err := res.Trace.WriteFile(opts.TracePath); err != nil && buildErr == nil {
			buildErr = &history.SystemFailureError{Code: "TraceWrite", Message: err.Error(), Cause: err}
		}
	}

	rec.Fingerprint = b.fingerprint.String()
	if d, err := res.Trace.Digest(); err != nil {
		b.logger.Warn("could not digest build trace", zap.Error(err))
	} else {
		rec.TraceDigest = d.String()
	}
	rec.Stages = make(map[string]string, len(gr.FinalState))
	for name, st := range gr.FinalState {
		rec.Stages[name] = string(st)
	}
	if buildErr != nil {
		rec.Status = history.StatusFailed
		if err := store.RecordFailure(b.id, buildErr); err != nil {
			b.logger.Warn("could not record failure", zap.Error(err))
		}
		b.logger.Error("build failed", zap.Error(buildErr))
	} else {
		rec.Status = history.StatusSucceeded
		if p.metrics != nil {
			p.metrics.MarkSuccess(p.now())
		}
		b.logger.Info("build succeeded", zap.String("artifact", b.artifact))
	}
	if err := store.SaveBuild(rec); err != nil {
		b.logger.Warn("could not record build", zap.Error(err))
	}
	return res, buildErr
}

func stageError(gr *dag.GraphResult) error {
	err := gr.Err()
	if err == nil {
		return nil
	}
	var te *dag.TaskError
	if !errors.As(err, &te) {
		return err
	}
	return &history.StageFailureError{Stage: te.Task, Code: reasonCode(te.Err), Message: te.Err.Error(), Cause: te.Err}
}

func (p *Pipeline) runStage(ctx context.Context, b *build, stage string) error {
	l := logging.ForStage(b.logger, stage)
	switch stage {
	case StageResolve:
		return p.resolve(ctx, b, l)
	case StageCompile:
		return p.compile(ctx, b, l)
	case StageShade:
		return p.shade(ctx, b, l)
	case StageManifest:
		return p.stamp(b, l)
	case StageTest:
		return p.test(ctx, b, l)
	case StageVerify:
		return p.verify(ctx, b, l)
	case StageMappings:
		return p.embedMappings(ctx, b, l)
	case StagePublish:
		return p.publish(ctx, b, l)
	}
	return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
}

// Requests converts the declared dependencies of cfg.
func Requests(cfg *config.Config) ([]maven.Request, error) {
	reqs := make([]maven.Request, 0, len(cfg.Dependencies))
	for _, d := range cfg.Dependencies {
		c, err := maven.ParseCoordinate(d.Coordinate)
		if err != nil {
			return nil, err
		}
		q := maven.Request{
			Coordinate: c,
			Scope:      d.Scope,
			Transitive: d.IsTransitive(),
			Shade:      d.Shade,
		}
		for _, ex := range d.Exclusions {
			e, err := maven.ParseExclusion(ex)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Coordinate, err)
			}
			q.Exclusions = append(q.Exclusions, e)
		}
		if d.Constraint != "" {
			if q.Constraint, err = semver.NewConstraint(d.Constraint); err != nil {
				return nil, fmt.Errorf("%s: constraint: %w", d.Coordinate, err)
			}
		}
		reqs = append(reqs, q)
	}
	return reqs, nil
}

func (p *Pipeline) resolve(ctx context.Context, b *build, l *zap.Logger) error {
	reqs, err := Requests(p.cfg)
	if err != nil {
		return err
	}
	repos := make([]maven.Repository, 0, len(p.cfg.Repositories))
	for _, r := range p.cfg.Repositories {
		repos = append(repos, maven.Repository{Name: r.Name, URL: p.repoURL(r.URL)})
	}
	fopts := append([]maven.FetcherOption{maven.WithLogger(l)}, p.fetcherOpts...)
	fetcher := maven.NewFetcher(repos, p.cfg.BuildPath("cache", "maven"), fopts...)

	res, err := maven.NewResolver(fetcher, maven.WithResolverLogger(l)).Resolve(ctx, reqs)
	if err != nil {
		return fmt.Errorf("resolve dependencies: %w", err)
	}
	if err := maven.WriteReport(p.cfg.BuildPath(maven.ReportFile), res); err != nil {
		return fmt.Errorf("write resolution report: %w", err)
	}
	b.resolution = res
	for _, a := range res.Artifacts {
		id := a.Coordinate.String()
		if a.Digest != "" {
			id += "@" + a.Digest.String()
		}
		b.outputs[StageResolve] = append(b.outputs[StageResolve], id)
	}
	l.Info("dependencies resolved",
		zap.Int("artifacts", len(res.Artifacts)),
		zap.Int("shaded", len(res.Classpath(maven.ClasspathShade))))
	return nil
}

func (p *Pipeline) compile(ctx context.Context, b *build, l *zap.Logger) error {
	cfg := p.cfg
	c := compile.New(l)
	b.classes = cfg.BuildPath("classes", "java", "main")
	res, err := c.Compile(ctx, compile.Options{
		Javac:         cfg.Compiler.Javac,
		Release:       cfg.Compiler.Release,
		Args:          cfg.Compiler.Args,
		Env:           cfg.Compiler.Env,
		SourceDirs:    p.paths(cfg.Project.SourceDirs),
		ResourceDirs:  p.paths(cfg.Project.ResourceDirs),
		LicenseFile:   cfg.Path(cfg.Project.LicenseFile),
		Classpath:     b.resolution.Classpath(maven.ClasspathCompile),
		ProcessorPath: b.resolution.Classpath(maven.ClasspathProcessor),
		OutputDir:     b.classes,
		TempDir:       cfg.BuildPath("tmp", "compileJava"),
	})
	if err != nil {
		return err
	}
	if d := strings.TrimSpace(res.Diagnostics); d != "" {
		l.Warn("javac diagnostics", zap.String("output", d))
	}

	testDirs := p.paths(cfg.Project.TestSourceDirs)
	tests, err := compile.Sources(testDirs)
	if err != nil {
		return err
	}
	if len(tests) == 0 {
		return nil
	}
	b.testClasses = cfg.BuildPath("classes", "java", "test")
	_, err = c.Compile(ctx, compile.Options{
		Javac:         cfg.Compiler.Javac,
		Release:       cfg.Compiler.Release,
		Args:          cfg.Compiler.TestArgs,
		Env:           cfg.Compiler.Env,
		SourceDirs:    testDirs,
		Classpath:     append([]string{b.classes}, b.resolution.Classpath(maven.ClasspathTest)...),
		ProcessorPath: b.resolution.Classpath(maven.ClasspathProcessor),
		OutputDir:     b.testClasses,
		TempDir:       cfg.BuildPath("tmp", "compileTestJava"),
	})
	return err
}

func (p *Pipeline) shade(ctx context.Context, b *build, l *zap.Logger) error {
	shader, err := shade.NewShader(p.cfg.Relocations, l)
	if err != nil {
		return err
	}
	inputs := []shade.Input{{Path: b.classes, Dir: true}}
	for _, jar := range b.resolution.Classpath(maven.ClasspathShade) {
		inputs = append(inputs, shade.Input{Path: jar})
	}
	out := p.jarPath("")
	res, err := shader.Shade(ctx, inputs, out)
	if err != nil {
		return err
	}
	b.artifact, b.shaded = out, out
	b.relocator, b.fingerprint = shader.Relocator, res.Fingerprint

	id, err := fileIdentity(out)
	if err != nil {
		return err
	}
	b.outputs[StageShade] = []string{"fingerprint:" + res.Fingerprint.String(), id}

	fields := []zap.Field{
		zap.String("artifact", out),
		zap.Int("entries", res.Entries),
		zap.Int("relocated", res.Relocated),
		zap.String("fingerprint", res.Fingerprint.String()),
	}
	if b.previous != nil && b.previous.Fingerprint != "" {
		fields = append(fields, zap.Bool("fingerprint_changed", b.previous.Fingerprint != res.Fingerprint.String()))
	}
	l.Info("shaded", fields...)
	return nil
}

func (p *Pipeline) stamp(b *build, l *zap.Logger) error {
	cfg := p.cfg
	prov, err := manifest.ReadProvenance(cfg.Root)
	if err != nil {
		return err
	}
	m, err := manifest.Compose(manifest.Options{
		MainClass:            cfg.Project.MainClass,
		ImplementationTitle:  cfg.Manifest.ImplementationTitle,
		Brand:                cfg.Project.Brand,
		BuildNumber:          cfg.BuildNumber,
		SpecificationTitle:   cfg.Manifest.SpecificationTitle,
		SpecificationVersion: cfg.Project.Version,
		SpecificationVendor:  cfg.Manifest.SpecificationVendor,
		PackageVersion:       cfg.Project.PackageVersion,
		SealedRoots:          cfg.Manifest.SealedRoots,
		Extra:                cfg.Manifest.Extra,
	}, prov)
	if err != nil {
		return err
	}
	if err := manifest.Stamp(b.artifact, m); err != nil {
		return fmt.Errorf("stamp %s: %w", b.artifact, err)
	}
	b.manifest = m

	id, err := fileIdentity(b.artifact)
	if err != nil {
		return err
	}
	b.outputs[StageManifest] = []string{id}
	l.Info("manifest stamped",
		zap.String("implementation_version", m.Get("Implementation-Version")),
		zap.String("git_branch", prov.Branch),
		zap.String("git_commit", prov.Commit))
	return nil
}

func (p *Pipeline) test(ctx context.Context, b *build, l *zap.Logger) error {
	if b.testClasses == "" {
		l.Info("no test sources")
		return nil
	}
	tc := p.cfg.Test
	sum, err := junit.New(l).Run(ctx, junit.Options{
		Java:       tc.Java,
		MainClass:  tc.Launcher,
		ClassDirs:  []string{b.testClasses},
		Classpath:  append([]string{b.classes}, b.resolution.Classpath(maven.ClasspathTest)...),
		Excludes:   tc.Excludes,
		JVMArgs:    tc.JVMArgs,
		Env:        tc.Env,
		WorkDir:    p.cfg.Root,
		ReportsDir: p.cfg.BuildPath("test-results", "test"),
	})
	b.tests = sum
	if err != nil {
		return err
	}
	b.outputs[StageTest] = []string{
		fmt.Sprintf("tests:%d", sum.Tests),
		fmt.Sprintf("skipped:%d", sum.Skipped),
	}
	return nil
}

func (p *Pipeline) verify(ctx context.Context, b *build, l *zap.Logger) error {
	var errs []error
	if err := scan.VerifyRelocation(b.artifact, b.relocator); err != nil {
		errs = append(errs, err)
	}
	scanner := scan.New(p.cfg.Scan.BadAnnotations, l)
	if err := scanner.Verify(ctx, b.artifact, b.resolution.Classpath(maven.ClasspathCompile)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pipeline) embedMappings(ctx context.Context, b *build, l *zap.Logger) error {
	mc := p.cfg.Mappings
	file := p.cfg.Path(mc.File)
	in := b.artifact
	out := p.jarPath("mapped")
	if mc.Reobf {
		m, err := mappings.Load(file)
		if err != nil {
			return err
		}
		out = p.jarPath("reobf")
		n, err := mappings.ReobfJar(ctx, in, out, m, mc.SourceNamespace, mc.TargetNamespace)
		if err != nil {
			return fmt.Errorf("reobfuscate: %w", err)
		}
		l.Info("reobfuscated",
			zap.Int("classes", n),
			zap.String("from", mc.SourceNamespace),
			zap.String("to", mc.TargetNamespace))
		in = out
	}
	if err := mappings.Embed(in, out, file, mc.Dest); err != nil {
		return err
	}
	b.artifact = out

	id, err := fileIdentity(out)
	if err != nil {
		return err
	}
	b.outputs[StageMappings] = []string{id}
	l.Info("mappings embedded", zap.String("artifact", out), zap.String("dest", mc.Dest))
	return nil
}

func (p *Pipeline) publish(ctx context.Context, b *build, l *zap.Logger) error {
	cfg := p.cfg
	pub := maven.Publication{
		Coordinate: maven.Coordinate{
			Group:      cfg.Project.Group,
			Artifact:   cfg.Project.Name,
			Version:    cfg.Project.Version,
			Classifier: cfg.Publish.Classifier,
			Extension:  "jar",
		},
		File:         b.shaded,
		Name:         cfg.Project.Name,
		Dependencies: publishedDependencies(b.resolution),
	}
	target := maven.Target{
		URL:      p.repoURL(cfg.Publish.Repository),
		Username: cfg.Publish.Username,
		Password: cfg.Publish.Password,
	}
	written, err := maven.NewPublisher(l).Publish(ctx, target, pub)
	if err != nil {
		return err
	}
	b.published = written
	b.outputs[StagePublish] = written
	return nil
}

// publishedDependencies lists the declared runtime libraries that are not
// bundled into the artifact.
func publishedDependencies(res *maven.Resolution) []maven.Coordinate {
	var out []maven.Coordinate
	for _, a := range res.Artifacts {
		if a.Via != "" || a.Shade {
			continue
		}
		if a.Scope == maven.ScopeCompile || a.Scope == maven.ScopeRuntime {
			out = append(out, a.Coordinate)
		}
	}
	return out
}

func fileIdentity(path string) (string, error) {
	d, err := maven.FileDigest(path)
	if err != nil {
		return "", err
	}
	return filepath.Base(path) + "@" + d.String(), nil
}

func (p *Pipeline) jarPath(classifier string) string {
	name := p.cfg.Project.Name + "-" + p.cfg.Project.Version
	if classifier != "" {
		name += "-" + classifier
	}
	return p.cfg.BuildPath("libs", name+".jar")
}

func (p *Pipeline) paths(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, p.cfg.Path(d))
	}
	return out
}

// repoURL resolves a local repository path against the project root.
func (p *Pipeline) repoURL(u string) string {
	for _, scheme := range []string{"http://", "https://", "file://"} {
		if strings.HasPrefix(u, scheme) {
			return u
		}
	}
	return p.cfg.Path(u)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"paperpack/internal/archive"
	"paperpack/internal/classfile"
	"paperpack/internal/classfile/classtest"
	"paperpack/internal/config"
	"paperpack/internal/history"
	"paperpack/internal/manifest"
	"paperpack/internal/metrics"
	"paperpack/internal/scan"
	"paperpack/internal/trace"
)

const doNotUse = "Lio/papermc/paper/annotation/DoNotUse;"

// fakeJavac copies $PREBUILT into the -d directory.
const fakeJavac = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -d) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cp -R "$PREBUILT/." "$out/"
`

// fakeLauncher writes one JUnit report with $FAILURES failures into
// --reports-dir and exits with $EXIT.
const fakeLauncher = `#!/bin/sh
dir=""
while [ $# -gt 0 ]; do
  case "$1" in
    --reports-dir) dir="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "<testsuite name=\"JUnit Jupiter\" tests=\"3\" skipped=\"0\" failures=\"${FAILURES:-0}\" errors=\"0\"/>" > "$dir/TEST-junit-jupiter.xml"
exit ${EXIT:-0}
`

const reobfTiny = "tiny\t2\t0\tmojang+yarn\tspigot\n" +
	"c\tnet/minecraft/server/MinecraftServer\tnet/minecraft/server/MinecraftServer\n"

var (
	utilHelp = classfile.MemberRef{Owner: "com/example/lib/Util", Name: "help", Descriptor: "()V"}
	start    = classfile.MemberRef{Owner: "org/bukkit/craftbukkit/CraftServer", Name: "start", Descriptor: "()V"}
	internal = classfile.MemberRef{Owner: "org/bukkit/craftbukkit/CraftServer", Name: "internal", Descriptor: "()V"}
)

type fixture struct {
	root    string
	publish string
	cfg     *config.Config
}

func writeFile(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
}

func writeJar(t *testing.T, path string, classes ...classtest.Class) {
	t.Helper()
	var entries []archive.Entry
	for _, c := range classes {
		entries = append(entries, archive.Entry{Name: c.Name + ".class", Data: c.Bytes()})
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, archive.Write(path, entries))
}

func mavenRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	writeJar(t, filepath.Join(repo, "com/example/lib/1.0/lib-1.0.jar"), classtest.Class{
		Name:    "com/example/lib/Util",
		Super:   "java/lang/Object",
		Methods: []classtest.Method{{Name: "help", Descriptor: "()V"}},
	})
	writeFile(t, filepath.Join(repo, "com/example/lib/1.0/lib-1.0.pom"),
		`<project><groupId>com.example</groupId><artifactId>lib</artifactId><version>1.0</version></project>`, 0o644)
	writeJar(t, filepath.Join(repo, "org/yaml/snakeyaml/2.2/snakeyaml-2.2.jar"), classtest.Class{
		Name:  "org/yaml/snakeyaml/Yaml",
		Super: "java/lang/Object",
	})
	return repo
}

func prebuilt(t *testing.T, mainCalls ...classfile.MemberRef) string {
	t.Helper()
	dir := t.TempDir()
	classes := []classtest.Class{
		{
			Name:    "org/bukkit/craftbukkit/Main",
			Super:   "java/lang/Object",
			Methods: []classtest.Method{{Name: "main", Descriptor: "([Ljava/lang/String;)V", Calls: append([]classfile.MemberRef{utilHelp, start}, mainCalls...)}},
		},
		{
			Name:  "org/bukkit/craftbukkit/CraftServer",
			Super: "java/lang/Object",
			Methods: []classtest.Method{
				{Name: "start", Descriptor: "()V"},
				{Name: "internal", Descriptor: "()V", Annotations: []string{doNotUse}},
			},
		},
	}
	for _, c := range classes {
		writeFile(t, filepath.Join(dir, c.Name+".class"), string(c.Bytes()), 0o644)
	}
	return dir
}

func commitAll(t *testing.T, root string) {
	t.Helper()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	sig := &object.Signature{Name: "Jane Doe", Email: "jane@example.com", When: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	_, err = wt.Commit("Initial import", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
}

// newFixture lays out a project with one shaded and one runtime library.
// withGit controls whether the project is a committed git repository.
func newFixture(t *testing.T, withGit bool, mainCalls ...classfile.MemberRef) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir(), publish: t.TempDir()}
	javac := filepath.Join(t.TempDir(), "javac")
	writeFile(t, javac, fakeJavac, 0o755)

	writeFile(t, filepath.Join(f.root, "src/main/java/org/bukkit/craftbukkit/Main.java"), "class Main {}", 0o644)
	writeFile(t, filepath.Join(f.root, "src/main/resources/log4j2.xml"), "<Configuration/>", 0o644)
	writeFile(t, filepath.Join(f.root, "LICENSE.txt"), "GPL", 0o644)
	writeFile(t, filepath.Join(f.root, "mappings/reobf.tiny"), reobfTiny, 0o644)

	descriptor := fmt.Sprintf(`
project:
  name: leaf
  group: org.dreeam.leaf
  version: 1.20.4-R0.1-SNAPSHOT
  license_file: LICENSE.txt
repositories:
  - name: local
    url: %s
dependencies:
  - coordinate: com.example:lib:1.0
    shade: true
  - coordinate: org.yaml:snakeyaml:2.2
    scope: runtime
compiler:
  javac: %s
  env:
    PREBUILT: %s
relocations:
  - from: org.bukkit.craftbukkit
    to: org.bukkit.craftbukkit.v${package_version}
    excludes: ["org.bukkit.craftbukkit.Main*"]
  - from: com.example.lib
    to: org.bukkit.craftbukkit.libs.lib
mappings:
  file: mappings/reobf.tiny
publish:
  repository: %s
`, mavenRepo(t), javac, prebuilt(t, mainCalls...), f.publish)
	writeFile(t, filepath.Join(f.root, config.FileName), descriptor, 0o644)
	if withGit {
		commitAll(t, f.root)
	}

	cfg, err := config.Load(filepath.Join(f.root, config.FileName))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	f.cfg = cfg
	return f
}

// enableTests adds a test source and runs it with a launcher reporting
// failures failed tests.
func (f *fixture) enableTests(t *testing.T, failures int) {
	t.Helper()
	writeFile(t, filepath.Join(f.root, "src/test/java/org/bukkit/craftbukkit/CraftServerTest.java"), "class CraftServerTest {}", 0o644)
	launcher := filepath.Join(t.TempDir(), "java")
	writeFile(t, launcher, fakeLauncher, 0o755)
	f.cfg.Test.Enabled = true
	f.cfg.Test.Java = launcher
	f.cfg.Test.Env = map[string]string{"FAILURES": fmt.Sprint(failures)}
	if failures > 0 {
		f.cfg.Test.Env["EXIT"] = "1"
	}
}

func (f *fixture) pipeline(t *testing.T, opts ...Option) *Pipeline {
	return New(f.cfg, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func entryNames(t *testing.T, jar string) []string {
	t.Helper()
	entries, err := archive.Read(jar)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func TestBuild_FullPipeline(t *testing.T) {
	f := newFixture(t, true)
	f.enableTests(t, 0)
	rec := metrics.New()
	tracePath := filepath.Join(f.root, "build", "trace.json")

	res, err := f.pipeline(t, WithMetrics(rec)).Build(context.Background(), Options{TracePath: tracePath})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	assert.Equal(t, AllStages(), res.Graph.ExecutionOrder)
	assert.Equal(t, StagePublish, res.Target)

	// The mapped jar is the final artifact.
	assert.Equal(t, f.cfg.BuildPath("libs", "leaf-1.20.4-R0.1-SNAPSHOT-mapped.jar"), res.Artifact)
	names := entryNames(t, res.Artifact)
	assert.Equal(t, archive.ManifestPath, names[0])
	for _, want := range []string{
		"org/bukkit/craftbukkit/Main.class",
		"org/bukkit/craftbukkit/v1_20_R3/CraftServer.class",
		"org/bukkit/craftbukkit/libs/lib/Util.class",
		"log4j2.xml",
		"LICENSE.txt",
		"META-INF/mappings/reobf.tiny",
	} {
		assert.Contains(t, names, want)
	}
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "com/example/"), n)
	}

	// Provenance is always present.
	m, err := manifest.Read(res.Artifact)
	require.NoError(t, err)
	assert.NotEmpty(t, m.Get("Git-Commit"))
	assert.Equal(t, "master", m.Get("Git-Branch"))
	assert.Equal(t, `git-Leaf-"`+m.Get("Git-Commit")+`"`, m.Get("Implementation-Version"))
	assert.Equal(t, "org.bukkit.craftbukkit.Main", m.Get("Main-Class"))

	require.NotNil(t, res.Tests)
	assert.Equal(t, 3, res.Tests.Tests)
	assert.FileExists(t, f.cfg.BuildPath("test-results", "test", "TEST-junit-jupiter.xml"))

	// Published with sidecars and the unshaded runtime dependency only. The
	// published archive is the shaded jar, not the mapped one.
	assert.Contains(t, res.Published, "org/dreeam/leaf/leaf/1.20.4-R0.1-SNAPSHOT/leaf-1.20.4-R0.1-SNAPSHOT.jar")
	assert.Equal(t, f.cfg.BuildPath("libs", "leaf-1.20.4-R0.1-SNAPSHOT.jar"), res.Shaded)
	shaded, err := os.ReadFile(res.Shaded)
	require.NoError(t, err)
	published, err := os.ReadFile(filepath.Join(f.publish, "org/dreeam/leaf/leaf/1.20.4-R0.1-SNAPSHOT/leaf-1.20.4-R0.1-SNAPSHOT.jar"))
	require.NoError(t, err)
	assert.Equal(t, shaded, published)
	assert.NotContains(t, entryNames(t, res.Shaded), "META-INF/mappings/reobf.tiny")
	pom, err := os.ReadFile(filepath.Join(f.publish, "org/dreeam/leaf/leaf/1.20.4-R0.1-SNAPSHOT/leaf-1.20.4-R0.1-SNAPSHOT.pom"))
	require.NoError(t, err)
	assert.Contains(t, string(pom), "snakeyaml")
	assert.NotContains(t, string(pom), "<artifactId>lib</artifactId>")

	assert.FileExists(t, f.cfg.BuildPath("resolved.yaml"))
	assert.Len(t, res.RunClasspath(false), 1)
	assert.Len(t, res.RunClasspath(true), 2)

	// The written trace is the canonical form of the returned one.
	written, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	canonical, err := res.Trace.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(canonical)+"\n", string(written))
	require.Len(t, res.Trace.Events, len(AllStages()))
	for _, ev := range res.Trace.Events {
		assert.Equal(t, trace.EventStageCompleted, ev.Kind, ev.Stage)
	}

	store, err := history.NewStore(f.cfg.BuildPath())
	require.NoError(t, err)
	last, err := store.Latest(history.StatusSucceeded)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, res.BuildID, last.BuildID)
	assert.Equal(t, res.Fingerprint.String(), last.Fingerprint)
	require.NoError(t, res.Fingerprint.Validate())
	assert.Contains(t, res.Trace.Events[2].Outputs, "fingerprint:"+res.Fingerprint.String())
	assert.Equal(t, "COMPLETED", last.Stages[StagePublish])
	traceDigest, err := res.Trace.Digest()
	require.NoError(t, err)
	assert.Equal(t, traceDigest.String(), last.TraceDigest)

	metricsPath := filepath.Join(t.TempDir(), "paperpack.prom")
	require.NoError(t, rec.WriteTextfile(metricsPath))
	text, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(text), `paperpack_pipeline_stage_outcomes_total{outcome="completed",stage="publish"} 1`)
	assert.Contains(t, string(text), `paperpack_pipeline_stage_outcomes_total{outcome="completed",stage="test"} 1`)
}

func TestBuild_FailingTestsSkipVerify(t *testing.T) {
	f := newFixture(t, true)
	f.enableTests(t, 2)

	res, err := f.pipeline(t).Build(context.Background(), Options{Until: StageVerify})
	require.Error(t, err)
	var sf *history.StageFailureError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, StageTest, sf.Stage)
	assert.Equal(t, "TestFailure", sf.Code)
	require.NotNil(t, res.Tests)
	assert.Equal(t, 2, res.Tests.Failures)
	assert.Equal(t, "SKIPPED", string(res.Graph.FinalState[StageVerify]))

	var kinds []string
	for _, ev := range res.Trace.Events {
		kinds = append(kinds, fmt.Sprintf("%d:%s:%s:%s", ev.Position, ev.Stage, ev.Kind, ev.Reason))
	}
	assert.Equal(t, []string{
		"0:resolve:StageCompleted:",
		"1:compile:StageCompleted:",
		"2:shade:StageCompleted:",
		"3:manifest:StageCompleted:",
		"4:test:StageFailed:TestFailure",
		"5:verify:StageSkipped:UpstreamFailed",
	}, kinds)
}

func TestBuild_TestStageWithoutTestSources(t *testing.T) {
	f := newFixture(t, true)
	f.cfg.Test.Enabled = true
	f.cfg.Test.Java = filepath.Join(t.TempDir(), "missing-java")

	res, err := f.pipeline(t).Build(context.Background(), Options{Until: StageVerify})
	require.NoError(t, err)
	assert.Contains(t, res.Graph.ExecutionOrder, StageTest)
	assert.Nil(t, res.Tests)
	assert.Empty(t, res.TestClasses)
}

func TestBuild_RebuildKeepsFingerprint(t *testing.T) {
	f := newFixture(t, true)

	first, err := f.pipeline(t).Build(context.Background(), Options{Until: StageVerify})
	require.NoError(t, err)
	assert.Empty(t, first.PreviousFingerprint)

	f.cfg.BuildNumber = "42"
	second, err := f.pipeline(t).Build(context.Background(), Options{Until: StageVerify})
	require.NoError(t, err)

	assert.NotEqual(t, first.BuildID, second.BuildID)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Fingerprint, second.PreviousFingerprint)
	assert.Equal(t, first.Trace.GraphHash, second.Trace.GraphHash)

	// Only the build-specific attribute differs.
	assert.Equal(t, "git-Leaf-42", second.Manifest.Get("Implementation-Version"))
	second.Manifest.Set("Implementation-Version", first.Manifest.Get("Implementation-Version"))
	if diff := cmp.Diff(first.Manifest, second.Manifest); diff != "" {
		t.Fatalf("manifests differ (-first +second):\n%s", diff)
	}
}

func TestBuild_ForbiddenCallBlocksPublication(t *testing.T) {
	f := newFixture(t, true, internal)

	res, err := f.pipeline(t).Build(context.Background(), Options{})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Succeeded())

	var sf *history.StageFailureError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, StageVerify, sf.Stage)
	assert.Equal(t, "BadCallsError", sf.Code)
	var bad *scan.BadCallsError
	require.ErrorAs(t, err, &bad)
	require.Len(t, bad.Findings, 1)
	assert.Equal(t, "org/bukkit/craftbukkit/v1_20_R3/CraftServer.internal()V", bad.Findings[0].Target)

	assert.Equal(t, "SKIPPED", string(res.Graph.FinalState[StageMappings]))
	assert.Equal(t, "SKIPPED", string(res.Graph.FinalState[StagePublish]))
	assert.Empty(t, res.Published)
	entries, err := os.ReadDir(f.publish)
	require.NoError(t, err)
	assert.Empty(t, entries)

	var kinds []string
	for _, ev := range res.Trace.Events {
		kinds = append(kinds, fmt.Sprintf("%s:%s:%s", ev.Stage, ev.Kind, ev.Reason))
	}
	assert.Equal(t, []string{
		"resolve:StageCompleted:",
		"compile:StageCompleted:",
		"shade:StageCompleted:",
		"manifest:StageCompleted:",
		"verify:StageFailed:BadCallsError",
		"mappings:StageSkipped:UpstreamFailed",
		"publish:StageSkipped:UpstreamFailed",
	}, kinds)

	store, err := history.NewStore(f.cfg.BuildPath())
	require.NoError(t, err)
	failure, err := store.LoadFailure(res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, history.FailureClassStage, failure.FailureClass)
	require.NotNil(t, failure.Stage)
	assert.Equal(t, StageVerify, *failure.Stage)
	last, err := store.Latest(history.StatusSucceeded)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestBuild_MissingProvenanceFailsManifest(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.pipeline(t).Build(context.Background(), Options{Until: StageManifest})
	require.Error(t, err)
	var sf *history.StageFailureError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, StageManifest, sf.Stage)
	assert.Equal(t, "COMPLETED", string(res.Graph.FinalState[StageShade]))
	assert.NotEmpty(t, res.Fingerprint)
}

func TestBuild_UntilCompile(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.pipeline(t).Build(context.Background(), Options{Until: StageCompile})
	require.NoError(t, err)
	assert.Equal(t, []string{StageResolve, StageCompile}, res.Graph.ExecutionOrder)
	assert.FileExists(t, filepath.Join(res.Classes, "org/bukkit/craftbukkit/Main.class"))
	assert.FileExists(t, filepath.Join(res.Classes, "LICENSE.txt"))
	assert.Empty(t, res.Artifact)
	assert.NoFileExists(t, f.cfg.BuildPath("libs", "leaf-1.20.4-R0.1-SNAPSHOT.jar"))
}

func TestBuild_UnknownTarget(t *testing.T) {
	f := newFixture(t, false)
	f.cfg.Mappings.File = ""

	for _, until := range []string{"deploy", StageMappings, StageTest} {
		_, err := f.pipeline(t).Build(context.Background(), Options{Until: until})
		assert.ErrorIs(t, err, ErrUnknownStage, until)
	}
	assert.Equal(t, []string{StageResolve, StageCompile, StageShade, StageManifest, StageVerify, StagePublish}, Stages(f.cfg))
}

func TestBuild_Cancelled(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.pipeline(t).Build(ctx, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	var sf *history.StageFailureError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, StageResolve, sf.Stage)
	assert.Equal(t, trace.ReasonCancelled, sf.Code)
	assert.Equal(t, []string{StageResolve}, res.Graph.ExecutionOrder)
	assert.NoDirExists(t, f.cfg.BuildPath("classes"))
}

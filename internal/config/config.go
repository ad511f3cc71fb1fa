// Package config loads the build descriptor (paperpack.yaml).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"paperpack/internal/junit"
	"paperpack/internal/maven"
	"paperpack/internal/shade"
)

// FileName is the descriptor looked up in the project directory.
const FileName = "paperpack.yaml"

// Config is the full build descriptor.
type Config struct {
	Project      ProjectConfig  `yaml:"project"`
	Repositories []Repository   `yaml:"repositories"`
	Dependencies []Dependency   `yaml:"dependencies"`
	Compiler     CompilerConfig `yaml:"compiler"`
	Relocations  []shade.Rule   `yaml:"relocations"`
	Manifest     ManifestConfig `yaml:"manifest"`
	Test         TestConfig     `yaml:"test"`
	Scan         ScanConfig     `yaml:"scan"`
	Mappings     MappingsConfig `yaml:"mappings"`
	Publish      PublishConfig  `yaml:"publish"`
	Run          RunConfig      `yaml:"run"`

	// BuildNumber comes from the BUILD_NUMBER environment variable.
	BuildNumber string `yaml:"-"`
	// Root is the directory relative paths are resolved against.
	Root string `yaml:"-"`
}

// ProjectConfig identifies the project and its source layout.
type ProjectConfig struct {
	Name           string   `yaml:"name"`
	Group          string   `yaml:"group"`
	Version        string   `yaml:"version"`
	Brand          string   `yaml:"brand"`
	MainClass      string   `yaml:"main_class"`
	PackageVersion string   `yaml:"package_version"`
	SourceDirs     []string `yaml:"source_dirs"`
	ResourceDirs   []string `yaml:"resource_dirs"`
	TestSourceDirs []string `yaml:"test_source_dirs"`
	LicenseFile    string   `yaml:"license_file"`
	BuildDir       string   `yaml:"build_dir"`
}

// Repository is a Maven repository. URL may be http(s), file:// or a
// plain directory.
type Repository struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Dependency scopes.
const (
	ScopeCompile   = "compile"
	ScopeRuntime   = "runtime"
	ScopeTest      = "test"
	ScopeProcessor = "processor"
)

// Dependency declares one library.
type Dependency struct {
	Coordinate string   `yaml:"coordinate"`
	Scope      string   `yaml:"scope"`
	Exclusions []string `yaml:"exclusions,omitempty"`
	Transitive *bool    `yaml:"transitive,omitempty"`
	Shade      bool     `yaml:"shade,omitempty"`
	Constraint string   `yaml:"constraint,omitempty"`
}

// IsTransitive reports whether transitive dependencies are followed.
func (d Dependency) IsTransitive() bool {
	return d.Transitive == nil || *d.Transitive
}

// CompilerConfig configures javac.
type CompilerConfig struct {
	Javac    string            `yaml:"javac"`
	Release  int               `yaml:"release"`
	Args     []string          `yaml:"args"`
	TestArgs []string          `yaml:"test_args"`
	Env      map[string]string `yaml:"env"`
}

// ManifestConfig configures the archive manifest.
type ManifestConfig struct {
	ImplementationTitle string            `yaml:"implementation_title"`
	SpecificationTitle  string            `yaml:"specification_title"`
	SpecificationVendor string            `yaml:"specification_vendor"`
	SealedRoots         []string          `yaml:"sealed_roots"`
	Extra               map[string]string `yaml:"extra"`
}

// TestConfig configures the unit test stage. The launcher runs from the
// test classpath, so junit-platform-console-standalone must be declared
// as a test dependency.
type TestConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Java     string            `yaml:"java"`
	Launcher string            `yaml:"launcher"`
	Excludes []string          `yaml:"excludes"`
	JVMArgs  []string          `yaml:"jvm_args"`
	Env      map[string]string `yaml:"env"`
}

// ScanConfig configures the forbidden API scan.
type ScanConfig struct {
	BadAnnotations []string `yaml:"bad_annotations"`
}

// MappingsConfig configures mapping embedding.
type MappingsConfig struct {
	File  string `yaml:"file"`
	Dest  string `yaml:"dest"`
	Reobf bool   `yaml:"reobf"`
	// SourceNamespace names the columns of File the code is compiled
	// against; TargetNamespace is what the server runs with.
	SourceNamespace string `yaml:"source_namespace"`
	TargetNamespace string `yaml:"target_namespace"`
}

// Enabled reports whether a mapping file is configured.
func (m MappingsConfig) Enabled() bool { return m.File != "" }

// PublishConfig configures artifact publication.
type PublishConfig struct {
	Repository string `yaml:"repository"`
	Classifier string `yaml:"classifier"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// Enabled reports whether publication is configured.
func (p PublishConfig) Enabled() bool { return p.Repository != "" }

// RunConfig configures the development server launcher.
type RunConfig struct {
	WorkDir          string            `yaml:"work_dir"`
	MemoryGB         int               `yaml:"memory_gb"`
	DisableWatchdog  bool              `yaml:"disable_watchdog"`
	JVMArgs          []string          `yaml:"jvm_args"`
	SystemProperties map[string]string `yaml:"system_properties"`
	TestPlugin       string            `yaml:"test_plugin"`
	Java             string            `yaml:"java"`
}

// Default returns the configuration used for every field the descriptor
// leaves unset.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Brand:          "Leaf",
			MainClass:      "org.bukkit.craftbukkit.Main",
			PackageVersion: "1_20_R3",
			SourceDirs:     []string{"src/main/java"},
			ResourceDirs:   []string{"src/main/resources"},
			TestSourceDirs: []string{"src/test/java"},
			BuildDir:       "build",
		},
		Repositories: []Repository{
			{Name: "central", URL: "https://repo.maven.apache.org/maven2"},
		},
		Compiler: CompilerConfig{
			Javac: "javac",
			Args: []string{
				"-Xlint:-module",
				"-Xlint:-removal",
				"-Xlint:-dep-ann",
				"--add-modules=jdk.incubator.vector",
			},
			TestArgs: []string{"-parameters"},
		},
		Relocations: []shade.Rule{
			{
				From:     "org.bukkit.craftbukkit",
				To:       "org.bukkit.craftbukkit.v${package_version}",
				Excludes: []string{"org.bukkit.craftbukkit.Main*"},
			},
		},
		Manifest: ManifestConfig{
			ImplementationTitle: "CraftBukkit",
			SpecificationTitle:  "Bukkit",
			SpecificationVendor: "Bukkit Team",
			SealedRoots:         []string{"net", "com", "org"},
		},
		Test: TestConfig{
			Java:     "java",
			Launcher: junit.DefaultLauncher,
			Excludes: []string{"org/bukkit/craftbukkit/inventory/ItemStack*Test.class"},
		},
		Scan: ScanConfig{
			BadAnnotations: []string{"Lio/papermc/paper/annotation/DoNotUse;"},
		},
		Mappings: MappingsConfig{
			Dest:            "META-INF/mappings/reobf.tiny",
			SourceNamespace: "mojang+yarn",
			TargetNamespace: "spigot",
		},
		Run: RunConfig{
			WorkDir:  "run",
			MemoryGB: 2,
			Java:     "java",
		},
	}
}

// Load reads and decodes the descriptor at path over the defaults. Unknown
// fields are rejected. Environment overrides are not applied; see ApplyEnv.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.Root = abs
	return cfg, nil
}

// Decode decodes a descriptor over the defaults.
func Decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty descriptor")
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Dependencies {
		if cfg.Dependencies[i].Scope == "" {
			cfg.Dependencies[i].Scope = ScopeCompile
		}
	}
	cfg.interpolate()
	return cfg, nil
}

func (c *Config) interpolate() {
	vars := map[string]string{
		"package_version": c.Project.PackageVersion,
		"project.version": c.Project.Version,
		"project.name":    c.Project.Name,
	}
	expand := func(s string) string {
		return os.Expand(s, func(k string) string {
			if v, ok := vars[k]; ok {
				return v
			}
			return "${" + k + "}"
		})
	}
	for i := range c.Relocations {
		c.Relocations[i].From = expand(c.Relocations[i].From)
		c.Relocations[i].To = expand(c.Relocations[i].To)
	}
}

// ApplyEnv applies environment overrides through lookup (normally
// os.LookupEnv). Publish credentials may reference environment variables
// as ${NAME}.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("BUILD_NUMBER"); ok && v != "" {
		c.BuildNumber = v
	}
	if v, ok := lookup("PAPERPACK_SKIP_TESTS"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PAPERPACK_SKIP_TESTS: %q is not a boolean", v)
		}
		if b {
			c.Test.Enabled = false
		}
	}
	if v, ok := lookup("PAPERPACK_RUN_WORKDIR"); ok && v != "" {
		c.Run.WorkDir = v
	}
	if v, ok := lookup("PAPERPACK_RUN_MEMORY_GB"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PAPERPACK_RUN_MEMORY_GB: %q is not an integer", v)
		}
		c.Run.MemoryGB = n
	}
	if v, ok := lookup("PAPERPACK_RUN_DISABLE_WATCHDOG"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PAPERPACK_RUN_DISABLE_WATCHDOG: %q is not a boolean", v)
		}
		c.Run.DisableWatchdog = b
	}
	env := func(k string) string {
		v, _ := lookup(k)
		return v
	}
	c.Publish.Username = os.Expand(c.Publish.Username, env)
	c.Publish.Password = os.Expand(c.Publish.Password, env)
	return nil
}

// Validate checks the descriptor for errors that would otherwise surface
// midway through a build.
func (c *Config) Validate() error {
	var errs []error
	if c.Project.Name == "" {
		errs = append(errs, errors.New("project.name is required"))
	}
	if _, err := semver.NewVersion(c.Project.Version); err != nil {
		errs = append(errs, fmt.Errorf("project.version %q: %w", c.Project.Version, err))
	}
	if c.Project.MainClass == "" {
		errs = append(errs, errors.New("project.main_class is required"))
	}
	if len(c.Repositories) == 0 {
		errs = append(errs, errors.New("at least one repository is required"))
	}
	for i, r := range c.Repositories {
		if r.URL == "" {
			errs = append(errs, fmt.Errorf("repositories[%d]: url is required", i))
		}
	}
	for i, d := range c.Dependencies {
		coord, err := maven.ParseCoordinate(d.Coordinate)
		if err != nil {
			errs = append(errs, fmt.Errorf("dependencies[%d]: %w", i, err))
			continue
		}
		switch d.Scope {
		case ScopeCompile, ScopeRuntime, ScopeTest, ScopeProcessor:
		default:
			errs = append(errs, fmt.Errorf("dependencies[%d] %s: unknown scope %q", i, d.Coordinate, d.Scope))
		}
		if d.Constraint != "" {
			if _, err := semver.NewConstraint(d.Constraint); err != nil {
				errs = append(errs, fmt.Errorf("dependencies[%d] %s: constraint: %w", i, d.Coordinate, err))
			}
		} else if coord.Version == maven.Latest {
			errs = append(errs, fmt.Errorf("dependencies[%d] %s: LATEST requires a constraint", i, d.Coordinate))
		}
		for _, ex := range d.Exclusions {
			if _, err := maven.ParseExclusion(ex); err != nil {
				errs = append(errs, fmt.Errorf("dependencies[%d] %s: %w", i, d.Coordinate, err))
			}
		}
	}
	if _, err := shade.NewRelocator(c.Relocations); err != nil {
		errs = append(errs, fmt.Errorf("relocations: %w", err))
	}
	if c.Test.Enabled && c.Test.Launcher == "" {
		errs = append(errs, errors.New("test.launcher is required when tests are enabled"))
	}
	for _, ex := range c.Test.Excludes {
		if _, err := junit.ClassNamePattern(ex); err != nil {
			errs = append(errs, fmt.Errorf("test.excludes: %w", err))
		}
	}
	if len(c.Scan.BadAnnotations) == 0 {
		errs = append(errs, errors.New("scan.bad_annotations must not be empty"))
	}
	for _, a := range c.Scan.BadAnnotations {
		if !strings.HasPrefix(a, "L") || !strings.HasSuffix(a, ";") {
			errs = append(errs, fmt.Errorf("scan.bad_annotations: %q is not a type descriptor", a))
		}
	}
	if c.Mappings.Reobf && !c.Mappings.Enabled() {
		errs = append(errs, errors.New("mappings.reobf requires mappings.file"))
	}
	if c.Publish.Enabled() && c.Project.Group == "" {
		errs = append(errs, errors.New("publish.repository requires project.group"))
	}
	if c.Run.MemoryGB <= 0 {
		errs = append(errs, fmt.Errorf("run.memory_gb must be a positive integer, got %d", c.Run.MemoryGB))
	}
	return errors.Join(errs...)
}

// Path resolves a descriptor-relative path.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// BuildPath resolves a path inside the build directory.
func (c *Config) BuildPath(elem ...string) string {
	return filepath.Join(append([]string{c.Path(c.Project.BuildDir)}, elem...)...)
}

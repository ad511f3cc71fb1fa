package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"paperpack/internal/config"
	"paperpack/internal/dag"
)

// Stage names in pipeline order.
const (
	StageResolve  = "resolve"
	StageCompile  = "compile"
	StageShade    = "shade"
	StageManifest = "manifest"
	StageTest     = "test"
	StageVerify   = "verify"
	StageMappings = "mappings"
	StagePublish  = "publish"
)

var order = []string{
	StageResolve,
	StageCompile,
	StageShade,
	StageManifest,
	StageTest,
	StageVerify,
	StageMappings,
	StagePublish,
}

// ErrUnknownStage is returned for a target that is not an enabled stage.
var ErrUnknownStage = errors.New("unknown stage")

// AllStages lists every stage name in pipeline order.
func AllStages() []string {
	return append([]string(nil), order...)
}

// Stages returns the stages cfg enables, in order. Test, mappings and
// publish run only when configured.
func Stages(cfg *config.Config) []string {
	out := make([]string, 0, len(order))
	for _, s := range order {
		switch s {
		case StageTest:
			if !cfg.Test.Enabled {
				continue
			}
		case StageMappings:
			if !cfg.Mappings.Enabled() {
				continue
			}
		case StagePublish:
			if !cfg.Publish.Enabled() {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// position is a stage's place in the full pipeline, independent of which
// stages are enabled.
func position(stage string) int {
	for i, s := range order {
		if s == stage {
			return i
		}
	}
	return len(order)
}

// checkTarget validates a --until value against the enabled stages.
func checkTarget(cfg *config.Config, until string) error {
	if until == "" {
		return nil
	}
	enabled := Stages(cfg)
	for _, s := range enabled {
		if s == until {
			return nil
		}
	}
	if position(until) < len(order) {
		return fmt.Errorf("%w: %q is not configured for this project", ErrUnknownStage, until)
	}
	return fmt.Errorf("%w: %q (want one of %s)", ErrUnknownStage, until, strings.Join(enabled, ", "))
}

// graph chains the enabled stages linearly. Each stage's definition covers
// the configuration it consumes, so the graph hash changes with it.
func graph(cfg *config.Config, run func(stage string) dag.Task) (*dag.TaskGraph, error) {
	stages := Stages(cfg)
	tasks := make([]dag.Task, 0, len(stages))
	edges := make([]dag.Edge, 0, len(stages))
	for i, s := range stages {
		t := run(s)
		t.Inputs, t.Definition = definition(cfg, s)
		tasks = append(tasks, t)
		if i > 0 {
			edges = append(edges, dag.Edge{From: stages[i-1], To: s})
		}
	}
	return dag.NewTaskGraph(tasks, edges)
}

func definition(cfg *config.Config, stage string) ([]string, string) {
	var inputs []string
	switch stage {
	case StageResolve:
		for _, r := range cfg.Repositories {
			inputs = append(inputs, "repo:"+r.URL)
		}
		for _, d := range cfg.Dependencies {
			inputs = append(inputs, fmt.Sprintf("dep:%s:%s:%t:%t:%s", d.Coordinate, d.Scope, d.IsTransitive(), d.Shade, d.Constraint))
		}
	case StageCompile:
		inputs = append(inputs, cfg.Project.SourceDirs...)
		inputs = append(inputs, cfg.Project.ResourceDirs...)
		inputs = append(inputs, cfg.Compiler.Args...)
	case StageShade:
		for _, r := range cfg.Relocations {
			inputs = append(inputs, fmt.Sprintf("relocate:%s>%s!%s", r.From, r.To, strings.Join(r.Excludes, ",")))
		}
	case StageManifest:
		inputs = append(inputs, cfg.Project.MainClass, cfg.Project.Brand, cfg.Project.Version)
	case StageTest:
		inputs = append(inputs, cfg.Test.Launcher)
		inputs = append(inputs, cfg.Test.Excludes...)
		inputs = append(inputs, cfg.Test.JVMArgs...)
	case StageVerify:
		inputs = append(inputs, cfg.Scan.BadAnnotations...)
	case StageMappings:
		inputs = append(inputs, cfg.Mappings.File, cfg.Mappings.Dest, fmt.Sprintf("reobf:%t", cfg.Mappings.Reobf))
	case StagePublish:
		inputs = append(inputs, cfg.Publish.Repository, cfg.Publish.Classifier)
	}
	return inputs, "paperpack/" + stage
}

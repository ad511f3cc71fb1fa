package maven

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"paperpack/internal/archive"
)

// ReportFile is the resolution report written to the build directory.
const ReportFile = "resolved.yaml"

// ReportEntry is one line of the resolution report.
type ReportEntry struct {
	Coordinate string `yaml:"coordinate"`
	Scope      string `yaml:"scope"`
	Digest     string `yaml:"digest,omitempty"`
	Shade      bool   `yaml:"shade,omitempty"`
	Via        string `yaml:"via,omitempty"`
}

// Report lists every resolved artifact in resolution order.
type Report struct {
	Artifacts []ReportEntry `yaml:"artifacts"`
}

// NewReport summarizes res.
func NewReport(res *Resolution) Report {
	r := Report{Artifacts: make([]ReportEntry, 0, len(res.Artifacts))}
	for _, a := range res.Artifacts {
		r.Artifacts = append(r.Artifacts, ReportEntry{
			Coordinate: a.Coordinate.String(),
			Scope:      a.Scope,
			Digest:     a.Digest.String(),
			Shade:      a.Shade,
			Via:        a.Via,
		})
	}
	return r
}

// WriteReport writes the resolution report to path.
func WriteReport(path string, res *Resolution) error {
	data, err := yaml.Marshal(NewReport(res))
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return archive.WriteFileAtomic(path, data, 0o644)
}

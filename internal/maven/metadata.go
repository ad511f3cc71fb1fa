package maven

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Metadata is the artifact-level maven-metadata.xml.
type Metadata struct {
	XMLName    xml.Name   `xml:"metadata"`
	GroupID    string     `xml:"groupId"`
	ArtifactID string     `xml:"artifactId"`
	Versioning Versioning `xml:"versioning"`
}

// Versioning lists the published versions.
type Versioning struct {
	Latest      string   `xml:"latest,omitempty"`
	Release     string   `xml:"release,omitempty"`
	Versions    []string `xml:"versions>version"`
	LastUpdated string   `xml:"lastUpdated,omitempty"`
}

// ParseMetadata decodes maven-metadata.xml.
func ParseMetadata(b []byte) (*Metadata, error) {
	var m Metadata
	if err := xml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("invalid maven-metadata.xml: %w", err)
	}
	return &m, nil
}

// AddVersion records v, keeping the list free of duplicates.
func (m *Metadata) AddVersion(v string) {
	for _, have := range m.Versioning.Versions {
		if have == v {
			return
		}
	}
	m.Versioning.Versions = append(m.Versioning.Versions, v)
}

// SelectVersion returns the highest version satisfying c. Versions that do
// not parse as semantic versions are ignored.
func SelectVersion(c *semver.Constraints, versions []string) (string, error) {
	sorted := sortVersions(c, versions)
	if len(sorted) == 0 {
		return "", fmt.Errorf("no version satisfies %s among %d candidates", c, len(versions))
	}
	return sorted[0], nil
}

// sortVersions filters versions by c and sorts them in descending order.
func sortVersions(c *semver.Constraints, vs []string) []string {
	var versions []*semver.Version
	for _, v := range vs {
		if pv, err := semver.NewVersion(v); err == nil && (c == nil || c.Check(pv)) {
			versions = append(versions, pv)
		}
	}
	sort.Sort(sort.Reverse(semver.Collection(versions)))
	sorted := make([]string, 0, len(versions))
	for _, v := range versions {
		sorted = append(sorted, v.Original())
	}
	return sorted
}

// Versions collects the versions of c's artifact published across all
// repositories.
func (f *Fetcher) Versions(ctx context.Context, c Coordinate) ([]string, error) {
	docs, err := f.ReadAll(ctx, c.MetadataPath())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, b := range docs {
		m, err := ParseMetadata(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Key(), err)
		}
		for _, v := range m.Versioning.Versions {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out, nil
}

// rangeConstraint converts a single Maven version range ("[1.0,2.0)",
// "[1.2,)", "[1.5]") into a semver constraint. ok is false for plain
// versions.
func rangeConstraint(v string) (*semver.Constraints, bool, error) {
	if v == "" || !strings.ContainsAny(v[:1], "[(") {
		return nil, false, nil
	}
	last := v[len(v)-1]
	if last != ']' && last != ')' {
		return nil, true, fmt.Errorf("invalid version range %q", v)
	}
	inner := v[1 : len(v)-1]
	lo, hi, isRange := strings.Cut(inner, ",")
	if strings.Contains(hi, ",") {
		return nil, true, fmt.Errorf("unsupported multi-part version range %q", v)
	}
	// Bounds are padded to full versions; Masterminds reads "1.5" as 1.5.x.
	var parts []string
	add := func(op, s string) error {
		pv, err := semver.NewVersion(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("version range %q: %w", v, err)
		}
		parts = append(parts, op+pv.String())
		return nil
	}
	if !isRange {
		if err := add("=", lo); err != nil {
			return nil, true, err
		}
	} else {
		if lo = strings.TrimSpace(lo); lo != "" {
			op := ">="
			if v[0] == '(' {
				op = ">"
			}
			if err := add(op, lo); err != nil {
				return nil, true, err
			}
		}
		if hi = strings.TrimSpace(hi); hi != "" {
			op := "<="
			if last == ')' {
				op = "<"
			}
			if err := add(op, hi); err != nil {
				return nil, true, err
			}
		}
	}
	if len(parts) == 0 {
		return nil, true, fmt.Errorf("empty version range %q", v)
	}
	c, err := semver.NewConstraint(strings.Join(parts, ", "))
	if err != nil {
		return nil, true, fmt.Errorf("version range %q: %w", v, err)
	}
	return c, true, nil
}

// Package maven resolves libraries from Maven repositories and publishes
// artifacts into them.
package maven

import (
	"fmt"
	"path"
	"strings"
)

// Latest is the version placeholder resolved from repository metadata.
const Latest = "LATEST"

// Coordinate identifies one artifact file.
type Coordinate struct {
	Group      string
	Artifact   string
	Version    string
	Classifier string
	Extension  string
}

// ParseCoordinate parses "group:artifact:version[:classifier][@ext]".
func ParseCoordinate(s string) (Coordinate, error) {
	if s == "" || strings.ContainsAny(s, " \t\r\n/\\") {
		return Coordinate{}, fmt.Errorf("invalid coordinate %q", s)
	}
	c := Coordinate{Extension: "jar"}
	body := s
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		body, c.Extension = s[:i], s[i+1:]
		if c.Extension == "" {
			return Coordinate{}, fmt.Errorf("invalid coordinate %q: empty extension", s)
		}
	}
	parts := strings.Split(body, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return Coordinate{}, fmt.Errorf("invalid coordinate %q: want group:artifact:version[:classifier][@ext]", s)
	}
	for _, p := range parts {
		if p == "" {
			return Coordinate{}, fmt.Errorf("invalid coordinate %q: empty part", s)
		}
	}
	c.Group, c.Artifact, c.Version = parts[0], parts[1], parts[2]
	if len(parts) == 4 {
		c.Classifier = parts[3]
	}
	return c, nil
}

// Key is "group:artifact", the identity used for conflict resolution.
func (c Coordinate) Key() string {
	return c.Group + ":" + c.Artifact
}

func (c Coordinate) String() string {
	s := c.Group + ":" + c.Artifact + ":" + c.Version
	if c.Classifier != "" {
		s += ":" + c.Classifier
	}
	if c.Extension != "" && c.Extension != "jar" {
		s += "@" + c.Extension
	}
	return s
}

// Dir is the repository directory holding every file of this version.
func (c Coordinate) Dir() string {
	return path.Join(strings.ReplaceAll(c.Group, ".", "/"), c.Artifact, c.Version)
}

// Path is the repository-relative path of the artifact file.
func (c Coordinate) Path() string {
	name := c.Artifact + "-" + c.Version
	if c.Classifier != "" {
		name += "-" + c.Classifier
	}
	ext := c.Extension
	if ext == "" {
		ext = "jar"
	}
	return path.Join(c.Dir(), name+"."+ext)
}

// POM returns the coordinate of this artifact's project descriptor.
func (c Coordinate) POM() Coordinate {
	return Coordinate{Group: c.Group, Artifact: c.Artifact, Version: c.Version, Extension: "pom"}
}

// MetadataPath is the repository-relative path of maven-metadata.xml for
// the artifact.
func (c Coordinate) MetadataPath() string {
	return path.Join(strings.ReplaceAll(c.Group, ".", "/"), c.Artifact, "maven-metadata.xml")
}

// Exclusion removes matching artifacts from a dependency's transitive
// closure. Either side may be "*".
type Exclusion struct {
	Group    string
	Artifact string
}

// ParseExclusion parses "group:artifact".
func ParseExclusion(s string) (Exclusion, error) {
	g, a, ok := strings.Cut(s, ":")
	if !ok || g == "" || a == "" || strings.Contains(a, ":") {
		return Exclusion{}, fmt.Errorf("invalid exclusion %q: want group:artifact", s)
	}
	return Exclusion{Group: g, Artifact: a}, nil
}

// Matches reports whether c is excluded.
func (e Exclusion) Matches(c Coordinate) bool {
	return (e.Group == "*" || e.Group == c.Group) && (e.Artifact == "*" || e.Artifact == c.Artifact)
}

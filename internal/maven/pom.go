package maven

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// POM is the subset of a Maven project descriptor dependency resolution
// needs.
type POM struct {
	XMLName              xml.Name             `xml:"project"`
	GroupID              string               `xml:"groupId"`
	ArtifactID           string               `xml:"artifactId"`
	Version              string               `xml:"version"`
	Packaging            string               `xml:"packaging"`
	Parent               *POMParent           `xml:"parent"`
	Properties           Properties           `xml:"properties"`
	DependencyManagement DependencyManagement `xml:"dependencyManagement"`
	Dependencies         []POMDependency      `xml:"dependencies>dependency"`
}

// POMParent references the parent descriptor.
type POMParent struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
}

// DependencyManagement holds managed versions.
type DependencyManagement struct {
	Dependencies []POMDependency `xml:"dependencies>dependency"`
}

// POMDependency is one <dependency> element.
type POMDependency struct {
	GroupID    string         `xml:"groupId"`
	ArtifactID string         `xml:"artifactId"`
	Version    string         `xml:"version"`
	Type       string         `xml:"type"`
	Classifier string         `xml:"classifier"`
	Scope      string         `xml:"scope"`
	Optional   string         `xml:"optional"`
	Exclusions []POMExclusion `xml:"exclusions>exclusion"`
}

// POMExclusion is one <exclusion> element.
type POMExclusion struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
}

// Properties holds <properties> as a flat map.
type Properties map[string]string

// UnmarshalXML collects every child element as a property.
func (p *Properties) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	if *p == nil {
		*p = Properties{}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var v string
			if err := d.DecodeElement(&v, &t); err != nil {
				return err
			}
			(*p)[t.Name.Local] = strings.TrimSpace(v)
		case xml.EndElement:
			return nil
		}
	}
}

// ParsePOM decodes a project descriptor.
func ParsePOM(r io.Reader) (*POM, error) {
	var p POM
	if err := xml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid pom: %w", err)
	}
	return &p, nil
}

func (d POMDependency) key() string {
	return d.GroupID + ":" + d.ArtifactID + ":" + d.extension() + ":" + d.Classifier
}

func (d POMDependency) extension() string {
	switch d.Type {
	case "", "jar", "test-jar", "maven-plugin", "ejb", "bundle":
		return "jar"
	default:
		return d.Type
	}
}

func (d POMDependency) classifier() string {
	if d.Type == "test-jar" && d.Classifier == "" {
		return "tests"
	}
	return d.Classifier
}

func (d POMDependency) optional() bool {
	return strings.TrimSpace(d.Optional) == "true"
}

// effectivePOM is a descriptor with its parent chain merged and every
// expression interpolated.
type effectivePOM struct {
	coord        Coordinate
	packaging    string
	managed      map[string]POMDependency
	dependencies []POMDependency
}

const maxParentDepth = 32

// effective loads c's descriptor, merging parents and imported BOMs.
func (r *Resolver) effective(ctx context.Context, c Coordinate) (*effectivePOM, error) {
	key := c.POM().String()
	r.mu.Lock()
	if e, ok := r.poms[key]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	e, err := r.buildEffective(ctx, c, 0)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.poms[key] = e
	r.mu.Unlock()
	return e, nil
}

func (r *Resolver) loadPOM(ctx context.Context, c Coordinate) (*POM, error) {
	path, err := r.fetcher.Fetch(ctx, c.POM().Path())
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := ParsePOM(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.POM(), err)
	}
	return p, nil
}

func (r *Resolver) buildEffective(ctx context.Context, c Coordinate, depth int) (*effectivePOM, error) {
	if depth > maxParentDepth {
		return nil, fmt.Errorf("%s: parent chain deeper than %d", c, maxParentDepth)
	}
	chain := []*POM{}
	cur := c
	for i := 0; ; i++ {
		if i > maxParentDepth {
			return nil, fmt.Errorf("%s: parent chain deeper than %d", c, maxParentDepth)
		}
		p, err := r.loadPOM(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
		if p.Parent == nil {
			break
		}
		cur = Coordinate{Group: p.Parent.GroupID, Artifact: p.Parent.ArtifactID, Version: p.Parent.Version}
	}

	props := map[string]string{}
	// Root ancestor first so descendants override.
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Properties {
			props[k] = v
		}
	}
	self := chain[0]
	group, version := self.GroupID, self.Version
	if self.Parent != nil {
		if group == "" {
			group = self.Parent.GroupID
		}
		if version == "" {
			version = self.Parent.Version
		}
		props["project.parent.groupId"] = self.Parent.GroupID
		props["project.parent.version"] = self.Parent.Version
	}
	if version == "" {
		version = c.Version
	}
	if group == "" {
		group = c.Group
	}
	for _, prefix := range []string{"project.", "pom.", ""} {
		props[prefix+"groupId"] = group
		props[prefix+"artifactId"] = self.ArtifactID
		props[prefix+"version"] = version
	}
	interp := func(s string) string { return interpolate(s, props) }

	e := &effectivePOM{
		coord:     Coordinate{Group: group, Artifact: self.ArtifactID, Version: version},
		packaging: self.Packaging,
		managed:   map[string]POMDependency{},
	}
	if e.packaging == "" {
		e.packaging = "jar"
	}

	// Nearest declaration of a managed dependency wins.
	for _, p := range chain {
		for _, d := range p.DependencyManagement.Dependencies {
			d = interpolateDep(d, interp)
			if d.Scope == "import" && d.Type == "pom" {
				bom, err := r.buildEffective(ctx, Coordinate{Group: d.GroupID, Artifact: d.ArtifactID, Version: d.Version}, depth+1)
				if err != nil {
					return nil, fmt.Errorf("%s: import %s:%s: %w", c, d.GroupID, d.ArtifactID, err)
				}
				for k, md := range bom.managed {
					if _, ok := e.managed[k]; !ok {
						e.managed[k] = md
					}
				}
				continue
			}
			if _, ok := e.managed[d.key()]; !ok {
				e.managed[d.key()] = d
			}
		}
	}

	seen := map[string]bool{}
	for _, p := range chain {
		for _, d := range p.Dependencies {
			d = interpolateDep(d, interp)
			if seen[d.key()] {
				continue
			}
			seen[d.key()] = true
			if m, ok := e.managed[d.key()]; ok {
				if d.Version == "" {
					d.Version = m.Version
				}
				if d.Scope == "" {
					d.Scope = m.Scope
				}
				if len(d.Exclusions) == 0 {
					d.Exclusions = m.Exclusions
				}
			}
			if d.Scope == "" {
				d.Scope = "compile"
			}
			e.dependencies = append(e.dependencies, d)
		}
	}
	return e, nil
}

func interpolateDep(d POMDependency, interp func(string) string) POMDependency {
	d.GroupID = interp(d.GroupID)
	d.ArtifactID = interp(d.ArtifactID)
	d.Version = interp(d.Version)
	d.Type = interp(d.Type)
	d.Classifier = interp(d.Classifier)
	d.Scope = interp(d.Scope)
	d.Optional = interp(d.Optional)
	return d
}

// interpolate expands ${name} expressions, following nested references a
// bounded number of times. Unknown expressions are left as written.
func interpolate(s string, props map[string]string) string {
	for i := 0; i < 10 && strings.Contains(s, "${"); i++ {
		next := os.Expand(s, func(k string) string {
			if v, ok := props[k]; ok {
				return v
			}
			return "${" + k + "}"
		})
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(s)
}

// unresolved reports whether s still holds an expression.
func unresolved(s string) bool {
	return strings.Contains(s, "${")
}

var errNoVersion = errors.New("no version")

// Package manifest composes, encodes and stamps jar manifests carrying
// build provenance.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"paperpack/internal/archive"
)

const lineLimit = 72

// Attribute is one "Name: value" header.
type Attribute struct {
	Name  string
	Value string
}

// Section is a per-entry section introduced by "Name:".
type Section struct {
	Name       string
	Attributes []Attribute
}

// Manifest is an ordered jar manifest.
type Manifest struct {
	Main     []Attribute
	Sections []Section
}

// Get returns the main attribute name, or "".
func (m *Manifest) Get(name string) string {
	for _, a := range m.Main {
		if strings.EqualFold(a.Name, name) {
			return a.Value
		}
	}
	return ""
}

// Set replaces or appends a main attribute.
func (m *Manifest) Set(name, value string) {
	for i, a := range m.Main {
		if strings.EqualFold(a.Name, name) {
			m.Main[i].Value = value
			return
		}
	}
	m.Main = append(m.Main, Attribute{Name: name, Value: value})
}

// Section returns the named section.
func (m *Manifest) Section(name string) (Section, bool) {
	for _, s := range m.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Options are the project-level inputs to a manifest.
type Options struct {
	MainClass            string
	ImplementationTitle  string
	Brand                string
	BuildNumber          string
	SpecificationTitle   string
	SpecificationVersion string
	SpecificationVendor  string
	PackageVersion       string
	SealedRoots          []string
	Extra                map[string]string
}

// ErrNoProvenance is returned when the commit or branch is unknown.
var ErrNoProvenance = errors.New("missing git provenance")

// ImplementationVersion renders "git-<brand>-<build>", falling back to the
// quoted short commit hash for local builds.
func ImplementationVersion(brand, buildNumber, commit string) string {
	v := buildNumber
	if v == "" {
		v = `"` + commit + `"`
	}
	return "git-" + brand + "-" + v
}

// Compose builds the manifest for an artifact.
func Compose(opts Options, p *Provenance) (*Manifest, error) {
	if p == nil || strings.TrimSpace(p.Commit) == "" {
		return nil, fmt.Errorf("%w: empty commit hash", ErrNoProvenance)
	}
	if strings.TrimSpace(p.Branch) == "" {
		return nil, fmt.Errorf("%w: empty branch", ErrNoProvenance)
	}
	m := &Manifest{Main: []Attribute{
		{"Manifest-Version", "1.0"},
		{"Main-Class", opts.MainClass},
		{"Implementation-Title", opts.ImplementationTitle},
		{"Implementation-Version", ImplementationVersion(opts.Brand, opts.BuildNumber, p.Commit)},
		{"Implementation-Vendor", p.Date},
		{"Specification-Title", opts.SpecificationTitle},
		{"Specification-Version", opts.SpecificationVersion},
		{"Specification-Vendor", opts.SpecificationVendor},
		{"Git-Branch", p.Branch},
		{"Git-Commit", p.Commit},
		{"CraftBukkit-Package-Version", opts.PackageVersion},
	}}
	keys := make([]string, 0, len(opts.Extra))
	for k := range opts.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Set(k, opts.Extra[k])
	}
	for _, tld := range opts.SealedRoots {
		m.Sections = append(m.Sections, Section{
			Name:       tld + "/bukkit",
			Attributes: []Attribute{{"Sealed", "true"}},
		})
	}
	return m, nil
}

// Encode renders the manifest in jar format: CRLF line endings, lines of at
// most 72 bytes with continuation lines starting with a space, and a blank
// line after every section.
func (m *Manifest) Encode() []byte {
	var buf bytes.Buffer
	for _, a := range m.Main {
		writeHeader(&buf, a.Name, a.Value)
	}
	buf.WriteString("\r\n")
	for _, s := range m.Sections {
		writeHeader(&buf, "Name", s.Name)
		for _, a := range s.Attributes {
			writeHeader(&buf, a.Name, a.Value)
		}
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	line := name + ": " + value
	limit := lineLimit
	for len(line) > limit {
		cut := limit
		// Never split a multi-byte character.
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		buf.WriteString(line[:cut])
		buf.WriteString("\r\n ")
		line = line[cut:]
		limit = lineLimit - 1
	}
	buf.WriteString(line)
	buf.WriteString("\r\n")
}

// Parse reads a manifest in jar format. Both CRLF and LF line endings are
// accepted.
func Parse(b []byte) (*Manifest, error) {
	m := &Manifest{}
	var (
		current []Attribute
		lines   []string
	)
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 4096), len(b)+1)
	for sc.Scan() {
		lines = append(lines, strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	flush := func(main bool) error {
		if main {
			m.Main = current
		} else if len(current) > 0 {
			if !strings.EqualFold(current[0].Name, "Name") {
				return fmt.Errorf("manifest section does not start with Name: %q", current[0].Name)
			}
			m.Sections = append(m.Sections, Section{Name: current[0].Value, Attributes: current[1:]})
		}
		current = nil
		return nil
	}

	main := true
	for i, line := range lines {
		switch {
		case line == "" && main && len(current) == 0:
			// Leading blank lines precede the main section.
		case line == "":
			if err := flush(main); err != nil {
				return nil, err
			}
			main = false
		case strings.HasPrefix(line, " "):
			if len(current) == 0 {
				return nil, fmt.Errorf("line %d: continuation without header", i+1)
			}
			current[len(current)-1].Value += line[1:]
		default:
			name, value, ok := strings.Cut(line, ": ")
			if !ok || name == "" {
				return nil, fmt.Errorf("line %d: malformed header %q", i+1, line)
			}
			current = append(current, Attribute{Name: name, Value: value})
		}
	}
	if err := flush(main); err != nil {
		return nil, err
	}
	return m, nil
}

// Stamp rewrites the archive at path with m as its manifest, placed first.
func Stamp(path string, m *Manifest) error {
	entries, err := archive.Read(path)
	if err != nil {
		return err
	}
	entries = archive.Replace(entries, archive.ManifestPath, m.Encode())
	return archive.Write(path, entries)
}

// Read loads the manifest of the archive at path.
func Read(path string) (*Manifest, error) {
	b, err := archive.ReadEntry(path, archive.ManifestPath)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

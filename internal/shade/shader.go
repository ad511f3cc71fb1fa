// Package shade merges the project output and bundled libraries into one
// archive, relocating library namespaces along the way.
package shade

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"paperpack/internal/archive"
	"paperpack/internal/classfile"
)

const servicesPrefix = "META-INF/services/"

// Input is one source merged into the shaded archive: either a directory
// of compiled classes and resources or a jar.
type Input struct {
	Path string
	Dir  bool
}

// Result summarizes a shading run.
type Result struct {
	Entries     int
	Relocated   int
	Duplicates  []string
	Fingerprint digest.Digest
}

// Shader merges inputs and applies relocation.
type Shader struct {
	Relocator *Relocator
	Logger    *zap.Logger
}

// NewShader creates a Shader for the given rules.
func NewShader(rules []Rule, logger *zap.Logger) (*Shader, error) {
	r, err := NewRelocator(rules)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shader{Relocator: r, Logger: logger}, nil
}

// Shade merges inputs in order into out. The first input providing an
// entry wins, except for service descriptors which are concatenated.
// Nested manifests, signature files and module descriptors are dropped.
func (s *Shader) Shade(ctx context.Context, inputs []Input, out string) (*Result, error) {
	entries, res, err := s.Merge(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if err := archive.Write(out, entries); err != nil {
		return nil, fmt.Errorf("write shaded archive: %w", err)
	}
	return res, nil
}

// Merge performs the merge and relocation in memory.
func (s *Shader) Merge(ctx context.Context, inputs []Input) ([]archive.Entry, *Result, error) {
	m := &merger{
		shader:   s,
		seen:     make(map[string]int),
		services: make(map[string][]string),
		res:      &Result{},
	}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var entries []archive.Entry
		var err error
		if in.Dir {
			entries, err = archive.ReadDir(in.Path)
		} else {
			entries, err = archive.Read(in.Path)
		}
		if err != nil {
			return nil, nil, err
		}
		s.Logger.Debug("merging shade input", zap.String("input", in.Path), zap.Int("entries", len(entries)))
		for _, e := range entries {
			if err := m.add(in.Path, e); err != nil {
				return nil, nil, err
			}
		}
	}
	entries := m.finish()
	m.res.Entries = len(entries)
	m.res.Fingerprint = archive.ComputeFingerprint(entries)
	return entries, m.res, nil
}

type merger struct {
	shader   *Shader
	entries  []archive.Entry
	seen     map[string]int
	services map[string][]string
	order    []string
	res      *Result
}

func (m *merger) add(source string, e archive.Entry) error {
	name := e.Name
	if dropped(name) {
		return nil
	}
	if strings.HasPrefix(name, servicesPrefix) && !strings.Contains(name[len(servicesPrefix):], "/") {
		m.addService(name[len(servicesPrefix):], e.Data)
		return nil
	}

	prefix, rest := splitVersionPrefix(name)
	data := e.Data
	if strings.HasSuffix(rest, ".class") {
		remapped, changed, err := classfile.Remap(data, m.shader.Relocator)
		if err != nil {
			return fmt.Errorf("relocate %s!%s: %w", source, name, err)
		}
		data = remapped
		if changed {
			m.res.Relocated++
		}
	}
	if mapped, ok := classfile.MapPath(rest, m.shader.Relocator); ok {
		name = prefix + mapped
	}

	if _, dup := m.seen[name]; dup {
		m.res.Duplicates = append(m.res.Duplicates, name)
		m.shader.Logger.Debug("duplicate entry skipped", zap.String("entry", name), zap.String("input", source))
		return nil
	}
	m.seen[name] = len(m.entries)
	m.entries = append(m.entries, archive.Entry{Name: name, Data: data})
	return nil
}

func (m *merger) addService(service string, data []byte) {
	if mapped, ok := classfile.MapLiteral(service, m.shader.Relocator); ok {
		service = mapped
	}
	if _, ok := m.services[service]; !ok {
		m.order = append(m.order, service)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if mapped, ok := classfile.MapLiteral(line, m.shader.Relocator); ok {
			line = mapped
		}
		if !contains(m.services[service], line) {
			m.services[service] = append(m.services[service], line)
		}
	}
}

func (m *merger) finish() []archive.Entry {
	out := m.entries
	for _, svc := range m.order {
		name := servicesPrefix + svc
		if _, dup := m.seen[name]; dup {
			continue
		}
		body := strings.Join(m.services[svc], "\n") + "\n"
		out = append(out, archive.Entry{Name: name, Data: []byte(body)})
	}
	archive.Sort(out)
	return out
}

// dropped reports whether an input entry never reaches the shaded archive.
func dropped(name string) bool {
	if name == archive.ManifestPath || name == "META-INF/INDEX.LIST" {
		return true
	}
	if path.Base(name) == "module-info.class" {
		return true
	}
	if strings.HasPrefix(name, "META-INF/") && !strings.Contains(name[len("META-INF/"):], "/") {
		switch strings.ToUpper(path.Ext(name)) {
		case ".SF", ".DSA", ".RSA", ".EC":
			return true
		}
	}
	return false
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

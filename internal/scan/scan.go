// Package scan verifies a packaged artifact: no method may call an API
// marked with a forbidden annotation, and no class may remain under a
// relocated namespace.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paperpack/internal/archive"
	"paperpack/internal/classfile"
	"paperpack/internal/shade"
)

// Finding is one call to a forbidden method.
type Finding struct {
	Class  string // internal name of the calling class
	Method string // name and descriptor of the calling method
	Target string // owner.name descriptor as written at the call site
}

func (f Finding) String() string {
	return fmt.Sprintf("%s#%s calls %s", f.Class, f.Method, f.Target)
}

// BadCallsError fails verification when findings exist.
type BadCallsError struct {
	Jar      string
	Findings []Finding
}

func (e *BadCallsError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s contains %d forbidden call(s):", e.Jar, len(e.Findings))
	for _, f := range e.Findings {
		sb.WriteString("\n  ")
		sb.WriteString(f.String())
	}
	return sb.String()
}

// LeftoverError fails verification when classes remain under a relocated
// source namespace.
type LeftoverError struct {
	Jar   string
	Names []string
}

func (e *LeftoverError) Error() string {
	return fmt.Sprintf("%s has %d entries left under relocated packages: %s",
		e.Jar, len(e.Names), strings.Join(e.Names, ", "))
}

// Scanner finds calls to methods carrying any of its annotations.
type Scanner struct {
	annotations map[string]bool
	parallelism int
	logger      *zap.Logger
}

// New creates a Scanner for annotation descriptors such as
// "Lio/papermc/paper/annotation/DoNotUse;".
func New(annotations []string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]bool, len(annotations))
	for _, a := range annotations {
		set[a] = true
	}
	return &Scanner{annotations: set, parallelism: 4, logger: logger}
}

// index holds the marked methods and the type hierarchy needed to resolve
// a call site to its declaring class.
type index struct {
	mu      sync.Mutex
	marked  map[string]bool     // owner.name+desc
	parents map[string][]string // class -> superclass and interfaces
}

func (ix *index) merge(other *index) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for k := range other.marked {
		ix.marked[k] = true
	}
	for k, v := range other.parents {
		if _, ok := ix.parents[k]; !ok {
			ix.parents[k] = v
		}
	}
}

func newIndex() *index {
	return &index{marked: map[string]bool{}, parents: map[string][]string{}}
}

// forbidden reports whether ref, or the method it resolves to through the
// hierarchy, is marked.
func (ix *index) forbidden(ref classfile.MemberRef) bool {
	sig := ref.Name + ref.Descriptor
	seen := map[string]bool{}
	queue := []string{ref.Owner}
	for len(queue) > 0 {
		owner := queue[0]
		queue = queue[1:]
		if seen[owner] {
			continue
		}
		seen[owner] = true
		if ix.marked[owner+"."+sig] {
			return true
		}
		queue = append(queue, ix.parents[owner]...)
	}
	return false
}

// Scan indexes classpath and jar, then reports every forbidden call made
// from the jar's classes. Findings are sorted.
func (s *Scanner) Scan(ctx context.Context, jar string, classpath []string) ([]Finding, error) {
	entries, err := archive.Read(jar)
	if err != nil {
		return nil, err
	}
	ix, err := s.buildIndex(ctx, classpath)
	if err != nil {
		return nil, err
	}
	own := newIndex()
	if err := s.indexEntries(ctx, own, entries); err != nil {
		return nil, fmt.Errorf("index %s: %w", jar, err)
	}
	ix.merge(own)
	s.logger.Debug("indexed forbidden methods",
		zap.Int("methods", len(ix.marked)),
		zap.Int("classes", len(ix.parents)))

	var findings []Finding
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !isClass(e.Name) {
			continue
		}
		found, err := calls(ix, e.Data)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", e.Name, err)
		}
		findings = append(findings, found...)
	}
	sort.Slice(findings, func(i, j int) bool {
		return findings[i].String() < findings[j].String()
	})
	return findings, nil
}

// Verify runs Scan and turns findings into a *BadCallsError.
func (s *Scanner) Verify(ctx context.Context, jar string, classpath []string) error {
	findings, err := s.Scan(ctx, jar, classpath)
	if err != nil {
		return err
	}
	if len(findings) > 0 {
		for _, f := range findings {
			s.logger.Error("forbidden call", zap.String("class", f.Class), zap.String("method", f.Method), zap.String("target", f.Target))
		}
		return &BadCallsError{Jar: jar, Findings: findings}
	}
	s.logger.Info("no forbidden calls", zap.String("jar", jar))
	return nil
}

// VerifyRelocation fails when jar still has entries under a source
// namespace of r.
func VerifyRelocation(jar string, r *shade.Relocator) error {
	entries, err := archive.Read(jar)
	if err != nil {
		return err
	}
	if left := r.Leftovers(entries); len(left) > 0 {
		return &LeftoverError{Jar: jar, Names: left}
	}
	return nil
}

func (s *Scanner) buildIndex(ctx context.Context, classpath []string) (*index, error) {
	ix := newIndex()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, path := range classpath {
		path := path
		g.Go(func() error {
			entries, err := readClasspathEntry(path)
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("classpath entry missing", zap.String("path", path))
				return nil
			}
			if err != nil {
				return err
			}
			part := newIndex()
			if err := s.indexEntries(ctx, part, entries); err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
			ix.merge(part)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ix, nil
}

func readClasspathEntry(path string) ([]archive.Entry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return archive.ReadDir(path)
	}
	return archive.Read(path)
}

func (s *Scanner) indexEntries(ctx context.Context, ix *index, entries []archive.Entry) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !isClass(e.Name) {
			continue
		}
		cf, err := classfile.Parse(e.Data)
		if err != nil {
			s.logger.Debug("skipping unreadable class", zap.String("entry", e.Name), zap.Error(err))
			continue
		}
		if err := s.indexClass(ix, cf); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
	}
	return nil
}

func (s *Scanner) indexClass(ix *index, cf *classfile.ClassFile) error {
	name, err := cf.Name()
	if err != nil {
		return err
	}
	var parents []string
	super, err := cf.SuperName()
	if err != nil {
		return err
	}
	if super != "" {
		parents = append(parents, super)
	}
	for _, i := range cf.Interfaces {
		iface, err := cf.Pool.ClassName(i)
		if err != nil {
			return err
		}
		parents = append(parents, iface)
	}
	ix.parents[name] = parents

	for _, m := range cf.Methods {
		anns, err := cf.Annotations(m.Attributes)
		if err != nil {
			return err
		}
		for _, a := range anns {
			if !s.annotations[a] {
				continue
			}
			mn, desc, err := cf.MemberName(m)
			if err != nil {
				return err
			}
			ix.marked[name+"."+mn+desc] = true
			break
		}
	}
	return nil
}

func calls(ix *index, data []byte) ([]Finding, error) {
	cf, err := classfile.Parse(data)
	if err != nil {
		return nil, err
	}
	class, err := cf.Name()
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, m := range cf.Methods {
		code, err := cf.Code(m)
		if err != nil {
			return nil, err
		}
		if code == nil {
			continue
		}
		name, desc, err := cf.MemberName(m)
		if err != nil {
			return nil, err
		}
		err = classfile.Walk(code, func(ins classfile.Instruction) error {
			if !classfile.IsInvoke(ins.Opcode) {
				return nil
			}
			ref, err := cf.Pool.Member(ins.Operand)
			if err != nil {
				return fmt.Errorf("%s%s pc %d: %w", name, desc, ins.PC, err)
			}
			if ix.forbidden(ref) {
				out = append(out, Finding{Class: class, Method: name + desc, Target: ref.String()})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isClass(name string) bool {
	return strings.HasSuffix(name, ".class") && !strings.HasSuffix(name, "module-info.class")
}

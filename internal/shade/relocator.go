package shade

import (
	"strings"

	"paperpack/internal/archive"
)

// Relocator applies an ordered rule list to class names. It implements
// classfile.Mapper.
//
// Rules run in declared order and each sees the output of the previous one,
// so a later rule may move classes into a package an earlier rule already
// relocated without those classes being relocated a second time.
type Relocator struct {
	rules []compiledRule
}

// NewRelocator validates and compiles rules.
func NewRelocator(rules []Rule) (*Relocator, error) {
	r := &Relocator{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, cr)
	}
	return r, nil
}

// MapClass relocates an internal class name.
func (r *Relocator) MapClass(name string) (string, bool) {
	changed := false
	for _, rule := range r.rules {
		if mapped, ok := rule.apply(name); ok {
			name = mapped
			changed = true
		}
	}
	return name, changed
}

// Leftovers returns entry names that still sit under a rule's source
// package after relocation. Excluded classes are not leftovers, and neither
// are names under the destination of that rule or of any later rule, since
// a destination may itself be nested in an earlier source.
func (r *Relocator) Leftovers(entries []archive.Entry) []string {
	var out []string
	for _, e := range entries {
		name := strings.TrimSuffix(stripVersionPrefix(e.Name), ".class")
		if r.leftover(name) {
			out = append(out, e.Name)
		}
	}
	return out
}

func (r *Relocator) leftover(name string) bool {
	for i, rule := range r.rules {
		if !strings.HasPrefix(name, rule.from+"/") || rule.excluded(name) {
			continue
		}
		placed := false
		for _, later := range r.rules[i:] {
			if strings.HasPrefix(name, later.to+"/") {
				placed = true
				break
			}
		}
		if !placed {
			return true
		}
	}
	return false
}

const versionsPrefix = "META-INF/versions/"

// splitVersionPrefix separates a multi-release prefix
// ("META-INF/versions/17/") from the rest of the entry name.
func splitVersionPrefix(name string) (prefix, rest string) {
	if !strings.HasPrefix(name, versionsPrefix) {
		return "", name
	}
	tail := name[len(versionsPrefix):]
	i := strings.IndexByte(tail, '/')
	if i < 0 {
		return "", name
	}
	return name[:len(versionsPrefix)+i+1], tail[i+1:]
}

func stripVersionPrefix(name string) string {
	_, rest := splitVersionPrefix(name)
	return rest
}

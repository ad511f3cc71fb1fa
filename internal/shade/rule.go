package shade

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule relocates every class under From into To. Names are package names
// in dotted form ("org.bukkit.craftbukkit"). Excludes are class-name globs
// that keep their original name; "*" matches within one package segment
// and "**" matches across segments.
type Rule struct {
	From     string   `yaml:"from"`
	To       string   `yaml:"to"`
	Excludes []string `yaml:"excludes,omitempty"`
}

type compiledRule struct {
	from     string // slash form, no trailing slash
	to       string
	excludes []*regexp.Regexp
}

var packagePattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

func compileRule(r Rule) (compiledRule, error) {
	if !packagePattern.MatchString(r.From) {
		return compiledRule{}, fmt.Errorf("invalid relocation source %q", r.From)
	}
	if !packagePattern.MatchString(r.To) {
		return compiledRule{}, fmt.Errorf("invalid relocation destination %q", r.To)
	}
	if r.From == r.To {
		return compiledRule{}, fmt.Errorf("relocation %q maps onto itself", r.From)
	}
	cr := compiledRule{
		from: strings.ReplaceAll(r.From, ".", "/"),
		to:   strings.ReplaceAll(r.To, ".", "/"),
	}
	for _, ex := range r.Excludes {
		re, err := globToRegexp(ex)
		if err != nil {
			return compiledRule{}, fmt.Errorf("relocation %q exclude %q: %w", r.From, ex, err)
		}
		cr.excludes = append(cr.excludes, re)
	}
	return cr, nil
}

// apply relocates name if it lies under the rule's source package and is
// not excluded.
func (r compiledRule) apply(name string) (string, bool) {
	if !strings.HasPrefix(name, r.from+"/") {
		return name, false
	}
	if r.excluded(name) {
		return name, false
	}
	return r.to + name[len(r.from):], true
}

func (r compiledRule) excluded(name string) bool {
	for _, re := range r.excludes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// globToRegexp converts a dotted or slash class glob into an anchored
// regular expression over slash-separated names.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	g := strings.TrimSpace(glob)
	if g == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	g = strings.TrimSuffix(g, ".class")
	g = strings.ReplaceAll(g, ".", "/")

	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(g); i++ {
		switch c := g[i]; c {
		case '*':
			if i+1 < len(g) && g[i+1] == '*' {
				sb.WriteString(".*")
				i++
				continue
			}
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

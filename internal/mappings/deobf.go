package mappings

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"paperpack/internal/archive"
)

var (
	frameRe  = regexp.MustCompile(`^(\s*at\s+(?:[^\s/(]+/)*)([\w$.]+)\.([\w$<>]+)(\(.*)$`)
	causeRe  = regexp.MustCompile(`^(\s*(?:Caused by: |Suppressed: )?)([\w$]+(?:\.[\w$]+)+)(:.*)?$`)
	dotSlash = strings.NewReplacer(".", "/")
	slashDot = strings.NewReplacer("/", ".")
)

// Deobfuscator translates stack traces from an obfuscated namespace back to
// source names.
type Deobfuscator struct {
	classes classMapper
	// methods maps "obfClass.obfName" to the source name. Overloads that
	// disagree on the source name are left out.
	methods map[string]string
}

// NewDeobfuscator builds a translator from namespace obf to namespace src.
func NewDeobfuscator(m *Mappings, obf, src string) (*Deobfuscator, error) {
	oi, err := m.Namespace(obf)
	if err != nil {
		return nil, err
	}
	si, err := m.Namespace(src)
	if err != nil {
		return nil, err
	}
	d := &Deobfuscator{classes: classMapper{}, methods: map[string]string{}}
	ambiguous := map[string]bool{}
	for _, c := range m.Classes {
		owner := c.Name(oi)
		if target := c.Name(si); target != owner {
			d.classes[owner] = target
		}
		for _, mem := range c.Methods {
			key := owner + "." + mem.Name(oi)
			name := mem.Name(si)
			if prev, ok := d.methods[key]; ok && prev != name {
				ambiguous[key] = true
			}
			d.methods[key] = name
		}
	}
	for k := range ambiguous {
		delete(d.methods, k)
	}
	return d, nil
}

// LoadDeobfuscator reads the mapping table embedded at dest in jar.
func LoadDeobfuscator(jar, dest, obf, src string) (*Deobfuscator, error) {
	if dest == "" {
		dest = DefaultDest
	}
	b, err := archive.ReadEntry(jar, dest)
	if err != nil {
		return nil, fmt.Errorf("read embedded mappings: %w", err)
	}
	m, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parse %s!%s: %w", jar, dest, err)
	}
	return NewDeobfuscator(m, obf, src)
}

func (d *Deobfuscator) class(dotted string) string {
	internal := dotSlash.Replace(dotted)
	if mapped, ok := d.classes.MapClass(internal); ok {
		return slashDot.Replace(mapped)
	}
	return dotted
}

// Line translates one stack trace line. Lines that are neither frames nor
// exception headers are returned unchanged.
func (d *Deobfuscator) Line(line string) string {
	if m := frameRe.FindStringSubmatch(line); m != nil {
		owner := dotSlash.Replace(m[2])
		method := m[3]
		if name, ok := d.methods[owner+"."+method]; ok {
			method = name
		}
		return m[1] + d.class(m[2]) + "." + method + m[4]
	}
	if m := causeRe.FindStringSubmatch(line); m != nil {
		return m[1] + d.class(m[2]) + m[3]
	}
	return line
}

// Translate copies r to w, translating every line.
func (d *Deobfuscator) Translate(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	bw := bufio.NewWriter(w)
	for sc.Scan() {
		if _, err := bw.WriteString(d.Line(sc.Text()) + "\n"); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

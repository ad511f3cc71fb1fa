// Package trace records what a build did as a canonical, reproducible
// document.
//
// A trace holds logical facts only: which stages completed, failed or were
// skipped, and the content identities of what they produced. Timestamps,
// durations and error text are left out, so two builds of unchanged inputs
// yield byte-identical traces.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"

	"paperpack/internal/archive"
)

// BuildTrace is the canonical record of one pipeline run.
type BuildTrace struct {
	// GraphHash identifies the stage graph that ran.
	GraphHash string
	Events    []Event
}

// EventKind discriminates Event. The values are part of the canonical
// bytes; do not rename.
type EventKind string

const (
	EventStageCompleted EventKind = "StageCompleted"
	EventStageFailed    EventKind = "StageFailed"
	EventStageSkipped   EventKind = "StageSkipped"
)

// Reason codes.
const (
	ReasonUpstreamFailed = "UpstreamFailed"
	ReasonCancelled      = "Cancelled"
)

// Event is one stage outcome.
type Event struct {
	Kind EventKind
	// Stage is the stage name; Position its place in the pipeline.
	Stage    string
	Position int
	// Reason is a stable code such as ReasonUpstreamFailed or an error
	// class name, never free-form error text.
	Reason string
	// Cause names the stage responsible for a skip.
	Cause string
	// Outputs are content identities of what the stage produced, for
	// example "server.jar@sha256:...".
	Outputs []string
}

// Validate checks basic invariants.
func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required", i)
		}
		for j, o := range e.Outputs {
			if o == "" {
				return fmt.Errorf("events[%d].outputs[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts outputs and orders events by (position, stage, kind,
// reason, cause, outputs). Empty output lists become nil.
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Outputs) == 0 {
			t.Events[i].Outputs = nil
			continue
		}
		out := make([]string, len(t.Events[i].Outputs))
		copy(out, t.Events[i].Outputs)
		sort.Strings(out)
		t.Events[i].Outputs = out
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return lessStrings(a.Outputs, b.Outputs)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventStageCompleted:
		return 10
	case EventStageFailed:
		return 20
	case EventStageSkipped:
		return 30
	default:
		return 1000
	}
}

func lessStrings(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical encoding. The receiver is not
// modified.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	cp := BuildTrace{GraphHash: t.GraphHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Digest returns the content digest of the canonical encoding.
func (t BuildTrace) Digest() (digest.Digest, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(b), nil
}

// WriteFile atomically writes the canonical encoding to path.
func (t BuildTrace) WriteFile(path string) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	return archive.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// MarshalJSON fixes field order.
func (t BuildTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"graphHash":`)
	gh, _ := json.Marshal(t.GraphHash)
	buf.Write(gh)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	field := func(name string, v any) {
		b, _ := json.Marshal(v)
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"` + name + `":`)
		buf.Write(b)
	}

	buf.WriteByte('{')
	field("kind", string(e.Kind))
	field("stage", e.Stage)
	field("position", e.Position)
	if e.Reason != "" {
		field("reason", e.Reason)
	}
	if e.Cause != "" {
		field("cause", e.Cause)
	}
	if len(e.Outputs) > 0 {
		out := make([]string, len(e.Outputs))
		copy(out, e.Outputs)
		sort.Strings(out)
		field("outputs", out)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

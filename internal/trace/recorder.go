package trace

import "sync"

// Sink receives build events.
//
// Record must not panic or block; callers may treat it as a no-op.
type Sink interface {
	Record(event Event)
}

// SafeRecord records an event, swallowing panics from a faulty sink so a
// trace problem never fails a build.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical BuildTrace from the recorded events.
func (r *Recorder) Trace(graphHash string) BuildTrace {
	tr := BuildTrace{GraphHash: graphHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

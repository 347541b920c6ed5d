package logging

import "sync"

// Entry is a single log line captured by a Recorder.
type Entry struct {
	Level  string
	Msg    string
	Err    error
	Fields LogFields
}

// Recorder is an in-memory ServiceLogger. It is safe for concurrent use and
// children created with With share the parent's entry list.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  LogFields
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	return &Recorder{mu: r.mu, entries: r.entries, fields: merge(r.fields, fields)}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.add("debug", msg, nil, fields) }

func (r *Recorder) Info(msg string, fields LogFields) { r.add("info", msg, nil, fields) }

func (r *Recorder) Warn(msg string, fields LogFields) { r.add("warn", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) { r.add("error", msg, err, fields) }

func (r *Recorder) Trace(msg string, fields LogFields) { r.add("trace", msg, nil, fields) }

// Entries returns a snapshot of everything logged so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Count returns how many entries were logged at level.
func (r *Recorder) Count(level string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (r *Recorder) add(level, msg string, err error, fields LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{Level: level, Msg: msg, Err: err, Fields: merge(r.fields, fields)})
}

func merge(base, extra LogFields) LogFields {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(LogFields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

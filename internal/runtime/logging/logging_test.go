package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "pump"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Warn("warn", LogFields{"class": "lock_lost"})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	require.Len(t, base.entries, 7)
	assert.Equal(t, "debug", base.entries[0].level)
	assert.Equal(t, "pump", base.entries[0].fields["component"])
	assert.Equal(t, "info", base.entries[3].level)
	assert.Equal(t, "warn", base.entries[3].fields["level"])
	assert.Equal(t, "lock_lost", base.entries[3].fields["class"])
	assert.Equal(t, "error", base.entries[4].level)
	assert.Equal(t, "yes", base.entries[5].fields["child"])
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := NewRecorder()
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)
	adapter.With(watermill.LogFields{"child": "yes"}).Info("child_info", nil)

	entries := base.Entries()
	require.Len(t, entries, 5)
	assert.Equal(t, "v", entries[0].Fields["k"])
	assert.EqualError(t, entries[3].Err, "boom")
	assert.Equal(t, "yes", entries[4].Fields["child"])
}

func TestSlogServiceLoggerWritesWarnings(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	logger.With(LogFields{"entity": "orders"}).Warn("lock lost", LogFields{"class": "lock_lost"})
	logger.Info("hello", LogFields{"k": "v"})

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "entity=orders")
	assert.Contains(t, out, "class=lock_lost")
	assert.Contains(t, out, "hello")
}

func TestRecorderSharesEntriesWithChildren(t *testing.T) {
	rec := NewRecorder()
	child := rec.With(LogFields{"entity": "a"})
	child.Warn("w", LogFields{"class": "timeout"})
	rec.Info("i", nil)

	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, LogFields{"entity": "a", "class": "timeout"}, entries[0].Fields)
	assert.Equal(t, 1, rec.Count("warn"))
	assert.Equal(t, 1, rec.Count("info"))
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	assert.NotPanics(t, func() {
		logger.With(LogFields{"a": 1}).Warn("ignored", nil)
		logger.Error("ignored", errors.New("x"), nil)
	})
}

func TestWatermillFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(nil))

	wm := toWatermillFields(LogFields{"a": 1})
	assert.Equal(t, 1, wm["a"])
	assert.Equal(t, 1, fromWatermillFields(wm)["a"])
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

func (r *recordingWatermillLogger) Error(_ string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return &fieldsLogger{parent: child, fields: fields}
}

type fieldsLogger struct {
	parent *recordingWatermillLogger
	fields watermill.LogFields
}

func (f *fieldsLogger) Error(msg string, err error, fields watermill.LogFields) {
	f.parent.Error(msg, err, f.fields.Add(fields))
}

func (f *fieldsLogger) Info(msg string, fields watermill.LogFields) {
	f.parent.Info(msg, f.fields.Add(fields))
}

func (f *fieldsLogger) Debug(msg string, fields watermill.LogFields) {
	f.parent.Debug(msg, f.fields.Add(fields))
}

func (f *fieldsLogger) Trace(msg string, fields watermill.LogFields) {
	f.parent.Trace(msg, f.fields.Add(fields))
}

func (f *fieldsLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &fieldsLogger{parent: f.parent, fields: f.fields.Add(fields)}
}

package logging

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"edgeai/internal/observability"
	"edgeai/internal/utils/id"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.add("INFO", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.add("WARN", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.add("ERROR", format, args...) }

func (r *recordingLogger) add(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *recordingLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world")
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text", Output: buf})

	logger := FromObservabilityWithComponent(base, "test")
	logger.Info("hello %s", "world")

	if want := "hello world"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("component=test")) {
		t.Fatalf("expected component field, got %q", buf.String())
	}
}

func TestMultiFlattensAndSkipsNil(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	logger := Multi(a, nil, Multi(b))
	logger.Warn("x=%d", 1)
	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Fatalf("expected both loggers to receive the line, got %v %v", a.lines, b.lines)
	}
	if _, ok := Multi().(nopLogger); !ok {
		t.Fatal("expected empty Multi to be a nop logger")
	}
}

func TestFromContextAddsIdentifiers(t *testing.T) {
	ctx := id.WithIDs(context.Background(), id.IDs{TaskID: "task-1", CorrelationID: "c-9"})

	rec := &recordingLogger{}
	FromContext(ctx, rec).Info("started")
	if len(rec.lines) != 1 || rec.lines[0] != "INFO task=task-1 cid=c-9 started" {
		t.Fatalf("unexpected prefixed line %v", rec.lines)
	}

	buf := &bytes.Buffer{}
	structured := FromObservabilityWithComponent(observability.NewLogger(observability.LogConfig{Output: buf}), "rt")
	FromContext(ctx, structured).Info("started")
	if !bytes.Contains(buf.Bytes(), []byte("task_id=task-1")) {
		t.Fatalf("expected structured task id, got %q", buf.String())
	}
}

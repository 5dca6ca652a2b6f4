package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ajitpratap0/vendorflow/pkg/task"
)

func TestTracerIsNoopUntilInitialized(t *testing.T) {
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown without provider should succeed: %v", err)
	}

	tracer := NewConnectorTracer("meshy")
	h, err := tracer.TraceStage(context.Background(), "rig", func(ctx context.Context) (*task.Handle, error) {
		return task.NewPending("t1", task.TypeRigging, task.SourceNone), nil
	})
	if err != nil {
		t.Fatalf("TraceStage returned error: %v", err)
	}
	if h.TaskID != "t1" {
		t.Errorf("TraceStage should return the stage handle, got %q", h.TaskID)
	}
}

func TestConnectorTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	config := DefaultConfig()
	config.Enabled = true
	config.Environment = "test"
	config.Writer = &buf
	config.BatchTimeout = 10 * time.Millisecond

	if err := Initialize(config); err != nil {
		t.Fatalf("Failed to initialize tracing: %v", err)
	}

	tracer := NewConnectorTracer("meshy")
	ctx := context.Background()

	testError := errors.New("task failed")
	_, err := tracer.TraceStage(ctx, "animate", func(ctx context.Context) (*task.Handle, error) {
		return nil, testError
	})
	if err != testError {
		t.Errorf("TraceStage should return the original error: got %v, want %v", err, testError)
	}

	_, err = tracer.TraceStage(ctx, "rig", func(ctx context.Context) (*task.Handle, error) {
		return &task.Handle{TaskID: "t1", Type: task.TypeRigging, Status: task.StatusSucceeded, Progress: 100}, nil
	})
	if err != nil {
		t.Errorf("TraceStage should not return error for successful stage: %v", err)
	}

	if err := tracer.Trace(ctx, "download", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Trace should not return error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown should not return error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"meshy.rig", "meshy.animate", "meshy.download", "task failed", "t1"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported spans should mention %q", want)
		}
	}
}

func TestInitializeDisabled(t *testing.T) {
	if err := Initialize(TracingConfig{Enabled: false}); err != nil {
		t.Fatalf("disabled tracing should initialize: %v", err)
	}
	if GetTracer() == nil {
		t.Error("Tracer should never be nil")
	}
}

func TestSpanAttributes(t *testing.T) {
	_, span := NewSpan(context.Background(), "attrs")
	span.SetAttribute("s", "v")
	span.SetAttribute("i", 1)
	span.SetAttribute("i64", int64(2))
	span.SetAttribute("f", 1.5)
	span.SetAttribute("b", true)
	span.SetAttribute("d", time.Second)
	span.SetAttribute("other", []int{1})
	if len(span.attributes) != 7 {
		t.Errorf("expected 7 attributes, got %d", len(span.attributes))
	}
	span.End()
}

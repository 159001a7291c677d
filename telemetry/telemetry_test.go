package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel/propagation"
)

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()
	exp.LogEvent("test", map[string]interface{}{"key": "value"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}

	exp.LogEvent("execution_start", map[string]interface{}{"execution": "e1"})
	exp.LogEvent("execution_complete", map[string]interface{}{"execution": "e1", "status": "completed"})
	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line is not an Event: %v", err)
		}
		names = append(names, ev.Name)
	}
	if len(names) != 2 || names[0] != "execution_start" || names[1] != "execution_complete" {
		t.Errorf("events = %v", names)
	}
}

func TestHTTPExporter(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var events []Event
		if err := json.Unmarshal(body, &events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Add(int32(len(events)))
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("dead_letter", map[string]interface{}{"reason": "queue_full"})
	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := received.Load(); got != 1 {
		t.Errorf("received = %d, want 1", got)
	}
	if err := exp.Flush(); err != nil {
		t.Errorf("empty Flush() error = %v", err)
	}
}

func TestHTTPExporterError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("x", nil)
	if err := exp.Flush(); err == nil {
		t.Error("expected error for 503")
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		wantErr  bool
	}{
		{"noop", false},
		{"", false},
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}

// --- Tracing ---

func TestGetTracerNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()

	ctx, span := tr.StartPublishSpan(context.Background(), "publish", "alerts", "price.spike")
	tr.EndPublishSpan(span, PublishSpanOptions{MessageID: "m1", Recipients: 2, Outcome: "delivered"}, nil)

	if TraceID(ctx) != "" {
		t.Error("noop tracer should not produce a trace id")
	}

	_, span = tr.StartExecutionSpan(context.Background(), "wf", "e1")
	tr.EndExecutionSpan(span, ExecutionSpanOptions{Status: "failed", FailedTasks: []string{"b"}}, errors.New("boom"))

	_, span = tr.StartDispatchSpan(context.Background(), "t1", "sequential")
	tr.EndDispatchSpan(span, DispatchSpanOptions{AgentID: "w1", Attempt: 1, Score: 0.7}, nil)
}

func TestMapCarrier(t *testing.T) {
	c := MapCarrier{}
	var _ propagation.TextMapCarrier = c

	c.Set("traceparent", "00-abc-def-01")
	if c.Get("traceparent") != "00-abc-def-01" {
		t.Errorf("Get() = %q", c.Get("traceparent"))
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Errorf("Keys() = %v", keys)
	}

	InjectContext(context.Background(), c)
	_ = ExtractContext(context.Background(), c)
}

func TestInitProviderRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestInitProviderUnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

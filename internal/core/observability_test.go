package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"shelflife/pkg/domain"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestPrometheusMetricsRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetricsRecorder(registry)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	svc := newTestService(t, WithMetricsRecorder(recorder))
	ctx := context.Background()
	mustCreateBatch(t, svc, "BATCH001")
	if _, err := svc.CreateBatch(ctx, BatchInput{ID: "BATCH001", ProductName: "Brie"}); err == nil {
		t.Fatalf("expected duplicate batch")
	}
	recorder.Observe(ctx, "", true, time.Millisecond)

	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("create_batch", "success")); got != 1 {
		t.Fatalf("expected one successful create, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("create_batch", "error")); got != 1 {
		t.Fatalf("expected one failed create, got %v", got)
	}
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	if !names["shelflife_operations_total"] || !names["shelflife_operation_duration_seconds"] {
		t.Fatalf("expected both collectors registered, got %v", names)
	}
	if got := testutil.CollectAndCount(recorder.durations); got != 1 {
		t.Fatalf("expected a single duration series, got %d", got)
	}

	if _, err := NewPrometheusMetricsRecorder(registry); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestJSONTracerWritesEntries(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	svc := newTestService(t, WithTracer(tracer))
	mustCreateBatch(t, svc, "BATCH001")
	if _, err := svc.GetBatch(context.Background(), "BATCH404"); err == nil {
		t.Fatalf("expected missing batch")
	}

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two spans, got %+v", entries)
	}
	if entries[0].Operation != "create_batch" || entries[0].Status != "success" || entries[0].Error != "" {
		t.Fatalf("unexpected first span: %+v", entries[0])
	}
	if entries[1].Operation != "get_batch" || entries[1].Status != "error" || !strings.Contains(entries[1].Error, "BATCH404") {
		t.Fatalf("unexpected second span: %+v", entries[1])
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two json lines, got %q", buf.String())
	}
	var decoded JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Operation != "get_batch" || decoded.EndedAt.Before(decoded.StartedAt) {
		t.Fatalf("unexpected decoded span: %+v", decoded)
	}

	silent := NewJSONTracer(nil)
	_, span := silent.Start(context.Background(), "noop")
	span.End(nil)
	if len(silent.Entries()) != 1 {
		t.Fatalf("expected retained span without writer")
	}
}

func TestOTelTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	svc := newTestService(t, WithTracer(NewOTelTracer(provider)))
	mustCreateBatch(t, svc, "BATCH001")
	if _, err := svc.ApproveBatch(context.Background(), "BATCH404", "carol"); err == nil {
		t.Fatalf("expected missing batch")
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected two spans, got %d", len(spans))
	}
	if spans[0].Name() != "create_batch" || spans[0].Status().Code != codes.Ok {
		t.Fatalf("unexpected create span: %s %+v", spans[0].Name(), spans[0].Status())
	}
	failed := spans[1]
	if failed.Name() != "approve_batch" || failed.Status().Code != codes.Error {
		t.Fatalf("unexpected approve span: %s %+v", failed.Name(), failed.Status())
	}
	if len(failed.Events()) == 0 || failed.Events()[0].Name != "exception" {
		t.Fatalf("expected recorded error event, got %+v", failed.Events())
	}
	var sawOperation bool
	for _, attr := range failed.Attributes() {
		if string(attr.Key) == "shelflife.operation" && attr.Value.AsString() == "approve_batch" {
			sawOperation = true
		}
	}
	if !sawOperation {
		t.Fatalf("expected operation attribute, got %+v", failed.Attributes())
	}
	if failed.InstrumentationScope().Name != otelInstrumentationName {
		t.Fatalf("unexpected instrumentation scope %q", failed.InstrumentationScope().Name)
	}

	if NewOTelTracer(nil) == nil {
		t.Fatalf("expected tracer from global provider")
	}
}

func TestRunReportsErrorsToEveryObserver(t *testing.T) {
	audit := &captureAuditRecorder{}
	tracer := NewJSONTracer(nil)
	var observed []bool
	metrics := metricsFunc(func(_ context.Context, op string, success bool, _ time.Duration) {
		if op == "delete_sample" {
			observed = append(observed, success)
		}
	})
	svc := newTestService(t, WithAuditRecorder(audit), WithTracer(tracer), WithMetricsRecorder(metrics))
	_, err := svc.DeleteSample(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected missing sample")
	}
	if len(observed) != 1 || observed[0] {
		t.Fatalf("expected one failed observation, got %v", observed)
	}
	entry, ok := audit.find("delete_sample", AuditStatusError)
	if !ok || entry.EntityID != "missing" || entry.Action != ActionDelete {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entries := tracer.Entries(); len(entries) != 1 || entries[0].Status != "error" {
		t.Fatalf("unexpected spans: %+v", entries)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type metricsFunc func(ctx context.Context, op string, success bool, d time.Duration)

func (f metricsFunc) Observe(ctx context.Context, op string, success bool, d time.Duration) {
	f(ctx, op, success, d)
}

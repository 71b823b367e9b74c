package observability

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/dkoutas/go-livechat-backend/internal/config"
)

// stubTraceClient satisfies otlptrace.Client without a collector.
type stubTraceClient struct {
	mu      sync.Mutex
	uploads int
	stopped bool
}

func (c *stubTraceClient) Start(context.Context) error { return nil }

func (c *stubTraceClient) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *stubTraceClient) UploadTraces(_ context.Context, spans []*tracepb.ResourceSpans) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads += len(spans)
	return nil
}

func (c *stubTraceClient) state() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads, c.stopped
}

func TestSetupOTel_DisabledIsNoop(t *testing.T) {
	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
}

func TestSetupOTel_ExportsThroughClient(t *testing.T) {
	orig := newTraceClient
	defer func() { newTraceClient = orig }()

	stub := &stubTraceClient{}
	newTraceClient = func(config.OTELConfig) otlptrace.Client { return stub }

	ctx := context.Background()
	shutdown, err := SetupOTel(ctx, config.OTELConfig{
		Enabled:     true,
		ServiceName: "livechat-test",
		SampleRatio: 1,
	}, "test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	// one span for the batcher to flush on shutdown
	_, span := otel.Tracer("observability-test").Start(ctx, "boot")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	uploads, stopped := stub.state()
	if uploads == 0 {
		t.Fatalf("expected the span to reach the exporter client")
	}
	if !stopped {
		t.Fatalf("shutdown must stop the exporter client")
	}
}

package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewProvider(tp, "test"), rec
}

func TestDisabledIsNoop(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "noop")
	span.End()
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestStartSpanAndError(t *testing.T) {
	p, rec := newTestProvider(t)

	ctx, span := p.StartSpan(context.Background(), "pipeline.engine")
	assert.NotEmpty(t, TraceID(ctx))
	SetError(ctx, errors.New("engine exited"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pipeline.engine", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestHTTPMiddleware(t *testing.T) {
	p, rec := newTestProvider(t)

	var sawTrace string
	h := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTrace = TraceID(r.Context())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/task", nil))

	assert.NotEmpty(t, sawTrace)
	assert.NotEmpty(t, resp.Header().Get("traceparent"))
	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /task", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

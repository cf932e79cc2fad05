package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder, tp
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestRecordError(t *testing.T) {
	recorder, tp := newRecordingTracer(t)
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected an exception event")
	}
}

func TestNilSafeHelpers(t *testing.T) {
	// none of these may panic on a nil span
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "c", "u", "s")
	AddOAuthErrorAttributes(nil, "invalid_grant", "d")
	AddStorageAttributes(nil, "op", "memory")
	AddHTTPAttributes(nil, "GET", "/", 200)
	AddSecurityAttributes(nil, "127.0.0.1")
}

func TestAddOAuthFlowAttributes(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		userID   string
		scope    string
		want     []string
		notWant  []string
	}{
		{"all set", "c1", "u1", "read", []string{AttrClientID, AttrUserID, AttrScope}, nil},
		{"no user", "c1", "", "read", []string{AttrClientID, AttrScope}, []string{AttrUserID}},
		{"empty", "", "", "", nil, []string{AttrClientID, AttrUserID, AttrScope}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, tp := newRecordingTracer(t)
			_, span := tp.Tracer("test").Start(context.Background(), "op")
			AddOAuthFlowAttributes(span, tt.clientID, tt.userID, tt.scope)
			span.End()

			got := attrMap(recorder.Ended()[0].Attributes())
			for _, k := range tt.want {
				if _, ok := got[k]; !ok {
					t.Errorf("missing attribute %s", k)
				}
			}
			for _, k := range tt.notWant {
				if _, ok := got[k]; ok {
					t.Errorf("unexpected attribute %s", k)
				}
			}
		})
	}
}

func TestAddHTTPAttributes(t *testing.T) {
	recorder, tp := newRecordingTracer(t)
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	AddHTTPAttributes(span, "POST", "/oauth2/token", 401)
	SetSpanSuccess(span)
	span.End()

	s := recorder.Ended()[0]
	got := attrMap(s.Attributes())
	if got[AttrHTTPStatusCode].AsInt64() != 401 {
		t.Errorf("status attribute = %v, want 401", got[AttrHTTPStatusCode])
	}
	if got[AttrHTTPEndpoint].AsString() != "/oauth2/token" {
		t.Errorf("endpoint attribute = %v", got[AttrHTTPEndpoint])
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
}

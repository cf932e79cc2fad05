package instrumentation

import (
	"context"
	"testing"
)

func TestMetrics_RecordDoesNotPanic(t *testing.T) {
	for _, exporter := range []string{MetricExporterNone, MetricExporterPrometheus} {
		t.Run("exporter="+exporter, func(t *testing.T) {
			inst, err := New(Config{Enabled: true, MetricExporter: exporter})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			ctx := context.Background()
			m := inst.Metrics()
			m.RecordHTTPRequest(ctx, "POST", "/oauth2/token", 200, 1.5)
			m.RecordAuthorizationStarted(ctx, "client", "code")
			m.RecordConsentDecision(ctx, "client", "allow")
			m.RecordCodeIssued(ctx, "client")
			m.RecordCodeExchange(ctx, "client")
			m.RecordTokenIssued(ctx, "client", "password", true)
			m.RecordTokenRefresh(ctx, "client", true)
			m.RecordClientAuthFailed(ctx, "client_secret_basic")
			m.RecordRateLimitExceeded(ctx, "ip")
			m.RecordCodeReuseDetected(ctx)
			m.RecordAuditEvent(ctx, "token_issued")
			m.RecordStorageOperation(ctx, "create_token", "success", 0.2)
		})
	}
}

// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics are exported through Prometheus when Config.MetricExporter is
// "prometheus"; traces are exported over OTLP/HTTP when Config.OTLPEndpoint
// is set. Everything else uses no-op providers.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth2d",
//		Enabled:        true,
//		MetricExporter: instrumentation.MetricExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//   - oauth.authorization.started{client_id, response_type}
//   - oauth.consent.decided{client_id, decision}
//   - oauth.code.issued{client_id}
//   - oauth.code.exchanged{client_id}
//   - oauth.token.issued{client_id, grant_type, refresh_token}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.client.auth_failed{method}
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.code.reuse_detected
//   - oauth.audit.events.total{event_type}
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.{clients,tokens,codes}.count
//
// # Security Considerations
//
// Never record access tokens, refresh tokens, authorization codes or client
// secrets in spans or metric attributes. client_id labels grow with the number
// of registered clients; drop them at very high client counts.
package instrumentation

// Package telemetry wires conductor to OpenTelemetry: an OTLP trace
// provider, an OTLP meter provider and W3C trace-context propagation.
//
// The queue, breaker and orchestrator packages record their instruments on
// whatever meter they are given; serve hands them tel.Meter(...) so the same
// counters reach the collector and, through the Prometheus bridge in the
// metrics package, the /metrics endpoint.
//
//	cfg := telemetry.FromAppConfig(appCfg.Telemetry, version)
//	tel, err := telemetry.New(ctx, cfg, telemetry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx, span := tel.Tracer("conductor/orchestrator").Start(ctx, "step.code")
//	defer span.End()
//
// # Failure Handling
//
// Exporter setup failures never stop the daemon. The instance is marked
// degraded, the failure is logged, and Tracer and Meter fall back to the
// global (no-op) providers.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	runStep(tt.Tracer("test"))
//	tt.AssertSpanExists(t, "step.code")
package telemetry

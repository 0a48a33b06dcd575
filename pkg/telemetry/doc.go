// Package telemetry provides the observability plumbing of an xdt session.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus, on a private registry) and an in-process event
// publisher into a single Telemetry value:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	telemetry.FromContext(ctx).Info("Session opened")
//
// Disabled metrics and events are no-ops; disabled tracing uses a no-op
// tracer provider, so callers never need to nil-check the components.
package telemetry

// Package telemetry provides observability instrumentation for dokkusync.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus) behind one Telemetry value created at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/dokkusync.prom"
//
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// The tool is a short-lived command, so metrics are not served over HTTP.
// Shutdown writes them to a node_exporter textfile when a path is set.
//
// # Structured Logging
//
// Component loggers carry a component field and, during a run, its ID:
//
//	logger := tel.Logger.NewComponentLogger("engine").WithRunID(runID)
//	logger.WithFamily("ports").Info("exported")
//
// # Tracing
//
// Spans cover the export and apply passes, each family and each command:
//
//	ctx, span := tel.Tracer.StartFamilySpan(ctx, "ports", "export")
//	defer span.End()
package telemetry

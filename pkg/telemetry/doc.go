// Package telemetry provides observability for provisioning runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus) behind a single Telemetry value that the CLI builds
// once and hands to the engine.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ApplyEnv()
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
// Each state machine transition is wrapped in an InstrumentedContext:
//
//	ic := tel.StartTransition(ctx, "pg-1", "install", "uninstalled")
//	err := doInstall(ic.Ctx)
//	ic.End("installed", err)
//
// # Metrics
//
//   - pgprov_transitions_total{operation,outcome}
//   - pgprov_transition_duration_seconds{operation}
//   - pgprov_active_transitions
//   - pgprov_remote_commands_total{outcome}
//   - pgprov_remote_command_duration_seconds{escalated}
//   - pgprov_os_defaults_applied_total{field}
//   - pgprov_install_relocations_total
//   - pgprov_access_control_findings_total{severity}
//
// # Exporters
//
// Tracing supports "stdout" for development, "otlp" for an OTLP/gRPC
// collector and "none" to generate spans without exporting them.
//
// Never log credentials. The engine logs the admin user name but never the
// password.
package telemetry

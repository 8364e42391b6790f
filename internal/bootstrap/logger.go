package bootstrap

import (
	"omniman/internal/config"
	"omniman/internal/core"
	"omniman/pkg/logging"
	"omniman/pkg/telemetry"
)

// initLogger builds the process logger from the configured level.
func initLogger(cfg *config.Config) (core.ILogger, error) {
	return logging.NewZapLogger(cfg.System.LogLevel)
}

// initTelemetry sets up the Prometheus exporter and the kernel instruments.
// A failure here degrades observability but does not stop the process.
func initTelemetry(logger core.ILogger) {
	if err := telemetry.InitMetrics(); err != nil {
		logger.Warn("Failed to initialize metrics exporter", "error", err)
		return
	}
	logger.Info("Metrics exporter initialized")
}

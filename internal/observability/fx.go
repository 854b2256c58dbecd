package observability

import (
	"github.com/smallbiznis/allotment/internal/observability/logger"
	"github.com/smallbiznis/allotment/internal/observability/metrics"
	"github.com/smallbiznis/allotment/internal/observability/tracing"
	"github.com/smallbiznis/allotment/pkg/db"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	gormlogger "gorm.io/gorm/logger"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideGormLogger,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
	),
	fx.Invoke(ensureTracingProvider),
	fx.Invoke(ensureMetrics),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func provideGormLogger(cfg Config, dbCfg db.Config) gormlogger.Interface {
	gormCfg := logger.DefaultGormLoggerConfig()
	if dbCfg.SlowThreshold > 0 {
		gormCfg.SlowThreshold = dbCfg.SlowThreshold
	}
	if cfg.Debug() {
		gormCfg.Level = gormlogger.Info
	}
	gormCfg.IgnoreRecordNotFound = true
	return logger.NewGormLogger(gormCfg)
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	}
}

func ensureMetrics(cfg metrics.Config) {
	metrics.SchedulerWithConfig(cfg)
	metrics.EngineWithConfig(cfg)
}

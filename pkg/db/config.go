package db

import "time"

type Config struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int

	// SlowThreshold is the query duration above which statements are logged as warnings.
	SlowThreshold time.Duration
	// MetricsEnabled registers the gorm prometheus plugin.
	MetricsEnabled bool
	// TracingEnabled registers the otelgorm plugin.
	TracingEnabled bool
}

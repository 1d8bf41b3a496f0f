package config

import (
	"time"

	"github.com/reachflow-go/pkg/database"
	"github.com/reachflow-go/pkg/events"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/telemetry"
)

// ToLoggerConfig converts LoggerConfig to logger.Config
func (c LoggerConfig) ToLoggerConfig(service string) logger.Config {
	return logger.Config{
		Service:    service,
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		AddCaller:  c.AddCaller,
		Stacktrace: c.Stacktrace,
	}
}

// ToDatabaseConfig converts DatabaseConfig to database.Config. log may be nil.
func (c DatabaseConfig) ToDatabaseConfig(log logger.Logger) database.Config {
	return database.Config{
		Driver:       c.Driver,
		Host:         c.Host,
		Port:         c.Port,
		User:         c.User,
		Password:     c.Password,
		Name:         c.Name,
		SSLMode:      c.SSLMode,
		Path:         c.Path,
		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,

		SlowThreshold: time.Duration(c.SlowQueryMS) * time.Millisecond,
		Logger:        log,
	}
}

// ToKafkaConfig converts KafkaConfig to events.KafkaConfig
func (c KafkaConfig) ToKafkaConfig() events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:       c.Brokers,
		Topic:         c.Topic,
		ConsumerGroup: c.ConsumerGroup,
	}
}

// ToTelemetryConfig converts TelemetryConfig to telemetry.Config
func (c TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Enabled,
		JaegerURL:    c.JaegerURL,
		ServiceName:  c.ServiceName,
		SamplingRate: c.SamplingRate,
	}
}

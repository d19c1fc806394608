package config

import (
	"fmt"
	"time"
)

type DB struct {
	Host string `envconfig:"DB_HOST" validate:"required"`
	Port uint64 `envconfig:"DB_PORT" validate:"required"`

	UserName string `envconfig:"DB_USER_NAME" validate:"required"`
	Password string `envconfig:"DB_PASSWORD" validate:"required"`
	DataBase string `envconfig:"DB_NAME" validate:"required"`
}

func (d DB) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Metrics ...
type Metrics struct {
	Port      string `envconfig:"METRICS_PORT" default:"9090"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"nutricoach"`
	Subsystem string `envconfig:"METRICS_SUBSYSTEM" default:"taskengine"`
}

type System struct {
	Port           string        `envconfig:"API_PORT" default:"8080"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"300s"`
	ReadBufferSize int           `envconfig:"READ_BUFFER_SIZE" default:"16384"`
}

// Engine holds the orchestration knobs: heartbeat staleness, retention of
// terminal tasks, the sweep period and run concurrency.
type Engine struct {
	StaleThreshold    time.Duration `envconfig:"ENGINE_STALE_THRESHOLD" default:"5m"`
	RetentionPeriod   time.Duration `envconfig:"ENGINE_RETENTION_PERIOD" default:"720h"`
	SweepInterval     time.Duration `envconfig:"ENGINE_SWEEP_INTERVAL" default:"1m"`
	MaxConcurrentRuns uint          `envconfig:"ENGINE_MAX_CONCURRENT_RUNS" default:"8"`
	SubscriberBuffer  int           `envconfig:"ENGINE_SUBSCRIBER_BUFFER" default:"32"`
}

// AI points at the generative text/vision service.
type AI struct {
	BaseURL string        `envconfig:"AI_BASE_URL" validate:"required"`
	APIKey  string        `envconfig:"AI_API_KEY" validate:"required"`
	Model   string        `envconfig:"AI_MODEL" default:"nutrivision-2"`
	Timeout time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
}

// NATS is optional; an empty URL disables the terminal-event notifier.
type NATS struct {
	URL     string `envconfig:"NATS_URL"`
	Subject string `envconfig:"NATS_SUBJECT" default:"nutricoach.task.status"`
}

type Config struct {
	DB      DB
	Metrics Metrics
	System  System
	Engine  Engine
	AI      AI
	NATS    NATS
}

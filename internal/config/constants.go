package config

import "time"

// Application metadata
const (
	AppName = "overseerd"
	Version = "0.1.0"

	ConfigFile = "overseer.yaml"
)

// Default values
const (
	Default = "default"
)

// Logging defaults
const (
	LogLevel  = "info"
	LogFormat = "console"
)

// Concurrency settings
const (
	MaxWorkers = 8
)

// Readiness check types
const (
	TypeHTTP = "http"
	TypeTCP  = "tcp"
	TypeLog  = "log"
)

// Timing constants
const (
	DefaultTimeout   = 30 * time.Second
	DefaultInterval  = 500 * time.Millisecond
	StopGrace        = 10 * time.Second
	PreFlightTimeout = 100 * time.Millisecond
)

// Retry settings
const (
	RetryAttempts = 3
	RetryBackoff  = 500 * time.Millisecond
)

// Resource monitor polling
const (
	StatsPollingInterval = 2 * time.Second
	StatsCallTimeout     = 500 * time.Millisecond
	StatsMaxConcurrency  = MaxWorkers
)

// Socket configuration
const (
	SocketDir          = "/tmp"
	SocketPrefix       = "overseerd-"
	SocketSuffix       = ".sock"
	SocketDialTimeout  = 200 * time.Millisecond
	SocketWriteTimeout = 5 * time.Second
	EventBusBuffer     = 256
)

// Query/subscription adapter listen address.
const (
	QueryListenAddr = "127.0.0.1:7777"
)

// Metrics/health adapter listen address.
const (
	MetricsListenAddr = "127.0.0.1:7778"
)

// Watch settings
const (
	WatchDebounce = 500 * time.Millisecond
)

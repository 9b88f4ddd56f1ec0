// control/tlsconfig.go
//
// Process-wide configuration knobs for the TLS adapter, distinct from the
// per-Connection TLS policy carried by tlsctx.Context.

package control

import "go.uber.org/zap"

// Config carries the handful of process-wide knobs that are not part of a
// TLS Context: ring buffer sizing, backpressure limits, and the default
// logger new Connections inherit when none is supplied explicitly.
type Config struct {
	// BlockSize is the ring buffer's fixed block size in bytes.
	BlockSize int
	// MaxOutgoingBytes is the soft limit on a Connection's outgoing ring
	// buffer before further writes fail with backpressure.
	MaxOutgoingBytes int
	// WriteQueueCapacity is a capacity hint for the in-flight write request
	// queue. conn.New does not read it; that queue grows on demand.
	WriteQueueCapacity int
	// Logger is the default structured logger for Connections that don't
	// supply their own.
	Logger *zap.Logger
	// Metrics is the counter registry Connections report into (bytes
	// in/out, handshake outcomes). Never nil after DefaultConfig.
	Metrics *MetricsRegistry
	// Debug is the probe registry Connections register a per-ID state
	// dump into, for external introspection. Never nil after DefaultConfig.
	Debug *DebugProbes
}

// DefaultConfig returns baseline values suitable for most loopback and
// TCP deployments; callers may copy and tune individual fields before use.
func DefaultConfig() *Config {
	cfg := &Config{
		BlockSize:          16 * 1024,
		MaxOutgoingBytes:   4 * 1024 * 1024,
		WriteQueueCapacity: 16,
		Logger:             zap.NewNop(),
		Metrics:            NewMetricsRegistry(),
		Debug:              NewDebugProbes(),
	}
	RegisterPlatformProbes(cfg.Debug)
	return cfg
}

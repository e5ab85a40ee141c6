package tradebus

import (
	"log/slog"
	"time"

	"github.com/marketdeck/tradebus/pkg/tradebus/bus"
	"github.com/marketdeck/tradebus/pkg/tradebus/config"
	"github.com/marketdeck/tradebus/pkg/tradebus/store"
)

// System is a fully wired bus: store, dispatch engine, and publisher facade
// with one combined lifecycle.
type System struct {
	Bus       *bus.Bus
	Publisher *Publisher
	Store     store.Store

	logger *slog.Logger
}

// SystemOption adjusts wiring before the bus is built.
type SystemOption func(*bus.Options)

// WithLogger sets the logger used by the bus and publisher.
func WithLogger(logger *slog.Logger) SystemOption {
	return func(o *bus.Options) {
		o.Logger = logger
	}
}

// WithBusOptions overlays explicit bus options on top of config-derived
// ones. Zero fields keep their current values.
func WithBusOptions(opts bus.Options) SystemOption {
	return func(o *bus.Options) {
		if opts.MaxQueueSize > 0 {
			o.MaxQueueSize = opts.MaxQueueSize
		}
		if opts.WorkerCount > 0 {
			o.WorkerCount = opts.WorkerCount
		}
		if opts.BatchSize > 0 {
			o.BatchSize = opts.BatchSize
		}
		if opts.BatchTimeout > 0 {
			o.BatchTimeout = opts.BatchTimeout
		}
		if opts.RetryQueueSize > 0 {
			o.RetryQueueSize = opts.RetryQueueSize
		}
		if opts.DeadLetterSize > 0 {
			o.DeadLetterSize = opts.DeadLetterSize
		}
		if opts.ShutdownTimeout > 0 {
			o.ShutdownTimeout = opts.ShutdownTimeout
		}
		if opts.Metrics != nil {
			o.Metrics = opts.Metrics
		}
		if opts.Spans != nil {
			o.Spans = opts.Spans
		}
	}
}

// optionsFromConfig maps the recognized configuration keys onto bus options.
func optionsFromConfig(cfg config.Config) bus.Options {
	d := bus.DefaultOptions
	return bus.Options{
		MaxQueueSize:    cfg.Int("max_queue_size", d.MaxQueueSize),
		WorkerCount:     cfg.Int("worker_count", d.WorkerCount),
		BatchSize:       cfg.Int("batch_size", d.BatchSize),
		BatchTimeout:    cfg.Duration("batch_timeout_seconds", d.BatchTimeout),
		RetryQueueSize:  cfg.Int("retry_queue_size", 0),
		DeadLetterSize:  cfg.Int("dead_letter_size", d.DeadLetterSize),
		ShutdownTimeout: cfg.Duration("shutdown_timeout_seconds", d.ShutdownTimeout),
	}
}

// Initialize builds store -> bus -> publisher, starts the bus, and returns
// the running system.
func Initialize(st store.Store, cfg config.Config, opts ...SystemOption) (*System, error) {
	sys := NewSystem(st, cfg, opts...)
	sys.Bus.Start()
	return sys, nil
}

// NewSystem wires a system without starting it; the caller controls the
// lifecycle explicitly.
func NewSystem(st store.Store, cfg config.Config, opts ...SystemOption) *System {
	busOpts := optionsFromConfig(cfg)
	busOpts.Store = st
	for _, opt := range opts {
		opt(&busOpts)
	}

	b := bus.New(busOpts)
	return &System{
		Bus:       b,
		Publisher: NewPublisher(b, busOpts.Logger),
		Store:     st,
		logger:    busOpts.Logger,
	}
}

// Shutdown stops the bus with a bounded wait and closes the store.
// A shutdown that exceeds the timeout is logged, not raised.
func (s *System) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.Bus.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if s.logger != nil {
			s.logger.Warn("bus shutdown exceeded timeout, proceeding",
				slog.Duration("timeout", timeout))
		}
	}

	if s.Store != nil {
		if err := s.Store.Close(); err != nil && s.logger != nil {
			s.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
}

// SystemStatus is the derived health view exposed to the application shell.
type SystemStatus struct {
	Health           string // "healthy" while running, "stopped" otherwise
	Uptime           time.Duration
	EventsPerSecond  float64 // processed / uptime
	QueueUtilization float64 // queue depth / queue capacity
	Statistics       bus.Statistics
}

// Status derives health, throughput, and queue utilization from the bus
// statistics snapshot.
func (s *System) Status() SystemStatus {
	stats := s.Bus.Statistics()

	status := SystemStatus{
		Health:     "stopped",
		Uptime:     stats.Uptime,
		Statistics: stats,
	}
	if stats.Running {
		status.Health = "healthy"
	}
	if stats.Uptime > 0 {
		status.EventsPerSecond = float64(stats.ProcessedCount) / stats.Uptime.Seconds()
	}
	if stats.QueueCapacity > 0 {
		status.QueueUtilization = float64(stats.QueueDepth) / float64(stats.QueueCapacity)
	}
	return status
}

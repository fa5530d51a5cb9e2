package actors

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InitFunc acquires the resources a process needs before it receives actions
type InitFunc func(ctx context.Context, p *Process) error

// ProcessOpt helps defines custom options
type ProcessOpt func(process *Process)

// WithLogger sets the process logger
func WithLogger(logger *zap.Logger) ProcessOpt {
	return func(process *Process) {
		process.logger = logger
	}
}

// WithInit sets the initialization hook run once the sockets are acquired
// and before the first action is received
func WithInit(init InitFunc) ProcessOpt {
	return func(process *Process) {
		process.init = init
	}
}

// WithInitMaxRetries sets how many times a failing initialization hook is
// retried with exponential backoff before the process gives up
func WithInitMaxRetries(maxRetries uint64) ProcessOpt {
	return func(process *Process) {
		process.initMaxRetries = maxRetries
	}
}

// WithMeterProvider sets the provider of the dispatch metrics. The global
// provider is used by default.
func WithMeterProvider(provider metric.MeterProvider) ProcessOpt {
	return func(process *Process) {
		process.meterProvider = provider
	}
}

// WithTracerProvider sets the provider of the process spans. The global
// provider is used by default.
func WithTracerProvider(provider trace.TracerProvider) ProcessOpt {
	return func(process *Process) {
		process.tracerProvider = provider
	}
}

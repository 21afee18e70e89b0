package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/pattern"
)

// DefaultMaxRouted is the default number of routed events one drain of the
// route queue may process.
const DefaultMaxRouted = 10000

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithStartTime sets the initial engine time in milliseconds.
func WithStartTime(msec int64) Option {
	return func(e *Engine) {
		e.startTime = msec
	}
}

// WithIDGenerator sets the statement ID generator. Defaults to UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithSequencer numbers output batches with s, for example to continue an
// existing output log.
func WithSequencer(s *Sequencer) Option {
	return func(e *Engine) {
		e.seq = s
	}
}

// WithUnmatchedListener receives every event no filter matched.
func WithUnmatchedListener(fn func(ev event.Event)) Option {
	return func(e *Engine) {
		e.unmatched = fn
	}
}

// WithAggregations replaces the aggregation registry, typically one with
// plug-in functions registered.
func WithAggregations(r *agg.Registry) Option {
	return func(e *Engine) {
		e.aggs = r
	}
}

// WithPlugins replaces the pattern guard and observer registry.
func WithPlugins(p *pattern.Plugins) Option {
	return func(e *Engine) {
		e.plugins = p
	}
}

// WithTracerProvider sets the provider for engine spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// WithMaxRouted bounds routed events per drain. Zero or less disables the
// bound.
func WithMaxRouted(n int) Option {
	return func(e *Engine) {
		e.maxRouted = n
	}
}

// WithOutputLog appends every delivered batch to log.
func WithOutputLog(log OutputLog) Option {
	return func(e *Engine) {
		e.outputLog = log
	}
}

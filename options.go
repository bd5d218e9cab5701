package pmkv

type options struct {
	logger  *Logger
	metrics MetricsCollector
}

// Option configures Open behavior beyond the engine config bag. The bag
// carries the persistent, contract-bearing options; Option carries process
// wiring such as logging and metrics.
type Option func(*options)

// WithLogger configures the logger engines emit diagnostics through. If
// nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

func applyOptions(optFns []Option) options {
	opts := options{
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

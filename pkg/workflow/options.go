package workflow

type Options struct {
	// BatchSize caps the Created jobs examined per sweep.
	BatchSize int
}

func defaultOptions() Options {
	return Options{BatchSize: 500}
}

type Option func(*Options)

func WithBatchSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.BatchSize = n
		}
	}
}

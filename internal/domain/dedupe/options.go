package dedupe

// Option applies a configuration option to the seen-set.
type Option func(*seenSet)

// WithMaxSize sets the maximum number of keys kept. When full, the oldest key
// is evicted. A value <= 0 keeps keys without bound.
func WithMaxSize(maxSize int) Option {
	return func(d *seenSet) {
		d.maxSize = maxSize
	}
}

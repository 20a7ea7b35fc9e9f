// Package dedupe tracks keys of in-flight work so equivalent requests can be
// coalesced. The learning loop keys queued cycle requests by the stats
// generation they were raised against.
package dedupe

import (
	"container/list"
	"context"
	"sync"
)

const defaultMaxSize = 1024

// Deduper records keys to ensure at-most-once scheduling.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already present.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord removes key so a later request can be scheduled again. Used
	// when scheduled work is rejected or finishes.
	Unrecord(ctx context.Context, key string)

	// Contains reports whether key is currently recorded.
	Contains(ctx context.Context, key string) bool

	Size() int64
}

// seenSet is an insertion-ordered set. The list front holds the newest key.
type seenSet struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	maxSize int
}

// NewInMemoryDeduper creates an in-memory Deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &seenSet{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.index = make(map[string]*list.Element)
	d.order = list.New()
	return d
}

func (d *seenSet) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[key]; ok {
		return true
	}
	if d.maxSize > 0 && d.order.Len() >= d.maxSize {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string)) //nolint:forcetypeassert // only strings are stored
	}
	d.index[key] = d.order.PushFront(key)
	return false
}

func (d *seenSet) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.index[key]; ok {
		d.order.Remove(e)
		delete(d.index, key)
	}
}

func (d *seenSet) Contains(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[key]
	return ok
}

func (d *seenSet) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(d.order.Len())
}

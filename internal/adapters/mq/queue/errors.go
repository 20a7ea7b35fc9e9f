package queue

import "errors"

// Enqueue rejections.
var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

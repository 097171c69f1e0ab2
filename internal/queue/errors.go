package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when removing an unknown dead-letter id
	ErrItemNotFound = errors.New("item not found")
)

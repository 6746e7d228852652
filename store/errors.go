package store

import "errors"

var (
	// ErrReservationLost is returned when acknowledging or extending a
	// reservation that no longer exists, typically because it expired and was
	// reclaimed.
	ErrReservationLost = errors.New("reservation lost")

	// ErrGroupMismatch is returned when enqueuing a job with the id of an
	// existing job that belongs to a different group.
	ErrGroupMismatch = errors.New("job exists in a different group")

	// ErrInvalidOrder is returned when an order timestamp is out of range.
	ErrInvalidOrder = errors.New("order timestamp out of range")

	// ErrClosed is returned by stores that have been closed.
	ErrClosed = errors.New("store is closed")
)

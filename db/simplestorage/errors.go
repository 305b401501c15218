package simplestorage

import "github.com/pkg/errors"

var (
	// ErrKeyEmpty rejects operations on an empty key.
	ErrKeyEmpty = errors.New("key cannot be empty")

	// ErrKeyTooLarge rejects keys longer than the format's key limit.
	ErrKeyTooLarge = errors.New("key exceeds maximum length")

	// ErrEntryTooLarge rejects entries whose on-disk size cannot fit a
	// single data block.
	ErrEntryTooLarge = errors.New("entry exceeds data block size")

	// ErrValueRemoved rejects storing the tombstone type through Put.
	ErrValueRemoved = errors.New("cannot store a removed value; use Remove")

	// ErrInvalidConfig rejects configuration values outside their bounds.
	ErrInvalidConfig = errors.New("invalid storage configuration")

	// ErrLockHeld means another process holds the data directory lock.
	ErrLockHeld = errors.New("data directory is locked by another process")

	// ErrStopped rejects operations submitted after shutdown began.
	ErrStopped = errors.New("storage is stopped")
)

package quota

import "errors"

var (
	// ErrLocked means another process holds the cache database lock.
	ErrLocked = errors.New("quota: cache database locked by another process")

	// ErrPinLimit means the pinned gauge already exceeds the pinned
	// cache fraction, so no further object can be pinned.
	ErrPinLimit = errors.New("quota: pinned quota exceeded")

	// ErrUnlinkFailed means an eviction could not delete the object
	// file; cleanup stops and the caller decides whether the cache is
	// still usable.
	ErrUnlinkFailed = errors.New("quota: failed to unlink cache object")
)

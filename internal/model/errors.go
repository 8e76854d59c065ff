package model

import "errors"

// Error taxonomy for the realtime pipeline. Transient infrastructure
// failures (cache, durable store) are wrapped with these sentinels so
// callers can decide whether to swallow or surface them.
var (
	// ErrBadRequest marks a malformed ingest body; returned to the caller.
	ErrBadRequest = errors.New("bad request")

	// ErrCacheUnavailable marks a failed cache operation. The cache is a
	// secondary path: ingest and analysis continue without it.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrStoreUnavailable marks a transient durable-store failure.
	// Persistence may skip a window; the next window still attempts.
	ErrStoreUnavailable = errors.New("durable store unavailable")
)

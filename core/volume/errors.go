package volume

import "errors"

var (
	// ErrInvariantViolation means the chunk/volume state machine was asked to
	// enter an impossible configuration. The volume halts when it sees one.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrResourceExhausted = errors.New("work unit pool exhausted")
	ErrVolumeUnavailable = errors.New("volume unavailable")
	ErrIOFailed          = errors.New("i/o failed")
	ErrVolumeHalted      = errors.New("volume halted")
	ErrInvalidRange      = errors.New("invalid block range")
	ErrInvalidChunk      = errors.New("invalid chunk index")
	ErrStaleCompletion   = errors.New("completion for unknown or stale ccb")
	ErrNoHotspare        = errors.New("no hotspare available")
	ErrRebuildAborted    = errors.New("rebuild aborted")
	ErrChunkNotOnline    = errors.New("chunk is not online")
)

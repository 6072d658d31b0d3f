package model

import "github.com/google/uuid"

type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}

	return "read"
}

type IOStatus int

const (
	IOSucceeded IOStatus = iota
	IOFailed
)

func (s IOStatus) String() string {
	if s == IOFailed {
		return "failed"
	}

	return "succeeded"
}

// Result is the terminal outcome of a request.
type Result struct {
	Status IOStatus
	Err    error
}

func (r Result) OK() bool {
	return r.Status == IOSucceeded
}

// Request is one application level read or write against a volume.
// Buf must be exactly Count blocks long. Done is called once with the
// terminal outcome unless the request is rejected by RW.
type Request struct {
	Op    Op
	Block int64
	Count int64
	Buf   []byte
	Done  func(Result)
}

// Handle identifies a submitted chunk command block. Gen guards against
// completions for a slot that has since been reused.
type Handle struct {
	Index int32
	Gen   uint32
}

// CCBRequest is a chunk scoped I/O handed to the physical layer.
type CCBRequest struct {
	Handle Handle
	Volume uuid.UUID
	Chunk  int
	Device string
	Op     Op
	Offset int64 // bytes
	Buf    []byte
}

// Completion reports the outcome of exactly one submitted CCBRequest.
type Completion struct {
	Handle Handle
	Err    error
}

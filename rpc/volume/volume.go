package volume

import (
	"github.com/google/uuid"
)

type Volume interface {
	// Create ...
	Create(args CreateArgs, reply CreateReply) error
	// List ...
	List(args ListArgs, reply ListReply) error
	// Status ...
	Status(args StatusArgs, reply StatusReply) error
	// Read ...
	Read(args ReadArgs, reply ReadReply) error
	// Write ...
	Write(args WriteArgs, reply WriteReply) error
	// SetChunkState ...
	SetChunkState(args SetChunkStateArgs, reply SetChunkStateReply) error
	// AddHotspare ...
	AddHotspare(args AddHotspareArgs, reply AddHotspareReply) error
	// Scrub ...
	Scrub(args ScrubArgs, reply ScrubReply) error
}

type ChunkInfo struct {
	ID     uuid.UUID
	Index  int
	Device string
	Status string
	Errors uint64
}

type VolumeInfo struct {
	ID        uuid.UUID
	Name      string
	Status    string
	BlockSize int
	Blocks    int64
	Chunks    []ChunkInfo
	Spares    []ChunkInfo
	Halted    string
	Inflight  int
	Deferred  int
}

type CreateArgs struct {
	Name    string
	Blocks  int64
	Devices []string
	Spares  []string
}

type CreateReply struct {
	Volume VolumeInfo
}

type ListArgs struct{}

type ListReply struct {
	Volumes []VolumeInfo
}

type StatusArgs struct {
	Name string
}

type StatusReply struct {
	Volume VolumeInfo
}

type ReadArgs struct {
	Name  string
	Block int64
	Count int64
}

type ReadReply struct {
	Data []byte
}

type WriteArgs struct {
	Name  string
	Block int64
	Data  []byte // padded with zeroes to a whole number of blocks
}

type WriteReply struct {
	Blocks int64
}

type SetChunkStateArgs struct {
	Name   string
	Chunk  int
	Status string
}

type SetChunkStateReply struct {
	Volume VolumeInfo
}

type AddHotspareArgs struct {
	Name   string
	Device string
}

type AddHotspareReply struct {
	Volume VolumeInfo
}

type ScrubArgs struct {
	Name  string
	Chunk int
}

type ScrubReply struct {
	Chunk      int
	Source     int
	Blocks     int64
	Mismatches int64
	Repaired   int64
}

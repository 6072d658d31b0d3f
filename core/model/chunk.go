package model

import (
	"fmt"

	"github.com/google/uuid"
)

type ChunkStatus int

const (
	ChunkOnline ChunkStatus = iota
	ChunkOffline
	ChunkScrub
	ChunkRebuild
	ChunkHotspare
)

var chunkStatusNames = map[ChunkStatus]string{
	ChunkOnline:   "online",
	ChunkOffline:  "offline",
	ChunkScrub:    "scrub",
	ChunkRebuild:  "rebuild",
	ChunkHotspare: "hotspare",
}

func (s ChunkStatus) String() string {
	if name, ok := chunkStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("chunk-status(%d)", int(s))
}

func (s ChunkStatus) Valid() bool {
	_, ok := chunkStatusNames[s]
	return ok
}

// ParseChunkStatus is the inverse of ChunkStatus.String.
func ParseChunkStatus(name string) (ChunkStatus, error) {
	for s, n := range chunkStatusNames {
		if n == name {
			return s, nil
		}
	}

	return 0, fmt.Errorf("unknown chunk status %q", name)
}

// Chunk is one physical member of a mirrored volume.
type Chunk struct {
	ID     uuid.UUID
	Index  int
	Device string // backing device handle
	Status ChunkStatus
	Errors uint64
}

// ChunkMetadata is the persisted form of a Chunk.
type ChunkMetadata struct {
	ID     uuid.UUID
	Index  int
	Device string
	Status ChunkStatus
}

func (c *Chunk) Metadata() ChunkMetadata {
	return ChunkMetadata{
		ID:     c.ID,
		Index:  c.Index,
		Device: c.Device,
		Status: c.Status,
	}
}

func NewChunkFromMetadata(m ChunkMetadata) *Chunk {
	return &Chunk{
		ID:     m.ID,
		Index:  m.Index,
		Device: m.Device,
		Status: m.Status,
	}
}

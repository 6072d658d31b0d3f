package model

import (
	"fmt"

	"github.com/google/uuid"
)

type VolumeStatus int

const (
	VolumeOnline VolumeStatus = iota
	VolumeOffline
	VolumeScrub
	VolumeRebuild
	VolumeDegraded
	VolumeBuilding
)

var volumeStatusNames = map[VolumeStatus]string{
	VolumeOnline:   "online",
	VolumeOffline:  "offline",
	VolumeScrub:    "scrub",
	VolumeRebuild:  "rebuild",
	VolumeDegraded: "degraded",
	VolumeBuilding: "building",
}

func (s VolumeStatus) String() string {
	if name, ok := volumeStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("volume-status(%d)", int(s))
}

// VolumeMetadata is what gets persisted for a volume and what Assemble consumes.
type VolumeMetadata struct {
	ID        uuid.UUID
	Name      string
	BlockSize int
	Blocks    int64
	Chunks    []ChunkMetadata
	Spares    []ChunkMetadata
	Version   uint64 // bumped on every save
}

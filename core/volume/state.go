package volume

import (
	"fmt"
	"strconv"

	"github.com/pyropy/mirror/core/model"
	"github.com/pyropy/mirror/lib/stats"
)

// transitions lists, per current chunk status, the statuses it may move to.
var transitions = map[model.ChunkStatus][]model.ChunkStatus{
	model.ChunkOnline:   {model.ChunkOffline, model.ChunkScrub},
	model.ChunkOffline:  {model.ChunkRebuild, model.ChunkHotspare},
	model.ChunkScrub:    {model.ChunkOnline},
	model.ChunkRebuild:  {model.ChunkOnline, model.ChunkOffline},
	model.ChunkHotspare: {model.ChunkOffline, model.ChunkRebuild},
}

// ValidTransition reports whether a chunk may move from old to next.
func ValidTransition(old, next model.ChunkStatus) bool {
	for _, s := range transitions[old] {
		if s == next {
			return true
		}
	}

	return false
}

// RecomputeVolumeState derives the volume status from its chunk statuses.
// The result depends only on how many chunks are in each status, never on
// their order.
func RecomputeVolumeState(statuses []model.ChunkStatus) (model.VolumeStatus, error) {
	histogram := make(map[model.ChunkStatus]int, len(statuses))
	for _, s := range statuses {
		if !s.Valid() {
			return model.VolumeBuilding, fmt.Errorf("%w: unknown chunk status %d", ErrInvariantViolation, int(s))
		}
		histogram[s]++
	}

	switch {
	case len(statuses) > 0 && histogram[model.ChunkOnline] == len(statuses):
		return model.VolumeOnline, nil
	case histogram[model.ChunkOnline] == 0:
		return model.VolumeOffline, nil
	case histogram[model.ChunkScrub] > 0:
		return model.VolumeScrub, nil
	case histogram[model.ChunkRebuild] > 0:
		return model.VolumeRebuild, nil
	case histogram[model.ChunkOffline] > 0:
		return model.VolumeDegraded, nil
	}

	return model.VolumeBuilding, fmt.Errorf("%w: no volume status for chunk histogram %v", ErrInvariantViolation, histogram)
}

// SetChunkState moves chunk index to status. Setting the current status is a
// no-op. A transition outside the table halts the volume and returns
// ErrInvariantViolation without touching the chunk.
func (v *Volume) SetChunkState(index int, status model.ChunkStatus) error {
	var fx effects

	v.mu.Lock()
	err := v.setChunkStateLocked(index, status, &fx)
	v.mu.Unlock()

	fx.run(v)
	return err
}

// FailChunk takes chunk index offline if it is still backed by device and its
// current status allows it. It is what fault detectors call, so it never
// halts the volume on a status it cannot leave.
func (v *Volume) FailChunk(index int, device string) error {
	var fx effects

	v.mu.Lock()
	err := v.failChunkLocked(index, device, &fx)
	v.mu.Unlock()

	fx.run(v)
	return err
}

func (v *Volume) failChunkLocked(index int, device string, fx *effects) error {
	if index < 0 || index >= len(v.chunks) {
		return fmt.Errorf("%w: %d", ErrInvalidChunk, index)
	}

	c := v.chunks[index]
	if c.Device != device || !ValidTransition(c.Status, model.ChunkOffline) {
		return nil
	}

	return v.setChunkStateLocked(index, model.ChunkOffline, fx)
}

func (v *Volume) setChunkStateLocked(index int, status model.ChunkStatus, fx *effects) error {
	if v.halted != nil {
		return fmt.Errorf("%w: %v", ErrVolumeHalted, v.halted)
	}

	if index < 0 || index >= len(v.chunks) {
		return fmt.Errorf("%w: %d", ErrInvalidChunk, index)
	}

	c := v.chunks[index]
	old := c.Status
	if old == status {
		return nil
	}

	if !ValidTransition(old, status) {
		err := fmt.Errorf("%w: chunk %d cannot move from %s to %s", ErrInvariantViolation, index, old, status)
		v.haltLocked(err)
		return err
	}

	statuses := v.statusesLocked()
	statuses[index] = status

	next, err := RecomputeVolumeState(statuses)
	if err != nil {
		v.haltLocked(err)
		return err
	}

	prev := v.status
	c.Status = status
	v.status = next

	v.log.Infow("state", "event", "chunk state changed", "chunk", index, "device", c.Device, "from", old, "to", status, "volumeStatus", next)
	stats.ChunkStatusGauge.WithLabelValues(v.ID.String(), strconv.Itoa(index)).Set(float64(status))
	stats.VolumeStatusGauge.WithLabelValues(v.ID.String()).Set(float64(next))

	v.markDirtyLocked(fx)

	if next == model.VolumeDegraded && prev != model.VolumeDegraded {
		fx.schedule("hotspare", v.hotspareTask)
	}

	if status == model.ChunkRebuild {
		v.startRebuildLocked(index, fx)
	}

	return nil
}

func (v *Volume) statusesLocked() []model.ChunkStatus {
	statuses := make([]model.ChunkStatus, len(v.chunks))
	for i, c := range v.chunks {
		statuses[i] = c.Status
	}

	return statuses
}

func (v *Volume) haltLocked(err error) {
	if v.halted != nil {
		return
	}

	v.halted = err
	v.log.Errorw("state", "event", "volume halted", "error", err)
}

// markDirtyLocked schedules a metadata save unless one is already pending.
func (v *Volume) markDirtyLocked(fx *effects) {
	v.dirty = true
	if v.saveQueued || v.deps.Store == nil {
		return
	}

	v.saveQueued = true
	fx.schedule("metadata-save", v.saveTask)
}

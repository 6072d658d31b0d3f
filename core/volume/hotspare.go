package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pyropy/mirror/core/model"
)

func (v *Volume) hotspareTask(ctx context.Context) {
	err := v.installHotspare()
	switch {
	case errors.Is(err, ErrNoHotspare):
		v.log.Warnw("hotspare", "event", "volume degraded with no hotspare available")
	case err != nil:
		v.log.Errorw("hotspare", "event", "installing hotspare", "error", err)
	}
}

func (v *Volume) installHotspare() error {
	var fx effects

	v.mu.Lock()
	err := v.installHotspareLocked(&fx)
	v.mu.Unlock()

	fx.run(v)
	return err
}

// installHotspareLocked swaps the first spare into the first offline slot and
// starts rebuilding it. The replaced chunk is retired from the volume.
func (v *Volume) installHotspareLocked(fx *effects) error {
	if v.halted != nil {
		return fmt.Errorf("%w: %v", ErrVolumeHalted, v.halted)
	}

	if v.status != model.VolumeDegraded {
		return nil
	}

	slot := -1
	for i, c := range v.chunks {
		if c.Status == model.ChunkOffline {
			slot = i
			break
		}
	}

	if slot < 0 {
		return nil
	}

	if len(v.spares) == 0 {
		return ErrNoHotspare
	}

	spare, retired := v.spares[0], v.chunks[slot]
	v.spares = v.spares[1:]
	spare.Index = slot
	v.chunks[slot] = spare

	if err := v.setChunkStateLocked(slot, model.ChunkRebuild, fx); err != nil {
		spare.Index = -1
		v.chunks[slot] = retired
		v.spares = append([]*model.Chunk{spare}, v.spares...)
		return err
	}

	v.log.Infow("hotspare", "event", "hotspare installed", "chunk", slot, "device", spare.Device, "retired", retired.Device)
	return nil
}

// startRebuildLocked starts copying onto chunk slot unless a rebuild is
// already running. Chunks waiting in Rebuild are picked up when it ends.
func (v *Volume) startRebuildLocked(slot int, fx *effects) {
	if v.rebuilding {
		return
	}

	v.rebuilding = true
	id := v.chunks[slot].ID

	// the copy blocks on I/O for a long time, so it must not hold the task queue
	fx.schedule("rebuild", func(ctx context.Context) {
		v.rebuilds.Add(1)
		go func() {
			defer v.rebuilds.Done()
			v.rebuild(ctx, slot, id)
		}()
	})
}

// Wait blocks until every rebuild copy started so far has returned. Copies
// stop once the context they were scheduled with is cancelled.
func (v *Volume) Wait() {
	v.rebuilds.Wait()
}

func (v *Volume) rebuild(ctx context.Context, slot int, id uuid.UUID) {
	defer v.rebuildFinished(ctx)

	device, ok := v.rebuildTarget(slot, id)
	if !ok {
		return
	}

	step := v.cfg.Rebuild.Blocks
	if step <= 0 {
		step = DefaultConfig().Rebuild.Blocks
	}

	v.log.Infow("rebuild", "event", "rebuild started", "chunk", slot, "device", device, "blocks", v.Blocks)

	for block := int64(0); block < v.Blocks; block += step {
		if _, ok := v.rebuildTarget(slot, id); !ok {
			v.log.Warnw("rebuild", "event", "rebuild aborted", "chunk", slot, "device", device, "block", block)
			return
		}

		count := step
		if block+count > v.Blocks {
			count = v.Blocks - block
		}

		if err := v.copyRange(ctx, kindRebuild, block, count, -1, slot); err != nil {
			if ctx.Err() != nil {
				return
			}

			v.log.Errorw("rebuild", "event", "rebuild failed", "chunk", slot, "device", device, "block", block, "error", err)
			if err := v.FailChunk(slot, device); err != nil {
				v.log.Errorw("rebuild", "event", "failing rebuild target", "chunk", slot, "error", err)
			}
			return
		}
	}

	var fx effects
	v.mu.Lock()
	var err error
	if c := v.chunks[slot]; c.ID == id && c.Status == model.ChunkRebuild {
		err = v.setChunkStateLocked(slot, model.ChunkOnline, &fx)
	}
	v.mu.Unlock()
	fx.run(v)

	if err != nil {
		v.log.Errorw("rebuild", "event", "bringing chunk online", "chunk", slot, "error", err)
		return
	}

	v.log.Infow("rebuild", "event", "rebuild finished", "chunk", slot, "device", device)
}

// rebuildTarget reports whether chunk slot is still the chunk being rebuilt.
func (v *Volume) rebuildTarget(slot int, id uuid.UUID) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c := v.chunks[slot]
	if v.halted != nil || c.ID != id || c.Status != model.ChunkRebuild {
		return c.Device, false
	}

	return c.Device, true
}

// rebuildFinished starts the next chunk waiting in Rebuild unless ctx is done.
// A copy that left the volume Degraded already scheduled the hotspare trigger
// on that edge.
func (v *Volume) rebuildFinished(ctx context.Context) {
	var fx effects

	v.mu.Lock()
	v.rebuilding = false
	if v.halted == nil && ctx.Err() == nil {
		for i, c := range v.chunks {
			if c.Status == model.ChunkRebuild {
				v.startRebuildLocked(i, &fx)
				break
			}
		}
	}
	v.mu.Unlock()

	fx.run(v)
}

// copyRange reads blocks from source, or from any readable chunk when source
// is negative, and writes them to target. Read and write go out as one pair
// so no overlapping write can land between them.
func (v *Volume) copyRange(ctx context.Context, kind wuKind, block, count int64, source, target int) error {
	buf := make([]byte, count*int64(v.BlockSize))

	read := ioRequest{op: model.OpRead, block: block, count: count, buf: buf, kind: kind}
	if source >= 0 {
		read.pinned = []int{source}
	}

	return v.await(ctx, func(done func(model.Result)) error {
		write := ioRequest{
			op:     model.OpWrite,
			block:  block,
			count:  count,
			buf:    buf,
			kind:   kind,
			pinned: []int{target},
			done:   done,
		}

		return v.submitPair(read, write)
	})
}

// await submits internal traffic and waits for its outcome, backing off while
// the work unit pool is exhausted.
func (v *Volume) await(ctx context.Context, submit func(done func(model.Result)) error) error {
	result := make(chan model.Result, 1)
	done := func(r model.Result) { result <- r }

	op := func() error {
		err := submit(done)
		if err != nil && !errors.Is(err, ErrResourceExhausted) {
			return backoff.Permanent(err)
		}

		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return err
	}

	select {
	case r := <-result:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

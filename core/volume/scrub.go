package volume

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pyropy/mirror/core/model"
	"github.com/pyropy/mirror/lib/checksum"
)

type ScrubReport struct {
	Chunk      int
	Source     int
	Blocks     int64
	Mismatches int64
	Repaired   int64
}

// Scrub compares chunk index block by block against another online chunk and
// rewrites every block that differs from the source. The chunk is held in
// Scrub for the duration and returned to Online afterwards.
func (v *Volume) Scrub(ctx context.Context, index int) (ScrubReport, error) {
	report := ScrubReport{Chunk: index, Source: -1}

	id, source, err := v.beginScrub(index)
	if err != nil {
		return report, err
	}
	report.Source = source

	v.log.Infow("scrub", "event", "scrub started", "chunk", index, "source", source)

	err = v.scrubRanges(ctx, index, source, &report)
	if endErr := v.endScrub(index, id); err == nil {
		err = endErr
	}

	if err != nil {
		v.log.Errorw("scrub", "event", "scrub failed", "chunk", index, "blocks", report.Blocks, "error", err)
		return report, err
	}

	v.log.Infow("scrub", "event", "scrub finished", "chunk", index, "blocks", report.Blocks, "mismatches", report.Mismatches, "repaired", report.Repaired)
	return report, nil
}

func (v *Volume) beginScrub(index int) (uuid.UUID, int, error) {
	var fx effects

	v.mu.Lock()
	defer func() {
		v.mu.Unlock()
		fx.run(v)
	}()

	if v.halted != nil {
		return uuid.Nil, -1, fmt.Errorf("%w: %v", ErrVolumeHalted, v.halted)
	}

	if index < 0 || index >= len(v.chunks) {
		return uuid.Nil, -1, fmt.Errorf("%w: %d", ErrInvalidChunk, index)
	}

	if s := v.chunks[index].Status; s != model.ChunkOnline {
		return uuid.Nil, -1, fmt.Errorf("%w: chunk %d is %s", ErrChunkNotOnline, index, s)
	}

	source := -1
	for i, c := range v.chunks {
		if i != index && c.Status == model.ChunkOnline {
			source = i
			break
		}
	}

	if source < 0 {
		return uuid.Nil, -1, fmt.Errorf("%w: no online chunk to compare chunk %d against", ErrVolumeUnavailable, index)
	}

	if err := v.setChunkStateLocked(index, model.ChunkScrub, &fx); err != nil {
		return uuid.Nil, -1, err
	}

	return v.chunks[index].ID, source, nil
}

func (v *Volume) endScrub(index int, id uuid.UUID) error {
	var fx effects

	v.mu.Lock()
	var err error
	if c := v.chunks[index]; c.ID == id && c.Status == model.ChunkScrub {
		err = v.setChunkStateLocked(index, model.ChunkOnline, &fx)
	}
	v.mu.Unlock()

	fx.run(v)
	return err
}

func (v *Volume) scrubRanges(ctx context.Context, index, source int, report *ScrubReport) error {
	step := v.cfg.Scrub.Blocks
	if step <= 0 {
		step = DefaultConfig().Scrub.Blocks
	}
	bs := int64(v.BlockSize)

	for block := int64(0); block < v.Blocks; block += step {
		count := step
		if block+count > v.Blocks {
			count = v.Blocks - block
		}

		buf := make([]byte, 2*count*bs)
		err := v.await(ctx, func(done func(model.Result)) error {
			return v.submit(ioRequest{
				op:     model.OpRead,
				block:  block,
				count:  count,
				buf:    buf,
				kind:   kindScrub,
				pinned: []int{index, source},
				done:   done,
			})
		})
		if err != nil {
			return fmt.Errorf("verifying blocks %d+%d: %w", block, count, err)
		}

		target, want := buf[:count*bs], buf[count*bs:]

		mismatches, first := compareBlocks(target, want, bs)

		report.Blocks += count
		if mismatches == 0 {
			continue
		}

		report.Mismatches += mismatches
		v.log.Warnw("scrub", "event", "mismatch", "chunk", index, "block", block+first, "count", count, "mismatches", mismatches,
			"checksum", checksum.Sum(target[first*bs:(first+1)*bs]), "expected", checksum.Sum(want[first*bs:(first+1)*bs]))

		if err := v.copyRange(ctx, kindScrub, block, count, source, index); err != nil {
			return fmt.Errorf("repairing blocks %d+%d: %w", block, count, err)
		}
		report.Repaired += mismatches
	}

	return nil
}

// compareBlocks counts the bs sized blocks that differ between a and b and
// returns the first of them, or -1.
func compareBlocks(a, b []byte, bs int64) (mismatches, first int64) {
	first = -1
	for off := int64(0); off+bs <= int64(len(a)); off += bs {
		if !bytes.Equal(a[off:off+bs], b[off:off+bs]) {
			if first < 0 {
				first = off / bs
			}
			mismatches++
		}
	}

	return mismatches, first
}

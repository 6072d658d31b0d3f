package volume

import (
	"context"
	"testing"
	"time"

	"github.com/pyropy/mirror/core/model"
	"github.com/pyropy/mirror/core/taskq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHotspareRebuildsDegradedVolume(t *testing.T) {
	v, l := newLoopbackVolume(t, testConfig(), 2, "mem://spare")
	ctx := context.Background()

	data := pattern(64, 5)
	require.NoError(t, v.Write(ctx, 0, data))

	require.NoError(t, v.SetChunkState(1, model.ChunkOffline))

	require.Eventually(t, func() bool {
		return v.Status() == model.VolumeOnline
	}, 10*time.Second, 5*time.Millisecond)

	chunks := v.Chunks()
	assert.Equal(t, "mem://spare", chunks[1].Device)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, model.ChunkOnline, chunks[1].Status)
	assert.Empty(t, v.Spares())

	assert.Equal(t, data, l.disk("mem://spare"))
}

func TestWritesDuringRebuildReachTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Rebuild.Blocks = 1
	v, l := newLoopbackVolume(t, cfg, 2, "mem://spare")
	ctx := context.Background()

	require.NoError(t, v.Write(ctx, 0, pattern(64, 1)))
	require.NoError(t, v.SetChunkState(0, model.ChunkOffline))

	// keep writing while the copy runs; each write covers a range the copy
	// may or may not have passed already
	fresh := pattern(8, 77)
	for block := int64(0); block < 64; block += 8 {
		require.NoError(t, v.Write(ctx, block, fresh))
	}

	require.Eventually(t, func() bool {
		return v.Status() == model.VolumeOnline
	}, 10*time.Second, 5*time.Millisecond)

	assert.Equal(t, l.disk("mem://b"), l.disk("mem://spare"))
}

func TestInstallHotspareWithoutSpare(t *testing.T) {
	f := newFixture(t, testConfig(), 2)

	require.NoError(t, f.v.installHotspare(), "nothing to do on an online volume")

	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))
	assert.ErrorIs(t, f.v.installHotspare(), ErrNoHotspare)
	assert.Equal(t, model.VolumeDegraded, f.v.Status())
}

func TestInstallHotspareSwapsChunk(t *testing.T) {
	f := newFixture(t, testConfig(), 2, "mem://spare")
	retired := f.v.Chunks()[0]

	require.NoError(t, f.v.SetChunkState(0, model.ChunkOffline))
	f.sched.clear()

	require.NoError(t, f.v.installHotspare())

	chunks := f.v.Chunks()
	assert.Equal(t, "mem://spare", chunks[0].Device)
	assert.Equal(t, model.ChunkRebuild, chunks[0].Status)
	assert.NotEqual(t, retired.ID, chunks[0].ID)
	assert.Equal(t, model.VolumeRebuild, f.v.Status())
	assert.Empty(t, f.v.Spares())
	assert.Equal(t, 1, f.sched.count("rebuild"))

	metadata := f.v.Metadata()
	assert.Equal(t, 0, metadata.Chunks[0].Index)
	assert.Empty(t, metadata.Spares)
}

func TestRebuildAbortsWhenTargetFails(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))
	require.NoError(t, f.v.SetChunkState(1, model.ChunkRebuild))

	id := f.v.Chunks()[1].ID
	_, ok := f.v.rebuildTarget(1, id)
	assert.True(t, ok)

	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))
	_, ok = f.v.rebuildTarget(1, id)
	assert.False(t, ok)

	// the copy loop sees the abort before issuing any I/O
	f.rec.take()
	f.v.rebuild(context.Background(), 1, id)
	assert.Empty(t, f.rec.take())
	assert.Equal(t, model.ChunkOffline, f.v.Chunks()[1].Status)
}

func TestRebuildCopyFailureTakesTargetOffline(t *testing.T) {
	v, l := newLoopbackVolume(t, testConfig(), 2)
	ctx := context.Background()

	l.mu.Lock()
	l.failed["mem://b"] = true
	l.mu.Unlock()

	require.NoError(t, v.SetChunkState(1, model.ChunkOffline))
	require.NoError(t, v.SetChunkState(1, model.ChunkRebuild))

	require.Eventually(t, func() bool {
		return v.Chunks()[1].Status == model.ChunkOffline
	}, 10*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.VolumeDegraded, v.Status())

	// the volume still serves I/O from the surviving chunk
	buf := make([]byte, testBlockSize)
	require.NoError(t, v.Read(ctx, 0, buf))
}

func TestFinishedRebuildTriggersHotspareOnce(t *testing.T) {
	f := newFixture(t, testConfig(), 3, "mem://s1", "mem://s2")

	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))
	require.NoError(t, f.v.SetChunkState(2, model.ChunkOffline))
	assert.Equal(t, 1, f.sched.count("hotspare"))
	f.sched.clear()

	require.NoError(t, f.v.installHotspare())
	id := f.v.Chunks()[1].ID
	f.sched.clear()

	// what a completed copy does: chunk online, then the finish hook
	require.NoError(t, f.v.SetChunkState(1, model.ChunkOnline))
	assert.Equal(t, model.VolumeDegraded, f.v.Status())
	f.v.rebuildFinished(context.Background())
	assert.Equal(t, 1, f.sched.count("hotspare"))

	f.sched.run(context.Background())

	chunks := f.v.Chunks()
	assert.Equal(t, id, chunks[1].ID)
	assert.Equal(t, "mem://s2", chunks[2].Device)
	assert.Equal(t, model.ChunkRebuild, chunks[2].Status)
	assert.Empty(t, f.v.Spares())
}

func TestWaitReturnsAfterRebuildStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := taskq.New()
	go q.Start(ctx)

	rec := &recorder{}
	v, err := Create(testConfig(), Deps{Submitter: rec, Scheduler: q}, CreateOptions{
		Name:    "vol0",
		Blocks:  64,
		Devices: devices(2),
	})
	require.NoError(t, err)

	require.NoError(t, v.SetChunkState(1, model.ChunkOffline))
	require.NoError(t, v.SetChunkState(1, model.ChunkRebuild))

	// the copy is blocked on a ccb nobody completes
	require.Eventually(t, func() bool {
		return len(rec.take()) > 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	v.Wait()

	v.mu.Lock()
	rebuilding := v.rebuilding
	v.mu.Unlock()

	assert.False(t, rebuilding)
	assert.Equal(t, model.ChunkRebuild, v.Chunks()[1].Status)
}

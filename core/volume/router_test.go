package volume

import (
	"context"
	"testing"

	"github.com/pyropy/mirror/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksOf(reqs []model.CCBRequest) []int {
	chunks := make([]int, 0, len(reqs))
	for _, r := range reqs {
		chunks = append(chunks, r.Chunk)
	}

	return chunks
}

func TestWriteFanOut(t *testing.T) {
	f := newFixture(t, testConfig(), 3)
	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))

	r := &results{}
	require.NoError(t, f.v.RW(request(model.OpWrite, 8, 2, r)))

	reqs := f.rec.take()
	require.Len(t, reqs, 2)
	assert.ElementsMatch(t, []int{0, 2}, chunksOf(reqs))

	for _, req := range reqs {
		assert.Equal(t, model.OpWrite, req.Op)
		assert.Equal(t, int64(8*testBlockSize), req.Offset)
		assert.Len(t, req.Buf, 2*testBlockSize)
		assert.Equal(t, f.v.ID, req.Volume)
	}
}

func TestWriteReachesRebuildingChunk(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))
	require.NoError(t, f.v.SetChunkState(1, model.ChunkRebuild))
	f.rec.take()

	r := &results{}
	require.NoError(t, f.v.RW(request(model.OpWrite, 0, 1, r)))
	assert.ElementsMatch(t, []int{0, 1}, chunksOf(f.rec.take()))

	// reads never land on a chunk that is still being rebuilt
	for i := 0; i < 4; i++ {
		require.NoError(t, f.v.RW(request(model.OpRead, 10, 1, r)))
		reqs := f.rec.take()
		require.Len(t, reqs, 1)
		assert.Equal(t, 0, reqs[0].Chunk)
		complete(t, f.v, reqs[0], nil)
	}
}

func TestReadFailover(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))

	r := &results{}
	for i := 0; i < 100; i++ {
		require.NoError(t, f.v.RW(request(model.OpRead, int64(i%64), 1, r)))

		reqs := f.rec.take()
		require.Len(t, reqs, 1)
		assert.Equal(t, 0, reqs[0].Chunk)
		complete(t, f.v, reqs[0], nil)
	}

	for _, res := range r.all() {
		assert.True(t, res.OK())
	}
	assert.Len(t, r.all(), 100)
}

func TestReadRoundRobin(t *testing.T) {
	f := newFixture(t, testConfig(), 3)

	r := &results{}
	seen := map[int]int{}
	for i := 0; i < 30; i++ {
		require.NoError(t, f.v.RW(request(model.OpRead, 0, 1, r)))

		reqs := f.rec.take()
		require.Len(t, reqs, 1)
		seen[reqs[0].Chunk]++
		complete(t, f.v, reqs[0], nil)
	}

	assert.Equal(t, map[int]int{0: 10, 1: 10, 2: 10}, seen)
}

func TestUnavailableVolumeFailsRequest(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	require.NoError(t, f.v.SetChunkState(0, model.ChunkOffline))
	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))
	assert.Equal(t, model.VolumeOffline, f.v.Status())

	r := &results{}
	require.NoError(t, f.v.RW(request(model.OpRead, 0, 1, r)))
	require.NoError(t, f.v.RW(request(model.OpWrite, 0, 1, r)))

	assert.Empty(t, f.rec.take())
	got := r.all()
	require.Len(t, got, 2)
	for _, res := range got {
		assert.Equal(t, model.IOFailed, res.Status)
		assert.ErrorIs(t, res.Err, ErrVolumeUnavailable)
	}

	inflight, deferred := f.v.Pending()
	assert.Zero(t, inflight)
	assert.Zero(t, deferred)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	r := &results{}

	assert.ErrorIs(t, f.v.RW(request(model.OpRead, 63, 2, r)), ErrInvalidRange)
	assert.ErrorIs(t, f.v.RW(request(model.OpRead, -1, 1, r)), ErrInvalidRange)
	assert.ErrorIs(t, f.v.RW(request(model.OpRead, 0, 0, r)), ErrInvalidRange)

	short := request(model.OpWrite, 0, 2, r)
	short.Buf = short.Buf[:testBlockSize]
	assert.ErrorIs(t, f.v.RW(short), ErrInvalidRange)

	assert.Empty(t, f.rec.take())
	assert.Empty(t, r.all())
}

func TestWorkUnitExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxWorkUnits = 2
	f := newFixture(t, cfg, 2)

	r := &results{}
	require.NoError(t, f.v.RW(request(model.OpWrite, 0, 1, r)))
	require.NoError(t, f.v.RW(request(model.OpWrite, 1, 1, r)))
	assert.ErrorIs(t, f.v.RW(request(model.OpWrite, 2, 1, r)), ErrResourceExhausted)

	// completing a work unit frees its slot
	for _, req := range f.rec.take() {
		complete(t, f.v, req, nil)
	}
	require.NoError(t, f.v.RW(request(model.OpWrite, 2, 1, r)))
	assert.Len(t, r.all(), 2)
}

func TestCCBExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxCCBs = 1
	f := newFixture(t, cfg, 2)

	r := &results{}
	assert.ErrorIs(t, f.v.RW(request(model.OpWrite, 0, 1, r)), ErrResourceExhausted)
	assert.Empty(t, f.rec.take())

	inflight, deferred := f.v.Pending()
	assert.Zero(t, inflight)
	assert.Zero(t, deferred)

	// a read needs a single ccb and still fits
	require.NoError(t, f.v.RW(request(model.OpRead, 0, 1, r)))
	assert.Len(t, f.rec.take(), 1)
}

func TestCollisionOrdering(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	r := &results{}

	require.NoError(t, f.v.RW(request(model.OpWrite, 0, 4, r)))
	a := f.rec.take()
	require.Len(t, a, 2)

	require.NoError(t, f.v.RW(request(model.OpWrite, 2, 4, r)))
	assert.Empty(t, f.rec.take(), "overlapping write must wait")

	require.NoError(t, f.v.RW(request(model.OpRead, 20, 1, r)))
	unrelated := f.rec.take()
	assert.Len(t, unrelated, 1, "disjoint range is not held back")

	inflight, deferred := f.v.Pending()
	assert.Equal(t, 2, inflight)
	assert.Equal(t, 1, deferred)

	complete(t, f.v, a[0], nil)
	assert.Empty(t, f.rec.take())
	complete(t, f.v, a[1], nil)

	b := f.rec.take()
	require.Len(t, b, 2, "deferred write dispatched once the first one finished")
	for _, req := range b {
		assert.Equal(t, int64(2*testBlockSize), req.Offset)
	}

	inflight, deferred = f.v.Pending()
	assert.Equal(t, 2, inflight)
	assert.Equal(t, 0, deferred)
}

func TestCollisionChainIsFIFO(t *testing.T) {
	f := newFixture(t, testConfig(), 1)
	r := &results{}

	var order []int64
	for _, block := range []int64{0, 1, 2} {
		req := request(model.OpWrite, block, 4, r)
		require.NoError(t, f.v.RW(req))
	}

	for i := 0; i < 3; i++ {
		reqs := f.rec.take()
		require.Len(t, reqs, 1, "exactly one overlapping write in flight")
		order = append(order, reqs[0].Offset/testBlockSize)
		complete(t, f.v, reqs[0], nil)
	}

	assert.Equal(t, []int64{0, 1, 2}, order)
	assert.Len(t, r.all(), 3)
}

func TestReleasedColliderIsRouted(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	r := &results{}

	require.NoError(t, f.v.RW(request(model.OpWrite, 0, 1, r)))
	first := f.rec.take()
	require.NoError(t, f.v.RW(request(model.OpWrite, 0, 1, r)))

	// chunk 1 drops out while the second write waits
	require.NoError(t, f.v.SetChunkState(1, model.ChunkOffline))

	for _, req := range first {
		complete(t, f.v, req, nil)
	}

	second := f.rec.take()
	assert.Equal(t, []int{0}, chunksOf(second))
}

func TestSyncReadWrite(t *testing.T) {
	v, _ := newLoopbackVolume(t, testConfig(), 2)
	ctx := context.Background()

	data := pattern(3, 9)
	require.NoError(t, v.Write(ctx, 5, data))

	got := make([]byte, len(data))
	require.NoError(t, v.Read(ctx, 5, got))
	assert.Equal(t, data, got)

	assert.ErrorIs(t, v.Write(ctx, 0, make([]byte, 100)), ErrInvalidRange)
}

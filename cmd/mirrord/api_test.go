package main

import (
	"context"
	"testing"
	"time"

	"github.com/pyropy/mirror/core/engine"
	core "github.com/pyropy/mirror/core/volume"
	rpc "github.com/pyropy/mirror/rpc/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) *VolumeAPI {
	t.Helper()
	ctx := context.Background()

	cfg := core.DefaultConfig()
	cfg.Health.Interval = time.Hour

	e, err := engine.New(engine.Config{Volume: cfg, MetadataPath: t.TempDir(), QueueDepth: 8})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { e.Close(ctx) })

	api := NewVolumeAPI(ctx, e)
	require.NoError(t, api.Create(&rpc.CreateArgs{Name: "v", Blocks: 16, Devices: []string{"mem://a", "mem://b"}}, &rpc.CreateReply{}))

	return api
}

func TestReadRejectsRangeOutsideVolume(t *testing.T) {
	api := newTestAPI(t)

	for _, args := range []rpc.ReadArgs{
		{Name: "v", Count: 1<<54 + 1},
		{Name: "v", Block: 15, Count: 2},
		{Name: "v", Block: -1, Count: 1},
		{Name: "v", Count: 0},
	} {
		err := api.Read(&args, &rpc.ReadReply{})
		assert.ErrorIs(t, err, core.ErrInvalidRange, "block %d count %d", args.Block, args.Count)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	api := newTestAPI(t)

	data := []byte("mirrored")
	var written rpc.WriteReply
	require.NoError(t, api.Write(&rpc.WriteArgs{Name: "v", Block: 15, Data: data}, &written))
	assert.Equal(t, int64(1), written.Blocks)

	var reply rpc.ReadReply
	require.NoError(t, api.Read(&rpc.ReadArgs{Name: "v", Block: 15, Count: 1}, &reply))
	require.Len(t, reply.Data, core.DefaultConfig().BlockSize)
	assert.Equal(t, data, reply.Data[:len(data)])
}

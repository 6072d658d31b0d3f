package metadata

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pyropy/mirror/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func testVolume(version uint64) model.VolumeMetadata {
	return model.VolumeMetadata{
		ID:        uuid.New(),
		Name:      "vol0",
		BlockSize: 512,
		Blocks:    64,
		Version:   version,
		Chunks: []model.ChunkMetadata{
			{ID: uuid.New(), Index: 0, Device: "mem://a", Status: model.ChunkOnline},
			{ID: uuid.New(), Index: 1, Device: "mem://b", Status: model.ChunkOffline},
		},
		Spares: []model.ChunkMetadata{
			{ID: uuid.New(), Index: -1, Device: "mem://c", Status: model.ChunkHotspare},
		},
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	v := testVolume(1)
	require.NoError(t, s.Save(ctx, v))

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v, *got)
}

func TestStoreGetMissing(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrVolumeNotFound)
}

func TestStoreKeepsNewestVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	v := testVolume(5)
	require.NoError(t, s.Save(ctx, v))

	stale := v
	stale.Version = 3
	stale.Name = "stale"
	require.NoError(t, s.Save(ctx, stale))

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "vol0", got.Name)
	assert.Equal(t, uint64(5), got.Version)
}

func TestStoreAllAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, b := testVolume(1), testVolume(1)
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, []uuid.UUID{all[0].ID, all[1].ID})

	require.NoError(t, s.Delete(ctx, a.ID))

	all, err = s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.ID, all[0].ID)
}

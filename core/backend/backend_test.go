package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pyropy/mirror/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDeviceReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disks", "a.img")

	d, err := OpenFileDevice(path, 4096)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.WriteAt([]byte("mirror"), 512)
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = d.ReadAt(buf, 512)
	require.NoError(t, err)
	assert.Equal(t, "mirror", string(buf))

	_, err = d.WriteAt(make([]byte, 512), 4000)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, d.Probe(context.Background()))
	require.NoError(t, os.Remove(path))
	assert.ErrorIs(t, d.Probe(context.Background()), ErrDeviceFailed)
}

func TestMemDeviceFailure(t *testing.T) {
	d := NewMemDevice(1024)

	_, err := d.WriteAt([]byte{1, 2, 3}, 0)
	require.NoError(t, err)

	d.SetFailed(true)
	_, err = d.ReadAt(make([]byte, 3), 0)
	assert.ErrorIs(t, err, ErrDeviceFailed)
	assert.ErrorIs(t, d.Probe(context.Background()), ErrDeviceFailed)

	d.SetFailed(false)
	buf := make([]byte, 3)
	_, err = d.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)
}

func TestDeviceSet(t *testing.T) {
	s := NewDeviceSet()
	defer s.Close()

	a, err := s.Open("mem://a", 1024)
	require.NoError(t, err)

	again, err := s.Open("mem://a", 1024)
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = s.Get("mem://missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, s.Probe(context.Background(), "mem://missing"), ErrDeviceNotFound)

	a.(*MemDevice).SetFailed(true)
	assert.ErrorIs(t, s.Probe(context.Background(), "mem://a"), ErrDeviceFailed)
}

func TestDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewDeviceSet()
	defer s.Close()

	good, err := s.Open("mem://good", 1024)
	require.NoError(t, err)
	bad, err := s.Open("mem://bad", 1024)
	require.NoError(t, err)
	bad.(*MemDevice).SetFailed(true)

	completions := make(chan model.Completion, 4)
	d := NewDispatcher(ctx, s, completions, 2)

	d.Submit(model.CCBRequest{Handle: model.Handle{Index: 1, Gen: 1}, Device: "mem://good", Op: model.OpWrite, Offset: 0, Buf: []byte("abcd")})
	d.Submit(model.CCBRequest{Handle: model.Handle{Index: 2, Gen: 1}, Device: "mem://bad", Op: model.OpWrite, Offset: 0, Buf: []byte("abcd")})
	d.Submit(model.CCBRequest{Handle: model.Handle{Index: 3, Gen: 1}, Device: "mem://gone", Op: model.OpRead, Offset: 0, Buf: make([]byte, 4)})

	results := map[int32]error{}
	for len(results) < 3 {
		select {
		case c := <-completions:
			results[c.Handle.Index] = c.Err
		case <-time.After(5 * time.Second):
			t.Fatal("missing completions")
		}
	}

	assert.NoError(t, results[1])
	assert.ErrorIs(t, results[2], ErrDeviceFailed)
	assert.ErrorIs(t, results[3], ErrDeviceNotFound)

	buf := make([]byte, 4)
	_, err = good.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf))
}

// Package backend provides the physical devices chunks live on and the
// dispatcher that carries ccbs to them.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	fp "path/filepath"
	"strings"
	"sync"

	"github.com/pyropy/mirror/lib/cmap"
	"github.com/pyropy/mirror/lib/logger"
)

var log, _ = logger.New("backend")

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceFailed   = errors.New("device failed")
	ErrDeviceClosed   = errors.New("device closed")
	ErrOutOfRange     = errors.New("i/o beyond end of device")
)

// MemPrefix marks device paths that are backed by memory instead of a file.
const MemPrefix = "mem://"

type Device interface {
	io.ReaderAt
	io.WriterAt
	Probe(ctx context.Context) error
	Close() error
}

// FileDevice is a chunk backed by a regular file.
type FileDevice struct {
	path string
	size int64
	f    *os.File
}

func OpenFileDevice(path string, size int64) (*FileDevice, error) {
	err := os.MkdirAll(fp.Dir(path), 0750)
	if err != nil && !os.IsExist(err) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &FileDevice{path: path, size: size, f: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, ErrOutOfRange
	}

	return d.f.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, ErrOutOfRange
	}

	return d.f.WriteAt(p, off)
}

// Probe checks that the backing file is still there and large enough.
func (d *FileDevice) Probe(ctx context.Context) error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceFailed, err)
	}

	if info.Size() < d.size {
		return fmt.Errorf("%w: %s shrank to %d bytes", ErrDeviceFailed, d.path, info.Size())
	}

	return nil
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}

// MemDevice keeps a chunk in memory. SetFailed makes every following
// operation fail, which is how tests pull a disk.
type MemDevice struct {
	mu     sync.RWMutex
	data   []byte
	failed bool
	closed bool
}

func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

func (d *MemDevice) SetFailed(failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failed = failed
}

func (d *MemDevice) check(off int64, n int) error {
	switch {
	case d.closed:
		return ErrDeviceClosed
	case d.failed:
		return ErrDeviceFailed
	case off < 0 || off+int64(n) > int64(len(d.data)):
		return ErrOutOfRange
	}

	return nil
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.check(off, len(p)); err != nil {
		return 0, err
	}

	return copy(p, d.data[off:]), nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(off, len(p)); err != nil {
		return 0, err
	}

	return copy(d.data[off:], p), nil
}

func (d *MemDevice) Probe(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.check(0, 0)
}

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}

// DeviceSet holds every device opened by the engine, keyed by path.
type DeviceSet struct {
	devices cmap.Map[string, Device]
}

func NewDeviceSet() *DeviceSet {
	return &DeviceSet{
		devices: cmap.NewMap[string, Device](),
	}
}

// Open returns the device at path, opening it with room for size bytes if it
// is not open yet.
func (s *DeviceSet) Open(path string, size int64) (Device, error) {
	if d, ok := s.devices.Get(path); ok {
		return d, nil
	}

	var d Device
	if strings.HasPrefix(path, MemPrefix) {
		d = NewMemDevice(size)
	} else {
		fd, err := OpenFileDevice(path, size)
		if err != nil {
			return nil, err
		}
		d = fd
	}

	actual, stored := s.devices.SetIfAbsent(path, d)
	if !stored {
		d.Close()
	}

	log.Debugw("open", "event", "device opened", "device", path, "size", size)
	return actual, nil
}

func (s *DeviceSet) Get(path string) (Device, error) {
	d, ok := s.devices.Get(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
	}

	return d, nil
}

// Probe implements the health monitor's view of a device.
func (s *DeviceSet) Probe(ctx context.Context, path string) error {
	d, err := s.Get(path)
	if err != nil {
		return err
	}

	return d.Probe(ctx)
}

func (s *DeviceSet) Close() error {
	var errs []error
	s.devices.Range(func(path string, d Device) bool {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", path, err))
		}
		s.devices.Delete(path)

		return true
	})

	return errors.Join(errs...)
}

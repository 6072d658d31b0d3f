// Package engine ties mirrored volumes to their devices, metadata store and
// background tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/pyropy/mirror/core/backend"
	"github.com/pyropy/mirror/core/metadata"
	"github.com/pyropy/mirror/core/model"
	"github.com/pyropy/mirror/core/taskq"
	"github.com/pyropy/mirror/core/volume"
	"github.com/pyropy/mirror/lib/cmap"
	"github.com/pyropy/mirror/lib/logger"
	"golang.org/x/sync/errgroup"
)

var log, _ = logger.New("engine")

var (
	ErrVolumeExists   = errors.New("volume exists")
	ErrVolumeNotFound = errors.New("volume not found")
	ErrNotStarted     = errors.New("engine not started")
)

type Config struct {
	Volume       *volume.Config
	MetadataPath string
	QueueDepth   int
}

type Engine struct {
	cfg     Config
	devices *backend.DeviceSet
	store   *metadata.Store
	tasks   *taskq.Queue
	volumes cmap.Map[uuid.UUID, *volume.Volume]

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg Config) (*Engine, error) {
	if cfg.Volume == nil {
		cfg.Volume = volume.DefaultConfig()
	}

	store, err := metadata.NewStore(cfg.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		devices: backend.NewDeviceSet(),
		store:   store,
		tasks:   taskq.New(),
		volumes: cmap.NewMap[uuid.UUID, *volume.Volume](),
	}, nil
}

// Start launches the task queue and assembles every volume found in the
// metadata store.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.group, e.ctx = errgroup.WithContext(e.ctx)

	e.group.Go(func() error {
		e.tasks.Start(e.ctx)
		return nil
	})

	return e.AssembleAll(e.ctx)
}

// AssembleAll brings up every persisted volume. A chunk whose device cannot
// be opened is taken offline.
func (e *Engine) AssembleAll(ctx context.Context) error {
	if e.ctx == nil {
		return ErrNotStarted
	}

	all, err := e.store.All(ctx)
	if err != nil {
		return fmt.Errorf("loading volumes: %w", err)
	}

	for _, m := range all {
		if _, exists := e.volumes.Get(m.ID); exists {
			continue
		}

		if err := e.assemble(m); err != nil {
			log.Errorw("assemble", "event", "assembling volume", "volume", m.ID, "name", m.Name, "error", err)
			continue
		}
	}

	return nil
}

func (e *Engine) assemble(m model.VolumeMetadata) error {
	size := m.Blocks * int64(m.BlockSize)

	var missing []model.ChunkMetadata
	for _, c := range m.Chunks {
		if _, err := e.devices.Open(c.Device, size); err != nil {
			log.Warnw("assemble", "event", "device unavailable", "volume", m.ID, "chunk", c.Index, "device", c.Device, "error", err)
			missing = append(missing, c)
		}
	}

	for _, s := range m.Spares {
		if _, err := e.devices.Open(s.Device, size); err != nil {
			log.Warnw("assemble", "event", "spare unavailable", "volume", m.ID, "device", s.Device, "error", err)
		}
	}

	completions := make(chan model.Completion, e.queueDepth())
	v, err := volume.Assemble(e.cfg.Volume, e.deps(completions), m)
	if err != nil {
		return err
	}

	for _, c := range missing {
		if err := v.FailChunk(c.Index, c.Device); err != nil {
			log.Errorw("assemble", "event", "failing chunk", "volume", m.ID, "chunk", c.Index, "error", err)
		}
	}

	e.attach(v, completions)
	return nil
}

// Create opens the devices for a new volume and brings it online.
func (e *Engine) Create(ctx context.Context, opts volume.CreateOptions) (*volume.Volume, error) {
	if e.ctx == nil {
		return nil, ErrNotStarted
	}

	for _, v := range e.volumes.Values() {
		if v.Name == opts.Name {
			return nil, fmt.Errorf("%w: %s", ErrVolumeExists, opts.Name)
		}
	}

	size := opts.Blocks * int64(e.cfg.Volume.BlockSize)
	for _, device := range append(append([]string{}, opts.Devices...), opts.Spares...) {
		if _, err := e.devices.Open(device, size); err != nil {
			return nil, fmt.Errorf("opening %s: %w", device, err)
		}
	}

	completions := make(chan model.Completion, e.queueDepth())
	v, err := volume.Create(e.cfg.Volume, e.deps(completions), opts)
	if err != nil {
		return nil, err
	}

	e.attach(v, completions)
	return v, nil
}

// AddHotspare opens device and registers it as a spare of volume id.
func (e *Engine) AddHotspare(ctx context.Context, id uuid.UUID, device string) error {
	v, err := e.Get(id)
	if err != nil {
		return err
	}

	if _, err := e.devices.Open(device, v.Blocks*int64(v.BlockSize)); err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}

	return v.AddHotspare(device)
}

func (e *Engine) Get(id uuid.UUID) (*volume.Volume, error) {
	v, ok := e.volumes.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, id)
	}

	return v, nil
}

func (e *Engine) GetByName(name string) (*volume.Volume, error) {
	for _, v := range e.volumes.Values() {
		if v.Name == name {
			return v, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, name)
}

// List returns every volume ordered by name.
func (e *Engine) List() []*volume.Volume {
	volumes := e.volumes.Values()
	sort.Slice(volumes, func(i, j int) bool {
		return volumes[i].Name < volumes[j].Name
	})

	return volumes
}

// Devices exposes the open devices, mostly so tests can fail them.
func (e *Engine) Devices() *backend.DeviceSet {
	return e.devices
}

// Close stops background work and waits for rebuild copies before saving
// metadata and releasing devices.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.cancel != nil {
		e.cancel()
		if err := e.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	// the task queue is stopped, so no new rebuild can start past this point
	for _, v := range e.volumes.Values() {
		v.Wait()
		if err := v.Sync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("saving volume %s: %w", v.ID, err))
		}
	}

	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := e.devices.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (e *Engine) deps(completions chan model.Completion) volume.Deps {
	return volume.Deps{
		Submitter: backend.NewDispatcher(e.ctx, e.devices, completions, e.queueDepth()),
		Scheduler: e.tasks,
		Store:     e.store,
	}
}

func (e *Engine) attach(v *volume.Volume, completions chan model.Completion) {
	e.volumes.Set(v.ID, v)

	e.group.Go(func() error {
		v.Run(e.ctx, completions)
		return nil
	})

	monitor := volume.NewHealthMonitor(v, e.devices)
	e.group.Go(func() error {
		monitor.Start(e.ctx)
		return nil
	})

	log.Infow("attach", "event", "volume attached", "volume", v.ID, "name", v.Name, "status", v.Status())
}

func (e *Engine) queueDepth() int {
	if e.cfg.QueueDepth > 0 {
		return e.cfg.QueueDepth
	}

	return 64
}

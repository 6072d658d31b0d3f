package volume

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pyropy/mirror/core/model"
	"github.com/pyropy/mirror/lib/logger"
	"github.com/pyropy/mirror/lib/stats"
	"go.uber.org/zap"
)

var log, _ = logger.New("volume")

// Submitter hands chunk scoped I/O to the physical layer. Every submitted
// request must eventually be answered with exactly one Completion.
type Submitter interface {
	Submit(req model.CCBRequest)
}

// Scheduler runs tasks outside the completion path, in a context that may block.
type Scheduler interface {
	Schedule(name string, task func(ctx context.Context))
}

type MetadataStore interface {
	Save(ctx context.Context, metadata model.VolumeMetadata) error
}

type Deps struct {
	Submitter Submitter
	Scheduler Scheduler
	Store     MetadataStore
}

type Volume struct {
	ID        uuid.UUID
	Name      string
	BlockSize int
	Blocks    int64

	cfg  *Config
	deps Deps
	log  *zap.SugaredLogger

	mu       sync.Mutex
	chunks   []*model.Chunk
	spares   []*model.Chunk
	status   model.VolumeStatus
	rr       uint64
	seq      uint64
	slab     *slab
	inflight queue
	deferred queue
	version  uint64

	dirty      bool
	saveQueued bool
	rebuilding bool
	halted     error

	rebuilds sync.WaitGroup
}

type CreateOptions struct {
	Name    string
	Blocks  int64
	Devices []string
	Spares  []string
}

// Create builds a new volume with every device online and persists it.
func Create(cfg *Config, deps Deps, opts CreateOptions) (*Volume, error) {
	if len(opts.Devices) == 0 {
		return nil, fmt.Errorf("%w: a volume needs at least one chunk", ErrInvalidChunk)
	}

	var seen []string
	for _, device := range append(append([]string{}, opts.Devices...), opts.Spares...) {
		if slices.Contains(seen, device) {
			return nil, fmt.Errorf("%w: device %s listed twice", ErrInvalidChunk, device)
		}
		seen = append(seen, device)
	}

	metadata := model.VolumeMetadata{
		ID:        uuid.New(),
		Name:      opts.Name,
		BlockSize: cfg.BlockSize,
		Blocks:    opts.Blocks,
	}

	for i, device := range opts.Devices {
		metadata.Chunks = append(metadata.Chunks, model.ChunkMetadata{
			ID:     uuid.New(),
			Index:  i,
			Device: device,
			Status: model.ChunkOnline,
		})
	}

	for _, device := range opts.Spares {
		metadata.Spares = append(metadata.Spares, model.ChunkMetadata{
			ID:     uuid.New(),
			Index:  -1,
			Device: device,
			Status: model.ChunkHotspare,
		})
	}

	v, err := newVolume(cfg, deps, metadata)
	if err != nil {
		return nil, err
	}

	var fx effects
	v.mu.Lock()
	v.markDirtyLocked(&fx)
	v.mu.Unlock()
	fx.run(v)

	v.log.Infow("create", "event", "volume created", "name", v.Name, "chunks", len(opts.Devices), "spares", len(opts.Spares), "blocks", v.Blocks)
	return v, nil
}

// Assemble rebuilds a volume from persisted metadata. Chunks left in scrub are
// brought back online, an interrupted rebuild is restarted and a degraded
// volume with spares gets its hotspare trigger.
func Assemble(cfg *Config, deps Deps, metadata model.VolumeMetadata) (*Volume, error) {
	v, err := newVolume(cfg, deps, metadata)
	if err != nil {
		return nil, err
	}

	var fx effects
	v.mu.Lock()
	// Building to Degraded counts as the edge for a volume stored degraded
	if v.status == model.VolumeDegraded && len(v.spares) > 0 {
		fx.schedule("hotspare", v.hotspareTask)
	}

	for i, c := range v.chunks {
		switch c.Status {
		case model.ChunkScrub:
			err = v.setChunkStateLocked(i, model.ChunkOnline, &fx)
		case model.ChunkRebuild:
			v.startRebuildLocked(i, &fx)
		}

		if err != nil {
			break
		}
	}
	v.mu.Unlock()
	fx.run(v)

	if err != nil {
		return nil, err
	}

	v.log.Infow("assemble", "event", "volume assembled", "name", v.Name, "status", v.Status())
	return v, nil
}

func newVolume(cfg *Config, deps Deps, metadata model.VolumeMetadata) (*Volume, error) {
	if metadata.Blocks <= 0 {
		return nil, fmt.Errorf("%w: volume has %d blocks", ErrInvalidRange, metadata.Blocks)
	}

	blockSize := metadata.BlockSize
	if blockSize <= 0 {
		blockSize = cfg.BlockSize
	}

	v := &Volume{
		ID:        metadata.ID,
		Name:      metadata.Name,
		BlockSize: blockSize,
		Blocks:    metadata.Blocks,
		cfg:       cfg,
		deps:      deps,
		log:       log.With("volume", metadata.ID.String()),
		status:    model.VolumeBuilding,
		slab:      newSlab(cfg.Pool.MaxWorkUnits, cfg.Pool.MaxCCBs),
		inflight:  newQueue(),
		deferred:  newQueue(),
		version:   metadata.Version,
	}

	for i, c := range metadata.Chunks {
		if c.Index != i {
			return nil, fmt.Errorf("%w: chunk %s recorded at index %d, expected %d", ErrInvalidChunk, c.ID, c.Index, i)
		}
		v.chunks = append(v.chunks, model.NewChunkFromMetadata(c))
	}

	for _, s := range metadata.Spares {
		if s.Status != model.ChunkHotspare {
			return nil, fmt.Errorf("%w: spare %s is %s", ErrInvariantViolation, s.ID, s.Status)
		}
		spare := model.NewChunkFromMetadata(s)
		spare.Index = -1
		v.spares = append(v.spares, spare)
	}

	status, err := RecomputeVolumeState(v.statusesLocked())
	if err != nil {
		return nil, err
	}
	v.status = status

	stats.VolumeStatusGauge.WithLabelValues(v.ID.String()).Set(float64(status))
	for i, c := range v.chunks {
		stats.ChunkStatusGauge.WithLabelValues(v.ID.String(), strconv.Itoa(i)).Set(float64(c.Status))
	}

	return v, nil
}

// Status returns the current volume status.
func (v *Volume) Status() model.VolumeStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.status
}

// Halted returns the error that stopped the volume, if any.
func (v *Volume) Halted() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.halted
}

// Chunks returns a copy of the member chunks in index order.
func (v *Volume) Chunks() []model.Chunk {
	v.mu.Lock()
	defer v.mu.Unlock()

	chunks := make([]model.Chunk, 0, len(v.chunks))
	for _, c := range v.chunks {
		chunks = append(chunks, *c)
	}

	return chunks
}

func (v *Volume) Spares() []model.Chunk {
	v.mu.Lock()
	defer v.mu.Unlock()

	spares := make([]model.Chunk, 0, len(v.spares))
	for _, s := range v.spares {
		spares = append(spares, *s)
	}

	return spares
}

func (v *Volume) Metadata() model.VolumeMetadata {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.metadataLocked()
}

func (v *Volume) metadataLocked() model.VolumeMetadata {
	metadata := model.VolumeMetadata{
		ID:        v.ID,
		Name:      v.Name,
		BlockSize: v.BlockSize,
		Blocks:    v.Blocks,
		Version:   v.version,
	}

	for _, c := range v.chunks {
		metadata.Chunks = append(metadata.Chunks, c.Metadata())
	}

	for _, s := range v.spares {
		metadata.Spares = append(metadata.Spares, s.Metadata())
	}

	return metadata
}

// Pending reports how many work units are in flight and how many are
// deferred behind a collision.
func (v *Volume) Pending() (inflight, deferred int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.inflight.len, v.deferred.len
}

// AddHotspare registers device as a standby chunk. If the volume is already
// degraded the hotspare trigger is scheduled right away.
func (v *Volume) AddHotspare(device string) error {
	var fx effects

	v.mu.Lock()
	if v.halted != nil {
		v.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrVolumeHalted, v.halted)
	}

	if slices.Contains(v.devicesLocked(), device) {
		v.mu.Unlock()
		return fmt.Errorf("%w: device %s already belongs to the volume", ErrInvalidChunk, device)
	}

	v.spares = append(v.spares, &model.Chunk{
		ID:     uuid.New(),
		Index:  -1,
		Device: device,
		Status: model.ChunkHotspare,
	})
	v.markDirtyLocked(&fx)

	if v.status == model.VolumeDegraded {
		fx.schedule("hotspare", v.hotspareTask)
	}
	v.mu.Unlock()

	fx.run(v)
	v.log.Infow("hotspare", "event", "hotspare added", "device", device)
	return nil
}

func (v *Volume) devicesLocked() []string {
	devices := make([]string, 0, len(v.chunks)+len(v.spares))
	for _, c := range v.chunks {
		devices = append(devices, c.Device)
	}

	for _, s := range v.spares {
		devices = append(devices, s.Device)
	}

	return devices
}

func (v *Volume) saveTask(ctx context.Context) {
	v.mu.Lock()
	v.saveQueued = false
	v.mu.Unlock()

	if err := v.Sync(ctx); err != nil {
		v.log.Errorw("metadata", "event", "save failed", "error", err)
	}
}

// Sync saves the volume metadata now if it changed since the last save.
func (v *Volume) Sync(ctx context.Context) error {
	if v.deps.Store == nil {
		return nil
	}

	v.mu.Lock()
	if !v.dirty {
		v.mu.Unlock()
		return nil
	}

	v.dirty = false
	v.version++
	metadata := v.metadataLocked()
	v.mu.Unlock()

	if err := v.deps.Store.Save(ctx, metadata); err != nil {
		v.mu.Lock()
		v.dirty = true
		v.mu.Unlock()
		return err
	}

	v.log.Debugw("metadata", "event", "saved", "version", metadata.Version)
	return nil
}

type task struct {
	name string
	fn   func(ctx context.Context)
}

// effects collects the work a locked section decided on so it can be carried
// out once the volume lock is released.
type effects struct {
	tasks   []task
	submits []model.CCBRequest
	dones   []func()
}

func (fx *effects) schedule(name string, fn func(ctx context.Context)) {
	fx.tasks = append(fx.tasks, task{name: name, fn: fn})
}

func (fx *effects) run(v *Volume) {
	for _, t := range fx.tasks {
		v.deps.Scheduler.Schedule(t.name, t.fn)
	}

	for _, req := range fx.submits {
		v.deps.Submitter.Submit(req)
	}

	for _, done := range fx.dones {
		done()
	}
}

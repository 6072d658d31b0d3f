package main

import (
	"context"
	"fmt"

	"github.com/pyropy/mirror/core/engine"
	"github.com/pyropy/mirror/core/model"
	core "github.com/pyropy/mirror/core/volume"
	rpc "github.com/pyropy/mirror/rpc/volume"
)

type VolumeAPI struct {
	engine *engine.Engine
	ctx    context.Context
}

func NewVolumeAPI(ctx context.Context, e *engine.Engine) *VolumeAPI {
	return &VolumeAPI{
		engine: e,
		ctx:    ctx,
	}
}

func (a *VolumeAPI) Create(args *rpc.CreateArgs, reply *rpc.CreateReply) error {
	log.Infow("rpc", "event", "Create", "args", args)
	v, err := a.engine.Create(a.ctx, core.CreateOptions{
		Name:    args.Name,
		Blocks:  args.Blocks,
		Devices: args.Devices,
		Spares:  args.Spares,
	})
	if err != nil {
		return err
	}

	reply.Volume = volumeInfo(v)
	return nil
}

func (a *VolumeAPI) List(args *rpc.ListArgs, reply *rpc.ListReply) error {
	log.Infow("rpc", "event", "List")
	for _, v := range a.engine.List() {
		reply.Volumes = append(reply.Volumes, volumeInfo(v))
	}

	return nil
}

func (a *VolumeAPI) Status(args *rpc.StatusArgs, reply *rpc.StatusReply) error {
	log.Infow("rpc", "event", "Status", "args", args)
	v, err := a.engine.GetByName(args.Name)
	if err != nil {
		return err
	}

	reply.Volume = volumeInfo(v)
	return nil
}

func (a *VolumeAPI) Read(args *rpc.ReadArgs, reply *rpc.ReadReply) error {
	log.Infow("rpc", "event", "Read", "name", args.Name, "block", args.Block, "count", args.Count)
	v, err := a.engine.GetByName(args.Name)
	if err != nil {
		return err
	}

	if args.Block < 0 || args.Count <= 0 || args.Count > v.Blocks-args.Block {
		return fmt.Errorf("%w: blocks %d+%d of %d", core.ErrInvalidRange, args.Block, args.Count, v.Blocks)
	}

	buf := make([]byte, args.Count*int64(v.BlockSize))
	if err := v.Read(a.ctx, args.Block, buf); err != nil {
		return err
	}

	reply.Data = buf
	return nil
}

func (a *VolumeAPI) Write(args *rpc.WriteArgs, reply *rpc.WriteReply) error {
	log.Infow("rpc", "event", "Write", "name", args.Name, "block", args.Block, "bytes", len(args.Data))
	v, err := a.engine.GetByName(args.Name)
	if err != nil {
		return err
	}

	blocks := (len(args.Data) + v.BlockSize - 1) / v.BlockSize
	buf := make([]byte, blocks*v.BlockSize)
	copy(buf, args.Data)

	if err := v.Write(a.ctx, args.Block, buf); err != nil {
		return err
	}

	reply.Blocks = int64(blocks)
	return nil
}

func (a *VolumeAPI) SetChunkState(args *rpc.SetChunkStateArgs, reply *rpc.SetChunkStateReply) error {
	log.Infow("rpc", "event", "SetChunkState", "args", args)
	v, err := a.engine.GetByName(args.Name)
	if err != nil {
		return err
	}

	status, err := model.ParseChunkStatus(args.Status)
	if err != nil {
		return err
	}

	if err := v.SetChunkState(args.Chunk, status); err != nil {
		return err
	}

	reply.Volume = volumeInfo(v)
	return nil
}

func (a *VolumeAPI) AddHotspare(args *rpc.AddHotspareArgs, reply *rpc.AddHotspareReply) error {
	log.Infow("rpc", "event", "AddHotspare", "args", args)
	v, err := a.engine.GetByName(args.Name)
	if err != nil {
		return err
	}

	if err := a.engine.AddHotspare(a.ctx, v.ID, args.Device); err != nil {
		return err
	}

	reply.Volume = volumeInfo(v)
	return nil
}

func (a *VolumeAPI) Scrub(args *rpc.ScrubArgs, reply *rpc.ScrubReply) error {
	log.Infow("rpc", "event", "Scrub", "args", args)
	v, err := a.engine.GetByName(args.Name)
	if err != nil {
		return err
	}

	report, err := v.Scrub(a.ctx, args.Chunk)
	if err != nil {
		return err
	}

	reply.Chunk = report.Chunk
	reply.Source = report.Source
	reply.Blocks = report.Blocks
	reply.Mismatches = report.Mismatches
	reply.Repaired = report.Repaired
	return nil
}

func volumeInfo(v *core.Volume) rpc.VolumeInfo {
	info := rpc.VolumeInfo{
		ID:        v.ID,
		Name:      v.Name,
		Status:    v.Status().String(),
		BlockSize: v.BlockSize,
		Blocks:    v.Blocks,
	}

	if err := v.Halted(); err != nil {
		info.Halted = err.Error()
	}

	info.Inflight, info.Deferred = v.Pending()

	for _, c := range v.Chunks() {
		info.Chunks = append(info.Chunks, chunkInfo(c))
	}

	for _, s := range v.Spares() {
		info.Spares = append(info.Spares, chunkInfo(s))
	}

	return info
}

func chunkInfo(c model.Chunk) rpc.ChunkInfo {
	return rpc.ChunkInfo{
		ID:     c.ID,
		Index:  c.Index,
		Device: c.Device,
		Status: c.Status.String(),
		Errors: c.Errors,
	}
}

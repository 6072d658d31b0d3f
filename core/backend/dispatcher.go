package backend

import (
	"context"
	"fmt"

	"github.com/pyropy/mirror/core/model"
	"golang.org/x/sync/semaphore"
)

// Dispatcher performs ccb requests against a DeviceSet and reports each
// outcome as exactly one Completion.
type Dispatcher struct {
	ctx         context.Context
	devices     *DeviceSet
	completions chan<- model.Completion
	sem         *semaphore.Weighted
}

// NewDispatcher returns a dispatcher running at most depth device operations
// at once. Completions are sent until ctx is canceled.
func NewDispatcher(ctx context.Context, devices *DeviceSet, completions chan<- model.Completion, depth int) *Dispatcher {
	if depth <= 0 {
		depth = 1
	}

	return &Dispatcher{
		ctx:         ctx,
		devices:     devices,
		completions: completions,
		sem:         semaphore.NewWeighted(int64(depth)),
	}
}

// Submit never blocks: the request is carried out on its own goroutine.
func (d *Dispatcher) Submit(req model.CCBRequest) {
	go d.do(req)
}

func (d *Dispatcher) do(req model.CCBRequest) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}

	err := d.perform(req)
	d.sem.Release(1)

	if err != nil {
		log.Warnw("io", "event", "device io failed", "device", req.Device, "op", req.Op, "offset", req.Offset, "error", err)
	}

	select {
	case d.completions <- model.Completion{Handle: req.Handle, Err: err}:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) perform(req model.CCBRequest) error {
	dev, err := d.devices.Get(req.Device)
	if err != nil {
		return err
	}

	var n int
	switch req.Op {
	case model.OpRead:
		n, err = dev.ReadAt(req.Buf, req.Offset)
	case model.OpWrite:
		n, err = dev.WriteAt(req.Buf, req.Offset)
	default:
		return fmt.Errorf("unknown op %d", int(req.Op))
	}

	if err != nil {
		return err
	}

	if n != len(req.Buf) {
		return fmt.Errorf("short %s on %s: %d of %d bytes", req.Op, req.Device, n, len(req.Buf))
	}

	return nil
}

package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/pyropy/mirror/core/model"
	"github.com/pyropy/mirror/lib/stats"
)

type ioRequest struct {
	op     model.Op
	block  int64
	count  int64
	buf    []byte
	kind   wuKind
	pinned []int
	done   func(model.Result)
}

func readable(s model.ChunkStatus) bool {
	return s == model.ChunkOnline || s == model.ChunkScrub
}

func writable(s model.ChunkStatus) bool {
	return s == model.ChunkOnline || s == model.ChunkScrub || s == model.ChunkRebuild
}

// RW accepts an application read or write. A nil error means the request was
// accepted and req.Done will be called exactly once; any error means it was
// rejected and Done is never called.
func (v *Volume) RW(req model.Request) error {
	return v.submit(ioRequest{
		op:    req.Op,
		block: req.Block,
		count: req.Count,
		buf:   req.Buf,
		kind:  kindNormal,
		done:  req.Done,
	})
}

// Read fills buf starting at block and waits for the outcome.
func (v *Volume) Read(ctx context.Context, block int64, buf []byte) error {
	return v.do(ctx, model.OpRead, block, buf)
}

// Write stores buf starting at block and waits for the outcome.
func (v *Volume) Write(ctx context.Context, block int64, buf []byte) error {
	return v.do(ctx, model.OpWrite, block, buf)
}

func (v *Volume) do(ctx context.Context, op model.Op, block int64, buf []byte) error {
	if len(buf) == 0 || len(buf)%v.BlockSize != 0 {
		return fmt.Errorf("%w: buffer of %d bytes is not a whole number of blocks", ErrInvalidRange, len(buf))
	}

	result := make(chan model.Result, 1)
	err := v.RW(model.Request{
		Op:    op,
		Block: block,
		Count: int64(len(buf) / v.BlockSize),
		Buf:   buf,
		Done:  func(r model.Result) { result <- r },
	})
	if err != nil {
		return err
	}

	select {
	case r := <-result:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *Volume) submit(r ioRequest) error {
	var fx effects

	v.mu.Lock()
	err := v.submitLocked(r, &fx)
	v.mu.Unlock()

	fx.run(v)
	return err
}

func (v *Volume) submitLocked(r ioRequest, fx *effects) error {
	if err := v.acceptLocked(r); err != nil {
		v.rejectLocked(err)
		return err
	}

	i, err := v.slab.allocWU()
	if err != nil {
		v.rejectLocked(err)
		return err
	}
	v.initWorkUnitLocked(i, r)

	if err := v.routeLocked(i); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			v.slab.freeWorkUnit(i)
			v.rejectLocked(err)
			return err
		}

		v.finishLocked(i, failure(err), fx)
		return nil
	}

	v.scheduleLocked(i, fx)
	return nil
}

// submitPair queues a copy: read is scheduled like any other work unit and
// write is linked directly behind it, so nothing overlapping can run between
// the two. If the read fails the write is failed without being dispatched.
func (v *Volume) submitPair(read, write ioRequest) error {
	var fx effects

	v.mu.Lock()
	err := v.submitPairLocked(read, write, &fx)
	v.mu.Unlock()

	fx.run(v)
	return err
}

func (v *Volume) submitPairLocked(read, write ioRequest, fx *effects) error {
	if err := v.acceptLocked(read); err != nil {
		return err
	}

	if err := v.acceptLocked(write); err != nil {
		return err
	}

	ri, err := v.slab.allocWU()
	if err != nil {
		return err
	}

	wi, err := v.slab.allocWU()
	if err != nil {
		v.slab.freeWorkUnit(ri)
		return err
	}

	v.initWorkUnitLocked(ri, read)
	v.initWorkUnitLocked(wi, write)
	v.slab.wus[ri].paired = true
	v.slab.wus[ri].collider = wi

	if err := v.routeLocked(ri); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			v.slab.freeWorkUnit(ri)
			v.slab.freeWorkUnit(wi)
			return err
		}

		v.finishLocked(ri, failure(err), fx)
		return nil
	}

	if err := v.routeLocked(wi); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			v.slab.freeWorkUnit(ri)
			v.slab.freeWorkUnit(wi)
			return err
		}

		v.slab.freeWorkUnit(ri)
		v.finishLocked(wi, failure(err), fx)
		return nil
	}

	v.slab.wus[wi].state = wuDeferred
	v.slab.pushBack(&v.deferred, wi)
	v.scheduleLocked(ri, fx)

	return nil
}

func (v *Volume) acceptLocked(r ioRequest) error {
	if v.halted != nil {
		return fmt.Errorf("%w: %v", ErrVolumeHalted, v.halted)
	}

	if r.count <= 0 || r.block < 0 || r.block+r.count > v.Blocks {
		return fmt.Errorf("%w: blocks %d+%d on a volume of %d", ErrInvalidRange, r.block, r.count, v.Blocks)
	}

	copies := 1
	if r.op == model.OpRead && len(r.pinned) > 1 {
		copies = len(r.pinned)
	}

	if int64(len(r.buf)) != r.count*int64(v.BlockSize)*int64(copies) {
		return fmt.Errorf("%w: buffer of %d bytes for %d blocks", ErrInvalidRange, len(r.buf), r.count)
	}

	for _, idx := range r.pinned {
		if idx < 0 || idx >= len(v.chunks) {
			return fmt.Errorf("%w: %d", ErrInvalidChunk, idx)
		}
	}

	return nil
}

func (v *Volume) rejectLocked(err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, ErrResourceExhausted):
		reason = "exhausted"
	case errors.Is(err, ErrVolumeHalted):
		reason = "halted"
	}

	stats.WorkUnitRejectCounter.WithLabelValues(v.ID.String(), reason).Inc()
}

func (v *Volume) initWorkUnitLocked(i int32, r ioRequest) {
	v.seq++

	w := &v.slab.wus[i]
	w.seq = v.seq
	w.kind = r.kind
	w.op = r.op
	w.block = r.block
	w.count = r.count
	w.buf = r.buf
	w.done = r.done
	w.pinned = r.pinned
}

// routeLocked picks the chunks work unit i touches and builds its ccbs.
func (v *Volume) routeLocked(i int32) error {
	w := &v.slab.wus[i]

	var err error
	switch {
	case len(w.pinned) > 0:
		err = v.routePinnedLocked(i)
	case w.op == model.OpWrite:
		err = v.routeWriteLocked(i)
	default:
		err = v.routeReadLocked(i)
	}

	if err != nil {
		v.slab.freeCCBs(i)
	}

	return err
}

// routeWriteLocked targets every chunk that must receive the data, rebuilding
// chunks included.
func (v *Volume) routeWriteLocked(i int32) error {
	w := &v.slab.wus[i]
	for idx, c := range v.chunks {
		if !writable(c.Status) {
			continue
		}

		if err := v.addCCBLocked(i, idx, w.buf); err != nil {
			return err
		}
	}

	if w.total == 0 {
		return fmt.Errorf("%w: no writable chunk", ErrVolumeUnavailable)
	}

	return nil
}

// routeReadLocked picks one readable chunk round robin, giving up after every
// chunk was tried once.
func (v *Volume) routeReadLocked(i int32) error {
	n := uint64(len(v.chunks))
	for attempt := uint64(0); attempt < n; attempt++ {
		idx := int(v.rr % n)
		v.rr++

		if readable(v.chunks[idx].Status) {
			return v.addCCBLocked(i, idx, v.slab.wus[i].buf)
		}
	}

	return fmt.Errorf("%w: no readable chunk", ErrVolumeUnavailable)
}

// routePinnedLocked targets exactly the chunks internal traffic asked for. A
// multi chunk read gets one slice of the buffer per chunk.
func (v *Volume) routePinnedLocked(i int32) error {
	w := &v.slab.wus[i]
	size := len(w.buf)
	if w.op == model.OpRead {
		size = len(w.buf) / len(w.pinned)
	}

	for k, idx := range w.pinned {
		status := v.chunks[idx].Status
		usable := writable(status)
		if w.op == model.OpRead {
			usable = readable(status)
		}

		if !usable {
			return fmt.Errorf("%w: chunk %d is %s", ErrVolumeUnavailable, idx, status)
		}

		buf := w.buf
		if w.op == model.OpRead {
			buf = w.buf[k*size : (k+1)*size]
		}

		if err := v.addCCBLocked(i, idx, buf); err != nil {
			return err
		}
	}

	return nil
}

func (v *Volume) addCCBLocked(i int32, chunk int, buf []byte) error {
	ci, err := v.slab.allocCCB(i)
	if err != nil {
		return err
	}

	w := &v.slab.wus[i]
	c := &v.slab.ccbs[ci]
	c.chunk = chunk
	c.device = v.chunks[chunk].Device
	c.op = w.op
	c.offset = w.block * int64(v.BlockSize)
	c.buf = buf

	return nil
}

// scheduleLocked dispatches work unit i, or defers it behind the work unit it
// collides with.
func (v *Volume) scheduleLocked(i int32, fx *effects) {
	if j := v.colliderLocked(i); j != none {
		v.deferLocked(i, j)
		return
	}

	v.dispatchLocked(i, false, fx)
}

// colliderLocked finds the most recent earlier work unit, in flight or
// deferred, whose block range overlaps work unit i.
func (v *Volume) colliderLocked(i int32) int32 {
	w := &v.slab.wus[i]

	// work units already queued behind i cannot be what i waits on
	behind := map[int32]bool{}
	for j := w.collider; j != none; j = v.slab.wus[j].collider {
		behind[j] = true
	}

	found := none
	scan := func(j int32) bool {
		o := &v.slab.wus[j]
		if j == i || behind[j] || o.seq > w.seq || !o.overlaps(w) {
			return true
		}

		if found == none || o.seq > v.slab.wus[found].seq {
			found = j
		}

		return true
	}

	v.slab.each(&v.inflight, scan)
	v.slab.each(&v.deferred, scan)

	return found
}

// deferLocked appends work unit i, and whatever is already queued behind it,
// to the end of the collider chain that j belongs to.
func (v *Volume) deferLocked(i, j int32) {
	tail := j
	for v.slab.wus[tail].collider != none {
		tail = v.slab.wus[tail].collider
	}
	v.slab.wus[tail].collider = i

	w := &v.slab.wus[i]
	if w.state != wuDeferred {
		w.state = wuDeferred
		v.slab.pushBack(&v.deferred, i)
	}

	stats.CollisionCounter.WithLabelValues(v.ID.String()).Inc()
	v.log.Debugw("io", "event", "work unit deferred", "block", w.block, "count", w.count, "behindBlock", v.slab.wus[j].block)
}

func (v *Volume) dispatchLocked(i int32, front bool, fx *effects) {
	w := &v.slab.wus[i]
	w.state = wuInflight
	if front {
		v.slab.pushFront(&v.inflight, i)
	} else {
		v.slab.pushBack(&v.inflight, i)
	}

	v.submitCCBsLocked(i, fx)
}

func (v *Volume) submitCCBsLocked(i int32, fx *effects) {
	for ci := v.slab.wus[i].ccbs; ci != none; ci = v.slab.ccbs[ci].next {
		c := &v.slab.ccbs[ci]
		c.state = ccbSubmitted

		fx.submits = append(fx.submits, model.CCBRequest{
			Handle: model.Handle{Index: ci, Gen: c.gen},
			Volume: v.ID,
			Chunk:  c.chunk,
			Device: c.device,
			Op:     c.op,
			Offset: c.offset,
			Buf:    c.buf,
		})
	}
}

func failure(err error) model.Result {
	return model.Result{Status: model.IOFailed, Err: err}
}

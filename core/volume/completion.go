package volume

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pyropy/mirror/core/model"
	"github.com/pyropy/mirror/lib/stats"
)

// Complete folds one ccb completion into its work unit. It never blocks on
// anything but the volume lock: follow-up work is handed to the scheduler.
func (v *Volume) Complete(c model.Completion) error {
	var fx effects

	v.mu.Lock()
	err := v.completeLocked(c, &fx)
	v.mu.Unlock()

	fx.run(v)
	return err
}

// Run consumes completions until ctx is done or completions is closed.
func (v *Volume) Run(ctx context.Context, completions <-chan model.Completion) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-completions:
			if !ok {
				return
			}

			if err := v.Complete(c); err != nil {
				v.log.Warnw("completion", "event", "completion dropped", "handle", c.Handle, "error", err)
			}
		}
	}
}

func (v *Volume) completeLocked(c model.Completion, fx *effects) error {
	ci, ok := v.slab.lookup(c.Handle)
	if !ok {
		return fmt.Errorf("%w: ccb %d generation %d", ErrStaleCompletion, c.Handle.Index, c.Handle.Gen)
	}

	cb := &v.slab.ccbs[ci]
	i := cb.wu
	w := &v.slab.wus[i]

	w.complete++
	if c.Err != nil {
		cb.state = ccbFailed
		w.failed++
		v.chunkErrorLocked(cb.chunk, cb.device, c.Err, fx)
	} else {
		cb.state = ccbDone
	}

	if w.complete < w.total {
		return nil
	}

	// a read over several pinned chunks needs every copy
	failed := w.failed == w.total || (w.op == model.OpRead && w.failed > 0)
	if !failed {
		v.finishLocked(i, model.Result{Status: model.IOSucceeded}, fx)
		return nil
	}

	if w.op == model.OpRead && len(w.pinned) == 0 && !w.retried {
		v.retryLocked(i, fx)
		return nil
	}

	v.finishLocked(i, failure(fmt.Errorf("%w: %s of blocks %d+%d failed on %d of %d chunks", ErrIOFailed, w.op, w.block, w.count, w.failed, w.total)), fx)
	return nil
}

// retryLocked routes a failed read afresh and dispatches it in place. The
// work unit keeps its slot in the in-flight queue, so anything deferred
// behind it stays deferred.
func (v *Volume) retryLocked(i int32, fx *effects) {
	w := &v.slab.wus[i]
	w.retried = true
	v.slab.freeCCBs(i)

	stats.ReadRetryCounter.WithLabelValues(v.ID.String()).Inc()
	v.log.Debugw("io", "event", "read retried", "block", w.block, "count", w.count)

	if err := v.routeLocked(i); err != nil {
		v.finishLocked(i, failure(fmt.Errorf("%w: retry: %v", ErrIOFailed, err)), fx)
		return
	}

	v.submitCCBsLocked(i, fx)
}

// chunkErrorLocked records an I/O error against chunk index and takes the
// chunk offline once it crosses the configured limit.
func (v *Volume) chunkErrorLocked(index int, device string, ioErr error, fx *effects) {
	c := v.chunks[index]
	if c.Device != device {
		return
	}

	c.Errors++
	stats.ChunkIOErrorCounter.WithLabelValues(v.ID.String(), strconv.Itoa(index)).Inc()
	v.log.Warnw("io", "event", "chunk io error", "chunk", index, "device", device, "errors", c.Errors, "error", ioErr)

	limit := v.cfg.Health.ChunkErrorLimit
	if limit == 0 || c.Errors < limit {
		return
	}

	if err := v.failChunkLocked(index, device, fx); err != nil {
		v.log.Errorw("io", "event", "failing chunk", "chunk", index, "device", device, "error", err)
	}
}

// finishLocked delivers the outcome of work unit i, frees it and releases
// whatever was deferred behind it.
func (v *Volume) finishLocked(i int32, r model.Result, fx *effects) {
	w := &v.slab.wus[i]
	switch w.state {
	case wuInflight:
		v.slab.remove(&v.inflight, i)
	case wuDeferred:
		v.slab.remove(&v.deferred, i)
	}

	if done := w.done; done != nil {
		fx.dones = append(fx.dones, func() { done(r) })
	}

	if w.kind == kindNormal {
		stats.WorkUnitCounter.WithLabelValues(v.ID.String(), w.op.String(), r.Status.String()).Inc()
	}

	collider := w.collider
	paired := w.paired
	v.slab.freeWorkUnit(i)

	if collider == none {
		return
	}

	if paired && !r.OK() {
		v.finishLocked(collider, failure(fmt.Errorf("%w: %v", ErrRebuildAborted, r.Err)), fx)
		return
	}

	v.releaseLocked(collider, fx)
}

// releaseLocked lets a deferred work unit go. The chunk set may have changed
// while it waited, so it is routed again, and it may still overlap another
// unit submitted before it.
func (v *Volume) releaseLocked(i int32, fx *effects) {
	w := &v.slab.wus[i]
	if w.state == wuDeferred {
		v.slab.remove(&v.deferred, i)
	}
	w.state = wuBuilt

	v.slab.freeCCBs(i)
	if err := v.routeLocked(i); err != nil {
		v.finishLocked(i, failure(err), fx)
		return
	}

	if j := v.colliderLocked(i); j != none {
		v.deferLocked(i, j)
		return
	}

	v.dispatchLocked(i, true, fx)
}

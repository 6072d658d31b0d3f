package volume

import "github.com/pyropy/mirror/core/model"

// none terminates every intrusive list in the slab.
const none int32 = -1

type wuState int

const (
	wuFree wuState = iota
	wuBuilt
	wuDeferred
	wuInflight
)

type wuKind int

const (
	kindNormal wuKind = iota
	kindRebuild
	kindScrub
)

func (k wuKind) String() string {
	switch k {
	case kindRebuild:
		return "rebuild"
	case kindScrub:
		return "scrub"
	default:
		return "normal"
	}
}

type ccbState int

const (
	ccbFree ccbState = iota
	ccbBuilt
	ccbSubmitted
	ccbDone
	ccbFailed
)

// ccb is one work unit's I/O against exactly one chunk.
type ccb struct {
	gen    uint32
	state  ccbState
	wu     int32
	next   int32 // next ccb of the owning work unit, or next free ccb
	chunk  int
	device string
	op     model.Op
	offset int64
	buf    []byte
}

// workUnit is one read or write request and the ccbs it owns.
type workUnit struct {
	gen   uint32
	state wuState
	kind  wuKind
	seq   uint64

	op    model.Op
	block int64
	count int64
	buf   []byte

	done   func(model.Result)
	pinned []int

	// paired marks a read whose collider is the write that copies its data.
	paired  bool
	retried bool

	ccbs     int32
	total    int
	complete int
	failed   int

	collider   int32
	prev, next int32
}

func (w *workUnit) end() int64 {
	return w.block + w.count - 1
}

func (w *workUnit) overlaps(o *workUnit) bool {
	return w.block <= o.end() && o.block <= w.end()
}

// queue is an intrusive doubly linked list of work units.
type queue struct {
	head, tail int32
	len        int
}

func newQueue() queue {
	return queue{head: none, tail: none}
}

type slab struct {
	wus     []workUnit
	ccbs    []ccb
	freeWU  int32
	freeCCB int32
	usedWU  int
	usedCCB int
}

func newSlab(maxWorkUnits, maxCCBs int) *slab {
	s := &slab{
		wus:     make([]workUnit, maxWorkUnits),
		ccbs:    make([]ccb, maxCCBs),
		freeWU:  none,
		freeCCB: none,
	}

	for i := maxWorkUnits - 1; i >= 0; i-- {
		s.wus[i] = workUnit{ccbs: none, collider: none, prev: none, next: s.freeWU}
		s.freeWU = int32(i)
	}

	for i := maxCCBs - 1; i >= 0; i-- {
		s.ccbs[i] = ccb{wu: none, next: s.freeCCB}
		s.freeCCB = int32(i)
	}

	return s
}

func (s *slab) allocWU() (int32, error) {
	i := s.freeWU
	if i == none {
		return none, ErrResourceExhausted
	}

	w := &s.wus[i]
	s.freeWU = w.next
	*w = workUnit{
		gen:      w.gen + 1,
		state:    wuBuilt,
		ccbs:     none,
		collider: none,
		prev:     none,
		next:     none,
	}
	s.usedWU++

	return i, nil
}

func (s *slab) freeWorkUnit(i int32) {
	s.freeCCBs(i)

	w := &s.wus[i]
	*w = workUnit{
		gen:      w.gen,
		state:    wuFree,
		ccbs:     none,
		collider: none,
		prev:     none,
		next:     s.freeWU,
	}
	s.freeWU = i
	s.usedWU--
}

// allocCCB attaches a fresh ccb to work unit wu.
func (s *slab) allocCCB(wu int32) (int32, error) {
	i := s.freeCCB
	if i == none {
		return none, ErrResourceExhausted
	}

	c := &s.ccbs[i]
	s.freeCCB = c.next

	w := &s.wus[wu]
	*c = ccb{
		gen:   c.gen + 1,
		state: ccbBuilt,
		wu:    wu,
		next:  w.ccbs,
	}
	w.ccbs = i
	w.total++
	s.usedCCB++

	return i, nil
}

// freeCCBs releases every ccb owned by wu and resets its counters.
func (s *slab) freeCCBs(wu int32) {
	w := &s.wus[wu]
	for i := w.ccbs; i != none; {
		c := &s.ccbs[i]
		next := c.next
		*c = ccb{gen: c.gen, state: ccbFree, wu: none, next: s.freeCCB}
		s.freeCCB = i
		s.usedCCB--
		i = next
	}

	w.ccbs = none
	w.total, w.complete, w.failed = 0, 0, 0
}

// lookup resolves a handle to a ccb that is currently submitted.
func (s *slab) lookup(h model.Handle) (int32, bool) {
	if h.Index < 0 || int(h.Index) >= len(s.ccbs) {
		return none, false
	}

	c := &s.ccbs[h.Index]
	if c.gen != h.Gen || c.state != ccbSubmitted {
		return none, false
	}

	return h.Index, true
}

func (s *slab) pushBack(q *queue, i int32) {
	w := &s.wus[i]
	w.prev, w.next = q.tail, none
	if q.tail != none {
		s.wus[q.tail].next = i
	} else {
		q.head = i
	}
	q.tail = i
	q.len++
}

func (s *slab) pushFront(q *queue, i int32) {
	w := &s.wus[i]
	w.prev, w.next = none, q.head
	if q.head != none {
		s.wus[q.head].prev = i
	} else {
		q.tail = i
	}
	q.head = i
	q.len++
}

func (s *slab) remove(q *queue, i int32) {
	w := &s.wus[i]
	if w.prev != none {
		s.wus[w.prev].next = w.next
	} else {
		q.head = w.next
	}

	if w.next != none {
		s.wus[w.next].prev = w.prev
	} else {
		q.tail = w.prev
	}

	w.prev, w.next = none, none
	q.len--
}

// each walks q from head to tail until f returns false.
func (s *slab) each(q *queue, f func(i int32) bool) {
	for i := q.head; i != none; {
		next := s.wus[i].next
		if !f(i) {
			return
		}
		i = next
	}
}

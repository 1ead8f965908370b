// Package epoch turns the different shapes a data source can take into a
// uniform pull of one dataset per epoch.
package epoch

import (
	"iter"
	"slices"
)

// Bound caps the number of datasets a sequencer yields. The zero value is
// Unbounded.
type Bound struct {
	limit   int
	limited bool
}

var Unbounded = Bound{}

func Limit(n int) Bound {
	if n < 0 {
		n = 0
	}
	return Bound{limit: n, limited: true}
}

// Limited returns the cap and whether one is set.
func (b Bound) Limited() (int, bool) {
	return b.limit, b.limited
}

type sourceKind int

const (
	sourceFunc sourceKind = iota + 1
	sourceFixed
	sourceSlice
	sourceSeq
	sourceChan
)

// Source describes where epoch datasets come from. Build one with Func,
// Fixed, Slice, Seq or Chan.
type Source[D any] struct {
	kind  sourceKind
	fn    func() (D, bool)
	fixed D
	items []D
	seq   iter.Seq[D]
	ch    <-chan D
}

// Func wraps a generator that returns false once it has nothing left.
func Func[D any](fn func() (D, bool)) Source[D] {
	return Source[D]{kind: sourceFunc, fn: fn}
}

// Fixed repeats one dataset for every epoch.
func Fixed[D any](d D) Source[D] {
	return Source[D]{kind: sourceFixed, fixed: d}
}

// Slice yields each element once, in order.
func Slice[D any](items []D) Source[D] {
	return Source[D]{kind: sourceSlice, items: items}
}

// Seq pulls a possibly infinite iterator one element per epoch.
func Seq[D any](seq iter.Seq[D]) Source[D] {
	return Source[D]{kind: sourceSeq, seq: seq}
}

// Chan receives one dataset per epoch until the channel is closed.
func Chan[D any](ch <-chan D) Source[D] {
	return Source[D]{kind: sourceChan, ch: ch}
}

// Sequencer yields the next epoch's dataset, or false once exhausted.
// Exhaustion is sticky. A sequencer has a single logical consumer.
type Sequencer[D any] interface {
	Next() (D, bool)
}

// Closer is implemented by sequencers holding resources beyond memory.
type Closer interface {
	Close()
}

// Make normalizes src and bound into a Sequencer.
func Make[D any](src Source[D], bound Bound) Sequencer[D] {
	if src.kind == sourceFunc {
		if src.fn == nil {
			return &exhausted[D]{}
		}
		limit, ok := bound.Limited()
		if !ok {
			return FuncSequencer[D](src.fn)
		}
		return &boundedFunc[D]{fn: src.fn, counter: NewCounter(limit)}
	}

	var inner Sequencer[D]
	switch src.kind {
	case sourceFixed:
		inner = &fixedSequencer[D]{d: src.fixed}
	case sourceSlice:
		inner = &sliceSequencer[D]{items: slices.Clone(src.items)}
	case sourceSeq:
		if src.seq == nil {
			return &exhausted[D]{}
		}
		next, stop := iter.Pull(src.seq)
		inner = &pullSequencer[D]{next: next, stop: stop}
	case sourceChan:
		if src.ch == nil {
			return &exhausted[D]{}
		}
		inner = &chanSequencer[D]{ch: src.ch}
	default:
		return &exhausted[D]{}
	}
	if limit, ok := bound.Limited(); ok {
		return &truncated[D]{inner: inner, counter: NewCounter(limit)}
	}
	return &sticky[D]{inner: inner}
}

// FuncSequencer adapts a plain function to Sequencer without any
// bookkeeping.
type FuncSequencer[D any] func() (D, bool)

func (f FuncSequencer[D]) Next() (D, bool) { return f() }

type boundedFunc[D any] struct {
	fn      func() (D, bool)
	counter *Counter
}

func (b *boundedFunc[D]) Next() (D, bool) {
	var zero D
	if !b.counter.Take() {
		return zero, false
	}
	return b.fn()
}

type exhausted[D any] struct{}

func (exhausted[D]) Next() (D, bool) {
	var zero D
	return zero, false
}

type fixedSequencer[D any] struct {
	d D
}

func (f *fixedSequencer[D]) Next() (D, bool) { return f.d, true }

type sliceSequencer[D any] struct {
	items []D
}

func (s *sliceSequencer[D]) Next() (D, bool) {
	var zero D
	if len(s.items) == 0 {
		s.items = nil
		return zero, false
	}
	d := s.items[0]
	s.items[0] = zero
	s.items = s.items[1:]
	return d, true
}

type pullSequencer[D any] struct {
	next func() (D, bool)
	stop func()
	done bool
}

func (p *pullSequencer[D]) Next() (D, bool) {
	var zero D
	if p.done {
		return zero, false
	}
	d, ok := p.next()
	if !ok {
		p.Close()
		return zero, false
	}
	return d, true
}

func (p *pullSequencer[D]) Close() {
	if p.done {
		return
	}
	p.done = true
	p.stop()
}

type chanSequencer[D any] struct {
	ch <-chan D
}

func (c *chanSequencer[D]) Next() (D, bool) {
	d, ok := <-c.ch
	return d, ok
}

// sticky keeps returning false once the inner sequencer ran dry.
type sticky[D any] struct {
	inner Sequencer[D]
	done  bool
}

func (s *sticky[D]) Next() (D, bool) {
	var zero D
	if s.done {
		return zero, false
	}
	d, ok := s.inner.Next()
	if !ok {
		s.done = true
		closeIfSupported(s.inner)
		return zero, false
	}
	return d, true
}

func (s *sticky[D]) Close() {
	s.done = true
	closeIfSupported(s.inner)
}

type truncated[D any] struct {
	inner   Sequencer[D]
	counter *Counter
	done    bool
}

func (t *truncated[D]) Next() (D, bool) {
	var zero D
	if t.done {
		return zero, false
	}
	if !t.counter.Take() {
		t.Close()
		return zero, false
	}
	d, ok := t.inner.Next()
	if !ok {
		t.Close()
		return zero, false
	}
	return d, true
}

func (t *truncated[D]) Close() {
	t.done = true
	closeIfSupported(t.inner)
}

// Close releases any resources held by seq.
func Close[D any](seq Sequencer[D]) {
	closeIfSupported(seq)
}

func closeIfSupported(v any) {
	if closer, ok := v.(Closer); ok {
		closer.Close()
	}
}

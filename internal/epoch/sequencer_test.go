package epoch

import (
	"iter"
	"sync"
	"testing"
)

func drain[D any](t *testing.T, seq Sequencer[D], calls int) ([]D, int) {
	t.Helper()
	var got []D
	yielded := 0
	for i := 0; i < calls; i++ {
		d, ok := seq.Next()
		if ok {
			if yielded != i {
				t.Fatalf("value after exhaustion at call %d", i+1)
			}
			got = append(got, d)
			yielded++
		}
	}
	return got, yielded
}

func naturals() iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := 0; ; i++ {
			if !yield(i) {
				return
			}
		}
	}
}

func TestFixedSourceWithBoundRepeatsThenExhausts(t *testing.T) {
	seq := Make(Fixed("D"), Limit(3))
	got, n := drain(t, seq, 6)
	if n != 3 {
		t.Fatalf("expected 3 datasets, got %d", n)
	}
	for _, d := range got {
		if d != "D" {
			t.Fatalf("unexpected dataset %q", d)
		}
	}
}

func TestBoundYieldsExactlyNForEverySource(t *testing.T) {
	const bound = 4
	counter := 0
	sources := map[string]Source[int]{
		"func": Func(func() (int, bool) {
			counter++
			return counter, true
		}),
		"fixed":    Fixed(7),
		"slice":    Slice([]int{1, 2, 3, 4, 5, 6}),
		"infinite": Seq(naturals()),
	}
	for name, src := range sources {
		seq := Make(src, Limit(bound))
		_, n := drain(t, seq, bound+3)
		if n != bound {
			t.Fatalf("%s: expected %d datasets, got %d", name, bound, n)
		}
	}
}

func TestZeroBoundYieldsNothing(t *testing.T) {
	seq := Make(Seq(naturals()), Limit(0))
	if _, ok := seq.Next(); ok {
		t.Fatal("expected immediate exhaustion")
	}
}

func TestSliceSourceExhaustsAndStaysExhausted(t *testing.T) {
	seq := Make(Slice([]int{1, 2}), Unbounded)
	got, n := drain(t, seq, 5)
	if n != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected datasets: %v", got)
	}
}

func TestSliceSourceDropsYieldedElements(t *testing.T) {
	a, b := &struct{ v int }{1}, &struct{ v int }{2}
	items := []*struct{ v int }{a, b}
	seq := Make(Slice(items), Unbounded).(*sticky[*struct{ v int }])
	if d, ok := seq.Next(); !ok || d != a {
		t.Fatalf("unexpected first dataset")
	}
	inner := seq.inner.(*sliceSequencer[*struct{ v int }])
	if len(inner.items) != 1 || inner.items[0] != b {
		t.Fatalf("expected only the unconsumed element to remain, got %d", len(inner.items))
	}
	if items[0] != a {
		t.Fatal("caller slice must not be modified")
	}
}

func TestSeqSourceStopsIteratorOnBound(t *testing.T) {
	stopped := false
	src := func(yield func(int) bool) {
		defer func() { stopped = true }()
		for i := 0; ; i++ {
			if !yield(i) {
				return
			}
		}
	}
	seq := Make(Seq(iter.Seq[int](src)), Limit(2))
	drain(t, seq, 3)
	if !stopped {
		t.Fatal("expected pull iterator to be stopped after bound")
	}
}

func TestUnboundedFuncPassesThrough(t *testing.T) {
	calls := 0
	seq := Make(Func(func() (int, bool) {
		calls++
		return calls, calls%2 == 1
	}), Unbounded)
	if _, ok := seq.Next(); !ok {
		t.Fatal("expected first call to yield")
	}
	if _, ok := seq.Next(); ok {
		t.Fatal("expected second call to report none")
	}
	if d, ok := seq.Next(); !ok || d != 3 {
		t.Fatalf("expected pass-through on third call, got %d ok=%t", d, ok)
	}
}

func TestBoundedFuncStopsForwarding(t *testing.T) {
	calls := 0
	seq := Make(Func(func() (int, bool) {
		calls++
		return calls, true
	}), Limit(2))
	drain(t, seq, 5)
	if calls != 2 {
		t.Fatalf("expected generator to be called twice, got %d", calls)
	}
}

func TestChanSource(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2
	close(ch)
	_, n := drain(t, Make(Chan((<-chan int)(ch)), Unbounded), 4)
	if n != 2 {
		t.Fatalf("expected 2 datasets, got %d", n)
	}
}

func TestCounterConcurrentTake(t *testing.T) {
	c := NewCounter(50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if c.Take() {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if granted != 50 || c.Used() != 50 {
		t.Fatalf("expected 50 grants, got %d (used=%d)", granted, c.Used())
	}
}

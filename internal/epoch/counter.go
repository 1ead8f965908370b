package epoch

import "sync/atomic"

// Counter enforces a call budget. Take is safe to call from any goroutine.
type Counter struct {
	limit int64
	calls atomic.Int64
}

func NewCounter(limit int) *Counter {
	if limit < 0 {
		limit = 0
	}
	return &Counter{limit: int64(limit)}
}

// Take reserves one call and reports whether it was within the budget.
func (c *Counter) Take() bool {
	return c.calls.Add(1) <= c.limit
}

// Used reports how many calls were granted so far.
func (c *Counter) Used() int {
	n := c.calls.Load()
	if n > c.limit {
		n = c.limit
	}
	return int(n)
}

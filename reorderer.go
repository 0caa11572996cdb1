package scheduler

// reorderer emits stream results strictly in input order.
//
// It consumes results in completion order, buffers those that arrive ahead of the cursor
// and flushes every contiguous run starting at the cursor. Every scheduled task yields
// exactly one result, so a gap is only ever temporary. If events close while a gap is
// still open, only the contiguous prefix is emitted.
//
// The reorderer runs in a single goroutine and never closes either channel; the owner
// closes events and then the results channel.
type reorderer struct {
	events  <-chan Result
	results chan<- Result
}

func newReorderer(events <-chan Result, results chan<- Result) *reorderer {
	return &reorderer{events: events, results: results}
}

// run executes the loop until events is closed.
func (r *reorderer) run() {
	next := 0
	buf := make(map[int]Result)
	for res := range r.events {
		buf[res.Index] = res
		next = r.flushContiguous(next, buf)
	}
}

// flushContiguous emits buffered results starting at next and returns the advanced cursor.
func (r *reorderer) flushContiguous(next int, buf map[int]Result) int {
	for {
		res, ok := buf[next]
		if !ok {
			return next
		}
		r.results <- res
		delete(buf, next)
		next++
	}
}

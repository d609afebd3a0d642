package crawler

import (
	"container/heap"
	"fmt"
	"sync"
)

// Order selects which pending window is fetched next.
type Order string

const (
	// OrderStarsDesc fetches the highest star ranges first, narrower ranges breaking ties.
	OrderStarsDesc Order = "stars-desc"
	// OrderFIFO is plain breadth-first order.
	OrderFIFO Order = "fifo"
)

// ParseOrder validates an order name.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", OrderStarsDesc:
		return OrderStarsDesc, nil
	case OrderFIFO:
		return OrderFIFO, nil
	}
	return "", fmt.Errorf("unknown frontier order %q", s)
}

type entry struct {
	w   Window
	seq uint64
}

type frontierHeap struct {
	items []entry
	less  func(a, b entry) bool
}

func (h *frontierHeap) Len() int           { return len(h.items) }
func (h *frontierHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *frontierHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *frontierHeap) Push(x any)         { h.items = append(h.items, x.(entry)) }
func (h *frontierHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	h.items = old[:n-1]
	return e
}

func lessFor(o Order) func(a, b entry) bool {
	if o == OrderFIFO {
		return func(a, b entry) bool { return a.seq < b.seq }
	}
	return func(a, b entry) bool {
		if a.w.Hi != b.w.Hi {
			return a.w.Hi > b.w.Hi
		}
		if a.w.Span() != b.w.Span() {
			return a.w.Span() < b.w.Span()
		}
		return a.seq < b.seq
	}
}

// frontier is the shared worklist. Pop blocks until a window is available or
// the work is finished: empty with nothing in flight, or closed.
type frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	heap     frontierHeap
	seq      uint64
	inflight int
	closed   bool
	dropped  int
}

func newFrontier(o Order) *frontier {
	f := &frontier{heap: frontierHeap{less: lessFor(o)}}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *frontier) push(w Window) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.dropped++
		return
	}
	f.seq++
	heap.Push(&f.heap, entry{w: w, seq: f.seq})
	f.cond.Signal()
}

func (f *frontier) pop() (Window, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed {
			return Window{}, false
		}
		if f.heap.Len() > 0 {
			e := heap.Pop(&f.heap).(entry)
			f.inflight++
			return e.w, true
		}
		if f.inflight == 0 {
			return Window{}, false
		}
		f.cond.Wait()
	}
}

// done marks one popped window as finished.
func (f *frontier) done() {
	f.mu.Lock()
	f.inflight--
	if f.inflight == 0 && f.heap.Len() == 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

// close stops handing out windows; in-flight ones still finish.
func (f *frontier) close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// pending is the number of windows never started, including ones pushed after close.
func (f *frontier) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len() + f.dropped
}

package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, q *frontier, n int) []Window {
	t.Helper()
	var out []Window
	for range n {
		w, ok := q.pop()
		require.True(t, ok)
		out = append(out, w)
	}
	return out
}

func TestFrontierStarsDescOrder(t *testing.T) {
	q := newFrontier(OrderStarsDesc)
	q.push(NewWindow(0, 5, testDay, testDay))
	q.push(NewWindow(6, 10, testDay, testDay))
	q.push(NewWindow(9, 10, testDay, testDay))
	q.push(NewWindow(11, 100, testDay, testDay))

	got := drain(t, q, 4)
	assert.Equal(t, []int{11, 9, 6, 0}, []int{got[0].Lo, got[1].Lo, got[2].Lo, got[3].Lo})
}

func TestFrontierFIFOOrder(t *testing.T) {
	q := newFrontier(OrderFIFO)
	q.push(NewWindow(0, 5, testDay, testDay))
	q.push(NewWindow(6, 10, testDay, testDay))
	q.push(NewWindow(11, 100, testDay, testDay))

	got := drain(t, q, 3)
	assert.Equal(t, []int{0, 6, 11}, []int{got[0].Lo, got[1].Lo, got[2].Lo})
}

func TestFrontierFinishesWhenIdle(t *testing.T) {
	q := newFrontier(OrderFIFO)
	q.push(NewWindow(0, 1, testDay, testDay))

	_, ok := q.pop()
	require.True(t, ok)

	popped := make(chan bool)
	go func() {
		_, ok := q.pop()
		popped <- ok
	}()

	select {
	case <-popped:
		t.Fatal("pop returned while a window was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	q.done()
	select {
	case ok := <-popped:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not return after the last window finished")
	}
}

func TestFrontierWakesOnPush(t *testing.T) {
	q := newFrontier(OrderFIFO)
	q.push(NewWindow(0, 1, testDay, testDay))
	_, ok := q.pop()
	require.True(t, ok)

	popped := make(chan Window)
	go func() {
		w, _ := q.pop()
		popped <- w
	}()

	q.push(NewWindow(7, 8, testDay, testDay))
	select {
	case w := <-popped:
		assert.Equal(t, 7, w.Lo)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
	q.done()
	q.done()
}

func TestFrontierClose(t *testing.T) {
	q := newFrontier(OrderStarsDesc)
	q.push(NewWindow(0, 1, testDay, testDay))
	q.push(NewWindow(2, 3, testDay, testDay))
	q.close()

	_, ok := q.pop()
	assert.False(t, ok)

	q.push(NewWindow(4, 5, testDay, testDay))
	assert.Equal(t, 3, q.pending())
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderStarsDesc, o)

	o, err = ParseOrder("fifo")
	require.NoError(t, err)
	assert.Equal(t, OrderFIFO, o)

	_, err = ParseOrder("random")
	assert.Error(t, err)
}

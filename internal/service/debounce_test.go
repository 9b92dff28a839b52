package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("debounced text never arrived")
		return ""
	}
}

func TestDebounceMergesFragments(t *testing.T) {
	d := NewDebouncer(true, 100*time.Millisecond)
	defer d.Close()

	start := time.Now()
	ch := d.Debounce("k", "A")
	require.NotNil(t, ch)

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, d.Debounce("k", "B"))
	assert.Equal(t, 1, d.Pending())

	assert.Equal(t, "A\nB", receive(t, ch))
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
	assert.Equal(t, 0, d.Pending())

	// the window closed: the next fragment opens a new buffer
	next := d.Debounce("k", "C")
	require.NotNil(t, next)
	assert.Equal(t, "C", receive(t, next))
}

func TestDebounceResetsWindow(t *testing.T) {
	d := NewDebouncer(true, 80*time.Millisecond)
	defer d.Close()

	start := time.Now()
	ch := d.Debounce("k", "1")
	for _, frag := range []string{"2", "3"} {
		time.Sleep(50 * time.Millisecond)
		assert.Nil(t, d.Debounce("k", frag))
	}

	assert.Equal(t, "1\n2\n3", receive(t, ch))
	// two resets at 50ms each plus one full window
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestDebounceKeysAreIsolated(t *testing.T) {
	d := NewDebouncer(true, 50*time.Millisecond)
	defer d.Close()

	a := d.Debounce("a", "from a")
	b := d.Debounce("b", "from b")
	require.NotNil(t, a)
	require.NotNil(t, b)

	assert.Equal(t, "from a", receive(t, a))
	assert.Equal(t, "from b", receive(t, b))
}

func TestDebounceDisabledPassesThrough(t *testing.T) {
	for _, d := range []*Debouncer{NewDebouncer(false, time.Second), NewDebouncer(true, 0)} {
		first := d.Debounce("k", "one")
		second := d.Debounce("k", "two")
		require.NotNil(t, first)
		require.NotNil(t, second)
		assert.Equal(t, "one", <-first)
		assert.Equal(t, "two", <-second)
		assert.Equal(t, 0, d.Pending())
	}
}

func TestDebounceCloseDropsBuffers(t *testing.T) {
	d := NewDebouncer(true, time.Hour)

	ch := d.Debounce("k", "lost")
	d.Close()

	v, ok := <-ch
	assert.False(t, ok)
	assert.Empty(t, v)
	assert.Equal(t, 0, d.Pending())

	after := d.Debounce("k", "direct")
	assert.Equal(t, "direct", <-after)
}

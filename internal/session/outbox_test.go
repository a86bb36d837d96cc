package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxFIFO(t *testing.T) {
	o := newOutbox(8)
	require.True(t, o.push([]byte("one"), ""))
	require.True(t, o.push([]byte("two"), ""))

	data, ok := o.pop()
	require.True(t, ok)
	assert.Equal(t, "one", string(data))
	data, ok = o.pop()
	require.True(t, ok)
	assert.Equal(t, "two", string(data))

	_, ok = o.pop()
	assert.False(t, ok)
}

func TestOutboxCoalescesByKey(t *testing.T) {
	o := newOutbox(8)
	require.True(t, o.push([]byte("edit-1"), ""))
	require.True(t, o.push([]byte("cursor-old"), "presence/doc/alice"))
	require.True(t, o.push([]byte("edit-2"), ""))
	require.True(t, o.push([]byte("cursor-new"), "presence/doc/alice"))

	// The newer cursor overwrote the pending one in place; ordering of the
	// surrounding edits is untouched.
	assert.Equal(t, 3, o.len())
	var got []string
	for {
		data, ok := o.pop()
		if !ok {
			break
		}
		got = append(got, string(data))
	}
	assert.Equal(t, []string{"edit-1", "cursor-new", "edit-2"}, got)
}

func TestOutboxCoalesceKeyReusableAfterPop(t *testing.T) {
	o := newOutbox(8)
	require.True(t, o.push([]byte("a"), "k"))
	_, ok := o.pop()
	require.True(t, ok)

	require.True(t, o.push([]byte("b"), "k"))
	assert.Equal(t, 1, o.len())
	data, ok := o.pop()
	require.True(t, ok)
	assert.Equal(t, "b", string(data))
}

func TestOutboxOverflow(t *testing.T) {
	o := newOutbox(2)
	require.True(t, o.push([]byte("a"), ""))
	require.True(t, o.push([]byte("b"), ""))
	assert.False(t, o.push([]byte("c"), ""))

	// Coalescing still works at capacity: the slot is reused, not added.
	o2 := newOutbox(2)
	require.True(t, o2.push([]byte("x"), "k"))
	require.True(t, o2.push([]byte("y"), ""))
	assert.True(t, o2.push([]byte("x2"), "k"))
}

func TestOutboxClosedRejectsPushes(t *testing.T) {
	o := newOutbox(8)
	require.True(t, o.push([]byte("a"), ""))
	o.close()
	assert.False(t, o.push([]byte("b"), ""))
	_, ok := o.pop()
	assert.False(t, ok)
}

func TestOutboxWakeSignal(t *testing.T) {
	o := newOutbox(64)
	for i := 0; i < 10; i++ {
		require.True(t, o.push([]byte(fmt.Sprintf("m%d", i)), ""))
	}
	// Many pushes collapse into at least one pending wake; a drain loop that
	// runs on each wake sees everything.
	<-o.wait()
	count := 0
	for {
		if _, ok := o.pop(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 10, count)
}

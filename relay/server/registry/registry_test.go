package registry

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T) net.Conn {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return c1
}

func TestRegistry_AddFindRemove(t *testing.T) {
	r := New()

	conn := newConn(t)
	id := r.Add(conn)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, 1, r.Count())

	c, err := r.Find(id)
	require.NoError(t, err)
	assert.Equal(t, conn, c.Conn)
	assert.Equal(t, id, c.ID)

	r.Remove(id)
	_, err = r.Find(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, r.Count())

	// removing twice is harmless
	r.Remove(id)
}

func TestRegistry_IDsIncrease(t *testing.T) {
	r := New()

	var last uint64
	for i := 0; i < 50; i++ {
		id := r.Add(newConn(t))
		assert.Greater(t, id, last)
		last = id
		if i%3 == 0 {
			r.Remove(id)
		}
	}
}

func TestRegistry_IDsAreScopedPerRegistry(t *testing.T) {
	a, b := New(), New()
	assert.Equal(t, uint64(1), a.Add(newConn(t)))
	assert.Equal(t, uint64(2), a.Add(newConn(t)))
	assert.Equal(t, uint64(1), b.Add(newConn(t)))
}

func TestRegistry_Wraparound(t *testing.T) {
	r := New()
	held := r.Add(newConn(t))
	require.Equal(t, uint64(1), held)

	r.lastID = MaxClientID - 2
	assert.Equal(t, MaxClientID-1, r.Add(newConn(t)))
	assert.Equal(t, uint64(2), r.Add(newConn(t)), "id 1 is still registered and must be skipped")

	r.Remove(held)
	r.lastID = MaxClientID - 1
	assert.Equal(t, uint64(1), r.Add(newConn(t)))
}

func TestRegistry_Claim(t *testing.T) {
	r := New()
	id := r.Add(newConn(t))
	c, err := r.Find(id)
	require.NoError(t, err)

	early, ok := c.Claim()
	assert.True(t, ok)
	assert.Empty(t, early)

	_, ok = c.Claim()
	assert.False(t, ok)
}

func TestRegistry_WatchKeepsEarlyData(t *testing.T) {
	r := New()
	c1, c2 := net.Pipe()
	defer c2.Close()
	defer c1.Close()

	id := r.Add(c1)
	r.Watch(id, 1024)

	_, err := c2.Write([]byte("hello"))
	require.NoError(t, err)

	c, err := r.Find(id)
	require.NoError(t, err)
	early, ok := c.Claim()
	require.True(t, ok)
	assert.Equal(t, "hello", string(early))

	// the connection is usable by the claimer
	go func() { _, _ = c2.Write([]byte("more")) }()
	buf := make([]byte, 4)
	require.NoError(t, c1.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(c1, buf)
	require.NoError(t, err)
	assert.Equal(t, "more", string(buf))
}

func TestRegistry_WatchRemovesGoneClient(t *testing.T) {
	r := New()
	c1, c2 := net.Pipe()
	defer c1.Close()

	id := r.Add(c1)
	c, err := r.Find(id)
	require.NoError(t, err)
	r.Watch(id, 1024)

	require.NoError(t, c2.Close())
	assert.Eventually(t, func() bool { return r.Count() == 0 }, 5*time.Second, 10*time.Millisecond)

	_, err = r.Find(id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := c.Claim()
	assert.False(t, ok, "a client whose peer went away cannot be claimed")
}

func TestRegistry_Close(t *testing.T) {
	r := New()
	c1, c2 := net.Pipe()
	defer c2.Close()

	r.Add(c1)
	r.Close()
	assert.Equal(t, 0, r.Count())

	_, err := c1.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	c3, c4 := net.Pipe()
	defer c4.Close()
	assert.Equal(t, uint64(0), r.Add(c3), "closed registry rejects new connections")
	_, err = c3.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var timeNow = time.Now

func TestConnManagerKeepsRegistrationOrder(t *testing.T) {
	m := NewConnManager("gw-1")
	assert.Equal(t, "gw-1", m.GwId())
	a := addSession(t, m, "a", 1, 1)
	b := addSession(t, m, "b", 2, 1)
	c := addSession(t, m, "c", 1, 1)

	assert.Equal(t, []*Session{a, b, c}, m.Snapshot())
	assert.Equal(t, []*Session{a, c}, m.ListByUser(1))

	assert.Same(t, b, m.Remove("b"))
	assert.Nil(t, m.Remove("b"))
	assert.Equal(t, []*Session{a, c}, m.Snapshot())
	assert.Equal(t, 2, m.Count())

	m.Remove("a")
	m.Remove("c")
	assert.Empty(t, m.ListByUser(1))
	assert.Zero(t, m.Count())
}

func TestConnManagerRejectsDuplicates(t *testing.T) {
	m := NewConnManager("gw-1")
	addSession(t, m, "a", 1, 1)
	assert.ErrorIs(t, m.Add(NewSession("a", 2, nil, 1, timeNow())), ErrDuplicateConn)
	assert.Error(t, m.Add(nil))
	assert.Error(t, m.Add(NewSession("", 2, nil, 1, timeNow())))
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewConnManager("gw-1")
	addSession(t, m, "a", 1, 1)
	snap := m.Snapshot()
	addSession(t, m, "b", 1, 1)
	assert.Len(t, snap, 1)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := NewSession("a", 1, nil, 2, timeNow())
	require.True(t, s.Enqueue([]byte("x")))
	s.Close()
	s.Close()
	assert.False(t, s.IsOpen())
	assert.False(t, s.Enqueue([]byte("y")))
}

func TestCloseAllSignalsEverySession(t *testing.T) {
	m := NewConnManager("gw-1")
	a := addSession(t, m, "a", 1, 1)
	b := addSession(t, m, "b", 2, 1)
	m.CloseAll()
	assert.False(t, a.IsOpen())
	assert.False(t, b.IsOpen())
	// teardown of each session deregisters it
	assert.Equal(t, 2, m.Count())
}

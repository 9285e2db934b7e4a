// SPDX-License-Identifier: AGPL-3.0-or-later

package connmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndSend(t *testing.T) {
	m := New(4)
	sink := m.Register("s1")

	ok := m.Send("s1", []byte("hello"))
	require.True(t, ok)

	select {
	case frame := <-sink:
		assert.Equal(t, "hello", string(frame))
	default:
		t.Fatal("expected a frame in the sink")
	}
}

func TestSendUnregisteredReportsFalse(t *testing.T) {
	m := New(4)
	assert.False(t, m.Send("missing", []byte("x")))
}

func TestSendFullBufferReportsFalse(t *testing.T) {
	m := New(1)
	m.Register("s1")

	require.True(t, m.Send("s1", []byte("a")))
	assert.False(t, m.Send("s1", []byte("b")))
}

func TestUnregisterClosesSink(t *testing.T) {
	m := New(1)
	sink := m.Register("s1")
	m.Unregister("s1")

	_, open := <-sink
	assert.False(t, open)
	assert.False(t, m.Has("s1"))
}

func TestListIDs(t *testing.T) {
	m := New(1)
	m.Register("a")
	m.Register("b")

	ids := m.ListIDs()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestRegisterReplacesAndClosesOld(t *testing.T) {
	m := New(1)
	old := m.Register("s1")
	_ = m.Register("s1")

	_, open := <-old
	assert.False(t, open)
}

package osc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, queue int) (*Sender, *MockDialer) {
	t.Helper()
	d := &MockDialer{}
	s, err := NewSender(SenderConfig{Host: "localhost", Port: 7000, QueueSize: queue, Dialer: d})
	require.NoError(t, err)
	return s, d
}

func TestSender_SendAndClose(t *testing.T) {
	t.Parallel()
	s, d := newTestSender(t, 16)
	s.Start()

	require.NoError(t, s.Send(NewMessage("/0/Head", float32(1), float32(2), float32(3))))
	require.NoError(t, s.Send(NewMessage("/kv2status/", "closed")))
	require.NoError(t, s.Close())

	conn := d.Last()
	require.NotNil(t, conn)
	pkts := conn.Packets()
	require.Len(t, pkts, 2)
	last, err := ParseMessage(pkts[1])
	require.NoError(t, err)
	assert.Equal(t, "/kv2status/", last.Address)
	assert.Equal(t, []interface{}{"closed"}, last.Arguments)
	assert.True(t, conn.Closed)

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Sent)
	assert.Equal(t, "localhost:7000", st.Address)
}

func TestSender_CloseWithoutStartFlushes(t *testing.T) {
	t.Parallel()
	s, d := newTestSender(t, 4)
	require.NoError(t, s.Send(NewMessage("/x")))
	require.NoError(t, s.Close())
	assert.Len(t, d.Last().Packets(), 1)
	// Second close is a no-op.
	assert.NoError(t, s.Close())
}

func TestSender_QueueFull(t *testing.T) {
	t.Parallel()
	s, _ := newTestSender(t, 1)
	require.NoError(t, s.Send(NewMessage("/a")))
	err := s.Send(NewMessage("/b"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
	require.NoError(t, s.Close())
}

func TestSender_SendAfterClose(t *testing.T) {
	t.Parallel()
	s, _ := newTestSender(t, 1)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(NewMessage("/a")), ErrClosed)
}

func TestSender_EncodeError(t *testing.T) {
	t.Parallel()
	s, _ := newTestSender(t, 1)
	defer s.Close()
	assert.Error(t, s.Send(NewMessage("no-slash")))
	assert.Equal(t, uint64(1), s.Stats().Errors)
}

func TestSender_WriteErrorCounted(t *testing.T) {
	t.Parallel()
	s, d := newTestSender(t, 4)
	d.Last().WriteErr = errors.New("network unreachable")
	s.Start()
	require.NoError(t, s.Send(NewMessage("/a")))
	require.NoError(t, s.Close())
	st := s.Stats()
	assert.Equal(t, uint64(0), st.Sent)
	assert.Equal(t, uint64(1), st.Errors)
}

func TestSender_Retarget(t *testing.T) {
	t.Parallel()
	s, d := newTestSender(t, 4)
	first := d.Last()

	require.NoError(t, s.Retarget("localhost", 7000))
	assert.Len(t, d.Addrs, 1, "same destination should not redial")

	require.NoError(t, s.Retarget("10.0.0.2", 9000))
	assert.Equal(t, "10.0.0.2:9000", s.Address())
	assert.True(t, first.Closed)

	s.Start()
	require.NoError(t, s.Send(NewMessage("/after")))
	require.NoError(t, s.Close())

	assert.Empty(t, first.Packets())
	assert.Len(t, d.Last().Packets(), 1)
	assert.Equal(t, []string{"localhost:7000", "10.0.0.2:9000"}, d.Addrs)
}

func TestSender_RetargetDialFailureKeepsOld(t *testing.T) {
	t.Parallel()
	s, d := newTestSender(t, 4)
	d.Error = errors.New("no route")
	assert.Error(t, s.Retarget("bad", 1))
	assert.Equal(t, "localhost:7000", s.Address())
	d.Error = nil
	require.NoError(t, s.Close())
}

func TestNewSender_DialError(t *testing.T) {
	t.Parallel()
	_, err := NewSender(SenderConfig{Host: "x", Port: 1, Dialer: &MockDialer{Error: errors.New("boom")}})
	assert.Error(t, err)
}

func TestSender_WriteLoopLogsFailures(t *testing.T) {
	s, d := newTestSender(t, 4)
	s.logInterval = 5 * time.Millisecond
	d.Last().WriteErr = errors.New("refused")
	s.Start()
	require.NoError(t, s.Send(NewMessage("/a")))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	assert.Equal(t, uint64(1), s.Stats().Errors)
}

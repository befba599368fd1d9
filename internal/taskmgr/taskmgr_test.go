package taskmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/hivetypes"
)

func newTestManager(ttl time.Duration) (*Manager, chan struct{}) {
	shutdown := make(chan struct{})
	return New(ttl, shutdown), shutdown
}

func TestTicketRoundTrip(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	task := NewTestTask([]byte("binary"), hivetypes.TestOptions{})
	ticket, err := m.RegisterTest(task)
	require.NoError(t, err)
	require.NotEmpty(t, ticket)

	sink, err := m.ValidateTicket(ticket)
	require.NoError(t, err)
	require.NotNil(t, sink)
	assert.Same(t, sink, task.Sink)
}

func TestTicketIsSingleUse(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	ticket, err := m.RegisterTest(NewTestTask(nil, hivetypes.TestOptions{}))
	require.NoError(t, err)

	_, err = m.ValidateTicket(ticket)
	require.NoError(t, err)

	_, err = m.ValidateTicket(ticket)
	assert.ErrorIs(t, err, ErrTicketInvalid)
}

func TestUnknownTicketIsInvalid(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	_, err := m.ValidateTicket(Ticket("no-such-ticket"))
	assert.ErrorIs(t, err, ErrTicketInvalid)
}

func TestQueueFullAtCacheLimit(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	for i := 0; i < TaskCacheLimit; i++ {
		_, err := m.RegisterTest(NewTestTask(nil, hivetypes.TestOptions{}))
		require.NoError(t, err)
	}

	_, err := m.RegisterTest(NewTestTask(nil, hivetypes.TestOptions{}))
	assert.ErrorIs(t, err, ErrTestQueueFull)
}

func TestExpiredTicketIsInvalidAndNotScheduled(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	now := time.Now()
	m.now = func() time.Time { return now }

	ticket, err := m.RegisterTest(NewTestTask(nil, hivetypes.TestOptions{}))
	require.NoError(t, err)

	// Cross the TTL boundary without validating.
	now = now.Add(31 * time.Second)

	_, err = m.ValidateTicket(ticket)
	assert.ErrorIs(t, err, ErrTicketInvalid)

	reinit, test := m.dequeue()
	assert.Nil(t, reinit)
	assert.Nil(t, test)
}

func TestExpiryFreesCacheCapacity(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < TaskCacheLimit; i++ {
		_, err := m.RegisterTest(NewTestTask(nil, hivetypes.TestOptions{}))
		require.NoError(t, err)
	}

	now = now.Add(31 * time.Second)

	_, err := m.RegisterTest(NewTestTask(nil, hivetypes.TestOptions{}))
	assert.NoError(t, err, "expired entries must not count against capacity")
}

func TestReinitSupersession(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	first := NewReinitTask()
	second := NewReinitTask()
	m.RegisterReinit(first)
	m.RegisterReinit(second)

	select {
	case err := <-first.Done:
		assert.ErrorIs(t, err, ErrReinitTaskDiscarded)
	default:
		t.Fatal("superseded reinit task did not resolve")
	}

	reinit, _ := m.dequeue()
	assert.Same(t, second, reinit)
}

func TestForwarderPrefersReinitOverTest(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	ticket, err := m.RegisterTest(NewTestTask(nil, hivetypes.TestOptions{}))
	require.NoError(t, err)
	_, err = m.ValidateTicket(ticket)
	require.NoError(t, err)

	reinit := NewReinitTask()
	m.RegisterReinit(reinit)

	go m.Run()

	select {
	case got := <-m.ReinitSource():
		assert.Same(t, reinit, got)
	case <-time.After(time.Second):
		t.Fatal("forwarder did not deliver the reinit task first")
	}

	select {
	case got := <-m.TestSource():
		assert.NotNil(t, got)
	case <-time.After(time.Second):
		t.Fatal("forwarder did not deliver the test task")
	}
}

func TestForwarderPreservesTestFIFO(t *testing.T) {
	m, shutdown := newTestManager(30 * time.Second)
	defer close(shutdown)

	var tasks []*TestTask
	for i := 0; i < 3; i++ {
		task := NewTestTask([]byte{byte(i)}, hivetypes.TestOptions{})
		ticket, err := m.RegisterTest(task)
		require.NoError(t, err)
		_, err = m.ValidateTicket(ticket)
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	go m.Run()

	for i := 0; i < 3; i++ {
		select {
		case got := <-m.TestSource():
			assert.Same(t, tasks[i], got)
		case <-time.After(time.Second):
			t.Fatalf("forwarder stalled before task %d", i)
		}
	}
}

func TestTicketIsURLSafe(t *testing.T) {
	for i := 0; i < 32; i++ {
		ticket := string(NewTicket())
		for _, c := range ticket {
			assert.NotContains(t, "+/", string(c))
		}
	}
}

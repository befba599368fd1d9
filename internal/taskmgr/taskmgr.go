// Package taskmgr accepts external test and reinit requests, admits them
// through a bounded TTL cache, and forwards ready tasks single-file to the
// scheduler (spec §4.3). It never runs a task itself.
package taskmgr

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/metrics"
	"github.com/hiverack/hive/internal/wsstream"
)

// TaskCacheLimit bounds how many test requests may wait for their websocket
// at once; registration past this point is backpressured with
// ErrTestQueueFull.
const TaskCacheLimit = 10

// Error kinds surfaced to the task originator (spec §7). Each maps to an
// HTTP status through StatusCode.
var (
	ErrTestQueueFull       = errors.New("the test queue is full, please try again later")
	ErrTicketInvalid       = errors.New("the provided ticket is invalid or the client took too long to connect the websocket after the initial test request")
	ErrReinitTaskDiscarded = errors.New("discarded this reinitialization task as it has been replaced by a newer reinit request")
)

// StatusCode maps a task manager error to its HTTP response status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrTestQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTicketInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrReinitTaskDiscarded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Ticket is the opaque single-use token binding a submitted test request to
// the websocket that will stream its progress and results.
type Ticket string

// NewTicket draws 16 random bytes and encodes them url-safe, since the
// ticket travels in a websocket URL query string.
func NewTicket() Ticket {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("taskmgr: crypto/rand unavailable: " + err.Error())
	}
	return Ticket(base64.URLEncoding.EncodeToString(raw[:]))
}

// TestTask is one submitted test run: the uploaded binary, the user's
// filter options, and (after ticket validation) the sink its status and
// results stream through.
type TestTask struct {
	ID           uuid.UUID
	RunnerBinary []byte
	Options      hivetypes.TestOptions
	Sink         *wsstream.TaskSink
}

func NewTestTask(runnerBinary []byte, options hivetypes.TestOptions) *TestTask {
	return &TestTask{ID: uuid.New(), RunnerBinary: runnerBinary, Options: options}
}

// ReinitTask asks the scheduler for a hardware reinitialization; Done
// receives exactly one value: nil on success, or the error that stopped it
// (including ErrReinitTaskDiscarded if a newer request superseded this one
// before the scheduler picked it up).
type ReinitTask struct {
	Done chan error
}

func NewReinitTask() *ReinitTask {
	return &ReinitTask{Done: make(chan error, 1)}
}

type pendingEntry struct {
	task    *TestTask
	expires time.Time
}

// Manager owns the pending-test TTL cache, the ready queue, and the single
// reinit slot. A background forwarder (Run) drains ready work into the
// scheduler's bounded channels, giving reinit priority when both kinds are
// available.
type Manager struct {
	now func() time.Time
	ttl time.Duration

	mu         sync.Mutex
	pending    map[Ticket]pendingEntry
	ready      []*TestTask
	reinitSlot *ReinitTask

	wake     chan struct{}
	testTx   chan *TestTask
	reinitTx chan *ReinitTask
	shutdown <-chan struct{}
}

// New creates a Manager whose pending entries expire after ttl (the
// WS_CONNECT_TIMEOUT_SECS window).
func New(ttl time.Duration, shutdown <-chan struct{}) *Manager {
	return &Manager{
		now:      time.Now,
		ttl:      ttl,
		pending:  make(map[Ticket]pendingEntry),
		wake:     make(chan struct{}, 1),
		testTx:   make(chan *TestTask),
		reinitTx: make(chan *ReinitTask),
		shutdown: shutdown,
	}
}

// TestSource is the scheduler's receive end for promoted test tasks.
func (m *Manager) TestSource() <-chan *TestTask { return m.testTx }

// ReinitSource is the scheduler's receive end for reinit tasks.
func (m *Manager) ReinitSource() <-chan *ReinitTask { return m.reinitTx }

// RegisterTest parks a task in the TTL cache and returns the ticket the
// client must present on its websocket connection. Fails with
// ErrTestQueueFull once TaskCacheLimit requests are already waiting.
func (m *Manager) RegisterTest(task *TestTask) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneExpiredLocked()
	if len(m.pending) >= TaskCacheLimit {
		return "", ErrTestQueueFull
	}

	ticket := NewTicket()
	m.pending[ticket] = pendingEntry{task: task, expires: m.now().Add(m.ttl)}
	metrics.PendingTests.Set(float64(len(m.pending)))
	return ticket, nil
}

// ValidateTicket atomically consumes a pending entry. On success the task
// gets its message sink, moves to the ready queue, and the returned sink is
// what the websocket handler pumps. An unknown or expired ticket fails with
// ErrTicketInvalid.
func (m *Manager) ValidateTicket(ticket Ticket) (*wsstream.TaskSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneExpiredLocked()
	entry, ok := m.pending[ticket]
	if !ok {
		metrics.TicketValidations.WithLabelValues("invalid").Inc()
		return nil, ErrTicketInvalid
	}
	delete(m.pending, ticket)
	metrics.PendingTests.Set(float64(len(m.pending)))
	metrics.TicketValidations.WithLabelValues("valid").Inc()

	sink := wsstream.NewTaskSink()
	entry.task.Sink = sink
	m.ready = append(m.ready, entry.task)
	metrics.ReadyTests.Set(float64(len(m.ready)))
	m.notify()
	return sink, nil
}

// RegisterReinit queues a reinit request, superseding and failing any
// not-yet-scheduled predecessor with ErrReinitTaskDiscarded.
func (m *Manager) RegisterReinit(task *ReinitTask) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reinitSlot != nil {
		m.reinitSlot.Done <- ErrReinitTaskDiscarded
	}
	m.reinitSlot = task
	m.notify()
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) pruneExpiredLocked() {
	now := m.now()
	for ticket, entry := range m.pending {
		if now.After(entry.expires) {
			delete(m.pending, ticket)
		}
	}
}

// Run is the background forwarder: it drains the reinit slot and the ready
// queue into the scheduler's channels, reinit first when both have work,
// FIFO within each kind. Blocks until the shutdown broadcast fires.
func (m *Manager) Run() {
	// Pruning also needs to happen while nothing else is going on, or an
	// expired entry would linger until the next registration touches the
	// cache.
	pruneTicker := time.NewTicker(m.ttl)
	defer pruneTicker.Stop()

	for {
		reinit, test := m.dequeue()

		switch {
		case reinit != nil:
			select {
			case m.reinitTx <- reinit:
			case <-m.shutdown:
				reinit.Done <- errors.New("taskmgr: shutting down")
				return
			}
		case test != nil:
			select {
			case m.testTx <- test:
			case <-m.shutdown:
				return
			}
		default:
			select {
			case <-m.wake:
			case <-pruneTicker.C:
				m.mu.Lock()
				m.pruneExpiredLocked()
				metrics.PendingTests.Set(float64(len(m.pending)))
				m.mu.Unlock()
			case <-m.shutdown:
				return
			}
		}
	}
}

// dequeue pops the next unit of work, reinit taking priority over test.
func (m *Manager) dequeue() (*ReinitTask, *TestTask) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reinitSlot != nil {
		reinit := m.reinitSlot
		m.reinitSlot = nil
		return reinit, nil
	}
	if len(m.ready) > 0 {
		test := m.ready[0]
		m.ready = m.ready[1:]
		metrics.ReadyTests.Set(float64(len(m.ready)))
		return nil, test
	}
	return nil, nil
}

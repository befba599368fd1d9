// Package wsstream streams a single test task's status and result messages
// to the websocket its ticket was validated on. One Stream per task; there
// is no broadcast hub because each run belongs to exactly one client.
package wsstream

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hiverack/hive/internal/hivetypes"
)

// ResultChannelCapacity is the size of the per-task message channel; the
// scheduler only ever has a handful of status messages in flight before the
// final Results frame.
const ResultChannelCapacity = 5

// TaskSink is the scheduler-side handle of a task's message stream. The
// scheduler sends into it; the websocket handler drains it. A client that
// disconnects before Results arrives marks the sink gone, which makes every
// subsequent Send fail so the running task can abandon delivery.
type TaskSink struct {
	C chan hivetypes.RunnerMsg

	gone     chan struct{}
	goneOnce sync.Once
}

func NewTaskSink() *TaskSink {
	return &TaskSink{
		C:    make(chan hivetypes.RunnerMsg, ResultChannelCapacity),
		gone: make(chan struct{}),
	}
}

// Send delivers a message to the websocket handler. Returns false if the
// client is gone and the message was dropped.
func (s *TaskSink) Send(msg hivetypes.RunnerMsg) bool {
	select {
	case <-s.gone:
		return false
	case s.C <- msg:
		return true
	}
}

// MarkClientGone records that the websocket closed from the client's end.
func (s *TaskSink) MarkClientGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// ClientGone is closed once the websocket handler has finished (either
// because it forwarded the final Results frame or because the connection
// dropped). The scheduler waits on this after sending Results so the client
// is guaranteed to have received the final frame before the next task runs.
func (s *TaskSink) ClientGone() <-chan struct{} {
	return s.gone
}

// wireMsg is the JSON frame format sent over the websocket.
type wireMsg struct {
	Type    string                 `json:"type"` // "status" or "results"
	Status  string                 `json:"status,omitempty"`
	Results *hivetypes.TestResults `json:"results,omitempty"`
}

// Streamer upgrades validated ticket requests to websockets and pumps each
// task's sink until the final Results frame.
type Streamer struct {
	upgrader websocket.Upgrader
	shutdown <-chan struct{}
}

func NewStreamer(shutdown <-chan struct{}) *Streamer {
	return &Streamer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdown: shutdown,
	}
}

// Serve upgrades the request and forwards the sink's messages until Results
// has been sent, the client disconnects, or the monitor shuts down. It
// always marks the sink gone on exit, which is the signal the scheduler
// waits for before starting the next task.
func (st *Streamer) Serve(w http.ResponseWriter, r *http.Request, sink *TaskSink) {
	conn, err := st.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		sink.MarkClientGone()
		return
	}
	defer conn.Close()
	defer sink.MarkClientGone()

	// Reader goroutine: the client never sends application data, but reads
	// are what surface a peer close.
	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(wireMsg{Type: "status", Status: "Waiting in task queue for execution"}); err != nil {
		return
	}

	for {
		select {
		case msg := <-sink.C:
			frame := wireMsg{Type: "status", Status: msg.Status}
			if msg.Kind == hivetypes.RunnerMsgResults {
				frame = wireMsg{Type: "results", Results: &msg.Results}
			}
			if err := conn.WriteJSON(frame); err != nil {
				slog.Warn("websocket write failed, abandoning task stream", "error", err)
				return
			}
			if msg.Kind == hivetypes.RunnerMsgResults {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-clientClosed:
			return
		case <-st.shutdown:
			return
		}
	}
}

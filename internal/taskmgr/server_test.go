package taskmgr

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/wsstream"
)

func newTestServer(t *testing.T) (*Server, *Manager) {
	t.Helper()
	shutdown := make(chan struct{})
	t.Cleanup(func() { close(shutdown) })
	manager := New(30*time.Second, shutdown)
	return NewServer(manager, wsstream.NewStreamer(shutdown)), manager
}

func multipartUpload(t *testing.T, binary []byte, optionsJSON string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("runner", "runner")
	require.NoError(t, err)
	_, err = part.Write(binary)
	require.NoError(t, err)

	if optionsJSON != "" {
		require.NoError(t, writer.WriteField("options", optionsJSON))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/test/run", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestTestRunReturnsTicket(t *testing.T) {
	server, manager := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, multipartUpload(t, []byte("elf"), `{"filter":"uart"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["ticket"])

	sink, err := manager.ValidateTicket(Ticket(resp["ticket"]))
	require.NoError(t, err)
	assert.NotNil(t, sink)

	_, task := manager.dequeue()
	require.NotNil(t, task)
	assert.Equal(t, []byte("elf"), task.RunnerBinary)
	assert.Equal(t, "uart", task.Options.Filter)
}

func TestTestRunWithoutBinaryIs400(t *testing.T) {
	server, _ := newTestServer(t)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("options", "{}"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/test/run", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestRunBackpressureIs503(t *testing.T) {
	server, manager := newTestServer(t)
	for i := 0; i < TaskCacheLimit; i++ {
		_, err := manager.RegisterTest(NewTestTask(nil, hivetypes.TestOptions{}))
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, multipartUpload(t, []byte("elf"), ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSocketWithBadTicketIs401(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/test/socket?ticket=bogus", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSocketWithoutTicketIs400(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/test/socket", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

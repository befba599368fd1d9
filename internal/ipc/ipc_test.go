package ipc

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/store"
	"github.com/hiverack/hive/internal/wire"
)

type ipcFixture struct {
	client   *Client
	options  *OptionsHolder
	defines  *DefinesHolder
	results  chan hivetypes.TestResults
	tree     *store.Tree
	shutdown chan struct{}
}

// newIpcFixture runs a real server on a unix socket in a temp dir and a
// client dialing it, the same transport production uses.
func newIpcFixture(t *testing.T) *ipcFixture {
	t.Helper()

	f := &ipcFixture{
		options:  NewOptionsHolder(),
		defines:  NewDefinesHolder(),
		results:  make(chan hivetypes.TestResults, 1),
		shutdown: make(chan struct{}),
	}
	db := store.Open(store.NewMemoryBackend(), time.Hour)
	t.Cleanup(func() { _ = db.Close() })
	f.tree = db.Config

	socketPath := filepath.Join(t.TempDir(), "ipc_sock")
	server := NewServer(socketPath, f.tree, f.options, f.defines, f.results, f.shutdown)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			t.Errorf("ipc server: %v", err)
		}
	}()
	t.Cleanup(func() { close(f.shutdown) })

	f.client = NewClient(socketPath)

	// Wait for the socket to accept connections before the first request.
	require.Eventually(t, func() bool {
		_, err := f.client.Options(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	return f
}

func TestProbeDataRoundTrip(t *testing.T) {
	f := newIpcFixture(t)
	ctx := context.Background()

	serial := "000123"
	assignment := hivetypes.ProbeInitData{
		{VendorID: 0x1366, ProductID: 0x0101, SerialNumber: &serial, Identifier: "J-Link"},
		nil, nil, nil,
	}
	require.NoError(t, store.Insert(ctx, f.tree, store.KeyAssignedProbes, assignment))

	got, err := f.client.ProbeData(ctx)
	require.NoError(t, err)
	require.NotNil(t, got[0])
	assert.Equal(t, "J-Link", got[0].Identifier)
	assert.Equal(t, "000123", *got[0].SerialNumber)
	assert.Nil(t, got[1])
}

func TestTargetDataRoundTrip(t *testing.T) {
	f := newIpcFixture(t)
	ctx := context.Background()

	var assignment hivetypes.TargetInitData
	shield := [4]hivetypes.TargetState{
		hivetypes.NewKnownTarget(hivetypes.TargetInfo{Name: "STM32F030C6Tx", Architecture: hivetypes.ArchitectureARM}),
		hivetypes.NewUnknownTarget(),
		hivetypes.NewNotConnectedTarget(),
		hivetypes.NewUnknownTarget(),
	}
	assignment[2] = &shield
	require.NoError(t, store.Insert(ctx, f.tree, store.KeyAssignedTargets, assignment))

	got, err := f.client.TargetData(ctx)
	require.NoError(t, err)
	require.NotNil(t, got[2])
	assert.Equal(t, "STM32F030C6Tx", got[2][0].Info.Name)
	assert.Nil(t, got[0])
}

func TestOptionsAndDefines(t *testing.T) {
	f := newIpcFixture(t)
	ctx := context.Background()

	f.options.Set(hivetypes.TestOptions{Filter: "uart", IncludeIgnored: true})
	defines := hivetypes.NewDefineRegistry()
	defines.Set("SYS_TICK_HZ", 1000)
	f.defines.Set(defines)

	options, err := f.client.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, "uart", options.Filter)
	assert.True(t, options.IncludeIgnored)

	gotDefines, err := f.client.Defines(ctx)
	require.NoError(t, err)
	v, ok := gotDefines.Get("SYS_TICK_HZ")
	require.True(t, ok)
	assert.Equal(t, uint32(1000), v)
}

func TestResultsAreForwardedToScheduler(t *testing.T) {
	f := newIpcFixture(t)
	ctx := context.Background()

	results := hivetypes.OK([]hivetypes.TestResult{{
		Status:     hivetypes.TestPassed,
		TestName:   "passes",
		TargetName: "STM32F030C6Tx",
	}})
	require.NoError(t, f.client.PostResults(ctx, results))

	select {
	case got := <-f.results:
		require.Len(t, got.Results, 1)
		assert.Equal(t, "passes", got.Results[0].TestName)
	case <-time.After(time.Second):
		t.Fatal("results were not forwarded on the internal channel")
	}
}

func TestMissingProbeDataIsServerError(t *testing.T) {
	f := newIpcFixture(t)

	_, err := f.client.ProbeData(context.Background())
	require.Error(t, err)
}

// The content-type and malformed-body paths are exercised through the
// router directly so the status codes are observable.
func TestContentTypeMismatchIs415(t *testing.T) {
	f := newIpcFixture(t)
	router := NewServer("", f.tree, f.options, f.defines, f.results, f.shutdown).Router()

	req := httptest.NewRequest(http.MethodPost, "/runner/results", bytes.NewReader([]byte("payload")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestMalformedBodyIs400WithWireError(t *testing.T) {
	f := newIpcFixture(t)
	router := NewServer("", f.tree, f.options, f.defines, f.results, f.shutdown).Router()

	req := httptest.NewRequest(http.MethodPost, "/runner/results", bytes.NewReader([]byte{0xFF, 0xFF, 0xFF}))
	req.Header.Set("Content-Type", hivetypes.ContentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, hivetypes.ContentType, rec.Header().Get("Content-Type"))

	msg, err := wire.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, hivetypes.IpcDesyncError, msg.Kind)
}

func TestNonResultsUploadIs400(t *testing.T) {
	f := newIpcFixture(t)
	router := NewServer("", f.tree, f.options, f.defines, f.results, f.shutdown).Router()

	raw, err := wire.Encode(hivetypes.EmptyMessage())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/runner/results", bytes.NewReader(raw))
	req.Header.Set("Content-Type", hivetypes.ContentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

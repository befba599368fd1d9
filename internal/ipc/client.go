package ipc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/wire"
)

// Client is the runner's side of the IPC socket. All requests retry with
// the shared transient-error policy, since the monitor's server may still
// be accepting its listener when the runner starts.
type Client struct {
	http *http.Client
}

// NewClient dials the monitor's unix socket for every request; the host in
// request URLs is a placeholder.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload *hivetypes.IpcMessage) (hivetypes.IpcMessage, error) {
	var decoded hivetypes.IpcMessage
	err := Retry(ctx, func() error {
		var body io.Reader
		if payload != nil {
			raw, err := wire.Encode(*payload)
			if err != nil {
				return Permanent(fmt.Errorf("ipc: encode request: %w", err))
			}
			body = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, "http://runner"+path, body)
		if err != nil {
			return Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", hivetypes.ContentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("ipc: server error %d: %s", resp.StatusCode, summarize(raw))
		}
		if resp.StatusCode != http.StatusOK {
			return Permanent(fmt.Errorf("ipc: request %s failed with status %d: %s", path, resp.StatusCode, summarize(raw)))
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			return fmt.Errorf("ipc: decode response: %w", err)
		}
		decoded = msg
		return nil
	})
	return decoded, err
}

// summarize renders an error response body for a message, preferring the
// wire-decoded reason over raw bytes.
func summarize(raw []byte) string {
	if msg, err := wire.Decode(raw); err == nil && msg.Kind == hivetypes.IpcDesyncError {
		return msg.DesyncError
	}
	if len(raw) > 128 {
		raw = raw[:128]
	}
	return string(raw)
}

// ProbeData fetches the four-slot probe assignment.
func (c *Client) ProbeData(ctx context.Context) (hivetypes.ProbeInitData, error) {
	msg, err := c.roundTrip(ctx, http.MethodGet, "/data/probe", nil)
	if err != nil {
		return hivetypes.ProbeInitData{}, err
	}
	if msg.Kind != hivetypes.IpcProbeInitData || msg.Probes == nil {
		return hivetypes.ProbeInitData{}, fmt.Errorf("ipc: unexpected response kind %s for probe data", msg.Kind)
	}
	return *msg.Probes, nil
}

// TargetData fetches the eight-slot target assignment.
func (c *Client) TargetData(ctx context.Context) (hivetypes.TargetInitData, error) {
	msg, err := c.roundTrip(ctx, http.MethodGet, "/data/target", nil)
	if err != nil {
		return hivetypes.TargetInitData{}, err
	}
	if msg.Kind != hivetypes.IpcTargetInitData || msg.Targets == nil {
		return hivetypes.TargetInitData{}, fmt.Errorf("ipc: unexpected response kind %s for target data", msg.Kind)
	}
	return *msg.Targets, nil
}

// Defines fetches the symbol registry spliced into the active testprogram.
func (c *Client) Defines(ctx context.Context) (*hivetypes.DefineRegistry, error) {
	msg, err := c.roundTrip(ctx, http.MethodGet, "/data/defines", nil)
	if err != nil {
		return nil, err
	}
	if msg.Kind != hivetypes.IpcDefineRegistry || msg.Defines == nil {
		return nil, fmt.Errorf("ipc: unexpected response kind %s for defines", msg.Kind)
	}
	return msg.Defines, nil
}

// Options fetches the current task's test options.
func (c *Client) Options(ctx context.Context) (hivetypes.TestOptions, error) {
	msg, err := c.roundTrip(ctx, http.MethodGet, "/data/options", nil)
	if err != nil {
		return hivetypes.TestOptions{}, err
	}
	if msg.Kind != hivetypes.IpcTestOptions || msg.Options == nil {
		return hivetypes.TestOptions{}, fmt.Errorf("ipc: unexpected response kind %s for options", msg.Kind)
	}
	return *msg.Options, nil
}

// PostResults uploads the aggregate test results to the monitor.
func (c *Client) PostResults(ctx context.Context, results hivetypes.TestResults) error {
	payload := hivetypes.ResultsMessage(results)
	msg, err := c.roundTrip(ctx, http.MethodPost, "/runner/results", &payload)
	if err != nil {
		return err
	}
	if msg.Kind != hivetypes.IpcEmpty {
		return fmt.Errorf("ipc: unexpected response kind %s for result upload", msg.Kind)
	}
	return nil
}

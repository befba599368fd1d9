package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/hiverack/hive/internal/hiveconfig"
)

// DockerRunner sandboxes the runner binary in a locked-down container
// instead of bwrap: no network, read-only rootfs, the same bind set as the
// bwrap path. Used on development machines where bubblewrap or the rack's
// device tree is unavailable.
type DockerRunner struct {
	cfg   hiveconfig.SandboxConfig
	paths hiveconfig.PathsConfig
}

func NewDockerRunner(cfg hiveconfig.SandboxConfig, paths hiveconfig.PathsConfig) *DockerRunner {
	return &DockerRunner{cfg: cfg, paths: paths}
}

func (d *DockerRunner) binds(runnerBinaryPath string) []string {
	binds := []string{
		d.paths.LogsDir + ":" + d.paths.LogsDir + ":rw",
		d.paths.TestprogramsDir + ":" + d.paths.TestprogramsDir + ":ro",
		d.paths.RunnerDir + ":" + d.paths.RunnerDir + ":ro",
	}
	for _, ro := range d.cfg.ReadOnlyBinds {
		binds = append(binds, ro+":"+ro+":ro")
	}
	for _, rw := range d.cfg.ReadWriteBinds {
		binds = append(binds, rw+":"+rw+":rw")
	}
	_ = runnerBinaryPath
	return binds
}

// Run creates, starts, and streams a one-shot container around the runner
// binary. Kill force-removes the container; Wait blocks until it exits.
func (d *DockerRunner) Run(ctx context.Context, runnerBinaryPath string) (*Process, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Binds:          d.binds(runnerBinaryPath),
		Resources: container.Resources{
			NanoCPUs: 2_000_000_000,
			Memory:   1024 * 1024 * 1024,
		},
	}
	for _, dev := range d.cfg.DeviceBinds {
		hostConfig.Devices = append(hostConfig.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}

	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image: d.cfg.Image,
		Cmd:   []string{runnerBinaryPath},
		User:  fmt.Sprintf("%d:%d", d.cfg.UID, d.cfg.GID),
	}, hostConfig, nil, nil, "")
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("sandbox: create runner container: %w", err)
	}

	attach, err := cli.ContainerAttach(ctx, created.ID, types.ContainerAttachOptions{
		Stream: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		_ = cli.Close()
		return nil, fmt.Errorf("sandbox: attach runner container: %w", err)
	}

	if err := cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		attach.Close()
		_ = cli.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		_ = cli.Close()
		return nil, fmt.Errorf("sandbox: start runner container: %w", err)
	}

	// The attach stream multiplexes stdout/stderr; demultiplex into two
	// pipes so the caller sees the same Process shape as the bwrap path.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		err := demuxDockerStream(attach.Reader, stdoutW, stderrW)
		_ = stdoutW.CloseWithError(err)
		_ = stderrW.CloseWithError(err)
	}()

	waitCh, waitErrCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)

	cleanup := func() {
		attach.Close()
		removeCtx := context.Background()
		_ = cli.ContainerRemove(removeCtx, created.ID, types.ContainerRemoveOptions{Force: true})
		_ = cli.Close()
	}

	return &Process{
		Stdout: stdoutR,
		Stderr: stderrR,
		Kill: func() error {
			cleanup()
			return nil
		},
		Wait: func() error {
			defer cleanup()
			select {
			case result := <-waitCh:
				if result.StatusCode != 0 {
					return fmt.Errorf("sandbox: runner container exited with status %d", result.StatusCode)
				}
				return nil
			case err := <-waitErrCh:
				return err
			}
		},
	}, nil
}

// demuxDockerStream splits Docker's multiplexed attach stream into stdout
// and stderr. Each frame carries an 8-byte header: stream type, three
// padding bytes, and a big-endian payload length.
func demuxDockerStream(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		length := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, int64(length)); err != nil {
			return err
		}
	}
}

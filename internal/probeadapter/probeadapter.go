// Package probeadapter drives the external probe-rs command line tool,
// which owns the actual attach/erase/download wire protocols. The monitor
// treats the debug-probe library as an external collaborator (spec §1);
// this adapter is the boundary, invoked the same way the testprogram
// pipeline invokes the external assembler and linker.
package probeadapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hivetypes"
)

// CLI wraps one probe-rs binary.
type CLI struct {
	bin string
}

// New returns a CLI around the named binary ("probe-rs" resolved from PATH
// when empty).
func New(bin string) *CLI {
	if bin == "" {
		bin = "probe-rs"
	}
	return &CLI{bin: bin}
}

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("probeadapter: %s %s: %s: %w", c.bin, args[0], msg, err)
	}
	return stdout.Bytes(), nil
}

// listLine matches one probe line of `probe-rs list`, e.g.
// [0]: J-Link -- 1366:0101:000123456789 (J-Link)
var listLine = regexp.MustCompile(`^\[\d+\]:\s+(.+?)\s+--\s+([0-9a-fA-F]{4}):([0-9a-fA-F]{4})(?::(\S+))?`)

// ListAll enumerates probes currently visible to probe-rs.
func (c *CLI) ListAll(ctx context.Context) ([]hardware.DetectedProbe, error) {
	out, err := c.run(ctx, "list")
	if err != nil {
		return nil, err
	}

	var probes []hardware.DetectedProbe
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := listLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		vid, _ := strconv.ParseUint(m[2], 16, 16)
		pid, _ := strconv.ParseUint(m[3], 16, 16)
		descriptor := hivetypes.ProbeDescriptor{
			VendorID:   uint16(vid),
			ProductID:  uint16(pid),
			Identifier: m[1],
		}
		if m[4] != "" {
			serial := m[4]
			descriptor.SerialNumber = &serial
		}
		d := descriptor
		probes = append(probes, hardware.DetectedProbe{
			Descriptor: d,
			Open:       func() (hardware.ProbeHandle, error) { return c.open(d), nil },
		})
	}
	return probes, nil
}

// Open reopens a probe by descriptor. probe-rs selects probes per
// invocation, so "opening" only pins the selector; the USB device is
// claimed when a command runs.
func (c *CLI) Open(ctx context.Context, descriptor hivetypes.ProbeDescriptor) (hardware.ProbeHandle, error) {
	return c.open(descriptor), nil
}

func (c *CLI) open(descriptor hivetypes.ProbeDescriptor) *Handle {
	return &Handle{cli: c, descriptor: descriptor, speedHz: hardware.DebugProbeSpeedHz}
}

// selector renders the --probe argument for a descriptor.
func selector(d hivetypes.ProbeDescriptor) string {
	sel := fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
	if d.SerialNumber != nil {
		sel += ":" + *d.SerialNumber
	}
	return sel
}

// Handle is an opened probe: a pinned selector plus the configured clock.
type Handle struct {
	cli        *CLI
	descriptor hivetypes.ProbeDescriptor
	speedHz    uint32
}

func (h *Handle) SetSpeed(hz uint32) error {
	h.speedHz = hz
	return nil
}

// Attach verifies the probe can reach the target and returns a session
// pinned to this (probe, target, speed) triple. probe-rs re-attaches on
// every subcommand, so verification is a reset-halt round trip.
func (h *Handle) Attach(ctx context.Context, targetName string, underReset bool) (hardware.Session, error) {
	args := []string{"reset", "--chip", targetName, "--probe", selector(h.descriptor), "--speed", speedKHz(h.speedHz)}
	if underReset {
		args = append(args, "--connect-under-reset")
	}
	if _, err := h.cli.run(ctx, args...); err != nil {
		return nil, err
	}
	return &Session{
		cli:        h.cli,
		descriptor: h.descriptor,
		chip:       targetName,
		speedHz:    h.speedHz,
		underReset: underReset,
	}, nil
}

func (h *Handle) Close() error { return nil }

// Session is a live attachment: every operation re-issues the probe and
// chip selectors that established it.
type Session struct {
	cli        *CLI
	descriptor hivetypes.ProbeDescriptor
	chip       string
	speedHz    uint32
	underReset bool
}

func (s *Session) Close() error { return nil }

// EraseAndDownload chip-erases the target and downloads the ELF.
func (s *Session) EraseAndDownload(ctx context.Context, elfPath string) error {
	base := []string{"--chip", s.chip, "--probe", selector(s.descriptor), "--speed", speedKHz(s.speedHz)}
	if s.underReset {
		base = append(base, "--connect-under-reset")
	}

	if _, err := s.cli.run(ctx, append([]string{"erase"}, base...)...); err != nil {
		return err
	}
	args := append([]string{"download"}, base...)
	args = append(args, "--binary-format", "elf", elfPath)
	_, err := s.cli.run(ctx, args...)
	return err
}

func speedKHz(hz uint32) string {
	khz := hz / 1000
	if khz == 0 {
		khz = 1
	}
	return strconv.FormatUint(uint64(khz), 10)
}

// Flasher adapts the CLI to the testprogram pipeline's Flasher interface.
type Flasher struct{}

func (Flasher) Flash(ctx context.Context, session hardware.Session, elfPath string) error {
	s, ok := session.(*Session)
	if !ok {
		return fmt.Errorf("probeadapter: session %T does not support flashing", session)
	}
	return s.EraseAndDownload(ctx, elfPath)
}

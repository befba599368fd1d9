package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hiverack/hive/internal/hivetypes"
)

// Session is a live debug session on an attached target. The hardware
// package only needs to hand one to caller-supplied actions and close it
// afterward; everything else about a session belongs to whatever package
// actually knows the wire protocol to the silicon (outside this package's
// scope).
type Session interface {
	Close() error
}

// ProbeHandle is an opened debug probe.
type ProbeHandle interface {
	SetSpeed(hz uint32) error
	Attach(ctx context.Context, targetName string, underReset bool) (Session, error)
	Close() error
}

// DetectedProbe is one entry in a probe enumeration: its descriptor plus a
// way to open it.
type DetectedProbe struct {
	Descriptor hivetypes.ProbeDescriptor
	Open       func() (ProbeHandle, error)
}

// ProbeLister enumerates debug probes currently visible on the host's USB
// bus and can re-open a specific one by descriptor (used to reinitialize a
// probe, and by TryAttach's attach-under-reset retry).
type ProbeLister interface {
	ListAll(ctx context.Context) ([]DetectedProbe, error)
	Open(ctx context.Context, descriptor hivetypes.ProbeDescriptor) (ProbeHandle, error)
}

// TryAttach takes ownership of the channel's probe handle, sets its clock to
// DebugProbeSpeedHz, and attempts a normal attach. On failure it reopens the
// probe from its descriptor and retries under reset. The action runs with a
// live session on success. After the action returns, win or lose, the
// probe's USB interface is reset and the handle is reopened from the
// descriptor and returned to the channel.
func TryAttach(ctx context.Context, tc *TestChannel, targetInfo hivetypes.TargetInfo, action func(Session) error) error {
	descriptor := tc.ProbeDescriptor()
	handle := tc.TakeProbeOwned()

	finish := func(actionErr error) error {
		if descriptor != nil {
			if err := ResetProbeUSB(*descriptor); err != nil {
				slog.Warn("failed to reset probe usb interface", "probe", descriptor.Identifier, "error", err)
			}
			reopened, reopenErr := tc.lister.Open(ctx, *descriptor)
			if reopenErr != nil {
				slog.Warn("failed to reopen probe after attach attempt", "error", reopenErr)
				tc.ReturnProbe(nil)
			} else {
				tc.ReturnProbe(reopened)
			}
		} else {
			tc.ReturnProbe(handle)
		}
		return actionErr
	}

	_ = handle.SetSpeed(DebugProbeSpeedHz)
	sess, err := handle.Attach(ctx, targetInfo.Name, false)
	if err == nil {
		actionErr := action(sess)
		_ = sess.Close()
		return finish(actionErr)
	}
	slog.Warn("failed to attach probe, retrying with attach-under-reset",
		"target", targetInfo.Name, "error", err)

	if descriptor == nil {
		return finish(fmt.Errorf("hardware: attach failed and no descriptor to retry from: %w", err))
	}
	reopened, reopenErr := tc.lister.Open(ctx, *descriptor)
	if reopenErr != nil {
		return finish(fmt.Errorf("hardware: reopen for attach-under-reset: %w", reopenErr))
	}
	_ = reopened.SetSpeed(DebugProbeSpeedHz)
	sess, err = reopened.Attach(ctx, targetInfo.Name, true)
	if err != nil {
		slog.Warn("failed to attach probe under reset", "target", targetInfo.Name, "error", err)
		return finish(fmt.Errorf("hardware: attach under reset: %w", err))
	}
	actionErr := action(sess)
	_ = sess.Close()
	return finish(actionErr)
}

// ResetProbeUSB resets the USB device matching the descriptor's VID/PID by
// unbinding and rebinding it through sysfs; a probe with no listed serial
// resets the first matching device it finds. Failure is logged by the
// caller, never fatal.
func ResetProbeUSB(descriptor hivetypes.ProbeDescriptor) error {
	slog.Info("resetting probe usb interface", "probe", descriptor.Identifier)

	devPath, err := findUSBDevicePath(descriptor)
	if err != nil {
		return err
	}

	authPath := filepath.Join(devPath, "authorized")
	if err := os.WriteFile(authPath, []byte("0"), 0644); err != nil {
		return fmt.Errorf("hardware: deauthorize usb device: %w", err)
	}
	if err := os.WriteFile(authPath, []byte("1"), 0644); err != nil {
		return fmt.Errorf("hardware: reauthorize usb device: %w", err)
	}
	return nil
}

// findUSBDevicePath walks /sys/bus/usb/devices looking for a device whose
// idVendor/idProduct (and serial, if the descriptor names one) match.
func findUSBDevicePath(descriptor hivetypes.ProbeDescriptor) (string, error) {
	const usbDevicesRoot = "/sys/bus/usb/devices"
	entries, err := os.ReadDir(usbDevicesRoot)
	if err != nil {
		return "", fmt.Errorf("hardware: read usb devices: %w", err)
	}
	for _, entry := range entries {
		dir := filepath.Join(usbDevicesRoot, entry.Name())
		vendor, err := readHexAttr(filepath.Join(dir, "idVendor"))
		if err != nil || vendor != descriptor.VendorID {
			continue
		}
		product, err := readHexAttr(filepath.Join(dir, "idProduct"))
		if err != nil || product != descriptor.ProductID {
			continue
		}
		if descriptor.SerialNumber != nil {
			serial, _ := os.ReadFile(filepath.Join(dir, "serial"))
			if trimTrailingNewline(string(serial)) != *descriptor.SerialNumber {
				continue
			}
		}
		return dir, nil
	}
	return "", fmt.Errorf("hardware: no usb device found matching vid=%#04x pid=%#04x", descriptor.VendorID, descriptor.ProductID)
}

func readHexAttr(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var v uint16
	_, err = fmt.Sscanf(trimTrailingNewline(string(data)), "%x", &v)
	return v, err
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

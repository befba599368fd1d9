package testprogram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hiverack/hive/internal/circuitbreaker"
	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hivetypes"
)

// Flasher is the narrow slice of a debug session this package needs to push
// an ELF onto a target; production wiring backs this with whatever talks
// the actual flashing protocol, same boundary-interface treatment as
// MemoryMapLookup.
type Flasher interface {
	Flash(ctx context.Context, session hardware.Session, elfPath string) error
}

// FlashTestbinaries spawns one worker per ready test channel. Each worker
// reuses the §4.1 traversal; for every (channel, Known target) with an Ok
// flash status it attaches, erases, and downloads the ELF that target's
// (arch, nvm, ram) triple resolves to. Flash outcomes are posted on a
// synchronous (0-capacity) channel to a single collector goroutine, which is
// what stops a late-arriving success from being masked by an earlier
// failure recorded after another worker's skip-check already ran.
func FlashTestbinaries(
	ctx context.Context,
	tp TestProgram,
	shields [hardware.MaxShields]*hardware.Shield,
	channels [hardware.MaxChannelsPerShield]*hardware.TestChannel,
	flasher Flasher,
	flashBreaker *circuitbreaker.CircuitBreaker,
) []hivetypes.FlashStatus {
	results := make(chan hivetypes.FlashStatus)
	var flashed flashedSet

	var wg sync.WaitGroup
	for _, tc := range channels {
		if tc == nil || !tc.IsReady() {
			continue
		}
		wg.Add(1)
		go func(tc *hardware.TestChannel) {
			defer wg.Done()
			tc.ConnectAllAvailableAndExecute(shields, flashBreaker, func(target hivetypes.TargetInfo, shieldPos, targetIdx uint8) {
				flashOne(ctx, tc, tp, target, shieldPos, flasher, &flashed, results)
			})
		}(tc)
	}

	var collected []hivetypes.FlashStatus
	done := make(chan struct{})
	go func() {
		for r := range results {
			collected = append(collected, r)
		}
		close(done)
	}()

	wg.Wait()
	close(results)
	<-done

	applyFlashResults(shields, collected)
	return collected
}

// flashedSet is the "already flashed successfully" tracker; a push holds the
// writer lock only for the duration of the append, and a skip-check takes a
// read-lock snapshot immediately before deciding.
type flashedSet struct {
	mu   sync.RWMutex
	done []hivetypes.FlashStatus
}

func (f *flashedSet) alreadyOk(shieldPos uint8, targetName string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.done {
		if r.ShieldPos == shieldPos && r.TargetName == targetName && r.Result.OK() {
			return true
		}
	}
	return false
}

func (f *flashedSet) push(status hivetypes.FlashStatus) {
	f.mu.Lock()
	f.done = append(f.done, status)
	f.mu.Unlock()
}

func flashOne(
	ctx context.Context,
	tc *hardware.TestChannel,
	tp TestProgram,
	target hivetypes.TargetInfo,
	shieldPos uint8,
	flasher Flasher,
	flashed *flashedSet,
	results chan<- hivetypes.FlashStatus,
) {
	if !target.FlashStatus.OK() {
		return
	}
	if flashed.alreadyOk(shieldPos, target.Name) {
		return
	}
	// A probe that could not be reopened after an earlier flash leaves the
	// channel without a handle; the remaining targets on it are skipped.
	if !tc.IsReady() {
		return
	}

	descriptor := tc.ProbeDescriptor()
	probeName, probeSerial := "", ""
	if descriptor != nil {
		probeName = descriptor.Identifier
		if descriptor.SerialNumber != nil {
			probeSerial = *descriptor.SerialNumber
		}
	}

	slog.Info("flashing testbinary onto target", "target", target.Name, "probe", probeName)

	elfPath := tp.ELFPath(target.Architecture, *target.Memory)
	attachErr := hardware.TryAttach(ctx, tc, target, func(sess hardware.Session) error {
		return flasher.Flash(ctx, sess, elfPath)
	})

	status := hivetypes.FlashStatus{
		ShieldPos: shieldPos, TargetName: target.Name,
		ProbeName: probeName, ProbeSerial: probeSerial,
	}
	if attachErr != nil {
		slog.Warn("failed to flash target", "target", target.Name, "probe", probeName, "error", attachErr)
		status.Result = hivetypes.FlashResult{Err: fmt.Sprintf("%v", attachErr)}
	}

	flashed.push(status)
	results <- status

	if descriptor != nil {
		if err := hardware.ResetProbeUSB(*descriptor); err != nil {
			slog.Warn("failed to reset the debug probe usb", "probe", probeName, "error", err)
		}
	}
	if err := tc.ReinitializeProbe(ctx); err != nil {
		slog.Warn("failed to reinitialize debug probe, skipping remaining flash attempts on this channel",
			"channel", tc.ID(), "error", err)
	}
}

// applyFlashResults folds the collected flash outcomes back into each
// Known target's FlashStatus: Ok iff at least one successful flash record
// exists for that (shield, target) pair.
func applyFlashResults(shields [hardware.MaxShields]*hardware.Shield, results []hivetypes.FlashStatus) {
	for _, shield := range shields {
		if shield == nil {
			continue
		}
		targets := shield.Targets()
		if targets == nil {
			continue
		}
		for idx, target := range targets {
			if !target.IsKnown() || !target.Info.FlashStatus.OK() {
				continue
			}
			info := target.Info
			found, ok := false, false
			for _, r := range results {
				if r.ShieldPos != shield.Position() || r.TargetName != info.Name {
					continue
				}
				found = true
				if r.Result.OK() {
					ok = true
					break
				}
			}
			if !found {
				continue
			}
			if ok {
				info.FlashStatus = hivetypes.FlashResult{}
			} else {
				info.FlashStatus = hivetypes.FlashResult{Err: "failed to flash testbinary prior to testing"}
			}
			shield.SetTargetInfo(uint8(idx), info)
		}
	}
}

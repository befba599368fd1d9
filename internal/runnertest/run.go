package runnertest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hivetypes"
)

// RunAll executes every selected test against every (ready channel, Known
// target) pair using the try-lock shield traversal, and returns the
// aggregate results. A pair whose probe cannot attach contributes one
// Skipped result per test so the result stream stays complete.
func RunAll(
	ctx context.Context,
	hw *hardware.HiveHardware,
	defines *hivetypes.DefineRegistry,
	options hivetypes.TestOptions,
) []hivetypes.TestResult {
	tests := selectTests(registeredTests(), options)

	results := make(chan hivetypes.TestResult)
	var collected []hivetypes.TestResult
	done := make(chan struct{})
	go func() {
		for r := range results {
			collected = append(collected, r)
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for _, tc := range hw.TestChannels {
		if tc == nil || !tc.IsReady() {
			continue
		}
		wg.Add(1)
		go func(tc *hardware.TestChannel) {
			defer wg.Done()
			tc.ConnectAllAvailableAndExecute(hw.Shields, nil, func(target hivetypes.TargetInfo, shieldPos, targetIdx uint8) {
				if !shieldAllowed(options, shieldPos) {
					return
				}
				runTestsOnTarget(ctx, tc, target, shieldPos, tests, defines, results)
			})
		}(tc)
	}

	wg.Wait()
	close(results)
	<-done
	return collected
}

// runTestsOnTarget runs the full test list against one (channel, target)
// pair inside a single attach.
func runTestsOnTarget(
	ctx context.Context,
	tc *hardware.TestChannel,
	target hivetypes.TargetInfo,
	shieldPos uint8,
	tests []Registration,
	defines *hivetypes.DefineRegistry,
	results chan<- hivetypes.TestResult,
) {
	probeName, probeSerial := probeIdentity(tc)

	slog.Debug("testing target", "target", target.Name, "shield", shieldPos, "channel", tc.ID())

	// The channel might not be ready anymore if probe reinitialization
	// failed after an earlier pair.
	if !tc.IsReady() {
		skipAll(results, tests, target.Name, probeName, probeSerial,
			"Failed to reinitialize the debug probe for this testrun")
		return
	}

	if !target.FlashStatus.OK() {
		skipAll(results, tests, target.Name, probeName, probeSerial, target.FlashStatus.Err)
		return
	}

	attachErr := hardware.TryAttach(ctx, tc, target, func(session hardware.Session) error {
		for _, test := range tests {
			results <- executeTest(test, tc, session, &target, defines, probeName, probeSerial)

			if err := tc.Reset(); err != nil {
				slog.Warn("failed to reset test channel after test function", "channel", tc.ID(), "error", err)
			}
		}
		return nil
	})
	if attachErr != nil {
		skipAll(results, tests, target.Name, probeName, probeSerial,
			fmt.Sprintf("failed to attach probe to target: %v", attachErr))
	}
}

// executeTest runs one test function with panic recovery, mapping the
// (panicked, should_panic) matrix to Passed/Failed.
func executeTest(
	test Registration,
	tc *hardware.TestChannel,
	session hardware.Session,
	target *hivetypes.TargetInfo,
	defines *hivetypes.DefineRegistry,
	probeName, probeSerial string,
) hivetypes.TestResult {
	result := hivetypes.TestResult{
		ShouldPanic: test.ShouldPanic,
		TestName:    test.Name,
		ModulePath:  test.ModulePath,
		TargetName:  target.Name,
		ProbeName:   probeName,
		ProbeSerial: probeSerial,
	}

	panicked, cause, backtrace := callWithRecover(test.Fn, tc, session, target, defines)

	switch {
	case panicked && test.ShouldPanic:
		result.Status = hivetypes.TestPassed
	case panicked:
		result.Status = hivetypes.TestFailed
		result.Cause = cause
		result.Backtrace = backtrace
	case test.ShouldPanic:
		result.Status = hivetypes.TestFailed
		result.Cause = "Test function did not panic."
	default:
		result.Status = hivetypes.TestPassed
	}
	return result
}

func callWithRecover(
	fn TestFn,
	tc *hardware.TestChannel,
	session hardware.Session,
	target *hivetypes.TargetInfo,
	defines *hivetypes.DefineRegistry,
) (panicked bool, cause, backtrace string) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			backtrace = string(debug.Stack())
			switch v := r.(type) {
			case string:
				cause = v
			case error:
				cause = v.Error()
			default:
				cause = fmt.Sprintf("%v", v)
			}
		}
	}()
	fn(tc, session, target, defines)
	return false, "", ""
}

func skipAll(results chan<- hivetypes.TestResult, tests []Registration, targetName, probeName, probeSerial, reason string) {
	for _, test := range tests {
		results <- hivetypes.TestResult{
			Status:      hivetypes.TestSkipped,
			Cause:       reason,
			ShouldPanic: test.ShouldPanic,
			TestName:    test.Name,
			ModulePath:  test.ModulePath,
			TargetName:  targetName,
			ProbeName:   probeName,
			ProbeSerial: probeSerial,
		}
	}
}

func probeIdentity(tc *hardware.TestChannel) (name, serial string) {
	descriptor := tc.ProbeDescriptor()
	if descriptor == nil {
		return "Unknown", "None"
	}
	name = descriptor.Identifier
	serial = "None"
	if descriptor.SerialNumber != nil {
		serial = *descriptor.SerialNumber
	}
	return name, serial
}

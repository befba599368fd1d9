package runnertest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hivetypes"
)

var testTarget = hivetypes.TargetInfo{Name: "STM32F030C6Tx", Architecture: hivetypes.ArchitectureARM}

func runOne(t *testing.T, reg Registration) hivetypes.TestResult {
	t.Helper()
	return executeTest(reg, nil, nil, &testTarget, hivetypes.NewDefineRegistry(), "J-Link", "0001")
}

func TestNormalReturnPasses(t *testing.T) {
	result := runOne(t, Registration{
		Name: "passes",
		Fn: func(*hardware.TestChannel, hardware.Session, *hivetypes.TargetInfo, *hivetypes.DefineRegistry) {
		},
	})
	assert.Equal(t, hivetypes.TestPassed, result.Status)
	assert.Equal(t, "STM32F030C6Tx", result.TargetName)
	assert.Equal(t, "J-Link", result.ProbeName)
}

func TestUnexpectedPanicFailsWithBacktrace(t *testing.T) {
	result := runOne(t, Registration{
		Name: "panics",
		Fn: func(*hardware.TestChannel, hardware.Session, *hivetypes.TargetInfo, *hivetypes.DefineRegistry) {
			panic("register mismatch")
		},
	})
	assert.Equal(t, hivetypes.TestFailed, result.Status)
	assert.Equal(t, "register mismatch", result.Cause)
	assert.NotEmpty(t, result.Backtrace)
}

func TestExpectedPanicPasses(t *testing.T) {
	result := runOne(t, Registration{
		Name:        "panics_as_expected",
		ShouldPanic: true,
		Fn: func(*hardware.TestChannel, hardware.Session, *hivetypes.TargetInfo, *hivetypes.DefineRegistry) {
			panic("expected")
		},
	})
	assert.Equal(t, hivetypes.TestPassed, result.Status)
	assert.True(t, result.ShouldPanic)
}

func TestMissingPanicFails(t *testing.T) {
	result := runOne(t, Registration{
		Name:        "should_have_panicked",
		ShouldPanic: true,
		Fn: func(*hardware.TestChannel, hardware.Session, *hivetypes.TargetInfo, *hivetypes.DefineRegistry) {
		},
	})
	assert.Equal(t, hivetypes.TestFailed, result.Status)
	assert.Equal(t, "Test function did not panic.", result.Cause)
}

func TestErrorPanicPayloadIsStringified(t *testing.T) {
	result := runOne(t, Registration{
		Name: "panics_with_error",
		Fn: func(*hardware.TestChannel, hardware.Session, *hivetypes.TargetInfo, *hivetypes.DefineRegistry) {
			panic(assert.AnError)
		},
	})
	assert.Equal(t, hivetypes.TestFailed, result.Status)
	assert.Equal(t, assert.AnError.Error(), result.Cause)
}

func noop(*hardware.TestChannel, hardware.Session, *hivetypes.TargetInfo, *hivetypes.DefineRegistry) {
}

func TestRegistryOrdersByOrderField(t *testing.T) {
	registryMu.Lock()
	saved := registry
	registry = nil
	registryMu.Unlock()
	defer func() {
		registryMu.Lock()
		registry = saved
		registryMu.Unlock()
	}()

	Register(Registration{Name: "third", Order: 30, Fn: noop})
	Register(Registration{Name: "first", Order: 10, Fn: noop})
	Register(Registration{Name: "second", Order: 20, Fn: noop})

	tests := registeredTests()
	require.Len(t, tests, 3)
	assert.Equal(t, "first", tests[0].Name)
	assert.Equal(t, "second", tests[1].Name)
	assert.Equal(t, "third", tests[2].Name)
}

func TestSelectTestsAppliesFilterAndIgnored(t *testing.T) {
	tests := []Registration{
		{Name: "uart_loopback", ModulePath: "tests/uart", Fn: noop},
		{Name: "gpio_toggle", ModulePath: "tests/gpio", Fn: noop},
		{Name: "uart_flaky", ModulePath: "tests/uart", Ignored: true, Fn: noop},
	}

	selected := selectTests(tests, hivetypes.TestOptions{Filter: "uart"})
	require.Len(t, selected, 1)
	assert.Equal(t, "uart_loopback", selected[0].Name)

	selected = selectTests(tests, hivetypes.TestOptions{Filter: "uart", IncludeIgnored: true})
	require.Len(t, selected, 2)

	selected = selectTests(tests, hivetypes.TestOptions{})
	require.Len(t, selected, 2)
}

func TestShieldAllowlist(t *testing.T) {
	options := hivetypes.TestOptions{ShieldAllowlist: []uint8{0, 3}}
	assert.True(t, shieldAllowed(options, 0))
	assert.True(t, shieldAllowed(options, 3))
	assert.False(t, shieldAllowed(options, 5))
	assert.True(t, shieldAllowed(hivetypes.TestOptions{}, 7))
}

func TestSkipAllEmitsOneResultPerTest(t *testing.T) {
	tests := []Registration{
		{Name: "a", Fn: noop},
		{Name: "b", ShouldPanic: true, Fn: noop},
	}

	results := make(chan hivetypes.TestResult, len(tests))
	skipAll(results, tests, "STM32F030C6Tx", "J-Link", "0001", "failed to attach probe to target")
	close(results)

	var collected []hivetypes.TestResult
	for r := range results {
		collected = append(collected, r)
	}
	require.Len(t, collected, 2)
	for _, r := range collected {
		assert.Equal(t, hivetypes.TestSkipped, r.Status)
		assert.NotEmpty(t, r.Cause)
		assert.Equal(t, "STM32F030C6Tx", r.TargetName)
	}
	assert.True(t, collected[1].ShouldPanic)
}

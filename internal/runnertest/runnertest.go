// Package runnertest is the runner-side test harness (spec §4.5): user test
// functions register themselves at build time, and RunAll drives them
// against every (probe, target) pair the §4.1 traversal reaches, collecting
// one TestResult per (pair, test).
package runnertest

import (
	"sort"
	"strings"
	"sync"

	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hivetypes"
)

// TestFn is a single user test: it gets the channel for host-side
// signaling, a live debug session on the target, the target's info, and the
// define registry of the active testprogram. A test fails by panicking.
type TestFn func(channel *hardware.TestChannel, session hardware.Session, target *hivetypes.TargetInfo, defines *hivetypes.DefineRegistry)

// Registration describes one user test function.
type Registration struct {
	Name       string
	ModulePath string
	// Order globally sorts tests, smaller first; ties break arbitrarily.
	Order       int
	ShouldPanic bool
	// Ignored tests are skipped unless the task's options include them.
	Ignored bool
	Fn      TestFn
}

var (
	registryMu sync.Mutex
	registry   []Registration
)

// Register adds a test function to the global registry; called from user
// test packages' init functions.
func Register(r Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, r)
}

// registeredTests returns the registry sorted by Order.
func registeredTests() []Registration {
	registryMu.Lock()
	defer registryMu.Unlock()

	tests := make([]Registration, len(registry))
	copy(tests, registry)
	sort.SliceStable(tests, func(i, j int) bool { return tests[i].Order < tests[j].Order })
	return tests
}

// selectTests applies the task options to the registry: the filter
// substring matches on test name or module path, and ignored tests only
// survive with IncludeIgnored.
func selectTests(tests []Registration, options hivetypes.TestOptions) []Registration {
	var selected []Registration
	for _, t := range tests {
		if t.Ignored && !options.IncludeIgnored {
			continue
		}
		if options.Filter != "" &&
			!strings.Contains(t.Name, options.Filter) &&
			!strings.Contains(t.ModulePath, options.Filter) {
			continue
		}
		selected = append(selected, t)
	}
	return selected
}

// shieldAllowed applies the options' shield allowlist; an empty list allows
// everything.
func shieldAllowed(options hivetypes.TestOptions, shieldPos uint8) bool {
	if len(options.ShieldAllowlist) == 0 {
		return true
	}
	for _, allowed := range options.ShieldAllowlist {
		if allowed == shieldPos {
			return true
		}
	}
	return false
}

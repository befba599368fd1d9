package ipc

import (
	"sync"

	"github.com/hiverack/hive/internal/hivetypes"
)

// OptionsHolder carries the currently running test task's options. The
// scheduler sets it at task start; the options endpoint reads it whenever
// the runner asks.
type OptionsHolder struct {
	mu      sync.Mutex
	options hivetypes.TestOptions
}

func NewOptionsHolder() *OptionsHolder { return &OptionsHolder{} }

func (h *OptionsHolder) Set(options hivetypes.TestOptions) {
	h.mu.Lock()
	h.options = options
	h.mu.Unlock()
}

func (h *OptionsHolder) Get() hivetypes.TestOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.options
}

// DefinesHolder carries the define registry assembled by the testprogram
// pipeline for the active program.
type DefinesHolder struct {
	mu      sync.Mutex
	defines *hivetypes.DefineRegistry
}

func NewDefinesHolder() *DefinesHolder {
	return &DefinesHolder{defines: hivetypes.NewDefineRegistry()}
}

func (h *DefinesHolder) Set(defines *hivetypes.DefineRegistry) {
	h.mu.Lock()
	h.defines = defines
	h.mu.Unlock()
}

func (h *DefinesHolder) Get() *hivetypes.DefineRegistry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.defines
}

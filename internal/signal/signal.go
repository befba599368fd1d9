// Package signal carries the rack's cross-task coordination state: the
// process-wide shutdown broadcast and the two dirty flags that gate lazy
// hardware/testprogram reinitialization (spec §2 SIG, §9 "Lazy reinit").
package signal

import "sync"

// Broadcaster fans a single shutdown event out to every subscriber. Once
// Shutdown has fired, new subscribers receive an already-closed channel so a
// late select still exits immediately.
type Broadcaster struct {
	mu   sync.Mutex
	subs []chan struct{}
	done bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe returns a channel that is closed when Shutdown fires.
func (b *Broadcaster) Subscribe() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	if b.done {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Shutdown closes every subscriber channel. Safe to call more than once.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// IsShutdown reports whether Shutdown has already fired.
func (b *Broadcaster) IsShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// DirtyFlags is the only coupling between the admin interface and the
// scheduler: every admin action that mutates assignments sets the hardware
// flag, every testprogram change sets the program flag. The scheduler
// consumes both at task-start reinit and again at task-end reinit.
type DirtyFlags struct {
	mu      sync.Mutex
	hw      bool
	program bool
}

// NewDirtyFlags starts with both flags set so the first task run always
// performs a full initialization.
func NewDirtyFlags() *DirtyFlags {
	return &DirtyFlags{hw: true, program: true}
}

// MarkHardwareDirty records that probe/target assignments changed.
func (d *DirtyFlags) MarkHardwareDirty() {
	d.mu.Lock()
	d.hw = true
	d.mu.Unlock()
}

// MarkProgramDirty records that the active testprogram or its sources
// changed.
func (d *DirtyFlags) MarkProgramDirty() {
	d.mu.Lock()
	d.program = true
	d.mu.Unlock()
}

// Peek returns both flags without clearing them.
func (d *DirtyFlags) Peek() (hw, program bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hw, d.program
}

// Consume atomically reads and clears both flags. The caller is committing
// to perform whatever reinitialization the returned values demand.
func (d *DirtyFlags) Consume() (hw, program bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hw, program = d.hw, d.program
	d.hw, d.program = false, false
	return hw, program
}

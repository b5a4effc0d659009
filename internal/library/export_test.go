package library

import (
	"context"
	"time"
)

// Hooks for the external library_test package, which drives the engine
// together with the real ltfsproc platforms and therefore cannot live in
// this package.

// DriveBySlotForTest returns the live *Drive so tests can seed device
// names and loaded media directly.
func (e *Engine) DriveBySlotForTest(slot int) *Drive { return e.driveBySlot(slot) }

// PutOperationForTest registers an Operation in the engine's map, letting
// retention tests plant already-finished operations.
func (e *Engine) PutOperationForTest(op *Operation) {
	e.opsMu.Lock()
	e.operations[op.TraceID] = op
	e.opsMu.Unlock()
}

// SetSleepForTest replaces the engine's inter-step delay.
func (e *Engine) SetSleepForTest(f func(ctx context.Context, d time.Duration)) {
	e.sleep = f
}

package library

import (
	"context"

	"github.com/qualstar/libraryctl/internal/runner"
)

// Platform is the per-OS LTFS procedure strategy. Linux and Windows each
// implement it once, composed into the Engine rather than subclassed, so the
// single orchestrator (engine.go) and HandleCommonLtfsStatus stay shared.
type Platform interface {
	Name() string

	// LtfsMount mounts the drive's loaded cartridge, with no robot motion.
	LtfsMount(ctx context.Context, rn runner.Runner, traceID string, d *Drive) (LibraryOperationStatus, string)
	// LtfsUnmount unmounts and releases the drive, with no robot motion.
	LtfsUnmount(ctx context.Context, rn runner.Runner, traceID string, d *Drive) (LibraryOperationStatus, string)
	// DoMountInternal is the full mount procedure including ltfsck recovery,
	// invoked right after a successful Load.
	DoMountInternal(ctx context.Context, rn runner.Runner, traceID string, d *Drive) (LibraryOperationStatus, string)
	// DoUnmountThenUnload runs LtfsUnmount and any platform-specific
	// teardown that must follow it (Windows additionally unassigns the
	// drive letter).
	DoUnmountThenUnload(ctx context.Context, rn runner.Runner, traceID string, d *Drive) (LibraryOperationStatus, string)
	// VerifyMkltfs confirms a mkltfs invocation actually produced a usable
	// volume, by mounting it.
	VerifyMkltfs(ctx context.Context, rn runner.Runner, traceID string, d *Drive) (LibraryOperationStatus, string)
	// RefreshDriveInfo re-populates capacity/remaining on the drive's
	// loaded media from the OS (df on Linux; the Windows implementation is a
	// no-op and leaves them unchanged).
	RefreshDriveInfo(ctx context.Context, rn runner.Runner, traceID string, d *Drive)
	// RefreshAllStatus updates every drive's LTFS status from a
	// platform-wide source (a no-op on Linux; LtfsCmdDrives on Windows,
	// called once per status collection instead of once per drive).
	RefreshAllStatus(ctx context.Context, rn runner.Runner, traceID string, drives []*Drive)
}

// HandleCommonLtfsStatus is the shared status -> state reconciler used by
// both platform implementations after any LTFS tool invocation.
func HandleCommonLtfsStatus(ctx context.Context, rn runner.Runner, traceID string, plat Platform, d *Drive, status LibraryOperationStatus, msg string, onDriveChanged func(slot int, op string)) (LibraryOperationStatus, string) {
	switch status {
	case LTFS11331E, LTFS11006E, LTFS12019E:
		d.SetStatus(StatusNoMedia)
		if d.LoadedMedia != nil {
			d.MarkFailed(d.LoadedMedia.VolumeTag)
		}
		if onDriveChanged != nil {
			onDriveChanged(d.SlotNumber, "Failure")
		}
		return status, "drive or tape damaged"

	case LTFS17168E:
		d.SetStatus(StatusLtfsUnformatted)
		return status, "tape unformatted"

	case LTFS11095E:
		d.SetStatus(StatusLtfsReadOnly)
		return status, "tape write-protected"

	case LTFS16021E, LTFS16087E:
		d.SetStatus(StatusLtfsInconsistent)
		return status, "tape inconsistent"

	case LTFS15024I, LTFS11031I:
		d.SetStatus(StatusLtfsMedia)
		plat.RefreshDriveInfo(ctx, rn, traceID, d)
		if onDriveChanged != nil {
			onDriveChanged(d.SlotNumber, "Mount")
		}
		return status, msg

	default:
		if d.Status == StatusLtfsUnformatted {
			return LTFS17168E, "tape unformatted"
		}
		if d.Status == StatusLtfsMedia {
			plat.RefreshDriveInfo(ctx, rn, traceID, d)
			if onDriveChanged != nil {
				onDriveChanged(d.SlotNumber, "Mount")
			}
			return LTFS11031I, msg
		}
		return status, msg
	}
}

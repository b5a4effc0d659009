package library

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qualstar/libraryctl/internal/parse"
)

func (e *Engine) driveBySlot(slot int) *Drive {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findDrive(slot)
}

func wait(d time.Duration) *time.Duration { return &d }

// Load locates volumeTag in a storage slot, moves it into driveSlot via the
// changer, and mounts it.
func (e *Engine) Load(ctx context.Context, volumeTag string, driveSlot int) Operation {
	return e.orchestrate(ctx, driveSlot, func(ctx context.Context, op *Operation) {
		e.CollectStatus(ctx, true)

		d := e.driveBySlot(driveSlot)
		if d == nil {
			op.Finish(OpDriveNotFound, fmt.Sprintf("no drive at slot %d", driveSlot), nil)
			return
		}

		if d.IsFull() && d.LoadedMedia.VolumeTag != volumeTag {
			status, msg := e.doUnloadDrive(ctx, op, d)
			if !status.IsSuccess() {
				op.Finish(status, msg, nil)
				return
			}
			e.sleep(ctx, 500*time.Millisecond)
		}

		driveLock, ok := e.acquireDriveLock(d.SlotNumber, "Load")
		if !ok {
			op.Finish(OpDriveBusy, "drive is locked by another operation", wait(15*time.Second))
			return
		}
		defer e.releaseDriveLock(driveLock, d.SlotNumber, "Load")

		if !d.IsFull() {
			e.mu.Lock()
			src := e.findSlotHolding(volumeTag)
			e.mu.Unlock()
			if src == nil {
				op.Finish(OpTapeNotFound, fmt.Sprintf("volume tag %s not found in any storage slot", volumeTag), nil)
				return
			}

			changerLock, ok := e.acquireChangerLock(false)
			if !ok {
				op.Finish(OpMtxBusy, "changer is busy with another motion", wait(15*time.Second))
				return
			}
			_, exit := e.mtx(ctx, op, "load", fmt.Sprint(src.SlotNumber), fmt.Sprint(d.SlotNumber))
			if exit != 0 {
				e.sleep(ctx, 10*time.Second)
				e.CollectStatus(ctx, true)
				if !(d.IsFull() && d.LoadedMedia.VolumeTag == volumeTag) {
					changerLock.Release()
					op.Finish(OpFailed, "mtx load did not result in the expected drive state", nil)
					return
				}
			} else {
				e.CollectStatus(ctx, true)
			}
			changerLock.Release()
			publishSafely(e.events, mediaChangedEvent(volumeTag))
		}

		status, msg := e.platform.DoMountInternal(ctx, e.runner, traceIDOf(op), d)
		op.Finish(status, msg, nil)
	})
}

// doUnloadDrive runs platform unmount-then-unload for a drive. It never
// takes the drive lock itself: Unload acquires the drive lock before calling
// it, while Load and Release call it without holding that lock.
func (e *Engine) doUnloadDrive(ctx context.Context, op *Operation, d *Drive) (LibraryOperationStatus, string) {
	if d.IsAssigned() || d.MountPoint != "" {
		status, msg := e.platform.DoUnmountThenUnload(ctx, e.runner, traceIDOf(op), d)
		if !status.IsSuccess() && !status.IsEjectable() {
			return status, msg
		}
	}
	e.sleep(ctx, 5*time.Second)

	if !d.IsFull() {
		return OpSucceeded, "drive already empty"
	}

	changerLock, ok := e.acquireChangerLock(false)
	if !ok {
		return OpMtxBusy, "changer is busy with another motion"
	}
	defer changerLock.Release()

	origin := 0
	if d.LoadedMedia != nil {
		e.mu.Lock()
		for _, s := range e.slots {
			if s.Media != nil && s.Media.VolumeTag == d.LoadedMedia.VolumeTag {
				origin = s.SlotNumber
			}
		}
		e.mu.Unlock()
	}
	tag := ""
	if d.LoadedMedia != nil {
		tag = d.LoadedMedia.VolumeTag
	}

	_, exit := e.mtx(ctx, op, "unload", fmt.Sprint(origin), fmt.Sprint(d.SlotNumber))
	if exit != 0 {
		e.sleep(ctx, 10*time.Second)
		e.CollectStatus(ctx, true)
		stillHeld := d.IsFull()
		backInOrigin := false
		e.mu.Lock()
		for _, s := range e.slots {
			if s.SlotNumber == origin && s.Media != nil && s.Media.VolumeTag == tag {
				backInOrigin = true
			}
		}
		e.mu.Unlock()
		if stillHeld || !backInOrigin {
			return OpFailed, "mtx unload did not result in the expected storage slot state"
		}
	} else {
		e.CollectStatus(ctx, true)
	}
	if tag != "" {
		publishSafely(e.events, mediaChangedEvent(tag))
	}
	return OpSucceeded, "unloaded"
}

// Unload unmounts then unloads a drive back to its origin storage slot.
func (e *Engine) Unload(ctx context.Context, driveSlot int) Operation {
	return e.orchestrate(ctx, driveSlot, func(ctx context.Context, op *Operation) {
		e.CollectStatus(ctx, true)
		d := e.driveBySlot(driveSlot)
		if d == nil {
			op.Finish(OpDriveNotFound, fmt.Sprintf("no drive at slot %d", driveSlot), nil)
			return
		}
		if !d.IsFull() {
			op.Finish(OpNoAction, "drive already empty", nil)
			return
		}

		driveLock, ok := e.acquireDriveLock(d.SlotNumber, "Unload")
		if !ok {
			op.Finish(OpDriveBusy, "drive is locked by another operation", wait(15*time.Second))
			return
		}
		defer e.releaseDriveLock(driveLock, d.SlotNumber, "Unload")

		status, msg := e.doUnloadDrive(ctx, op, d)
		op.Finish(status, msg, nil)
	})
}

// Mount mounts the cartridge already loaded in driveSlot; no robot motion.
func (e *Engine) Mount(ctx context.Context, driveSlot int) Operation {
	return e.orchestrate(ctx, driveSlot, func(ctx context.Context, op *Operation) {
		e.CollectStatus(ctx, true)
		d := e.driveBySlot(driveSlot)
		if d == nil {
			op.Finish(OpDriveNotFound, fmt.Sprintf("no drive at slot %d", driveSlot), nil)
			return
		}
		driveLock, ok := e.acquireDriveLock(d.SlotNumber, "Mount")
		if !ok {
			op.Finish(OpDriveBusy, "drive is locked by another operation", wait(15*time.Second))
			return
		}
		defer e.releaseDriveLock(driveLock, d.SlotNumber, "Mount")

		status, msg := e.platform.LtfsMount(ctx, e.runner, traceIDOf(op), d)
		op.Finish(status, msg, nil)
	})
}

// Unmount unmounts driveSlot's LTFS filesystem; no robot motion.
func (e *Engine) Unmount(ctx context.Context, driveSlot int) Operation {
	return e.orchestrate(ctx, driveSlot, func(ctx context.Context, op *Operation) {
		e.CollectStatus(ctx, true)
		d := e.driveBySlot(driveSlot)
		if d == nil {
			op.Finish(OpDriveNotFound, fmt.Sprintf("no drive at slot %d", driveSlot), nil)
			return
		}
		driveLock, ok := e.acquireDriveLock(d.SlotNumber, "Unmount")
		if !ok {
			op.Finish(OpDriveBusy, "drive is locked by another operation", wait(15*time.Second))
			return
		}
		defer e.releaseDriveLock(driveLock, d.SlotNumber, "Unmount")

		status, msg := e.platform.LtfsUnmount(ctx, e.runner, traceIDOf(op), d)
		op.Finish(status, msg, nil)
	})
}

// Format runs mkltfs against the loaded cartridge and verifies the result.
func (e *Engine) Format(ctx context.Context, driveSlot int, force bool) Operation {
	return e.orchestrate(ctx, driveSlot, func(ctx context.Context, op *Operation) {
		e.CollectStatus(ctx, true)
		d := e.driveBySlot(driveSlot)
		if d == nil {
			op.Finish(OpDriveNotFound, fmt.Sprintf("no drive at slot %d", driveSlot), nil)
			return
		}
		if !d.IsFull() {
			op.Finish(OpTapeNotFound, "drive has no loaded cartridge to format", nil)
			return
		}
		driveLock, ok := e.acquireDriveLock(d.SlotNumber, "Format")
		if !ok {
			op.Finish(OpDriveBusy, "drive is locked by another operation", wait(15*time.Second))
			return
		}
		defer e.releaseDriveLock(driveLock, d.SlotNumber, "Format")

		args := []string{"--device=" + d.DeviceName}
		if d.LoadedMedia != nil && len(d.LoadedMedia.VolumeTag) >= 6 {
			args = append(args, "--tape-serial="+TapeSerial(d.LoadedMedia.VolumeTag))
		}
		if force {
			args = append(args, "--force")
		}
		_, exit := e.mkltfs(ctx, op, args...)
		if exit != 0 {
			op.Finish(OpFailed, "mkltfs failed", nil)
			return
		}
		status, msg := e.platform.VerifyMkltfs(ctx, e.runner, traceIDOf(op), d)
		op.Finish(status, msg, nil)
	})
}

func (e *Engine) mkltfs(ctx context.Context, op *Operation, args ...string) (string, int) {
	return e.runTool(ctx, op, e.cfg.ltfsTool("mkltfs"), args...)
}

func (e *Engine) runTool(ctx context.Context, op *Operation, program string, args ...string) (string, int) {
	var out strings.Builder
	res, _ := e.runner.Exec(ctx, program, args, traceIDOf(op), func(_, line string) {
		out.WriteString(line)
		out.WriteByte('\n')
		e.logTrace(op, "%s", line)
	})
	return out.String(), res.ExitCode
}

// Ltfsck runs ltfsck against the loaded cartridge.
func (e *Engine) Ltfsck(ctx context.Context, driveSlot int) Operation {
	return e.orchestrate(ctx, driveSlot, func(ctx context.Context, op *Operation) {
		d := e.driveBySlot(driveSlot)
		if d == nil {
			op.Finish(OpDriveNotFound, fmt.Sprintf("no drive at slot %d", driveSlot), nil)
			return
		}
		if !d.IsFull() {
			op.Finish(OpTapeNotFound, "drive has no loaded cartridge to check", nil)
			return
		}
		driveLock, ok := e.acquireDriveLock(d.SlotNumber, "Ltfsck")
		if !ok {
			op.Finish(OpDriveBusy, "drive is locked by another operation", wait(15*time.Second))
			return
		}
		defer e.releaseDriveLock(driveLock, d.SlotNumber, "Ltfsck")

		out, _ := e.runTool(ctx, op, e.cfg.ltfsTool("ltfsck"), d.DeviceName)
		code, found := codeFromOutput(out)
		if !found {
			op.Finish(OpFailed, "ltfsck produced no recognizable status", nil)
			return
		}
		status := LibraryOperationStatus(code)
		if status == LTFS16022I {
			vstatus, vmsg := e.platform.VerifyMkltfs(ctx, e.runner, traceIDOf(op), d)
			op.Finish(vstatus, vmsg, nil)
			return
		}
		op.Finish(status, out, nil)
	})
}

// Transfer moves a cartridge identified by volumeTag to targetSlot.
func (e *Engine) Transfer(ctx context.Context, volumeTag string, targetSlot int) Operation {
	return e.orchestrate(ctx, -1, func(ctx context.Context, op *Operation) {
		e.CollectStatus(ctx, true)

		e.mu.Lock()
		target := e.findOrCreateSlot(targetSlot, false)
		var targetMedia *Media
		if target.Media != nil {
			cp := *target.Media
			targetMedia = &cp
		}
		e.mu.Unlock()
		if targetMedia != nil {
			if targetMedia.VolumeTag == volumeTag {
				op.Finish(OpSucceeded, "already in target slot", nil)
				return
			}
			op.Finish(OpFailed, fmt.Sprintf("target slot %d is occupied", targetSlot), nil)
			return
		}

		e.mu.Lock()
		src := e.findSlotHolding(volumeTag)
		e.mu.Unlock()
		if src == nil {
			op.Finish(OpTapeNotFound, fmt.Sprintf("volume tag %s not found in any storage slot", volumeTag), nil)
			return
		}

		changerLock, ok := e.acquireChangerLock(true)
		if !ok {
			op.Finish(OpMtxBusy, "changer is busy with another motion", wait(15*time.Second))
			return
		}
		defer changerLock.Release()

		_, exit := e.mtx(ctx, op, "transfer", fmt.Sprint(src.SlotNumber), fmt.Sprint(targetSlot))
		if exit != 0 {
			e.sleep(ctx, 5*time.Second)
			e.CollectStatus(ctx, true)
			e.mu.Lock()
			t := e.findOrCreateSlot(targetSlot, false)
			landed := t.Media != nil && t.Media.VolumeTag == volumeTag
			e.mu.Unlock()
			if !landed {
				op.Finish(OpFailed, "mtx transfer did not result in the expected slot state", nil)
				return
			}
		}
		publishSafely(e.events, mediaChangedEvent(volumeTag))
		op.Finish(OpSucceeded, "transferred", nil)
	})
}

func codeFromOutput(output string) (string, bool) {
	return parse.ExtractLtfsCode(output)
}

package ltfsproc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/qualstar/libraryctl/internal/library"
	"github.com/qualstar/libraryctl/internal/parse"
	"github.com/qualstar/libraryctl/internal/runner"
)

// Linux is the Linux/FUSE implementation of library.Platform: ltfs/ltfsck
// mount a device at "{MountPoint}/drive{N}", unmount tries fusermount then
// falls back to umount, matching the style of a single-device LTFS mount
// helper generalized to many configured drives.
type Linux struct {
	// LtfsPath is the directory holding the ltfs/ltfsck binaries; empty
	// resolves them from PATH.
	LtfsPath   string
	MountPoint string

	// Sleep overrides the inter-step delay; nil means real time.
	Sleep func(ctx context.Context, d time.Duration)

	// RunLtfsckBeforeDamagedRelease controls what happens when release hits
	// LTFS12035E: false treats the failed rewind as a successful release so
	// the eject can proceed; true runs ltfsck first.
	RunLtfsckBeforeDamagedRelease bool

	OnDriveChanged func(slot int, op string)
}

func (l *Linux) Name() string { return "linux" }

func (l *Linux) mountPointFor(d *library.Drive) string {
	return filepath.Join(l.MountPoint, fmt.Sprintf("drive%d", d.SlotNumber))
}

func (l *Linux) ltfsBin() string { return bin(l.LtfsPath, "ltfs") }

func (l *Linux) sleep(ctx context.Context, d time.Duration) {
	if l.Sleep != nil {
		l.Sleep(ctx, d)
		return
	}
	sleepReal(ctx, d)
}

func (l *Linux) isMounted(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (*parse.DfRow, bool) {
	out, _, err := run(ctx, rn, traceID, "df", []string{"-h", "--output=source,size,avail,target"})
	if err != nil {
		return nil, false
	}
	mp := l.mountPointFor(d)
	for _, row := range parse.ParseDf(out) {
		if row.Target == mp {
			cp := row
			return &cp, true
		}
	}
	return nil, false
}

// LtfsMount ensures the drive's mount directory exists, returns success
// immediately if df already shows it mounted, else runs ltfs and
// interprets the resulting LTFS code.
func (l *Linux) LtfsMount(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	mp := l.mountPointFor(d)
	if err := os.MkdirAll(mp, 0o755); err != nil {
		return library.OpFailed, fmt.Sprintf("create mount point %s: %v", mp, err)
	}

	if _, ok := l.isMounted(ctx, rn, traceID, d); ok {
		d.AssignedTo(mp)
		return library.OpNoAction, "already mounted"
	}

	out, res, err := run(ctx, rn, traceID, l.ltfsBin(), []string{"-o", "devname=" + d.DeviceName, mp})
	code, found := parse.ExtractLtfsCode(out)
	if !found {
		if err != nil || res.ExitCode != 0 {
			return library.OpFailed, res.LastMessage
		}
		d.AssignedTo(mp)
		return library.LTFS11031I, "Volume mounted successfully"
	}
	status := library.LibraryOperationStatus(code)
	if status.IsSuccess() {
		d.AssignedTo(mp)
	}
	return status, res.LastMessage
}

// LtfsUnmount unmounts the drive's mount point (if mounted) and releases
// the device, applying the LTFS12035E damaged-tape policy.
func (l *Linux) LtfsUnmount(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	mp := l.mountPointFor(d)

	if _, ok := l.isMounted(ctx, rn, traceID, d); ok {
		_, res, _ := run(ctx, rn, traceID, "fusermount", []string{"-u", mp})
		if res.ExitCode != 0 {
			_, res, _ = run(ctx, rn, traceID, "umount", []string{mp})
		}
		if res.ExitCode != 0 {
			l.sleep(ctx, 5*time.Second)
			if _, stillMounted := l.isMounted(ctx, rn, traceID, d); stillMounted {
				return library.OpFailed, "unable to unmount: " + res.LastMessage
			}
		}
	}
	d.Unassigned()

	if d.IsReleased() {
		return library.OpSucceeded, "already released"
	}

	out, res, _ := run(ctx, rn, traceID, l.ltfsBin(), []string{"-o", "devname=" + d.DeviceName, "-o", "release_device"})
	code, found := parse.ExtractLtfsCode(out)
	if found && library.LibraryOperationStatus(code) == library.LTFS12035E {
		if l.RunLtfsckBeforeDamagedRelease {
			l.runLtfsck(ctx, rn, traceID, d)
		}
		d.Release()
		return library.LTFS12035E, "rewind failed; drive or tape may be damaged, release allowed to proceed"
	}
	d.Release()
	if !found {
		if res.ExitCode != 0 {
			return library.OpFailed, res.LastMessage
		}
		return library.OpSucceeded, "released"
	}
	return library.LibraryOperationStatus(code), res.LastMessage
}

func (l *Linux) runLtfsck(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	out, res, _ := run(ctx, rn, traceID, bin(l.LtfsPath, "ltfsck"), []string{d.DeviceName})
	code, found := parse.ExtractLtfsCode(out)
	if !found {
		return library.OpFailed, res.LastMessage
	}
	return library.LibraryOperationStatus(code), res.LastMessage
}

// DoMountInternal runs LtfsMount, recovering via ltfsck when the volume is
// reported inconsistent, then reconciles drive state through
// HandleCommonLtfsStatus.
func (l *Linux) DoMountInternal(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	status, msg := l.LtfsMount(ctx, rn, traceID, d)

	if status == library.LTFS16087E || status == library.LTFS16021E {
		l.sleep(ctx, 10*time.Second)
		checkStatus, checkMsg := l.runLtfsck(ctx, rn, traceID, d)
		if checkStatus != library.LTFS16022I {
			return library.HandleCommonLtfsStatus(ctx, rn, traceID, l, d, checkStatus, checkMsg, l.OnDriveChanged)
		}
		l.sleep(ctx, 5*time.Second)
		status, msg = l.LtfsMount(ctx, rn, traceID, d)
	}

	return library.HandleCommonLtfsStatus(ctx, rn, traceID, l, d, status, msg, l.OnDriveChanged)
}

// DoUnmountThenUnload is the Linux base behavior: just LtfsUnmount, there is
// no additional teardown step like Windows's drive-letter unassignment.
func (l *Linux) DoUnmountThenUnload(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	return l.LtfsUnmount(ctx, rn, traceID, d)
}

// VerifyMkltfs confirms a mkltfs invocation by mounting the freshly
// formatted volume.
func (l *Linux) VerifyMkltfs(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	status, msg := l.LtfsMount(ctx, rn, traceID, d)
	if status.IsSuccess() {
		return library.LTFS15024I, "Volume formatted successfully"
	}
	return status, msg
}

// RefreshAllStatus is a no-op on Linux: status comes from mtx status and
// per-drive df checks, not a single platform-wide command.
func (l *Linux) RefreshAllStatus(ctx context.Context, rn runner.Runner, traceID string, drives []*library.Drive) {
}

// RefreshDriveInfo populates the loaded media's capacity/remaining from df.
func (l *Linux) RefreshDriveInfo(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) {
	if d.LoadedMedia == nil {
		return
	}
	row, ok := l.isMounted(ctx, rn, traceID, d)
	if !ok {
		return
	}
	capacity := row.Size
	remaining := row.Avail
	d.LoadedMedia.Capacity = &capacity
	d.LoadedMedia.Remaining = &remaining
}

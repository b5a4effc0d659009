package ltfsproc

import (
	"context"
	"sync"
	"time"

	"github.com/qualstar/libraryctl/internal/library"
	"github.com/qualstar/libraryctl/internal/parse"
	"github.com/qualstar/libraryctl/internal/runner"
)

// Windows is the Windows implementation of library.Platform: drives are
// assigned drive letters Z down to E on demand via LtfsCmdAssign, then
// mounted/ejected via LtfsCmdLoad/LtfsCmdEject.
type Windows struct {
	// LtfsPath is the directory holding the LtfsCmd* binaries; empty
	// resolves them from PATH.
	LtfsPath string

	// Sleep overrides the inter-step delay; nil means real time.
	Sleep func(ctx context.Context, d time.Duration)

	RunLtfsckBeforeDamagedRelease bool
	OnDriveChanged                func(slot int, op string)

	mu       sync.Mutex
	assigned map[string]struct{} // drive letters currently in use
}

func (w *Windows) Name() string { return "windows" }

func (w *Windows) bin(name string) string { return bin(w.LtfsPath, name) }

func (w *Windows) sleep(ctx context.Context, d time.Duration) {
	if w.Sleep != nil {
		w.Sleep(ctx, d)
		return
	}
	sleepReal(ctx, d)
}

// assignLetter picks the highest unused letter descending from Z, aborting
// at D (the lowest letter this scheme will hand out is E).
func (w *Windows) assignLetter() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.assigned == nil {
		w.assigned = make(map[string]struct{})
	}
	for c := 'Z'; c > 'D'; c-- {
		letter := string(c)
		if _, used := w.assigned[letter]; !used {
			w.assigned[letter] = struct{}{}
			return letter, true
		}
	}
	return "", false
}

func (w *Windows) releaseLetter(letter string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.assigned, letter)
}

// AssignAsync assigns the drive a drive letter via LtfsCmdAssign if it does
// not already have one.
func (w *Windows) AssignAsync(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	if d.MountPoint != "" {
		return library.OpNoAction, "already assigned"
	}
	letter, ok := w.assignLetter()
	if !ok {
		return library.OpFailed, "no free drive letters"
	}
	_, res, err := run(ctx, rn, traceID, w.bin("LtfsCmdAssign"), []string{d.Address, letter})
	if err != nil || res.ExitCode != 0 {
		w.releaseLetter(letter)
		return library.OpFailed, res.LastMessage
	}
	d.AssignedTo(letter)
	return library.OpSucceeded, "assigned " + letter
}

func (w *Windows) refreshStatus(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) []parse.WinDriveRow {
	out, _, err := run(ctx, rn, traceID, w.bin("LtfsCmdDrives"), nil)
	if err != nil {
		return nil
	}
	return parse.ParseWinDrives(out)
}

func (w *Windows) findRow(rows []parse.WinDriveRow, d *library.Drive) *parse.WinDriveRow {
	for i := range rows {
		if rows[i].Address == d.Address {
			return &rows[i]
		}
	}
	return nil
}

// LtfsMount loads/mounts the drive via LtfsCmdLoad.
func (w *Windows) LtfsMount(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	if d.MountPoint == "" {
		return library.OpFailed, "drive not assigned a letter"
	}
	out, res, _ := run(ctx, rn, traceID, w.bin("LtfsCmdLoad"), []string{d.MountPoint})
	code, found := parse.ExtractLtfsCode(out)
	if !found {
		if res.ExitCode != 0 {
			return library.OpFailed, res.LastMessage
		}
		return library.LTFS11031I, "Volume mounted successfully"
	}
	status := library.LibraryOperationStatus(code)
	if status == library.LTFS60233E {
		rows := w.refreshStatus(ctx, rn, traceID, d)
		if row := w.findRow(rows, d); row != nil {
			switch row.Status {
			case string(library.StatusLtfsInconsistent), string(library.StatusLtfsUnformatted), string(library.StatusLtfsMedia):
				return library.OpSucceeded, "state changed by another session, now " + row.Status
			}
		}
	}
	return status, res.LastMessage
}

// LtfsUnmount ejects the drive via LtfsCmdEject.
func (w *Windows) LtfsUnmount(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	if d.MountPoint == "" {
		d.Release()
		return library.OpSucceeded, "already released"
	}
	out, res, _ := run(ctx, rn, traceID, w.bin("LtfsCmdEject"), []string{d.MountPoint})
	code, found := parse.ExtractLtfsCode(out)
	if !found {
		if res.ExitCode != 0 {
			return library.OpFailed, res.LastMessage
		}
		d.Release()
		return library.OpSucceeded, "ejected"
	}
	status := library.LibraryOperationStatus(code)
	if status == library.LTFS60233E {
		rows := w.refreshStatus(ctx, rn, traceID, d)
		if row := w.findRow(rows, d); row != nil && row.Status == string(library.StatusNoMedia) {
			d.Release()
			return library.OpSucceeded, "state changed by another session, drive now empty"
		}
	}
	if status == library.LTFS12035E {
		if w.RunLtfsckBeforeDamagedRelease {
			run(ctx, rn, traceID, w.bin("ltfsck"), []string{d.MountPoint})
		}
		d.Release()
		return library.LTFS12035E, "rewind failed; drive or tape may be damaged, release allowed to proceed"
	}
	return status, res.LastMessage
}

// DoMountInternal assigns a letter if needed, waits while the drive reports
// MEDIA_NOT_READY (at most six 10 s pauses), recovers inconsistent volumes
// via ltfsck, and finally reconciles through HandleCommonLtfsStatus.
func (w *Windows) DoMountInternal(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	rows := w.refreshStatus(ctx, rn, traceID, d)
	if row := w.findRow(rows, d); row != nil {
		d.SetStatus(library.LtfsStatus(row.Status))
	}

	if d.MountPoint == "" {
		if status, msg := w.AssignAsync(ctx, rn, traceID, d); !status.IsSuccess() {
			return status, msg
		}
		w.sleep(ctx, 5*time.Second)
		rows = w.refreshStatus(ctx, rn, traceID, d)
		if row := w.findRow(rows, d); row != nil {
			d.SetStatus(library.LtfsStatus(row.Status))
		}
	}

	for i := 0; i < 6 && d.Status == library.StatusMediaNotReady; i++ {
		w.sleep(ctx, 10*time.Second)
		rows = w.refreshStatus(ctx, rn, traceID, d)
		if row := w.findRow(rows, d); row != nil {
			d.SetStatus(library.LtfsStatus(row.Status))
		}
	}

	var status library.LibraryOperationStatus
	var msg string
	switch d.Status {
	case library.StatusLtfsInconsistent:
		out, res, _ := run(ctx, rn, traceID, w.bin("ltfsck"), []string{d.MountPoint})
		status, msg = library.LTFS16021E, res.LastMessage
		if checkCode, found := parse.ExtractLtfsCode(out); found {
			status = library.LibraryOperationStatus(checkCode)
		}
		if status != library.LTFS16022I {
			return library.HandleCommonLtfsStatus(ctx, rn, traceID, w, d, status, msg, w.OnDriveChanged)
		}
	case library.StatusLtfsUnformatted:
		return library.HandleCommonLtfsStatus(ctx, rn, traceID, w, d, library.LTFS17168E, "tape unformatted", w.OnDriveChanged)
	case library.StatusNoMedia:
		if !d.IsFull() {
			return library.LTFS12016E, "no medium in drive"
		}
		status, msg = w.LtfsMount(ctx, rn, traceID, d)
	default:
		status, msg = w.LtfsMount(ctx, rn, traceID, d)
	}

	return library.HandleCommonLtfsStatus(ctx, rn, traceID, w, d, status, msg, w.OnDriveChanged)
}

// DoUnmountThenUnload runs the base unmount and, on success, additionally
// unassigns the drive letter and refreshes LTFS status.
func (w *Windows) DoUnmountThenUnload(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	status, msg := w.LtfsUnmount(ctx, rn, traceID, d)
	if !status.IsSuccess() && !status.IsEjectable() {
		return status, msg
	}
	letter := d.MountPoint
	run(ctx, rn, traceID, w.bin("LtfsCmdUnassign"), []string{letter})
	d.Unassigned()
	if letter != "" {
		w.releaseLetter(letter)
	}
	w.refreshStatus(ctx, rn, traceID, d)
	return status, msg
}

// VerifyMkltfs confirms a mkltfs invocation by mounting the freshly
// formatted volume.
func (w *Windows) VerifyMkltfs(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) (library.LibraryOperationStatus, string) {
	status, msg := w.LtfsMount(ctx, rn, traceID, d)
	if status.IsSuccess() {
		return library.LTFS15024I, "Volume formatted successfully"
	}
	return status, msg
}

// RefreshAllStatus runs LtfsCmdDrives once and updates every configured
// drive's LtfsStatus by matching address, as described by the Windows
// drives parser.
func (w *Windows) RefreshAllStatus(ctx context.Context, rn runner.Runner, traceID string, drives []*library.Drive) {
	rows := w.refreshStatus(ctx, rn, traceID, nil)
	for _, d := range drives {
		if row := w.findRow(rows, d); row != nil {
			d.SetStatus(library.LtfsStatus(row.Status))
			if row.Serial != "" {
				d.Serial = row.Serial
			}
		}
	}
}

// RefreshDriveInfo is a no-op on Windows: LtfsCmdDrives carries no capacity
// columns, unlike Linux's df-based refresh.
func (w *Windows) RefreshDriveInfo(ctx context.Context, rn runner.Runner, traceID string, d *library.Drive) {
}

package library_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/qualstar/libraryctl/internal/library"
	"github.com/qualstar/libraryctl/internal/ltfsproc"
	"github.com/qualstar/libraryctl/internal/runner"
)

// linuxMountDir replicates ltfsproc.Linux's own mount point formula so tests
// can build matching df fixture rows without exporting that logic.
func linuxMountDir(lp *ltfsproc.Linux, slot int) string {
	return filepath.Join(lp.MountPoint, fmt.Sprintf("drive%d", slot))
}

// TestLoadHappyPath: a tape sitting in a storage slot gets loaded into an
// empty drive and mounted.
func TestLoadHappyPath(t *testing.T) {
	e, rn, lp := newTestEngine(t, library.DriveConfig{SlotNumber: 1, Address: "1.0.0.0"})
	d := e.DriveBySlotForTest(1)
	d.DeviceName = "/dev/sg1"
	driveMP := linuxMountDir(lp, 1)

	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines: []string{
			"Storage Element 10:Full :VolumeTag=000063L7",
			"Data Transfer Element 1:Empty",
		},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"load", "10", "1"}}, runner.Script{
		Lines:  []string{"loading..."},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines: []string{
			"Storage Element 10:Empty",
			"Data Transfer Element 1:Full (Storage Element 10 Loaded):VolumeTag=000063L7",
		},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{
		Lines:  []string{},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "ltfs", ArgsPrefix: []string{"-o", "devname=/dev/sg1"}}, runner.Script{
		Lines:  []string{"LTFS11031I Volume mounted successfully"},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{
		Lines:  []string{"ltfs:/dev/sg1  500G  450G  " + driveMP},
		Result: runner.Result{ExitCode: 0},
	})

	op := e.Load(context.Background(), "000063L7", 1)
	if op.Status != library.LTFS11031I {
		t.Fatalf("expected LTFS11031I, got %s (%s)", op.Status, op.Message)
	}

	d = e.DriveBySlotForTest(1)
	if d.LoadedMedia == nil || d.LoadedMedia.VolumeTag != "000063L7" {
		t.Fatalf("expected drive 1 to hold 000063L7, got %+v", d.LoadedMedia)
	}
	for _, s := range e.Slots() {
		if s.SlotNumber == 10 && s.Media != nil {
			t.Fatalf("expected slot 10 to be empty after load, got %+v", s.Media)
		}
	}
}

// TestLoadAlreadyInDriveSkipsMtxLoad: the requested tape is already sitting
// in the target drive, so Load must jump straight to mounting without ever
// invoking "mtx load".
func TestLoadAlreadyInDriveSkipsMtxLoad(t *testing.T) {
	e, rn, lp := newTestEngine(t, library.DriveConfig{SlotNumber: 1, Address: "1.0.0.0"})
	d := e.DriveBySlotForTest(1)
	d.DeviceName = "/dev/sg1"
	driveMP := linuxMountDir(lp, 1)

	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines:  []string{"Data Transfer Element 1:Full (Storage Element 10 Loaded):VolumeTag=000063L7"},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{Result: runner.Result{ExitCode: 0}})
	rn.On(runner.Invocation{Program: "ltfs", ArgsPrefix: []string{"-o", "devname=/dev/sg1"}}, runner.Script{
		Lines:  []string{"LTFS11031I Volume mounted successfully"},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{
		Lines:  []string{"ltfs:/dev/sg1  500G  450G  " + driveMP},
		Result: runner.Result{ExitCode: 0},
	})

	op := e.Load(context.Background(), "000063L7", 1)
	if !op.Status.IsSuccess() {
		t.Fatalf("expected a successful outcome, got %s (%s)", op.Status, op.Message)
	}
	for _, c := range rn.Calls() {
		if c.Program == "mtx" && len(c.Args) > 0 && c.Args[0] == "load" {
			t.Fatalf("did not expect an mtx load call when the tape is already in the drive")
		}
	}
}

// TestConcurrentOperationsOnSameDriveReturnDriveBusy: two operations racing
// for the same drive slot; the loser observes DriveBusy rather than
// blocking behind the winner.
func TestConcurrentOperationsOnSameDriveReturnDriveBusy(t *testing.T) {
	e, rn, _ := newTestEngine(t, library.DriveConfig{SlotNumber: 1, Address: "1.0.0.0"})
	d := e.DriveBySlotForTest(1)
	d.DeviceName = "/dev/sg1"
	sn := 1
	d.LoadedMedia = &library.Media{VolumeTag: "000063L7", DriveSlotNumber: &sn}

	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines:  []string{"Data Transfer Element 1:Full (Storage Element 5 Loaded):VolumeTag=000063L7"},
		Result: runner.Result{ExitCode: 0},
	})
	// The drive has never been assigned a mount point in this test, so the
	// unload path skips platform unmount and goes straight to mtx unload.
	// The scripted delay keeps the first operation in flight long enough
	// for the second to observe it.
	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"unload"}}, runner.Script{
		Result: runner.Result{ExitCode: 0},
		Delay:  500 * time.Millisecond,
	})

	results := make(chan library.Operation, 2)
	go func() { results <- e.Unload(context.Background(), 1) }()
	time.Sleep(50 * time.Millisecond)
	go func() { results <- e.Unload(context.Background(), 1) }()

	first := <-results
	second := <-results

	busy := 0
	for _, r := range []library.Operation{first, second} {
		if r.Status == library.OpDriveBusy {
			busy++
			if r.WaitBeforeNextOperation == nil || *r.WaitBeforeNextOperation != 15*time.Second {
				t.Errorf("expected a 15s wait_before_next advisory on DriveBusy, got %v", r.WaitBeforeNextOperation)
			}
		}
	}
	if busy == 0 {
		t.Fatalf("expected at least one concurrent Unload to observe DriveBusy, got %s / %s", first.Status, second.Status)
	}
}

// TestLoadInconsistentTapeRecoversViaLtfsck: a mount reports the volume
// inconsistent; the mount procedure runs ltfsck, sees it is now consistent,
// and remounts successfully.
func TestLoadInconsistentTapeRecoversViaLtfsck(t *testing.T) {
	e, rn, lp := newTestEngine(t, library.DriveConfig{SlotNumber: 1, Address: "1.0.0.0"})
	d := e.DriveBySlotForTest(1)
	d.DeviceName = "/dev/sg1"
	sn := 1
	d.LoadedMedia = &library.Media{VolumeTag: "000063L7", DriveSlotNumber: &sn}
	driveMP := linuxMountDir(lp, 1)

	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines:  []string{"Data Transfer Element 1:Full (Storage Element 5 Loaded):VolumeTag=000063L7"},
		Result: runner.Result{ExitCode: 0},
	})
	// First mount attempt: not yet mounted, ltfs reports the volume
	// inconsistent.
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{Result: runner.Result{ExitCode: 0}})
	rn.On(runner.Invocation{Program: "ltfs", ArgsPrefix: []string{"-o", "devname=/dev/sg1"}}, runner.Script{
		Lines:  []string{"LTFS16087E Volume inconsistent"},
		Result: runner.Result{ExitCode: 1},
	})
	rn.On(runner.Invocation{Program: "ltfsck", ArgsPrefix: nil}, runner.Script{
		Lines:  []string{"LTFS16022I Volume consistent"},
		Result: runner.Result{ExitCode: 0},
	})
	// Second mount attempt after ltfsck clears it: succeeds.
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{Result: runner.Result{ExitCode: 0}})
	rn.On(runner.Invocation{Program: "ltfs", ArgsPrefix: []string{"-o", "devname=/dev/sg1"}}, runner.Script{
		Lines:  []string{"LTFS11031I Volume mounted successfully"},
		Result: runner.Result{ExitCode: 0},
	})
	// The capacity refresh after the successful mount.
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{
		Lines:  []string{"ltfs:/dev/sg1  500G  450G  " + driveMP},
		Result: runner.Result{ExitCode: 0},
	})

	op := e.Load(context.Background(), "000063L7", 1)
	if op.Status != library.LTFS11031I {
		t.Fatalf("expected recovery to LTFS11031I, got %s (%s)", op.Status, op.Message)
	}
	d = e.DriveBySlotForTest(1)
	if d.Status != library.StatusLtfsMedia {
		t.Fatalf("expected drive status LTFS_MEDIA after recovery, got %s", d.Status)
	}
}

// TestUnloadWhenUnmountFailsFirstTimeReconciles: umount exits non-zero but a
// follow-up df no longer lists the filesystem, so the engine proceeds to
// release and mtx unload rather than failing outright.
func TestUnloadWhenUnmountFailsFirstTimeReconciles(t *testing.T) {
	e, rn, lp := newTestEngine(t, library.DriveConfig{SlotNumber: 1, Address: "1.0.0.0"})
	d := e.DriveBySlotForTest(1)
	d.DeviceName = "/dev/sg1"
	sn := 1
	d.LoadedMedia = &library.Media{VolumeTag: "000063L7", DriveSlotNumber: &sn}
	d.MountPoint = linuxMountDir(lp, 1)
	d.SetStatus(library.StatusLtfsMedia)
	driveMP := d.MountPoint

	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines:  []string{"Data Transfer Element 1:Full (Storage Element 5 Loaded):VolumeTag=000063L7"},
		Result: runner.Result{ExitCode: 0},
	})
	// First df check inside the unmount: filesystem still mounted.
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{
		Lines:  []string{"ltfs:/dev/sg1  500G  450G  " + driveMP},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "fusermount", ArgsPrefix: nil}, runner.Script{Result: runner.Result{ExitCode: 1}})
	rn.On(runner.Invocation{Program: "umount", ArgsPrefix: nil}, runner.Script{Result: runner.Result{ExitCode: 1}})
	// Re-check after the wait: df no longer lists it.
	rn.On(runner.Invocation{Program: "df", ArgsPrefix: nil}, runner.Script{Result: runner.Result{ExitCode: 0}})
	rn.On(runner.Invocation{Program: "ltfs", ArgsPrefix: []string{"-o", "devname=/dev/sg1", "-o", "release_device"}}, runner.Script{
		Lines:  []string{"LTFS11034I Volume unmounted"},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"unload", "*", "1"}}, runner.Script{
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines:  []string{"Storage Element 5:Full :VolumeTag=000063L7"},
		Result: runner.Result{ExitCode: 0},
	})

	op := e.Unload(context.Background(), 1)
	if !op.Status.IsSuccess() {
		t.Fatalf("expected a successful unload, got %s (%s)", op.Status, op.Message)
	}
}

// TestTransferStaleMtxErrorReconciles: mtx transfer exits non-zero, but a
// follow-up mtx status shows the tape already landed in the target slot;
// the engine must accept success and announce the move.
func TestTransferStaleMtxErrorReconciles(t *testing.T) {
	e, rn, _ := newTestEngine(t)

	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines:  []string{"Storage Element 10:Full :VolumeTag=000063L7"},
		Result: runner.Result{ExitCode: 0},
	})
	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"transfer", "10", "12"}}, runner.Script{
		Result: runner.Result{ExitCode: 1},
	})
	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines:  []string{"Storage Element 12:Full :VolumeTag=000063L7"},
		Result: runner.Result{ExitCode: 0},
	})

	gotMediaChanged := make(chan struct{})
	ch := e.Events().Subscribe()
	defer e.Events().Unsubscribe(ch)
	go func() {
		for ev := range ch {
			if ev.Type == library.EventMediaChanged && ev.VolumeTag == "000063L7" {
				close(gotMediaChanged)
				return
			}
		}
	}()

	op := e.Transfer(context.Background(), "000063L7", 12)
	if op.Status != library.OpSucceeded {
		t.Fatalf("expected Succeeded, got %s (%s)", op.Status, op.Message)
	}
	select {
	case <-gotMediaChanged:
	case <-time.After(time.Second):
		t.Error("expected a MediaChanged event for the transferred volume tag")
	}
}

// TestOperationEvictedAfterRetention: a terminal operation older than the
// retention window is no longer returned on lookup.
func TestOperationEvictedAfterRetention(t *testing.T) {
	e, _, _ := newTestEngine(t)
	op := library.NewOperation("trace-1")
	past := time.Now().Add(-61 * time.Minute)
	op.EndedAt = &past
	op.Status = library.OpSucceeded
	e.PutOperationForTest(op)

	if _, ok := e.Operation("trace-1", time.Time{}); ok {
		t.Fatal("expected a terminal operation past retention to be evicted on lookup")
	}
}

// TestCollectStatusRateLimited: two non-forced refreshes inside the cache
// window run a single mtx status subprocess.
func TestCollectStatusRateLimited(t *testing.T) {
	e, rn, _ := newTestEngine(t)
	rn.On(runner.Invocation{Program: "mtx", ArgsPrefix: []string{"status"}}, runner.Script{
		Lines:  []string{"Storage Element 10:Full :VolumeTag=000063L7"},
		Result: runner.Result{ExitCode: 0},
	})

	if err := e.CollectStatus(context.Background(), false); err != nil {
		t.Fatalf("first collect: %v", err)
	}
	if err := e.CollectStatus(context.Background(), false); err != nil {
		t.Fatalf("second collect: %v", err)
	}

	count := 0
	for _, c := range rn.Calls() {
		if c.Program == "mtx" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected a single mtx invocation inside the cache window, got %d", count)
	}
}

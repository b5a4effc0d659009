package library

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualstar/libraryctl/internal/locker"
	"github.com/qualstar/libraryctl/internal/logging"
	"github.com/qualstar/libraryctl/internal/parse"
	"github.com/qualstar/libraryctl/internal/runner"
)

const (
	statusCacheWindow  = 15 * time.Second
	driveLockTTL       = 5 * time.Minute
	changerLockTTL     = 5 * time.Minute
	changerShortTTL    = 2 * time.Minute
	earlyReplyWindow   = 15 * time.Second
	operationRetention = 60 * time.Minute
)

// Engine is the process-wide Library Control Engine: the in-memory model of
// the physical library plus the per-drive operation orchestrator. Exactly
// one Engine is constructed at startup and released on shutdown; it is not
// replicated per HTTP request.
type Engine struct {
	cfg      Config
	runner   runner.Runner
	platform Platform
	locker   locker.Locker
	repo     OperationRepository
	events   *EventBus
	logger   *logging.Logger

	mu     sync.Mutex // guards drives/slots
	drives []*Drive
	slots  []*StorageSlot

	changerDevice string

	statusMu   sync.Mutex
	lastStatus time.Time

	opsMu      sync.Mutex
	operations map[string]*Operation

	inflightMu sync.Mutex
	inflight   map[int]*inflightTask

	// sleep is the inter-step delay; tests install an instant clock.
	sleep func(ctx context.Context, d time.Duration)
}

type inflightTask struct {
	op       *Operation
	done     chan struct{}
	finished bool
}

// New constructs an Engine and builds its drives from cfg.Drives. Initialize
// must be called once before the first CollectStatus.
func New(cfg Config, rn runner.Runner, platform Platform, lk locker.Locker, repo OperationRepository, events *EventBus, logger *logging.Logger) *Engine {
	if repo == nil {
		repo = NullRepository{}
	}
	e := &Engine{
		cfg:        cfg,
		runner:     rn,
		platform:   platform,
		locker:     lk,
		repo:       repo,
		events:     events,
		logger:     logger,
		operations: make(map[string]*Operation),
		inflight:   make(map[int]*inflightTask),
		sleep:      sleepCtx,
	}
	for _, dc := range cfg.Drives {
		d := newDrive(dc.SlotNumber, dc.Address)
		d.Serial = dc.Serial
		e.drives = append(e.drives, d)
	}
	return e
}

func (e *Engine) log(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if e.logger != nil {
		e.logger.Info(msg, nil)
	}
	publishSafely(e.events, operationLoggingEvent("", msg))
}

func (e *Engine) logTrace(op *Operation, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if op != nil {
		op.Log(msg)
	}
	if e.logger != nil {
		e.logger.Info(msg, map[string]interface{}{"trace_id": traceIDOf(op)})
	}
	publishSafely(e.events, operationLoggingEvent(traceIDOf(op), msg))
}

func traceIDOf(op *Operation) string {
	if op == nil {
		return ""
	}
	return op.TraceID
}

// Initialize, on Linux, unmounts every configured drive's LTFS filesystem,
// then resolves device names/serials via `ltfs -o device_list`
// cross-referenced against the SG device map to learn the changer's
// /dev/sg{N} path; on other platforms it sets the changer to
// Changer{MtxChanger}. The drives themselves are built by New.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	drives := append([]*Drive(nil), e.drives...)
	e.mu.Unlock()

	if e.platform.Name() == "linux" {
		for _, d := range drives {
			e.platform.LtfsUnmount(ctx, e.runner, "", d)
		}
		e.sleep(ctx, 5*time.Second)
		e.resolveDeviceNames(ctx)
	} else {
		e.mu.Lock()
		e.changerDevice = fmt.Sprintf("Changer%d", e.cfg.MtxChanger)
		e.mu.Unlock()
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// resolveDeviceNames runs `ltfs -o device_list` and `ls -l /dev/sg` (Linux
// only; Windows learns its changer device from MtxChanger in Initialize),
// matching drives by configured address to learn device_name/serial, and
// the changer's own /dev/sg{N} path.
func (e *Engine) resolveDeviceNames(ctx context.Context) {
	var deviceListOutput strings.Builder
	_, _ = e.runner.Exec(ctx, e.cfg.ltfsTool("ltfs"), []string{"-o", "device_list"}, "", func(_, line string) {
		deviceListOutput.WriteString(line)
		deviceListOutput.WriteByte('\n')
	})
	devices := parse.ParseLtfsDeviceList(deviceListOutput.String())

	var sgMapOutput strings.Builder
	_, _ = e.runner.Exec(ctx, "ls", []string{"-l", "/dev/sg"}, "", func(_, line string) {
		sgMapOutput.WriteString(line)
		sgMapOutput.WriteByte('\n')
	})
	sgEntries := parse.ParseSgDeviceMap(sgMapOutput.String())

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dev := range devices {
		for _, d := range e.drives {
			if d.Address == dev.Address {
				d.DeviceName = dev.DeviceName
				if dev.Serial != "" {
					d.Serial = dev.Serial
				}
			}
		}
	}
	for _, sg := range sgEntries {
		if sg.Kind == "Changer" {
			e.changerDevice = sg.Device
		}
	}
}

// CollectStatus refreshes the in-memory model from `mtx status`, rate
// limited to one real invocation per 15 s unless force is true.
func (e *Engine) CollectStatus(ctx context.Context, force bool) error {
	e.statusMu.Lock()
	if !force && time.Since(e.lastStatus) < statusCacheWindow {
		e.statusMu.Unlock()
		return nil
	}
	e.statusMu.Unlock()

	args := []string{"status"}
	if e.changerDevice != "" {
		args = []string{"-f", e.changerDevice, "status"}
	}
	var out strings.Builder
	_, err := e.runner.Exec(ctx, e.cfg.mtxBin(), args, "", func(_, line string) {
		out.WriteString(line)
		out.WriteByte('\n')
	})
	if err != nil {
		return err
	}

	elems, perr := parse.ParseMtxStatus(out.String())
	if perr != nil {
		e.log("mtx status: %v", perr)
	}

	e.applyElements(elems)

	e.mu.Lock()
	drives := append([]*Drive(nil), e.drives...)
	e.mu.Unlock()
	e.platform.RefreshAllStatus(ctx, e.runner, "", drives)

	e.statusMu.Lock()
	e.lastStatus = time.Now()
	e.statusMu.Unlock()
	return nil
}

func (e *Engine) applyElements(elems []parse.Element) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// First pass: find the lowest storage slot reporting each tag, so a
	// tag seen transiently in two elements during a robot move resolves to
	// a single owner (lower-numbered slot wins).
	tagOwner := make(map[string]int)
	for _, el := range elems {
		if el.Kind != parse.KindStorage || !el.Full || el.VolumeTag == "" {
			continue
		}
		if existing, ok := tagOwner[el.VolumeTag]; !ok || el.Slot < existing {
			tagOwner[el.VolumeTag] = el.Slot
		}
	}

	for _, el := range elems {
		switch el.Kind {
		case parse.KindStorage:
			slot := e.findOrCreateSlot(el.Slot, el.IsIO)
			if !el.Full || el.VolumeTag == "" {
				slot.Media = nil
				continue
			}
			if owner := tagOwner[el.VolumeTag]; owner != el.Slot {
				e.log("volume tag %s seen in multiple elements; slot %d wins over %d", el.VolumeTag, owner, el.Slot)
				slot.Media = nil
				continue
			}
			m, ok := NewMedia(el.VolumeTag)
			if !ok {
				e.log("rejecting malformed volume tag %q in slot %d", el.VolumeTag, el.Slot)
				continue
			}
			sn := slot.SlotNumber
			m.StorageSlotNumber = &sn
			slot.Media = withDefaultCapacity(m)

		case parse.KindDataTransfer:
			d := e.findDrive(el.Slot)
			if d == nil {
				e.log("mtx status reports unknown drive slot %d; ignoring", el.Slot)
				continue
			}
			if !el.Full {
				d.LoadedMedia = nil
				continue
			}
			if el.VolumeTag == "" {
				continue
			}
			if d.LoadedMedia != nil && d.LoadedMedia.VolumeTag == el.VolumeTag {
				// Same cartridge still loaded: keep the Media (and any
				// capacity/remaining figures already learned from the OS).
				continue
			}
			m, ok := NewMedia(el.VolumeTag)
			if !ok {
				e.log("rejecting malformed volume tag %q in drive %d", el.VolumeTag, el.Slot)
				continue
			}
			ds := d.SlotNumber
			m.DriveSlotNumber = &ds
			d.LoadedMedia = withDefaultCapacity(m)
		}
	}
}

func (e *Engine) findDrive(slot int) *Drive {
	for _, d := range e.drives {
		if d.SlotNumber == slot {
			return d
		}
	}
	return nil
}

func (e *Engine) findOrCreateSlot(slot int, isIO bool) *StorageSlot {
	for _, s := range e.slots {
		if s.SlotNumber == slot {
			return s
		}
	}
	s := &StorageSlot{SlotNumber: slot, IsIO: isIO}
	e.slots = append(e.slots, s)
	sort.Slice(e.slots, func(i, j int) bool { return e.slots[i].SlotNumber < e.slots[j].SlotNumber })
	return s
}

func (e *Engine) findSlotHolding(tag string) *StorageSlot {
	for _, s := range e.slots {
		if s.Media != nil && s.Media.VolumeTag == tag {
			return s
		}
	}
	return nil
}

func (e *Engine) findEmptySlot(slotNumber int) (*StorageSlot, bool) {
	for _, s := range e.slots {
		if s.SlotNumber == slotNumber {
			return s, s.Media == nil
		}
	}
	return nil, false
}

// Drives returns a snapshot of every configured drive.
func (e *Engine) Drives() []DriveSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DriveSnapshot, 0, len(e.drives))
	for _, d := range e.drives {
		out = append(out, d.Snapshot())
	}
	return out
}

// Slots returns a snapshot of every known storage slot.
func (e *Engine) Slots() []StorageSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StorageSlot, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, s.Snapshot())
	}
	return out
}

// Events returns the engine's event bus, or nil if none was configured.
func (e *Engine) Events() *EventBus { return e.events }

// Media returns every cartridge currently tracked, in slots or drives.
func (e *Engine) Media() []Media {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Media
	for _, s := range e.slots {
		if s.Media != nil {
			out = append(out, *s.Media)
		}
	}
	for _, d := range e.drives {
		if d.LoadedMedia != nil {
			out = append(out, *d.LoadedMedia)
		}
	}
	return out
}

// Operation looks up an Operation by trace id, applying the 60-minute
// terminal-operation eviction policy lazily on lookup.
func (e *Engine) Operation(traceID string, since time.Time) (Operation, bool) {
	e.opsMu.Lock()
	op, ok := e.operations[traceID]
	if ok && op.IsTerminal() && op.EndedAt != nil && time.Since(*op.EndedAt) > operationRetention {
		delete(e.operations, traceID)
		ok = false
	}
	e.opsMu.Unlock()
	if !ok {
		return Operation{}, false
	}
	snap := op.Snapshot()
	if !since.IsZero() {
		snap.Logs = op.LogsSince(since)
	}
	return snap, true
}

// GCOperations proactively evicts terminal operations older than the
// retention window; Operation's lazy eviction on lookup is the
// authoritative behavior, this is purely a memory-pressure optimization run
// by the scheduler.
func (e *Engine) GCOperations() int {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	removed := 0
	for id, op := range e.operations {
		if op.IsTerminal() && op.EndedAt != nil && time.Since(*op.EndedAt) > operationRetention {
			delete(e.operations, id)
			removed++
		}
	}
	return removed
}

// orchestrate is the scheduler wrapper every public operation goes through:
// single-flight per drive slot, registration, async dispatch, and the
// 15 s early-reply race.
func (e *Engine) orchestrate(ctx context.Context, driveSlot int, body func(ctx context.Context, op *Operation)) Operation {
	e.inflightMu.Lock()
	if existing, ok := e.inflight[driveSlot]; ok {
		if !existing.finished {
			select {
			case <-existing.done:
				existing.finished = true
			default:
				e.inflightMu.Unlock()
				return e.busyOperation()
			}
		}
		delete(e.inflight, driveSlot)
	}
	e.inflightMu.Unlock()

	traceID := uuid.NewString()
	op := NewOperation(traceID)
	e.opsMu.Lock()
	e.operations[traceID] = op
	e.opsMu.Unlock()
	if err := e.repo.Add(ctx, op.Snapshot()); err != nil {
		e.log("operation repository add failed: %v", err)
	}

	done := make(chan struct{})
	e.inflightMu.Lock()
	e.inflight[driveSlot] = &inflightTask{op: op, done: done}
	e.inflightMu.Unlock()

	// The body outlives the caller: a cancelled HTTP request abandons the
	// wait for reply below, while the operation itself keeps running and
	// stays pollable by trace id.
	bodyCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				wait := 15 * time.Second
				op.Finish(OpFailed, fmt.Sprintf("panic: %v\n%s", r, debug.Stack()), &wait)
			}
			if err := e.repo.UpdateOrAdd(context.Background(), op.Snapshot()); err != nil {
				e.log("operation repository update failed: %v", err)
			}
		}()
		body(bodyCtx, op)
	}()

	select {
	case <-done:
	case <-time.After(earlyReplyWindow):
	}
	return op.Snapshot()
}

func (e *Engine) busyOperation() Operation {
	wait := 15 * time.Second
	op := NewOperation(uuid.NewString())
	op.Finish(OpDriveBusy, "drive is busy with another operation", &wait)
	e.opsMu.Lock()
	e.operations[op.TraceID] = op
	e.opsMu.Unlock()
	return op.Snapshot()
}

// acquireDriveLock and acquireChangerLock wrap Locker.Acquire with the
// engine's fixed lock names/TTLs. acquireDriveLock and releaseDriveLock
// publish DriveChanged("Locked to X") / ("Unlocked after X") events; the
// changer lock publishes none.
func (e *Engine) acquireDriveLock(slot int, opName string) (*locker.Lock, bool) {
	lk, ok := e.locker.Acquire(fmt.Sprintf("TapeDrive-%d", slot), locker.NewOwnerID(), driveLockTTL)
	if ok {
		publishSafely(e.events, driveChangedEvent(slot, "Locked to "+opName))
	}
	return lk, ok
}

func (e *Engine) releaseDriveLock(lk *locker.Lock, slot int, opName string) {
	if lk == nil {
		return
	}
	lk.Release()
	publishSafely(e.events, driveChangedEvent(slot, "Unlocked after "+opName))
}

func (e *Engine) acquireChangerLock(short bool) (*locker.Lock, bool) {
	ttl := changerLockTTL
	if short {
		ttl = changerShortTTL
	}
	return e.locker.Acquire("TapeChanger", locker.NewOwnerID(), ttl)
}

func (e *Engine) mtx(ctx context.Context, op *Operation, args ...string) (string, int) {
	allArgs := args
	if e.changerDevice != "" {
		allArgs = append([]string{"-f", e.changerDevice}, args...)
	}
	var out strings.Builder
	res, _ := e.runner.Exec(ctx, e.cfg.mtxBin(), allArgs, traceIDOf(op), func(_, line string) {
		out.WriteString(line)
		out.WriteByte('\n')
		e.logTrace(op, "%s", line)
	})
	return out.String(), res.ExitCode
}

// Release unmounts and unloads every full drive in sequence, stopping at
// the first failure. Intended to be called on service shutdown.
func (e *Engine) Release(ctx context.Context) Operation {
	return e.orchestrate(ctx, -1, func(ctx context.Context, op *Operation) {
		e.CollectStatus(ctx, true)
		e.mu.Lock()
		drives := append([]*Drive(nil), e.drives...)
		e.mu.Unlock()

		for _, d := range drives {
			if !d.IsFull() {
				continue
			}
			status, msg := e.doUnloadDrive(ctx, op, d)
			if !status.IsSuccess() {
				op.Finish(status, msg, nil)
				return
			}
		}
		op.Finish(OpSucceeded, "all drives released", nil)
	})
}

// Package library implements the Library Control Engine: an in-memory model
// of a robotic tape library (drives, slots, cartridges) and the per-drive
// operation orchestrator that drives mtx/ltfs/ltfsck/mkltfs through it.
package library

import (
	"strings"
	"sync"
	"time"
)

// LtfsStatus is the drive-level LTFS state machine.
type LtfsStatus string

const (
	StatusReset            LtfsStatus = "RESET"
	StatusNoMedia          LtfsStatus = "NO_MEDIA"
	StatusLtfsMedia        LtfsStatus = "LTFS_MEDIA"
	StatusLtfsUnformatted  LtfsStatus = "LTFS_UNFORMATTED"
	StatusLtfsInconsistent LtfsStatus = "LTFS_INCONSISTENT"
	StatusLtfsReadOnly     LtfsStatus = "LTFS_READ_ONLY"
	StatusMediaNotReady    LtfsStatus = "MEDIA_NOT_READY"
)

// LibraryOperationStatus is the outcome reported on an Operation. It
// comprises synthetic outcomes and a closed set of LTFS status codes keyed
// by their textual identifier.
type LibraryOperationStatus string

const (
	OpNoAction      LibraryOperationStatus = "NoAction"
	OpSucceeded     LibraryOperationStatus = "Succeeded"
	OpFailed        LibraryOperationStatus = "Failed"
	OpOngoing       LibraryOperationStatus = "Ongoing"
	OpDriveNotFound LibraryOperationStatus = "DriveNotFound"
	OpTapeNotFound  LibraryOperationStatus = "TapeNotFound"
	OpNotSupported  LibraryOperationStatus = "NotSupported"
	OpMtxBusy       LibraryOperationStatus = "MtxBusy"
	OpDriveBusy     LibraryOperationStatus = "DriveBusy"

	LTFS11031I LibraryOperationStatus = "LTFS11031I" // Volume mounted successfully
	LTFS11034I LibraryOperationStatus = "LTFS11034I" // Volume unmounted
	LTFS15024I LibraryOperationStatus = "LTFS15024I" // Volume formatted
	LTFS16022I LibraryOperationStatus = "LTFS16022I" // Volume consistent
	LTFS16021E LibraryOperationStatus = "LTFS16021E" // Volume inconsistent
	LTFS16087E LibraryOperationStatus = "LTFS16087E" // Volume inconsistent
	LTFS17168E LibraryOperationStatus = "LTFS17168E" // Volume unformatted
	LTFS11095E LibraryOperationStatus = "LTFS11095E" // Volume write-protected
	LTFS11331E LibraryOperationStatus = "LTFS11331E" // drive or tape damaged
	LTFS11006E LibraryOperationStatus = "LTFS11006E" // drive or tape damaged
	LTFS12019E LibraryOperationStatus = "LTFS12019E" // drive or tape damaged
	LTFS12035E LibraryOperationStatus = "LTFS12035E" // rewind failed
	LTFS12016E LibraryOperationStatus = "LTFS12016E" // no medium
	LTFS10004E LibraryOperationStatus = "LTFS10004E" // cannot open device
	LTFS12012E LibraryOperationStatus = "LTFS12012E" // cannot open device
	LTFS60086E LibraryOperationStatus = "LTFS60086E" // windows stack error
	LTFS60201E LibraryOperationStatus = "LTFS60201E" // windows stack error
	LTFS60233E LibraryOperationStatus = "LTFS60233E" // windows: state changed by another session
)

// IsSuccess reports whether the status is a successful terminal outcome.
func (s LibraryOperationStatus) IsSuccess() bool {
	switch s {
	case OpSucceeded, OpNoAction, LTFS15024I, LTFS16022I, LTFS11034I, LTFS11031I:
		return true
	}
	return false
}

// IsEjectable reports whether the cartridge should still be ejected even
// though the status is an error.
func (s LibraryOperationStatus) IsEjectable() bool {
	switch s {
	case LTFS11331E, LTFS12035E, LTFS12016E, LTFS11006E, LTFS12019E:
		return true
	}
	return false
}

// IsFinallyError reports whether the status is one of the closed set of
// terminal LTFS error codes.
func (s LibraryOperationStatus) IsFinallyError() bool {
	switch s {
	case LTFS16021E, LTFS16087E, LTFS17168E, LTFS11095E, LTFS11331E, LTFS11006E,
		LTFS12019E, LTFS12035E, LTFS12016E, LTFS10004E, LTFS12012E,
		LTFS60086E, LTFS60201E, LTFS60233E:
		return true
	}
	return false
}

// Media is a physical cartridge identified by an 8-character volume tag
// (6-char serial + 2-char generation code, e.g. "000063L7").
type Media struct {
	VolumeTag         string   `json:"volume_tag"`
	Capacity          *int64   `json:"capacity,omitempty"`
	Remaining         *int64   `json:"remaining,omitempty"`
	IsCleaner         bool     `json:"is_cleaner"`
	IsWriteProtected  bool     `json:"is_write_protected"`
	StorageSlotNumber *int     `json:"storage_slot_number,omitempty"`
	DriveSlotNumber   *int     `json:"drive_slot_number,omitempty"`
}

// NewMedia builds a Media record, rejecting volume tags that are not
// exactly 8 characters.
func NewMedia(volumeTag string) (*Media, bool) {
	if len(volumeTag) != 8 {
		return nil, false
	}
	return &Media{
		VolumeTag: volumeTag,
		IsCleaner: isCleanerTag(volumeTag),
	}, true
}

func isCleanerTag(tag string) bool {
	return strings.HasPrefix(tag, "CLN") || strings.HasSuffix(tag, "CL")
}

// TapeSerial returns the first 6 characters of a volume tag.
func TapeSerial(tag string) string {
	if len(tag) < 6 {
		return tag
	}
	return tag[:6]
}

// GenShortName returns the 2-character generation code of a volume tag.
func GenShortName(tag string) string {
	if len(tag) < 8 {
		return ""
	}
	return tag[6:8]
}

// Drive is a tape drive at a fixed slot with a fixed address.
type Drive struct {
	SlotNumber  int        `json:"slot_number"`
	Address     string     `json:"address"`
	DeviceName  string     `json:"device_name,omitempty"`
	Serial      string     `json:"serial,omitempty"`
	MountPoint  string     `json:"mount_point,omitempty"`
	Status      LtfsStatus `json:"status"`
	LoadedMedia *Media     `json:"loaded_media,omitempty"`

	FailedVolumeTags map[string]struct{} `json:"-"`
	released         bool
}

// DriveSnapshot is a value copy of a Drive safe to hand to readers without
// holding the engine mutex.
type DriveSnapshot struct {
	SlotNumber       int        `json:"slot_number"`
	Address          string     `json:"address"`
	DeviceName       string     `json:"device_name,omitempty"`
	Serial           string     `json:"serial,omitempty"`
	MountPoint       string     `json:"mount_point,omitempty"`
	Status           LtfsStatus `json:"status"`
	LoadedMedia      *Media     `json:"loaded_media,omitempty"`
	IsFull           bool       `json:"is_full"`
	IsAssigned       bool       `json:"is_assigned"`
	IsReleased       bool       `json:"is_released"`
	FailedVolumeTags []string   `json:"failed_volume_tags,omitempty"`
}

func newDrive(slot int, address string) *Drive {
	return &Drive{
		SlotNumber:       slot,
		Address:          address,
		Status:           StatusReset,
		FailedVolumeTags: make(map[string]struct{}),
		released:         true,
	}
}

// Snapshot returns a value copy of the drive (caller must hold the engine
// mutex, or go through Engine.Drives()).
func (d *Drive) Snapshot() DriveSnapshot {
	tags := make([]string, 0, len(d.FailedVolumeTags))
	for t := range d.FailedVolumeTags {
		tags = append(tags, t)
	}
	var media *Media
	if d.LoadedMedia != nil {
		cp := *d.LoadedMedia
		media = &cp
	}
	return DriveSnapshot{
		SlotNumber:       d.SlotNumber,
		Address:          d.Address,
		DeviceName:       d.DeviceName,
		Serial:           d.Serial,
		MountPoint:       d.MountPoint,
		Status:           d.Status,
		LoadedMedia:      media,
		IsFull:           d.LoadedMedia != nil,
		IsAssigned:       d.MountPoint != "",
		IsReleased:       d.released,
		FailedVolumeTags: tags,
	}
}

// IsFull reports whether the drive currently holds a cartridge.
func (d *Drive) IsFull() bool { return d.LoadedMedia != nil }

// IsAssigned reports whether the drive has a mount point/drive letter.
func (d *Drive) IsAssigned() bool { return d.MountPoint != "" }

// IsReleased reports the drive's explicit-release flag.
func (d *Drive) IsReleased() bool { return d.released }

// SetStatus transitions the drive's LTFS status. Any state that implies
// media presence clears the released flag; NO_MEDIA and RESET drop the
// loaded media; LTFS_READ_ONLY cascades write protection onto it.
func (d *Drive) SetStatus(status LtfsStatus) {
	d.Status = status
	if status != StatusNoMedia && status != StatusReset {
		d.released = false
	}
	if status == StatusNoMedia || status == StatusReset {
		d.LoadedMedia = nil
	}
	if status == StatusLtfsReadOnly && d.LoadedMedia != nil {
		d.LoadedMedia.IsWriteProtected = true
	}
}

// MarkFailed records a volume tag that failed in this drive.
func (d *Drive) MarkFailed(tag string) {
	d.FailedVolumeTags[tag] = struct{}{}
}

// AssignedTo marks the drive as mounted at the given mount point / letter.
func (d *Drive) AssignedTo(mountPoint string) {
	d.MountPoint = mountPoint
}

// Unassigned clears the drive's mount point / letter.
func (d *Drive) Unassigned() {
	d.MountPoint = ""
}

// Release marks the drive as explicitly released.
func (d *Drive) Release() {
	d.released = true
}

// StorageSlot is a cartridge slot at a fixed slot number.
type StorageSlot struct {
	SlotNumber int    `json:"slot_number"`
	IsIO       bool   `json:"is_io"`
	Media      *Media `json:"media,omitempty"`
}

func (s *StorageSlot) Snapshot() StorageSlot {
	cp := StorageSlot{SlotNumber: s.SlotNumber, IsIO: s.IsIO}
	if s.Media != nil {
		m := *s.Media
		cp.Media = &m
	}
	return cp
}

// LogLine is a single timestamped line in an Operation's append-only log.
type LogLine struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Operation is a unit of orchestrated work, identified by TraceID.
type Operation struct {
	mu sync.Mutex

	TraceID                 string                 `json:"trace_id"`
	Status                  LibraryOperationStatus `json:"status"`
	Message                 string                 `json:"message"`
	Logs                    []LogLine              `json:"logs"`
	StartedAt               time.Time              `json:"started_at"`
	EndedAt                 *time.Time             `json:"ended_at,omitempty"`
	WaitBeforeNextOperation *time.Duration         `json:"wait_before_next_operation,omitempty"`
	WaitBeforeNextTrace     *time.Duration         `json:"wait_before_next_trace,omitempty"`
}

// NewOperation creates a fresh Operation in the Ongoing state.
func NewOperation(traceID string) *Operation {
	wait := 30 * time.Second
	return &Operation{
		TraceID:             traceID,
		Status:              OpOngoing,
		StartedAt:           time.Now(),
		WaitBeforeNextTrace: &wait,
	}
}

// Log appends a timestamped line to the operation's log buffer.
func (o *Operation) Log(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Logs = append(o.Logs, LogLine{At: time.Now(), Message: message})
}

// LogsSince returns log lines recorded at or after the given instant.
func (o *Operation) LogsSince(since time.Time) []LogLine {
	o.mu.Lock()
	defer o.mu.Unlock()
	if since.IsZero() {
		out := make([]LogLine, len(o.Logs))
		copy(out, o.Logs)
		return out
	}
	var out []LogLine
	for _, l := range o.Logs {
		if !l.At.Before(since) {
			out = append(out, l)
		}
	}
	return out
}

// Finish transitions the operation to a terminal state.
func (o *Operation) Finish(status LibraryOperationStatus, message string, wait *time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Status = status
	o.Message = message
	now := time.Now()
	o.EndedAt = &now
	o.WaitBeforeNextOperation = wait
}

// Snapshot returns a value copy of the operation safe to serialize.
func (o *Operation) Snapshot() Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	logs := make([]LogLine, len(o.Logs))
	copy(logs, o.Logs)
	return Operation{
		TraceID:                 o.TraceID,
		Status:                  o.Status,
		Message:                 o.Message,
		Logs:                    logs,
		StartedAt:               o.StartedAt,
		EndedAt:                 o.EndedAt,
		WaitBeforeNextOperation: o.WaitBeforeNextOperation,
		WaitBeforeNextTrace:     o.WaitBeforeNextTrace,
	}
}

// IsTerminal reports whether the operation has left the Ongoing state.
func (o *Operation) IsTerminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Status != OpOngoing
}

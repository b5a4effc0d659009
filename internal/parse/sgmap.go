package parse

import "regexp"

// SgEntry maps a changer/tape serial to its /dev/sg{N} device node, as
// reported by `ls -l /dev/sg`.
type SgEntry struct {
	Kind   string // "Tape" or "Changer"
	Serial string
	Device string // e.g. "/dev/sg3"
}

var sgLineRe = regexp.MustCompile(`(Tape|Changer)-[^_]*_?(\S*)\s*->\s*.*?(sg\d+)\s*$`)

// ParseSgDeviceMap parses `ls -l /dev/sg` udev-by-id style listings into
// SgEntry records, mapping symlink names such as
// "Tape-LTO-8_HU12345678" or "Changer-SCSI_..." to their sgN target.
func ParseSgDeviceMap(output string) []SgEntry {
	var out []SgEntry
	for _, line := range splitLines(output) {
		m := sgLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, SgEntry{
			Kind:   m[1],
			Serial: m[2],
			Device: "/dev/" + m[3],
		})
	}
	return out
}

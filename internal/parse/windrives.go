package parse

import "regexp"

// WinDriveRow is one row of `LtfsCmdDrives` output.
type WinDriveRow struct {
	AssignedLetter string
	Address        string
	Serial         string
	Status         string
}

var winDriveRe = regexp.MustCompile(`^(\w?)\s+([\d.]+)\s+(\S+)\s+([A-Z_]+)`)

// ParseWinDrives parses `LtfsCmdDrives` output into WinDriveRow records,
// used to update assigned drive letter, serial, and LtfsStatus by name.
func ParseWinDrives(output string) []WinDriveRow {
	var rows []WinDriveRow
	for _, line := range splitLines(output) {
		m := winDriveRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		rows = append(rows, WinDriveRow{
			AssignedLetter: m[1],
			Address:        m[2],
			Serial:         m[3],
			Status:         m[4],
		})
	}
	return rows
}

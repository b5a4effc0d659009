package parse

import (
	"regexp"
	"strconv"
	"strings"
)

// DfRow is one LTFS mount row of `df -h --output=source,size,avail,target`.
type DfRow struct {
	Source string
	Size   int64
	Avail  int64
	Target string
}

var sizeRe = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([TGM]?)$`)

// SizeToB converts a df-style size string to bytes. Suffixes T, G, M
// convert via float parse times the matching power of 1024; a bare integer
// is treated as a block count and multiplied by 1024; an empty string is 0.
func SizeToB(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return 0
	}
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n * 1024
		}
		return 0
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "T":
		return int64(val * 1024 * 1024 * 1024 * 1024)
	case "G":
		return int64(val * 1024 * 1024 * 1024)
	case "M":
		return int64(val * 1024 * 1024)
	default:
		return int64(val) * 1024
	}
}

// ParseDf parses `df -h --output=source,size,avail,target` output, keeping
// only rows whose source begins with "ltfs:".
func ParseDf(output string) []DfRow {
	var rows []DfRow
	for _, line := range splitLines(output) {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if !strings.HasPrefix(fields[0], "ltfs:") {
			continue
		}
		rows = append(rows, DfRow{
			Source: fields[0],
			Size:   SizeToB(fields[1]),
			Avail:  SizeToB(fields[2]),
			Target: fields[3],
		})
	}
	return rows
}

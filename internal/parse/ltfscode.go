package parse

import "regexp"

var ltfsCodeRe = regexp.MustCompile(`LTFS\d{5}[EI]`)

// ExtractLtfsCode scans every line of tool output for the LTFSdddddE/I
// status-code pattern. When multiple matches occur, the last one wins
// (later messages override earlier ones), matching how the underlying
// tools emit a running commentary ending in the definitive status.
func ExtractLtfsCode(output string) (code string, found bool) {
	for _, line := range splitLines(output) {
		if m := ltfsCodeRe.FindString(line); m != "" {
			code = m
			found = true
		}
	}
	return code, found
}

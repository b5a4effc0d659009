// Package ltfsproc implements the per-platform LTFS procedure layer:
// multi-step mount/unmount/format/check with LTFS status-code
// interpretation, shared between Linux and Windows through
// library.HandleCommonLtfsStatus.
package ltfsproc

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/qualstar/libraryctl/internal/runner"
)

// run invokes program with args through rn, collecting the full combined
// output (so callers can run the LTFS code extractor over it) alongside the
// runner's own exit code / last-message pair.
func run(ctx context.Context, rn runner.Runner, traceID, program string, args []string) (output string, res runner.Result, err error) {
	var b strings.Builder
	res, err = rn.Exec(ctx, program, args, traceID, func(_, line string) {
		b.WriteString(line)
		b.WriteByte('\n')
	})
	return b.String(), res, err
}

func sleepReal(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// bin resolves a tool name against an optional tool directory; empty dir
// means PATH lookup.
func bin(dir, name string) string {
	if dir != "" {
		return filepath.Join(dir, name)
	}
	return name
}

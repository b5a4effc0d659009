package library_test

import (
	"context"
	"testing"
	"time"

	"github.com/qualstar/libraryctl/internal/library"
	"github.com/qualstar/libraryctl/internal/locker"
	"github.com/qualstar/libraryctl/internal/logging"
	"github.com/qualstar/libraryctl/internal/ltfsproc"
	"github.com/qualstar/libraryctl/internal/runner"
)

// noSleep replaces every inter-step delay so scenarios finish well inside
// the orchestrator's early-reply window; tests that need an operation to
// stay in flight use Script.Delay on the scripted runner instead.
func noSleep(context.Context, time.Duration) {}

// newTestEngine builds an Engine wired to a ScriptedRunner and the real
// Linux ltfsproc.Platform (itself driven by the same ScriptedRunner), so
// tests exercise the full Load/Unload/Mount/Format/Ltfsck/Transfer
// playbooks end to end without touching real mtx/ltfs binaries.
func newTestEngine(t *testing.T, drives ...library.DriveConfig) (*library.Engine, *runner.ScriptedRunner, *ltfsproc.Linux) {
	t.Helper()
	rn := runner.NewScriptedRunner()
	logger, err := logging.NewLogger("info", "text", "-")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	platform := &ltfsproc.Linux{MountPoint: t.TempDir(), Sleep: noSleep}
	cfg := library.Config{Drives: drives}
	e := library.New(cfg, rn, platform, locker.NewInProcess(), library.NullRepository{}, library.NewEventBus(), logger)
	e.SetSleepForTest(noSleep)
	return e, rn, platform
}

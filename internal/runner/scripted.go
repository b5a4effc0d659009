package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Invocation is a single program+args combination a ScriptedRunner knows
// how to answer.
type Invocation struct {
	Program string
	// ArgsPrefix matches when every element here equals the corresponding
	// positional argument ("*" matches any value at its position); a shorter
	// ArgsPrefix than the real args matches any trailing arguments.
	ArgsPrefix []string
}

// Script is one canned answer: the lines to emit and the outcome to return.
// A non-zero Delay holds the invocation open before replying, letting tests
// keep an operation in flight long enough to observe busy responses.
type Script struct {
	Lines  []string
	Result Result
	Err    error
	Delay  time.Duration
}

// ScriptedRunner replays canned output for known invocations, recording
// every call it received for assertions. It implements Runner so engine and
// platform tests can drive end-to-end scenarios without touching the real
// mtx/ltfs/ltfsck/mkltfs binaries.
type ScriptedRunner struct {
	mu      sync.Mutex
	scripts []scriptedEntry
	calls   []Call
}

type scriptedEntry struct {
	inv    Invocation
	script Script
	used   bool
}

// Call records one invocation a test can assert against.
type Call struct {
	Program string
	Args    []string
	TraceID string
}

// NewScriptedRunner returns an empty ScriptedRunner; use On to register
// canned responses before exercising it.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{}
}

// On registers a canned response for the next matching invocation. Scripts
// are consumed in registration order the first time they match, so the same
// Invocation can be registered multiple times to script a sequence of
// differing responses to repeated calls (e.g. a failing mtx load followed
// by a reconciling mtx status).
func (r *ScriptedRunner) On(inv Invocation, s Script) *ScriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, scriptedEntry{inv: inv, script: s})
	return r
}

// Calls returns every invocation observed so far, in order.
func (r *ScriptedRunner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

func (inv Invocation) matches(program string, args []string) bool {
	if inv.Program != program {
		return false
	}
	if len(inv.ArgsPrefix) > len(args) {
		return false
	}
	for i, want := range inv.ArgsPrefix {
		if want == "*" {
			continue
		}
		if want != args[i] {
			return false
		}
	}
	return true
}

// Exec implements Runner by finding the first unused registered script that
// matches program/args, replaying its lines through onLine, and returning
// its canned Result/Err.
func (r *ScriptedRunner) Exec(ctx context.Context, program string, args []string, traceID string, onLine LineFunc) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Program: program, Args: append([]string(nil), args...), TraceID: traceID})
	var found *scriptedEntry
	for i := range r.scripts {
		e := &r.scripts[i]
		if !e.used && e.inv.matches(program, args) {
			found = e
			e.used = true
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return Result{}, fmt.Errorf("scripted runner: no script registered for %s %s", program, strings.Join(args, " "))
	}

	if found.script.Delay > 0 {
		t := time.NewTimer(found.script.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{ExitCode: -1}, ctx.Err()
		case <-t.C:
		}
	}

	for _, line := range found.script.Lines {
		if onLine != nil {
			onLine(traceID, line)
		}
	}
	return found.script.Result, found.script.Err
}

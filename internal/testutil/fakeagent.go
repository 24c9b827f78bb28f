// Package testutil provides testing utilities for the autotask project.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
)

// Phase identifies which kind of prompt the fake agent received.
type Phase string

const (
	PhaseProbe   Phase = "probe"
	PhaseExtract Phase = "extract"
	PhaseExecute Phase = "execute"
	PhaseStatus  Phase = "status"
)

// Response is a canned agent reply.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Sleep    time.Duration
}

// FakeAgent is a shell script standing in for the claude CLI. It classifies
// each prompt (the last argument) by the tokens it contains and replays the
// response configured for that phase.
type FakeAgent struct {
	t       testing.TB
	dir     string
	binPath string
}

// fakeAgentScript classifies on the status token first: the status prompt is
// the only one asking for UPDATE_DONE, the probe the only one mentioning
// HAS_ISSUE, the extraction prompt the only one carrying <extracted>.
const fakeAgentScript = `#!/bin/sh
# Fake agent CLI for tests
DIR='%s'
for PROMPT; do :; done

case "$PROMPT" in
    *UPDATE_DONE*) KIND=status ;;
    *HAS_ISSUE*) KIND=probe ;;
    *"<extracted>"*) KIND=extract ;;
    *) KIND=execute ;;
esac

N=$(grep -c "^$KIND\$" "$DIR/calls.log" 2>/dev/null)
N=${N:-0}
echo "$KIND" >> "$DIR/calls.log"
printf '%%s' "$PROMPT" > "$DIR/last_$KIND.txt"
printf '%%s\n' "$@" > "$DIR/last_args.txt"

if [ -f "$DIR/$KIND.$N.exit" ]; then
    P="$DIR/$KIND.$N"
else
    P="$DIR/$KIND"
fi

if [ -f "$P.sleep" ]; then
    sleep "$(cat "$P.sleep")"
fi
if [ -f "$P.stdout" ]; then
    cat "$P.stdout"
fi
if [ -f "$P.stderr" ]; then
    cat "$P.stderr" >&2
fi
CODE=0
if [ -f "$P.exit" ]; then
    CODE=$(cat "$P.exit")
fi
exit "$CODE"
`

// NewFakeAgent writes the fake agent into a temp dir. Tests using it are
// skipped on Windows.
func NewFakeAgent(t testing.TB) *FakeAgent {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent requires /bin/sh")
	}

	dir := t.TempDir()
	f := &FakeAgent{
		t:       t,
		dir:     dir,
		binPath: filepath.Join(dir, "claude"),
	}
	script := fmt.Sprintf(fakeAgentScript, dir)
	if err := os.WriteFile(f.binPath, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake agent: %v", err)
	}
	return f
}

// BinPath returns the path to the fake executable.
func (f *FakeAgent) BinPath() string {
	return f.binPath
}

// Respond sets the default response for every call of phase.
func (f *FakeAgent) Respond(phase Phase, r Response) {
	f.t.Helper()
	f.write(string(phase), r)
}

// RespondNth sets the response for the n-th (zero-based) call of phase,
// overriding the default for that call only.
func (f *FakeAgent) RespondNth(phase Phase, n int, r Response) {
	f.t.Helper()
	f.write(fmt.Sprintf("%s.%d", phase, n), r)
}

func (f *FakeAgent) write(prefix string, r Response) {
	f.t.Helper()
	files := map[string]string{
		".stdout": r.Stdout,
		".stderr": r.Stderr,
		".exit":   strconv.Itoa(r.ExitCode),
	}
	if r.Sleep > 0 {
		files[".sleep"] = strconv.FormatFloat(r.Sleep.Seconds(), 'f', 3, 64)
	} else {
		_ = os.Remove(filepath.Join(f.dir, prefix+".sleep"))
	}
	for ext, content := range files {
		if err := os.WriteFile(filepath.Join(f.dir, prefix+ext), []byte(content), 0o644); err != nil {
			f.t.Fatalf("failed to write fake agent response: %v", err)
		}
	}
}

// CallLog returns the phases of every call so far, in order.
func (f *FakeAgent) CallLog() []Phase {
	data, err := os.ReadFile(filepath.Join(f.dir, "calls.log"))
	if err != nil {
		return nil
	}
	var phases []Phase
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			phases = append(phases, Phase(line))
		}
	}
	return phases
}

// Calls returns how many times phase was invoked.
func (f *FakeAgent) Calls(phase Phase) int {
	n := 0
	for _, p := range f.CallLog() {
		if p == phase {
			n++
		}
	}
	return n
}

// LastPrompt returns the most recent prompt received for phase.
func (f *FakeAgent) LastPrompt(phase Phase) string {
	data, err := os.ReadFile(filepath.Join(f.dir, "last_"+string(phase)+".txt"))
	if err != nil {
		return ""
	}
	return string(data)
}

// LastArgs returns the argument vector of the most recent call, one per
// line as the script recorded them.
func (f *FakeAgent) LastArgs() []string {
	data, err := os.ReadFile(filepath.Join(f.dir, "last_args.txt"))
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

package focus

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result reports one terminal activation attempt. Failures never touch
// registry state; they only travel back to the requesting client.
type Result struct {
	Success bool
	Method  string
	Error   string
}

// Activation methods.
const (
	MethodITerm       = "iterm"
	MethodKitty       = "kitty"
	MethodWezterm     = "wezterm"
	MethodTerminalApp = "terminal_app"
	MethodProcess     = "process"
	MethodUnsupported = "unsupported"
)

// Terminal CLIs (kitty, wezterm) answer fast; osascript has to wake the
// host app and walk its window tree, which can take several seconds on
// first contact.
const (
	cliTimeout    = 3 * time.Second
	scriptTimeout = 10 * time.Second
)

// runFunc executes one external command; swapped out in tests.
type runFunc func(ctx context.Context, name string, args ...string) error

// Activator raises the terminal window behind a session's terminal key.
type Activator struct {
	run runFunc
}

func NewActivator() *Activator {
	return &Activator{run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s: %s", err, msg)
		}
		return err
	}
	return nil
}

// Activate dispatches on the terminal key prefix. Each strategy applies
// its own timeout.
func (a *Activator) Activate(ctx context.Context, terminalKey string) Result {
	prefix, rest, ok := strings.Cut(terminalKey, ":")
	if !ok || rest == "" {
		return unsupported(fmt.Sprintf("malformed terminal key %q", terminalKey))
	}

	switch prefix {
	case "ITERM":
		return a.activateITerm(ctx, rest)
	case "KITTY":
		return a.activateKitty(ctx, rest)
	case "WEZTERM":
		return a.activateWezterm(ctx, rest)
	case "TTY":
		return a.activateTerminalApp(ctx, rest)
	case "PID":
		return a.activateProcess(ctx, rest)
	case "DISCOVERED":
		return a.activateDiscovered(ctx, rest)
	case "TERM", "AUTO", "UNKNOWN":
		return unsupported(fmt.Sprintf("%s keys cannot be activated", prefix))
	}
	return unsupported(fmt.Sprintf("unrecognized terminal key prefix %q", prefix))
}

// activateDiscovered unwraps the inner key recorded by the startup
// scanner and recurses. Inner formats: iTerm2:<tab>:<uuid>,
// TTY:<path>:<pid>, PID:<pid>.
func (a *Activator) activateDiscovered(ctx context.Context, inner string) Result {
	kind, rest, ok := strings.Cut(inner, ":")
	if !ok || rest == "" {
		return unsupported(fmt.Sprintf("malformed discovered key %q", inner))
	}
	switch kind {
	case "iTerm2":
		return a.activateITerm(ctx, rest)
	case "TTY":
		// Inner TTY keys carry a trailing pid; the tty path is enough.
		if path, _, ok := strings.Cut(rest, ":"); ok {
			rest = path
		}
		return a.activateTerminalApp(ctx, rest)
	case "PID":
		return a.activateProcess(ctx, rest)
	}
	return unsupported(fmt.Sprintf("unrecognized discovered key kind %q", kind))
}

// activateITerm raises the iTerm session whose unique id matches the
// UUID suffix of the key.
func (a *Activator) activateITerm(ctx context.Context, id string) Result {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		id = id[i+1:]
	}
	script := fmt.Sprintf(`tell application "iTerm2"
	repeat with w in windows
		repeat with t in tabs of w
			repeat with s in sessions of t
				if id of s is "%s" then
					select t
					select w
					activate
					return
				end if
			end repeat
		end repeat
	end repeat
end tell`, id)
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	return result(MethodITerm, a.run(ctx, "osascript", "-e", script))
}

func (a *Activator) activateKitty(ctx context.Context, id string) Result {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()
	return result(MethodKitty, a.run(ctx, "kitty", "@", "focus-window", "--match", "id:"+id))
}

func (a *Activator) activateWezterm(ctx context.Context, id string) Result {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()
	return result(MethodWezterm, a.run(ctx, "wezterm", "cli", "activate-pane", "--pane-id", id))
}

// activateTerminalApp raises the Terminal.app tab whose tty matches.
func (a *Activator) activateTerminalApp(ctx context.Context, tty string) Result {
	if !strings.HasPrefix(tty, "/") {
		tty = "/dev/" + tty
	}
	script := fmt.Sprintf(`tell application "Terminal"
	repeat with w in windows
		repeat with t in tabs of w
			if tty of t is "%s" then
				set selected of t to true
				set frontmost of w to true
				activate
				return
			end if
		end repeat
	end repeat
end tell`, tty)
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	return result(MethodTerminalApp, a.run(ctx, "osascript", "-e", script))
}

// activateProcess brings the owning app frontmost; no tab granularity.
func (a *Activator) activateProcess(ctx context.Context, pid string) Result {
	script := fmt.Sprintf(`tell application "System Events"
	set frontmost of (first process whose unix id is %s) to true
end tell`, pid)
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	return result(MethodProcess, a.run(ctx, "osascript", "-e", script))
}

func result(method string, err error) Result {
	if err != nil {
		return Result{Method: method, Error: err.Error()}
	}
	return Result{Success: true, Method: method}
}

func unsupported(msg string) Result {
	return Result{Method: MethodUnsupported, Error: msg}
}

//go:build darwin

package focus

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const foregroundTimeout = 3 * time.Second

// Foreground derives a terminal key for the frontmost window. Returns an
// empty key when a non-terminal app is in front.
func Foreground() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), foregroundTimeout)
	defer cancel()

	app, err := osascript(ctx, `tell application "System Events" to get name of first process whose frontmost is true`)
	if err != nil {
		return "", err
	}

	switch {
	case strings.Contains(app, "iTerm"):
		id, err := osascript(ctx, `tell application "iTerm2" to get id of current session of current window`)
		if err != nil {
			return "", err
		}
		return "ITERM:" + id, nil
	case app == "Terminal":
		tty, err := osascript(ctx, `tell application "Terminal" to get tty of selected tab of front window`)
		if err != nil {
			return "", err
		}
		return "TTY:" + tty, nil
	case app == "kitty":
		// kitty exposes no per-window foreground query via AppleScript;
		// the env-derived key from hook events covers it.
		return "", nil
	}
	return "", nil
}

func osascript(ctx context.Context, script string) (string, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", script).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

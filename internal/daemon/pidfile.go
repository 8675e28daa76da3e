package daemon

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrPIDFileHeld means the pid file names a process that is still alive.
var ErrPIDFileHeld = errors.New("another instance holds the pid file")

// writePIDFile claims the pid file for this process. A file naming a dead
// process is reclaimed; a file naming a live process is fatal.
func writePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 && pid != os.Getpid() {
			if alive, _ := process.PidExists(int32(pid)); alive {
				return fmt.Errorf("%w: pid %d", ErrPIDFileHeld, pid)
			}
			log.Printf("[daemon] reclaiming stale pid file %s (pid %d is gone)", path, pid)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// removePIDFile deletes the pid file, but only when it still names this
// process.
func removePIDFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err != nil || pid != os.Getpid() {
		return
	}
	os.Remove(path)
}

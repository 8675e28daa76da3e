package scanner

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/jacques-sh/jacques/internal/session"
)

// assistantBinaries are command names that identify a running assistant
// process. Matched against the basename of each cmdline argument so both
// direct invocations and interpreter-wrapped ones are caught.
var assistantBinaries = []string{"claude"}

// Scanner finds assistant processes that were already running before the
// daemon started. It runs once at boot.
type Scanner struct {
	claudeDir string
}

func New(claudeDir string) *Scanner {
	return &Scanner{claudeDir: claudeDir}
}

// Scan enumerates host processes and recovers a DiscoveredSession for
// every assistant process it can identify. Per-process failures are
// logged and swallowed.
func (s *Scanner) Scan() []session.DiscoveredSession {
	procs, err := process.Processes()
	if err != nil {
		log.Printf("[scanner] process enumeration failed: %v", err)
		return nil
	}

	var found []session.DiscoveredSession
	for _, p := range procs {
		args, err := p.CmdlineSlice()
		if err != nil || !matchesAssistant(args) {
			continue
		}
		d, err := s.inspect(p)
		if err != nil {
			log.Printf("[scanner] pid %d looks like an assistant but: %v", p.Pid, err)
			continue
		}
		found = append(found, d)
	}
	if len(found) > 0 {
		log.Printf("[scanner] discovered %d running session(s)", len(found))
	}
	return found
}

// inspect recovers session identity and terminal identity for one
// matched process.
func (s *Scanner) inspect(p *process.Process) (session.DiscoveredSession, error) {
	var d session.DiscoveredSession

	cwd, err := p.Cwd()
	if err != nil {
		return d, fmt.Errorf("cwd: %w", err)
	}

	env, _ := p.Environ()
	ident := identityFromEnviron(env)
	ident.TerminalPID = int(p.Pid)

	tty, _ := p.Terminal()
	if tty != "" && !strings.HasPrefix(tty, "/") {
		tty = "/dev/" + tty
	}
	ident.TTY = tty

	// Prefer an open transcript fd; fall back to the newest transcript
	// in the project's well-known directory.
	transcript := s.transcriptFromOpenFiles(p)
	if transcript == "" {
		transcript = s.newestTranscript(cwd)
	}
	if transcript == "" {
		return d, fmt.Errorf("no transcript found for cwd %s", cwd)
	}

	d.ID = strings.TrimSuffix(filepath.Base(transcript), ".jsonl")
	d.TranscriptPath = transcript
	d.Cwd = cwd
	d.Project = session.ProjectName("", cwd)
	d.Terminal = ident
	d.TerminalInner = innerKey(ident)

	if fi, err := os.Stat(transcript); err == nil {
		d.LastActivity = fi.ModTime().UnixMilli()
	} else if created, err := p.CreateTime(); err == nil {
		d.LastActivity = created
	}
	return d, nil
}

func (s *Scanner) transcriptFromOpenFiles(p *process.Process) string {
	files, err := p.OpenFiles()
	if err != nil {
		return ""
	}
	projects := filepath.Join(s.claudeDir, "projects")
	for _, f := range files {
		if strings.HasSuffix(f.Path, ".jsonl") && strings.HasPrefix(f.Path, projects) {
			return f.Path
		}
	}
	return ""
}

// newestTranscript returns the most recently modified transcript in the
// per-project directory the assistant keeps for cwd.
func (s *Scanner) newestTranscript(cwd string) string {
	dir := filepath.Join(s.claudeDir, "projects", EncodeProjectDir(cwd))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixMilli(); newest == "" || mod > newestMod {
			newest = filepath.Join(dir, e.Name())
			newestMod = mod
		}
	}
	return newest
}

// matchesAssistant reports whether any cmdline argument names an
// assistant binary. Flags and unrelated tools never match.
func matchesAssistant(args []string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		base := filepath.Base(a)
		for _, bin := range assistantBinaries {
			if base == bin {
				return true
			}
		}
	}
	return false
}

// identityFromEnviron picks terminal identity out of KEY=VALUE pairs
// that emulators leak into child environments.
func identityFromEnviron(env []string) session.TerminalIdentity {
	var ident session.TerminalIdentity
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		switch k {
		case "ITERM_SESSION_ID":
			ident.ITermSessionID = v
		case "KITTY_WINDOW_ID":
			ident.KittyWindowID = v
		case "WEZTERM_PANE":
			ident.WeztermPane = v
		case "TERM_SESSION_ID":
			ident.TermSessionID = v
		case "TERM_PROGRAM":
			ident.TermProgram = v
		}
	}
	return ident
}

// innerKey builds the inner part of a DISCOVERED: terminal key. Formats
// mirror what the activator unwraps: iTerm2:<session id>, TTY:<path>:<pid>,
// PID:<pid>.
func innerKey(ident session.TerminalIdentity) string {
	switch {
	case ident.ITermSessionID != "":
		return "iTerm2:" + ident.ITermSessionID
	case ident.TTY != "":
		return fmt.Sprintf("TTY:%s:%d", ident.TTY, ident.TerminalPID)
	default:
		return fmt.Sprintf("PID:%d", ident.TerminalPID)
	}
}

// EncodeProjectDir maps an absolute working directory to the assistant's
// per-project directory name: path separators and dots become dashes.
func EncodeProjectDir(cwd string) string {
	return strings.NewReplacer("/", "-", ".", "-").Replace(cwd)
}

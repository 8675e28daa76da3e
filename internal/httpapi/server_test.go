package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jacques-sh/jacques/internal/catalog"
	"github.com/jacques-sh/jacques/internal/scanner"
	"github.com/jacques-sh/jacques/internal/session"
	"github.com/jacques-sh/jacques/internal/ws"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	logs []ws.APILog
}

func (f *fakeBroadcaster) Broadcast(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := v.(ws.APILog); ok {
		f.logs = append(f.logs, l)
	}
}

type fixture struct {
	registry   *session.Registry
	jacquesDir string
	projectDir string
	broadcast  *fakeBroadcaster
	srv        *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry:   session.NewRegistry(),
		jacquesDir: t.TempDir(),
		projectDir: t.TempDir(),
		broadcast:  &fakeBroadcaster{},
	}
	extractor := catalog.NewExtractor(t.TempDir(), f.jacquesDir, 0.9, nil)
	s := NewServer(f.registry, extractor, f.jacquesDir, f.broadcast)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) registerSession(t *testing.T, id, transcriptPath string) {
	t.Helper()
	if s := f.registry.RegisterSession(session.RegisterInput{
		ID:             id,
		Source:         "claude_code",
		Title:          "test session",
		TranscriptPath: transcriptPath,
		Cwd:            f.projectDir,
		Project:        filepath.Base(f.projectDir),
		TerminalKey:    "TTY:/dev/ttys1",
		Timestamp:      1000,
	}); s == nil {
		t.Fatalf("register %s", id)
	}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestSessionsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.registerSession(t, "s1", "")

	resp, body := get(t, f.srv.URL+"/api/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sessions []session.Session
	if err := json.Unmarshal(body, &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v", sessions)
	}

	resp, body = get(t, f.srv.URL+"/api/sessions/s1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var one session.Session
	if err := json.Unmarshal(body, &one); err != nil {
		t.Fatal(err)
	}
	if one.Title != "test session" {
		t.Errorf("session = %+v", one)
	}

	resp, _ = get(t, f.srv.URL+"/api/sessions/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionPlanByMessageIndex(t *testing.T) {
	f := newFixture(t)
	f.registerSession(t, "s1", "")

	catalogDir := catalog.CatalogDir(f.projectDir)
	manifest := catalog.Manifest{
		SessionID: "s1",
		Project:   f.projectDir,
		PlanReferences: []catalog.PlanReference{
			{Source: catalog.SourceEmbedded, MessageIndex: 4, CatalogID: "abc123"},
		},
	}
	data, _ := json.Marshal(manifest)
	mustWrite(t, filepath.Join(catalogDir, "sessions", "s1.json"), data)
	mustWrite(t, filepath.Join(catalogDir, "plans", "abc123.md"), []byte("# The plan\n"))

	resp, body := get(t, f.srv.URL+"/api/sessions/s1/plans/4")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "# The plan\n" {
		t.Errorf("body = %q", body)
	}

	resp, _ = get(t, f.srv.URL+"/api/sessions/s1/plans/5")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing index status = %d, want 404", resp.StatusCode)
	}
	resp, _ = get(t, f.srv.URL+"/api/sessions/s1/plans/x")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad index status = %d, want 400", resp.StatusCode)
	}
}

func TestProjectRoutes(t *testing.T) {
	f := newFixture(t)
	f.registerSession(t, "s1", "")
	encoded := scanner.EncodeProjectDir(f.projectDir)
	catalogDir := catalog.CatalogDir(f.projectDir)

	mustWrite(t, filepath.Join(catalogDir, "index.json"), []byte(`[{"session_id":"s1"}]`))
	mustWrite(t, filepath.Join(catalogDir, "plans", "p1.md"), []byte("plan text"))
	mustWrite(t, filepath.Join(catalogDir, "subagents", "explore_a1_findings.md"), []byte("findings"))

	resp, body := get(t, f.srv.URL+"/api/projects")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), f.projectDir) {
		t.Errorf("projects = %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, f.srv.URL+"/api/projects/"+encoded+"/catalog")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "s1") {
		t.Errorf("catalog = %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, f.srv.URL+"/api/projects/"+encoded+"/plans/p1/content")
	if resp.StatusCode != http.StatusOK || string(body) != "plan text" {
		t.Errorf("plan content = %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, f.srv.URL+"/api/projects/"+encoded+"/subagents/explore_a1_findings.md")
	if resp.StatusCode != http.StatusOK || string(body) != "findings" {
		t.Errorf("artifact = %d %q", resp.StatusCode, body)
	}

	resp, _ = get(t, f.srv.URL+"/api/projects/"+encoded+"/subagents/notmarkdown.txt")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad artifact status = %d, want 400", resp.StatusCode)
	}

	resp, _ = get(t, f.srv.URL+"/api/projects/-no-such-project/catalog")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown project status = %d, want 404", resp.StatusCode)
	}
}

func TestExtractSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	transcript := filepath.Join(t.TempDir(), "s1.jsonl")
	line := `{"type":"user","sessionId":"s1","timestamp":"2026-02-01T09:00:00.000Z","message":{"role":"user","content":"hello world"}}` + "\n"
	if err := os.WriteFile(transcript, []byte(line), 0644); err != nil {
		t.Fatal(err)
	}
	f.registerSession(t, "s1", transcript)

	resp, err := http.Post(f.srv.URL+"/api/extract/session/s1", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res catalog.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Skipped || !res.Extracted {
		t.Errorf("result = %+v", res)
	}

	// The manifest lands under the session's working directory, not under
	// a path derived from the short project name.
	manifest := filepath.Join(catalog.CatalogDir(f.projectDir), "sessions", "s1.json")
	if _, err := os.Stat(manifest); err != nil {
		t.Errorf("manifest not at %s: %v", manifest, err)
	}

	// GET on a write endpoint is rejected.
	getResp, _ := get(t, f.srv.URL+"/api/extract/session/s1")
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", getResp.StatusCode)
	}
}

func TestArchiveSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp, body := get(t, f.srv.URL+"/api/settings/archive")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var settings ArchiveSettings
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatal(err)
	}
	if !settings.ArchiveEnabled || settings.RetentionDays != 90 {
		t.Errorf("defaults = %+v", settings)
	}

	req, _ := http.NewRequest(http.MethodPut, f.srv.URL+"/api/settings/archive",
		strings.NewReader(`{"archive_enabled":false,"retention_days":7}`))
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", putResp.StatusCode)
	}

	_, body = get(t, f.srv.URL+"/api/settings/archive")
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatal(err)
	}
	if settings.ArchiveEnabled || settings.RetentionDays != 7 {
		t.Errorf("after PUT = %+v", settings)
	}
}

func TestAuditBroadcastsAPILog(t *testing.T) {
	f := newFixture(t)

	get(t, f.srv.URL+"/api/sessions")
	get(t, f.srv.URL+"/api/sessions/nope")

	f.broadcast.mu.Lock()
	defer f.broadcast.mu.Unlock()
	if len(f.broadcast.logs) != 2 {
		t.Fatalf("api logs = %d, want 2", len(f.broadcast.logs))
	}
	first := f.broadcast.logs[0]
	if first.Type != ws.MsgAPILog || first.Method != "GET" || first.Path != "/api/sessions" || first.Status != 200 {
		t.Errorf("first log = %+v", first)
	}
	if f.broadcast.logs[1].Status != 404 {
		t.Errorf("second log status = %d, want 404", f.broadcast.logs[1].Status)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jacques-sh/jacques/internal/catalog"
	"github.com/jacques-sh/jacques/internal/scanner"
	"github.com/jacques-sh/jacques/internal/session"
)

// ArchiveSettings controls whether finished sessions are kept in the
// catalog and for how long.
type ArchiveSettings struct {
	ArchiveEnabled bool `json:"archive_enabled"`
	RetentionDays  int  `json:"retention_days"`
}

func defaultArchiveSettings() ArchiveSettings {
	return ArchiveSettings{ArchiveEnabled: true, RetentionDays: 90}
}

// Server is the read-mostly query surface on the HTTP port. Catalog
// extraction triggers are its only writes.
type Server struct {
	registry    *session.Registry
	extractor   *catalog.Extractor
	jacquesDir  string
	broadcaster Broadcaster
	httpServer  *http.Server
}

func NewServer(registry *session.Registry, extractor *catalog.Extractor, jacquesDir string, broadcaster Broadcaster) *Server {
	return &Server{
		registry:    registry,
		extractor:   extractor,
		jacquesDir:  jacquesDir,
		broadcaster: broadcaster,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectRoutes)
	mux.HandleFunc("/api/extract/session/", s.handleExtractSession)
	mux.HandleFunc("/api/extract/project/", s.handleExtractProject)
	mux.HandleFunc("/api/extract/all", s.handleExtractAll)
	mux.HandleFunc("/api/settings/archive", s.handleArchiveSettings)
	return audit(s.broadcaster, mux)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.registry.Sessions())
}

// handleSessionRoutes serves /api/sessions/{id} and
// /api/sessions/{id}/plans/{messageIndex}.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		sess, ok := s.registry.Get(parts[0])
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, sess)
	case len(parts) == 3 && parts[1] == "plans":
		s.handleSessionPlan(w, parts[0], parts[2])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleSessionPlan returns the plan document referenced at a message
// index of the session's manifest.
func (s *Server) handleSessionPlan(w http.ResponseWriter, sessionID, indexStr string) {
	messageIndex, err := strconv.Atoi(indexStr)
	if err != nil {
		http.Error(w, "invalid message index", http.StatusBadRequest)
		return
	}

	project := s.projectForSession(sessionID)
	if project == "" {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	manifest, err := readManifest(filepath.Join(catalog.CatalogDir(project), "sessions", sessionID+".json"))
	if err != nil {
		http.Error(w, "no catalog for session", http.StatusNotFound)
		return
	}

	for _, ref := range manifest.PlanReferences {
		if ref.MessageIndex != messageIndex {
			continue
		}
		if ref.CatalogID == "" {
			http.Error(w, "plan has no catalog entry", http.StatusNotFound)
			return
		}
		content, err := os.ReadFile(filepath.Join(catalog.CatalogDir(project), "plans", ref.CatalogID+".md"))
		if err != nil {
			http.Error(w, "plan document missing", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write(content)
		return
	}
	http.Error(w, "no plan at message index", http.StatusNotFound)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	seen := make(map[string]bool)
	var projects []string
	for _, sess := range s.registry.Sessions() {
		if sess.Cwd != "" && !seen[sess.Cwd] {
			seen[sess.Cwd] = true
			projects = append(projects, sess.Cwd)
		}
	}
	for _, row := range s.globalIndex() {
		if row.Project != "" && !seen[row.Project] {
			seen[row.Project] = true
			projects = append(projects, row.Project)
		}
	}
	writeJSON(w, projects)
}

// handleProjectRoutes serves /api/projects/{encoded}/catalog,
// /api/projects/{encoded}/plans/{planId}/content, and
// /api/projects/{encoded}/subagents/{artifact}.
func (s *Server) handleProjectRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/projects/"), "/")
	if len(parts) < 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	project := s.resolveProject(parts[0])
	if project == "" {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}
	catalogDir := catalog.CatalogDir(project)

	switch {
	case len(parts) == 2 && parts[1] == "catalog":
		data, err := os.ReadFile(filepath.Join(catalogDir, "index.json"))
		if err != nil {
			http.Error(w, "no catalog for project", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	case len(parts) == 4 && parts[1] == "plans" && parts[3] == "content":
		if !safeSegment(parts[2]) {
			http.Error(w, "invalid plan id", http.StatusBadRequest)
			return
		}
		data, err := os.ReadFile(filepath.Join(catalogDir, "plans", parts[2]+".md"))
		if err != nil {
			http.Error(w, "plan not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write(data)
	case len(parts) == 3 && parts[1] == "subagents":
		name := parts[2]
		if !strings.HasSuffix(name, ".md") || !safeSegment(strings.TrimSuffix(name, ".md")) {
			http.Error(w, "invalid artifact name", http.StatusBadRequest)
			return
		}
		data, err := os.ReadFile(filepath.Join(catalogDir, "subagents", name))
		if err != nil {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write(data)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleExtractSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/extract/session/")
	sess, ok := s.registry.Get(id)
	if !ok || sess.TranscriptPath == "" || sess.Cwd == "" {
		http.Error(w, "session has no known transcript", http.StatusNotFound)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	res, err := s.extractor.ExtractSession(sess.TranscriptPath, sess.Cwd, force)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleExtractProject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	project := s.resolveProject(strings.TrimPrefix(r.URL.Path, "/api/extract/project/"))
	if project == "" {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	res, err := s.extractor.ExtractProject(project, force)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleExtractAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.extractor.ExtractAll(r.URL.Query().Get("force") == "true")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleArchiveSettings(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(s.jacquesDir, "archive-settings.json")

	switch r.Method {
	case http.MethodGet:
		settings := defaultArchiveSettings()
		if data, err := os.ReadFile(path); err == nil {
			_ = json.Unmarshal(data, &settings)
		}
		writeJSON(w, settings)
	case http.MethodPut:
		var settings ArchiveSettings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			http.Error(w, "invalid settings body", http.StatusBadRequest)
			return
		}
		if err := os.MkdirAll(s.jacquesDir, 0755); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data, _ := json.MarshalIndent(settings, "", "  ")
		if err := os.WriteFile(path, data, 0644); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, settings)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// projectForSession resolves a session's project directory via the
// registry first, then the global index. Session.Project is only the
// short display name; Cwd carries the directory the catalog lives under.
func (s *Server) projectForSession(sessionID string) string {
	if sess, ok := s.registry.Get(sessionID); ok && sess.Cwd != "" {
		return sess.Cwd
	}
	for _, row := range s.globalIndex() {
		if row.SessionID == sessionID {
			return row.Project
		}
	}
	return ""
}

// resolveProject maps a dash-encoded path segment back to a real project
// directory known to the daemon. Dash encoding is lossy, so resolution
// goes through known projects rather than string surgery.
func (s *Server) resolveProject(encoded string) string {
	if encoded == "" {
		return ""
	}
	for _, sess := range s.registry.Sessions() {
		if sess.Cwd != "" && scanner.EncodeProjectDir(sess.Cwd) == encoded {
			return sess.Cwd
		}
	}
	for _, row := range s.globalIndex() {
		if row.Project != "" && scanner.EncodeProjectDir(row.Project) == encoded {
			return row.Project
		}
	}
	return ""
}

type globalIndexRow struct {
	SessionID      string `json:"session_id"`
	Project        string `json:"project"`
	TranscriptPath string `json:"transcript_path"`
}

func (s *Server) globalIndex() []globalIndexRow {
	data, err := os.ReadFile(filepath.Join(s.jacquesDir, "session-index.json"))
	if err != nil {
		return nil
	}
	var rows []globalIndexRow
	if err := json.Unmarshal(data, &rows); err != nil {
		log.Printf("[http] session index corrupt: %v", err)
		return nil
	}
	return rows
}

func readManifest(path string) (catalog.Manifest, error) {
	var m catalog.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// safeSegment rejects ids that could escape the catalog directory.
func safeSegment(seg string) bool {
	return seg != "" && !strings.ContainsAny(seg, "/\\") && !strings.Contains(seg, "..")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}

// ListenAndServe runs the query API until Shutdown.
func (s *Server) ListenAndServe(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	log.Printf("[http] listening on %s", addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

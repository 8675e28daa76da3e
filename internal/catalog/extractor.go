package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jacques-sh/jacques/internal/scanner"
	"github.com/jacques-sh/jacques/internal/transcript"
)

// CatalogDirName is the per-project folder the extractor maintains next
// to the project's files.
const CatalogDirName = ".jacques"

// Extractor mines transcripts into per-project catalog artifacts. Safe
// for concurrent use; extractions for the same project are serialized.
type Extractor struct {
	claudeDir  string
	jacquesDir string
	threshold  float64
	notifier   Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewExtractor(claudeDir, jacquesDir string, jaccardThreshold float64, notifier Notifier) *Extractor {
	return &Extractor{
		claudeDir:  claudeDir,
		jacquesDir: jacquesDir,
		threshold:  jaccardThreshold,
		notifier:   notifier,
		locks:      make(map[string]*sync.Mutex),
	}
}

// CatalogDir returns the catalog folder for a project directory.
func CatalogDir(projectDir string) string {
	return filepath.Join(projectDir, CatalogDirName)
}

func (e *Extractor) projectLock(projectDir string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[projectDir]
	if !ok {
		l = &sync.Mutex{}
		e.locks[projectDir] = l
	}
	return l
}

// ExtractSession extracts one transcript into the project's catalog.
// Unless forced, a transcript whose mtime matches the stored manifest is
// skipped wholesale.
func (e *Extractor) ExtractSession(transcriptPath, projectDir string, force bool) (Result, error) {
	lock := e.projectLock(projectDir)
	lock.Lock()
	defer lock.Unlock()

	sessionID := strings.TrimSuffix(filepath.Base(transcriptPath), ".jsonl")
	catalogDir := CatalogDir(projectDir)
	manifestPath := filepath.Join(catalogDir, "sessions", sessionID+".json")

	info, err := os.Stat(transcriptPath)
	if err != nil {
		return Result{}, fmt.Errorf("stat transcript: %w", err)
	}
	modified := info.ModTime().UTC()

	if !force {
		if prev, err := readManifest(manifestPath); err == nil && prev.JSONLModifiedAt.Equal(modified) {
			return Result{Skipped: true}, nil
		}
	}

	entries, err := transcript.ParseFile(transcriptPath)
	if err != nil {
		return Result{}, fmt.Errorf("parse transcript: %w", err)
	}
	if len(entries) == 0 {
		return Result{Skipped: true}, nil
	}

	stats := transcript.ComputeStats(entries)
	m := Manifest{
		SessionID:         sessionID,
		Project:           projectDir,
		FirstTimestamp:    stats.FirstTimestamp,
		LastTimestamp:     stats.LastTimestamp,
		MessageCount:      stats.UserMessages + stats.AssistantMessages,
		ToolCallCount:     stats.ToolCalls,
		UserQuestionCount: countUserQuestions(entries),
		FilesModified:     filesModified(entries),
		ToolsUsed:         toolsInFirstAppearance(entries),
		TotalInputTokens:  stats.TotalInputTokens(),
		TotalOutputTokens: stats.OutputTokens,
		JSONLModifiedAt:   modified,
	}
	m.Technologies = detectTechnologies(m.FilesModified, entries)

	res := Result{Extracted: true, ManifestPath: manifestPath}
	subagentsDir := filepath.Join(catalogDir, "subagents")

	// Subagent artifacts plus agent-source plan detections.
	var detections []Detection
	agentPlans := e.extractSubagents(transcriptPath, sessionID, subagentsDir, entries, &m, &res)
	detections = append(detections, agentPlans...)

	// Web-search artifacts.
	for _, c := range collectSearches(entries) {
		name, err := writeSearchArtifact(subagentsDir, sessionID, c)
		if err != nil {
			log.Printf("[catalog] search artifact for %q: %v", c.query, err)
			continue
		}
		res.SearchesExtracted++
		e.notify(projectDir, "search_extracted", name)
	}

	detections = append(detections, detectInlinePlans(entries)...)

	// Catalog each detection; within-session dedup happens afterwards on
	// the references.
	cataloger := NewCataloger(filepath.Join(catalogDir, "plans"), e.threshold)
	planIDs := make(map[string]bool)
	for i := range detections {
		id, err := cataloger.Catalog(detections[i].Title, detections[i].Content, sessionID)
		if err != nil {
			log.Printf("[catalog] plan %q: %v", detections[i].Title, err)
			continue
		}
		detections[i].CatalogID = id
		if !planIDs[id] {
			planIDs[id] = true
			m.PlanIDs = append(m.PlanIDs, id)
			res.PlansExtracted++
			e.notify(projectDir, "plan_extracted", id)
		}
	}
	m.PlanReferences = DedupReferences(detections)
	m.Mode = sessionMode(entries, detections)
	m.Title = sessionTitle(entries, detections)

	if err := writeManifest(manifestPath, m); err != nil {
		return res, err
	}
	if err := updateProjectIndex(catalogDir, m); err != nil {
		return res, err
	}
	e.notify(projectDir, "session_extracted", sessionID)
	return res, nil
}

// extractSubagents writes Explore artifacts and returns plan detections
// from Plan-type subagents. Internal subagents are skipped.
func (e *Extractor) extractSubagents(transcriptPath, sessionID, subagentsDir string, entries []transcript.Entry, m *Manifest, res *Result) []Detection {
	dir := filepath.Dir(transcriptPath)
	seen := make(map[string]bool)
	var detections []Detection

	for _, entry := range entries {
		agentID := entry.AgentID
		if agentID == "" || seen[agentID] || isInternalAgent(agentID) {
			continue
		}
		seen[agentID] = true

		agentEntries, err := transcript.ParseFile(filepath.Join(dir, agentID+".jsonl"))
		if err != nil {
			continue
		}

		if strings.HasPrefix(agentID, "aplan") {
			if text := finalAssistantText(agentEntries); IsAgentPlan(text) {
				detections = append(detections, Detection{
					Title:        planTitle(text),
					Content:      text,
					Source:       SourceAgent,
					MessageIndex: entry.Index,
					AgentID:      agentID,
				})
				m.SubagentIDs = append(m.SubagentIDs, agentID)
			}
			continue
		}

		name, err := writeSubagentArtifact(subagentsDir, sessionID, agentID, agentEntries)
		if err != nil {
			log.Printf("[catalog] subagent %s: %v", agentID, err)
			continue
		}
		if name != "" {
			m.SubagentIDs = append(m.SubagentIDs, agentID)
			res.SubagentsExtracted++
			e.notify(m.Project, "subagent_extracted", name)
		}
	}
	return detections
}

// detectInlinePlans finds embedded and write-source plans in the main
// transcript.
func detectInlinePlans(entries []transcript.Entry) []Detection {
	var detections []Detection
	for _, e := range entries {
		switch e.Type {
		case transcript.EntryUserMessage:
			if e.IsSidechain || e.IsMeta {
				continue
			}
			if title, body, ok := DetectEmbeddedPlan(e.Text); ok {
				detections = append(detections, Detection{
					Title:        title,
					Content:      body,
					Source:       SourceEmbedded,
					MessageIndex: e.Index,
				})
			}
		case transcript.EntryToolCall:
			if e.ToolName != "Write" || e.ToolInput == nil {
				continue
			}
			var in struct {
				FilePath string `json:"file_path"`
				Content  string `json:"content"`
			}
			if err := json.Unmarshal(e.ToolInput, &in); err != nil {
				continue
			}
			if IsPlanPath(in.FilePath) && IsPlanContent(in.Content) {
				detections = append(detections, Detection{
					Title:        planTitle(in.Content),
					Content:      in.Content,
					Source:       SourceWrite,
					MessageIndex: e.Index,
					FilePath:     in.FilePath,
				})
			}
		}
	}
	return detections
}

// ExtractProject extracts every transcript the assistant keeps for one
// project directory.
func (e *Extractor) ExtractProject(projectDir string, force bool) (BulkResult, error) {
	dir := filepath.Join(e.claudeDir, "projects", scanner.EncodeProjectDir(projectDir))
	transcripts, err := listTranscripts(dir)
	if err != nil {
		return BulkResult{}, err
	}

	var bulk BulkResult
	for _, path := range transcripts {
		res, err := e.ExtractSession(path, projectDir, force)
		switch {
		case err != nil:
			log.Printf("[catalog] extract %s: %v", path, err)
			bulk.Errors++
		case res.Skipped:
			bulk.Skipped++
		default:
			bulk.Extracted++
		}
		if e.notifier != nil {
			e.notifier.CatalogProgress(projectDir, bulk)
		}
	}
	e.refreshGlobalIndex()
	return bulk, nil
}

// ExtractAll walks the assistant's per-project directories and extracts
// everything, resolving each transcript's project from its recorded cwd.
func (e *Extractor) ExtractAll(force bool) (BulkResult, error) {
	root := filepath.Join(e.claudeDir, "projects")
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return BulkResult{}, nil
		}
		return BulkResult{}, err
	}

	var bulk BulkResult
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		transcripts, err := listTranscripts(filepath.Join(root, d.Name()))
		if err != nil {
			bulk.Errors++
			continue
		}
		for _, path := range transcripts {
			projectDir := peekCwd(path)
			if projectDir == "" {
				bulk.Errors++
				continue
			}
			res, err := e.ExtractSession(path, projectDir, force)
			switch {
			case err != nil:
				log.Printf("[catalog] extract %s: %v", path, err)
				bulk.Errors++
			case res.Skipped:
				bulk.Skipped++
			default:
				bulk.Extracted++
			}
			if e.notifier != nil {
				e.notifier.CatalogProgress(projectDir, bulk)
			}
		}
	}
	e.refreshGlobalIndex()
	return bulk, nil
}

func (e *Extractor) notify(projectDir, action, itemID string) {
	if e.notifier != nil {
		e.notifier.CatalogUpdated(projectDir, action, itemID)
	}
}

func listTranscripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// peekCwd reads the leading lines of a transcript looking for the
// recorded working directory.
func peekCwd(transcriptPath string) string {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for i := 0; i < 25 && s.Scan(); i++ {
		var line struct {
			Cwd string `json:"cwd"`
		}
		if json.Unmarshal(s.Bytes(), &line) == nil && line.Cwd != "" {
			return line.Cwd
		}
	}
	return ""
}

func readManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

func writeManifest(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// updateProjectIndex replaces or inserts this session's row in the
// project index, atomically.
func updateProjectIndex(catalogDir string, m Manifest) error {
	path := filepath.Join(catalogDir, "index.json")

	var index []ProjectIndexEntry
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &index)
	}

	row := ProjectIndexEntry{
		SessionID:     m.SessionID,
		Title:         m.Title,
		LastTimestamp: m.LastTimestamp,
		PlanCount:     len(m.PlanIDs),
		SubagentCount: len(m.SubagentIDs),
	}
	replaced := false
	for i := range index {
		if index[i].SessionID == m.SessionID {
			index[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		index = append(index, row)
	}
	sort.Slice(index, func(i, j int) bool {
		return index[i].LastTimestamp.After(index[j].LastTimestamp)
	})

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// globalIndexEntry is one row of ~/.jacques/session-index.json, the
// cross-project transcript cache.
type globalIndexEntry struct {
	SessionID      string    `json:"session_id"`
	Project        string    `json:"project"`
	TranscriptPath string    `json:"transcript_path"`
	ModifiedAt     time.Time `json:"modified_at"`
}

// refreshGlobalIndex rebuilds the cross-project session index from the
// assistant's on-disk transcripts. Failures only log; the index is a
// cache.
func (e *Extractor) refreshGlobalIndex() {
	root := filepath.Join(e.claudeDir, "projects")
	dirs, err := os.ReadDir(root)
	if err != nil {
		return
	}

	var rows []globalIndexEntry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		transcripts, err := listTranscripts(filepath.Join(root, d.Name()))
		if err != nil {
			continue
		}
		for _, path := range transcripts {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			rows = append(rows, globalIndexEntry{
				SessionID:      strings.TrimSuffix(filepath.Base(path), ".jsonl"),
				Project:        peekCwd(path),
				TranscriptPath: path,
				ModifiedAt:     info.ModTime().UTC(),
			})
		}
	}

	if err := os.MkdirAll(e.jacquesDir, 0755); err != nil {
		log.Printf("[catalog] session index: %v", err)
		return
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return
	}
	if err := atomicWrite(filepath.Join(e.jacquesDir, "session-index.json"), data); err != nil {
		log.Printf("[catalog] session index: %v", err)
	}
}

// countUserQuestions counts real user messages, excluding synthetic
// command echoes and meta lines.
func countUserQuestions(entries []transcript.Entry) int {
	n := 0
	for _, e := range entries {
		if e.Type != transcript.EntryUserMessage || e.IsSidechain || e.IsMeta {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(e.Text), "<") {
			continue
		}
		n++
	}
	return n
}

var fileWritingTools = map[string]bool{
	"Write": true, "Edit": true, "MultiEdit": true, "NotebookEdit": true,
}

func filesModified(entries []transcript.Entry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if e.Type != transcript.EntryToolCall || !fileWritingTools[e.ToolName] || e.ToolInput == nil {
			continue
		}
		var in struct {
			FilePath     string `json:"file_path"`
			NotebookPath string `json:"notebook_path"`
		}
		if json.Unmarshal(e.ToolInput, &in) != nil {
			continue
		}
		path := in.FilePath
		if path == "" {
			path = in.NotebookPath
		}
		if path != "" && !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	return out
}

func toolsInFirstAppearance(entries []transcript.Entry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if e.Type == transcript.EntryToolCall && e.ToolName != "" && !seen[e.ToolName] {
			seen[e.ToolName] = true
			out = append(out, e.ToolName)
		}
	}
	return out
}

var techByExtension = map[string]string{
	".go": "Go", ".ts": "TypeScript", ".tsx": "TypeScript", ".js": "JavaScript",
	".jsx": "JavaScript", ".py": "Python", ".rs": "Rust", ".rb": "Ruby",
	".java": "Java", ".sql": "SQL", ".tf": "Terraform", ".swift": "Swift",
}

var techSignals = map[string]string{
	"docker":     "Docker",
	"kubernetes": "Kubernetes",
	"postgres":   "PostgreSQL",
	"redis":      "Redis",
	"graphql":    "GraphQL",
	"websocket":  "WebSocket",
}

// detectTechnologies derives a technology list from modified file
// extensions and coarse content signals.
func detectTechnologies(files []string, entries []transcript.Entry) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tech string) {
		if tech != "" && !seen[tech] {
			seen[tech] = true
			out = append(out, tech)
		}
	}

	for _, f := range files {
		add(techByExtension[strings.ToLower(filepath.Ext(f))])
	}

	var text strings.Builder
	for _, e := range entries {
		if e.Type == transcript.EntryUserMessage || e.Type == transcript.EntryAssistantMessage {
			text.WriteString(strings.ToLower(e.Text))
			text.WriteByte('\n')
		}
	}
	blob := text.String()
	for signal, tech := range techSignals {
		if strings.Contains(blob, signal) {
			add(tech)
		}
	}
	sort.Strings(out)
	return out
}

// sessionMode is planning when plan signals show up early in the
// session, executing otherwise.
func sessionMode(entries []transcript.Entry, detections []Detection) string {
	early := len(entries) / 4
	if early < 10 {
		early = 10
	}
	for _, d := range detections {
		if d.MessageIndex <= early {
			return "planning"
		}
	}
	return "executing"
}

// sessionTitle prefers a detected plan title, then the first real user
// message.
func sessionTitle(entries []transcript.Entry, detections []Detection) string {
	for _, d := range detections {
		if d.Title != "" {
			return d.Title
		}
	}
	for _, e := range entries {
		if e.Type != transcript.EntryUserMessage || e.IsSidechain || e.IsMeta {
			continue
		}
		text := strings.TrimSpace(e.Text)
		if text == "" || strings.HasPrefix(text, "<") {
			continue
		}
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[:i]
		}
		return truncateRunes(text, 60)
	}
	return "Untitled session"
}

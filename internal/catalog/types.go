package catalog

import "time"

// PlanSource says where a plan detection came from.
type PlanSource string

const (
	SourceEmbedded PlanSource = "embedded"
	SourceWrite    PlanSource = "write"
	SourceAgent    PlanSource = "agent"
)

// PlanReference is the deduplicated per-session record of one plan.
type PlanReference struct {
	Title        string       `json:"title"`
	Source       PlanSource   `json:"source"`
	Sources      []PlanSource `json:"sources,omitempty"`
	MessageIndex int          `json:"messageIndex"`
	FilePath     string       `json:"filePath,omitempty"`
	AgentID      string       `json:"agentId,omitempty"`
	CatalogID    string       `json:"catalogId,omitempty"`
}

// Manifest is the per-session summary written to sessions/<id>.json.
type Manifest struct {
	SessionID         string          `json:"session_id"`
	Title             string          `json:"title"`
	Project           string          `json:"project"`
	FirstTimestamp    time.Time       `json:"first_timestamp,omitempty"`
	LastTimestamp     time.Time       `json:"last_timestamp,omitempty"`
	MessageCount      int             `json:"message_count"`
	ToolCallCount     int             `json:"tool_call_count"`
	UserQuestionCount int             `json:"user_question_count"`
	FilesModified     []string        `json:"files_modified,omitempty"`
	ToolsUsed         []string        `json:"tools_used,omitempty"`
	Technologies      []string        `json:"technologies,omitempty"`
	TotalInputTokens  int             `json:"total_input_tokens"`
	TotalOutputTokens int             `json:"total_output_tokens"`
	Mode              string          `json:"mode"` // planning | executing
	SubagentIDs       []string        `json:"subagent_ids,omitempty"`
	PlanIDs           []string        `json:"plan_ids,omitempty"`
	PlanReferences    []PlanReference `json:"plan_references,omitempty"`
	JSONLModifiedAt   time.Time       `json:"jsonl_modified_at"`
}

// PlanEntry is one stored plan in the per-project plan index.
type PlanEntry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Fingerprint string    `json:"fingerprint"`
	Shingles    []string  `json:"shingles"`
	SessionIDs  []string  `json:"session_ids"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// ProjectIndexEntry is one session row in the project's index file.
type ProjectIndexEntry struct {
	SessionID     string    `json:"session_id"`
	Title         string    `json:"title"`
	LastTimestamp time.Time `json:"last_timestamp,omitempty"`
	PlanCount     int       `json:"plan_count"`
	SubagentCount int       `json:"subagent_count"`
}

// Result reports one session extraction.
type Result struct {
	Skipped            bool   `json:"skipped"`
	Extracted          bool   `json:"extracted"`
	PlansExtracted     int    `json:"plansExtracted"`
	SubagentsExtracted int    `json:"subagentsExtracted"`
	SearchesExtracted  int    `json:"searchesExtracted"`
	ManifestPath       string `json:"manifestPath,omitempty"`
}

// BulkResult aggregates a project-wide or host-wide extraction pass.
type BulkResult struct {
	Extracted int `json:"extracted"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Notifier receives extraction progress. The daemon fans these out as
// catalog_updated websocket messages.
type Notifier interface {
	CatalogUpdated(projectPath, action, itemID string)
	CatalogProgress(projectPath string, progress BulkResult)
}

package transcript

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// EntryType classifies a parsed transcript entry.
type EntryType string

const (
	EntryUserMessage      EntryType = "user_message"
	EntryAssistantMessage EntryType = "assistant_message"
	EntryToolCall         EntryType = "tool_call"
	EntryToolResult       EntryType = "tool_result"
	EntryThinking         EntryType = "thinking"
	EntryAgentProgress    EntryType = "agent_progress"
	EntryBashProgress     EntryType = "bash_progress"
	EntryMCPProgress      EntryType = "mcp_progress"
	EntryWebSearch        EntryType = "web_search"
	EntryHookProgress     EntryType = "hook_progress"
	EntryTurnDuration     EntryType = "turn_duration"
	EntrySystemEvent      EntryType = "system_event"
	EntrySummary          EntryType = "summary"
)

// Web-search entry phases.
const (
	SearchPhaseQuery   = "query"
	SearchPhaseResults = "results"
)

type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// TotalContext is the context the model saw for this turn.
func (u TokenUsage) TotalContext() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Entry is one typed unit of the transcript stream. A single JSONL line
// may yield several entries (an assistant turn with text and tool calls).
type Entry struct {
	Type       EntryType
	Index      int // position in the emitted stream
	LineIndex  int // source line the entry came from
	Timestamp  time.Time
	SessionID  string
	UUID       string
	ParentUUID string

	IsSidechain bool
	IsMeta      bool

	Text  string
	Model string
	Usage *TokenUsage

	ToolName   string
	ToolUseID  string
	ToolInput  json.RawMessage
	ToolResult string

	AgentID string

	Query string
	Phase string
	URLs  []string

	DurationMs int64
	Subtype    string
	Summary    string
}

type rawEntry struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype"`
	UUID        string          `json:"uuid"`
	ParentUUID  string          `json:"parentUuid"`
	SessionID   string          `json:"sessionId"`
	Timestamp   string          `json:"timestamp"`
	IsSidechain bool            `json:"isSidechain"`
	IsMeta      bool            `json:"isMeta"`
	Cwd         string          `json:"cwd"`
	Message     json.RawMessage `json:"message"`
	Content     string          `json:"content"`
	Summary     string          `json:"summary"`
	LeafUUID    string          `json:"leafUuid"`
	DurationMs  int64           `json:"durationMs"`
	Data        json.RawMessage `json:"data"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Usage   *TokenUsage     `json:"usage"`
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type rawProgress struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Tool    string `json:"tool"`
	Hook    string `json:"hook"`
	Server  string `json:"server"`
	Output  string `json:"output"`
}

type rawSearchInput struct {
	Query string `json:"query"`
}

type rawSearchResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ParseFile decodes a transcript file into its ordered entry stream.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseStream(f)
}

// ParseStream decodes newline-delimited transcript JSON. Malformed lines
// are skipped; partially-decodable lines keep their recognized fields.
// Output order matches source order and reparsing yields the same stream.
func ParseStream(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var entries []Entry
	skipped := 0
	lineIndex := -1

	for scanner.Scan() {
		lineIndex++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var raw rawEntry
		if err := json.Unmarshal(line, &raw); err != nil {
			skipped++
			continue
		}

		for _, e := range classify(raw) {
			e.Index = len(entries)
			e.LineIndex = lineIndex
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	if skipped > 0 {
		log.Printf("[transcript] skipped %d malformed lines", skipped)
	}
	return entries, nil
}

// classify turns one raw line into zero or more typed entries.
func classify(raw rawEntry) []Entry {
	base := Entry{
		Timestamp:   parseTimestamp(raw.Timestamp),
		SessionID:   raw.SessionID,
		UUID:        raw.UUID,
		ParentUUID:  raw.ParentUUID,
		IsSidechain: raw.IsSidechain,
		IsMeta:      raw.IsMeta,
	}

	switch raw.Type {
	case "user":
		return classifyUser(raw, base)
	case "assistant":
		return classifyAssistant(raw, base)
	case "progress":
		return classifyProgress(raw, base)
	case "system":
		if raw.Subtype == "turn_duration" {
			e := base
			e.Type = EntryTurnDuration
			e.DurationMs = raw.DurationMs
			return []Entry{e}
		}
		e := base
		e.Type = EntrySystemEvent
		e.Subtype = raw.Subtype
		e.Text = raw.Content
		return []Entry{e}
	case "summary":
		e := base
		e.Type = EntrySummary
		e.Summary = raw.Summary
		e.UUID = raw.LeafUUID
		return []Entry{e}
	}
	return nil
}

func classifyUser(raw rawEntry, base Entry) []Entry {
	var msg rawMessage
	if raw.Message != nil {
		_ = json.Unmarshal(raw.Message, &msg)
	}

	var out []Entry

	// Content may be a plain string or a block array.
	var text string
	if msg.Content != nil {
		var s string
		if err := json.Unmarshal(msg.Content, &s); err == nil {
			text = s
		} else {
			var blocks []rawBlock
			if err := json.Unmarshal(msg.Content, &blocks); err == nil {
				var parts []string
				for _, b := range blocks {
					switch b.Type {
					case "text":
						parts = append(parts, b.Text)
					case "tool_result":
						e := base
						e.Type = EntryToolResult
						e.ToolUseID = b.ToolUseID
						e.ToolResult = blockContentText(b.Content)
						out = append(out, e)
					}
				}
				text = strings.Join(parts, "\n")
			}
		}
	}

	if text != "" {
		e := base
		e.Type = EntryUserMessage
		e.Text = text
		// Tool results and synthetic commands come through as user
		// lines too; message entries come before results from the
		// same line.
		out = append([]Entry{e}, out...)
	}
	return out
}

func classifyAssistant(raw rawEntry, base Entry) []Entry {
	var msg rawMessage
	if raw.Message != nil {
		_ = json.Unmarshal(raw.Message, &msg)
	}
	base.Model = msg.Model
	base.Usage = msg.Usage

	var blocks []rawBlock
	if msg.Content != nil {
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			var s string
			if json.Unmarshal(msg.Content, &s) == nil && s != "" {
				e := base
				e.Type = EntryAssistantMessage
				e.Text = s
				return []Entry{e}
			}
		}
	}

	var out []Entry
	for _, b := range blocks {
		e := base
		if len(out) > 0 {
			// Usage belongs to the turn, not to each block; attach it
			// once so stats never double-count.
			e.Usage = nil
		}
		switch b.Type {
		case "text":
			e.Type = EntryAssistantMessage
			e.Text = b.Text
		case "thinking":
			e.Type = EntryThinking
			e.Text = b.Thinking
		case "tool_use":
			e.Type = EntryToolCall
			e.ToolName = b.Name
			e.ToolUseID = b.ID
			e.ToolInput = b.Input
		case "server_tool_use":
			if b.Name != "web_search" {
				continue
			}
			e.Type = EntryWebSearch
			e.Phase = SearchPhaseQuery
			e.ToolUseID = b.ID
			var in rawSearchInput
			if b.Input != nil {
				_ = json.Unmarshal(b.Input, &in)
			}
			e.Query = in.Query
		case "web_search_tool_result":
			e.Type = EntryWebSearch
			e.Phase = SearchPhaseResults
			e.ToolUseID = b.ToolUseID
			var results []rawSearchResult
			if b.Content != nil {
				_ = json.Unmarshal(b.Content, &results)
			}
			for _, r := range results {
				if r.URL != "" {
					e.URLs = append(e.URLs, r.URL)
				}
			}
		default:
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 && (msg.Usage != nil || msg.Model != "") {
		// Keep a bare assistant entry so usage is not lost.
		e := base
		e.Type = EntryAssistantMessage
		out = append(out, e)
	}
	return out
}

func classifyProgress(raw rawEntry, base Entry) []Entry {
	var p rawProgress
	if raw.Data != nil {
		_ = json.Unmarshal(raw.Data, &p)
	}
	kind := p.Type
	if kind == "" {
		kind = raw.Subtype
	}

	e := base
	e.AgentID = p.AgentID
	switch kind {
	case "agent_progress":
		e.Type = EntryAgentProgress
	case "bash_progress":
		e.Type = EntryBashProgress
		e.Text = p.Output
	case "mcp_progress":
		e.Type = EntryMCPProgress
		e.ToolName = p.Tool
	case "hook_progress":
		e.Type = EntryHookProgress
		e.Subtype = p.Hook
	default:
		return nil
	}
	return []Entry{e}
}

// blockContentText extracts readable text from a tool_result content
// value, which may be a string or a block array.
func blockContentText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

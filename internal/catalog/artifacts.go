package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jacques-sh/jacques/internal/transcript"
)

// Subagent id prefixes that belong to the assistant's internals and are
// never surfaced as artifacts.
var internalAgentPrefixes = []string{"aprompt_suggestion-", "acompact-"}

const searchSynthesisMinLength = 200

func isInternalAgent(agentID string) bool {
	for _, p := range internalAgentPrefixes {
		if strings.HasPrefix(agentID, p) {
			return true
		}
	}
	return false
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify compresses text into a short filename-safe fragment.
func slugify(text string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(text), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
		s = strings.Trim(s, "-")
	}
	if s == "" {
		return "untitled"
	}
	return s
}

// finalAssistantText returns the last substantial assistant message of a
// parsed transcript.
func finalAssistantText(entries []transcript.Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type == transcript.EntryAssistantMessage && strings.TrimSpace(e.Text) != "" {
			return strings.TrimSpace(e.Text)
		}
	}
	return ""
}

// writeSubagentArtifact renders one Explore-style subagent result into
// subagents/explore_<agent_id>_<slug>.md. Returns the artifact filename.
func writeSubagentArtifact(dir, sessionID, agentID string, entries []transcript.Entry) (string, error) {
	text := finalAssistantText(entries)
	if text == "" {
		return "", nil
	}
	stats := transcript.ComputeStats(entries)

	var b strings.Builder
	title := planTitle(text)
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Session: %s\n", sessionID)
	fmt.Fprintf(&b, "- Agent: %s\n", agentID)
	if !stats.LastTimestamp.IsZero() {
		fmt.Fprintf(&b, "- Date: %s\n", stats.LastTimestamp.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Estimated tokens: %d\n\n", stats.TotalInputTokens()+stats.OutputTokens)
	b.WriteString(text)
	b.WriteString("\n")

	name := fmt.Sprintf("explore_%s_%s.md", agentID, slugify(title))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0644); err != nil {
		return "", err
	}
	return name, nil
}

// searchCapture pairs a web-search query with its result URLs and the
// assistant synthesis that followed.
type searchCapture struct {
	query     string
	urls      []string
	synthesis string
}

// collectSearches walks the entry stream pairing result-phase web_search
// entries with the next substantial assistant text before the next user
// message or search. One capture per distinct query.
func collectSearches(entries []transcript.Entry) []searchCapture {
	queries := make(map[string]string) // tool use id -> query text
	for _, e := range entries {
		if e.Type == transcript.EntryWebSearch && e.Phase == transcript.SearchPhaseQuery {
			queries[e.ToolUseID] = e.Query
		}
	}

	seen := make(map[string]bool)
	var captures []searchCapture
	for i, e := range entries {
		if e.Type != transcript.EntryWebSearch || e.Phase != transcript.SearchPhaseResults {
			continue
		}
		query := queries[e.ToolUseID]
		if query == "" || seen[query] {
			continue
		}

		var synthesis string
		for j := i + 1; j < len(entries); j++ {
			next := entries[j]
			if next.Type == transcript.EntryUserMessage || next.Type == transcript.EntryWebSearch {
				break
			}
			if next.Type == transcript.EntryAssistantMessage {
				text := strings.TrimSpace(next.Text)
				if len(text) >= searchSynthesisMinLength {
					synthesis = text
					break
				}
			}
		}
		if synthesis == "" {
			continue
		}
		seen[query] = true
		captures = append(captures, searchCapture{query: query, urls: e.URLs, synthesis: synthesis})
	}
	return captures
}

// writeSearchArtifact renders one capture into
// subagents/search_<hash>_<slug>.md.
func writeSearchArtifact(dir, sessionID string, c searchCapture) (string, error) {
	sum := sha256.Sum256([]byte(c.query))
	hash := hex.EncodeToString(sum[:])[:8]

	var b strings.Builder
	fmt.Fprintf(&b, "# Web search: %s\n\n", c.query)
	fmt.Fprintf(&b, "- Session: %s\n", sessionID)
	if len(c.urls) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, u := range c.urls {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}
	b.WriteString("\n## Synthesis\n\n")
	b.WriteString(c.synthesis)
	b.WriteString("\n")

	name := fmt.Sprintf("search_%s_%s.md", hash, slugify(c.query))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0644); err != nil {
		return "", err
	}
	return name, nil
}

package catalog

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Detection is one raw plan sighting before within-session dedup.
type Detection struct {
	Title        string
	Content      string
	Source       PlanSource
	MessageIndex int
	FilePath     string
	AgentID      string
	CatalogID    string
}

const minPlanLength = 100

var planTriggers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)implement the following plan[:.]?\s*`),
	regexp.MustCompile(`(?i)here is the plan[:.]?\s*`),
	regexp.MustCompile(`(?i)here'?s the plan[:.]?\s*`),
	regexp.MustCompile(`(?i)follow this plan[:.]?\s*`),
	regexp.MustCompile(`(?i)execute the following plan[:.]?\s*`),
	regexp.MustCompile(`(?i)please implement this plan[:.]?\s*`),
}

var headingLine = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)

// DetectEmbeddedPlan checks a user message for a plan trigger phrase.
// The body after the trigger must be long enough and carry a markdown
// heading.
func DetectEmbeddedPlan(text string) (title, body string, ok bool) {
	for _, trigger := range planTriggers {
		loc := trigger.FindStringIndex(text)
		if loc == nil {
			continue
		}
		body = strings.TrimSpace(text[loc[1]:])
		if len(body) < minPlanLength || !headingLine.MatchString(body) {
			return "", "", false
		}
		return planTitle(body), body, true
	}
	return "", "", false
}

// codeExtensions are file endings that mark a write as source code, not
// a plan, whatever the path looks like.
var codeExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".go": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".cpp": true, ".rb": true, ".sh": true, ".sql": true, ".css": true,
	".html": true, ".json": true, ".yaml": true, ".yml": true,
}

// IsPlanPath reports whether a written file path looks like a plan
// document.
func IsPlanPath(path string) bool {
	if codeExtensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".plan.md") {
		return true
	}
	for _, seg := range strings.Split(lower, "/") {
		if seg == "plans" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(filepath.Base(path)), "plan")
}

var codeSignals = []string{
	"import ", "export ", "const ", "function ", "class ", "package ",
	"def ", "let ", "var ", "#include", "using ", "public ", "fn ",
}

var listItem = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+\S`)

// IsPlanContent applies the positive and negative content signals for
// write-source plan detection.
func IsPlanContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < minPlanLength || !headingLine.MatchString(trimmed) {
		return false
	}
	firstLine := trimmed
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		firstLine = trimmed[:i]
	}
	for _, sig := range codeSignals {
		if strings.HasPrefix(firstLine, sig) {
			return false
		}
	}
	return listItem.MatchString(trimmed) || strings.Contains(trimmed, "\n\n")
}

// IsAgentPlan applies the embedded-plan body criteria to a Plan
// subagent's final message.
func IsAgentPlan(content string) bool {
	trimmed := strings.TrimSpace(content)
	return len(trimmed) >= minPlanLength && headingLine.MatchString(trimmed)
}

// planTitle takes the first markdown heading, falling back to the first
// line.
func planTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
	}
	return truncateRunes(strings.TrimSpace(strings.SplitN(body, "\n", 2)[0]), 80)
}

// truncateRunes caps s at max runes, cutting on a rune boundary so
// multi-byte characters are never split.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}

var sourcePriority = map[PlanSource]int{
	SourceWrite:    3,
	SourceEmbedded: 2,
	SourceAgent:    1,
}

// DedupReferences collapses raw detections into one reference per plan
// group. A group starts at every embedded detection; later agent and
// write detections join the open group. The representative is picked by
// source priority write > embedded > agent; sources, file paths, agent
// ids, and catalog ids merge across the group.
func DedupReferences(detections []Detection) []PlanReference {
	if len(detections) == 0 {
		return nil
	}
	sorted := append([]Detection(nil), detections...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MessageIndex < sorted[j].MessageIndex
	})

	var groups [][]Detection
	for _, d := range sorted {
		if d.Source == SourceEmbedded || len(groups) == 0 {
			groups = append(groups, []Detection{d})
			continue
		}
		last := len(groups) - 1
		groups[last] = append(groups[last], d)
	}

	refs := make([]PlanReference, 0, len(groups))
	for _, group := range groups {
		rep := group[0]
		for _, d := range group[1:] {
			if sourcePriority[d.Source] > sourcePriority[rep.Source] {
				rep = d
			}
		}

		ref := PlanReference{
			Title:        rep.Title,
			Source:       rep.Source,
			MessageIndex: rep.MessageIndex,
			FilePath:     rep.FilePath,
			AgentID:      rep.AgentID,
			CatalogID:    rep.CatalogID,
		}
		seen := make(map[PlanSource]bool)
		for _, d := range group {
			if !seen[d.Source] {
				seen[d.Source] = true
				ref.Sources = append(ref.Sources, d.Source)
			}
			if ref.FilePath == "" {
				ref.FilePath = d.FilePath
			}
			if ref.AgentID == "" {
				ref.AgentID = d.AgentID
			}
			if ref.CatalogID == "" {
				ref.CatalogID = d.CatalogID
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

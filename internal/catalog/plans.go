package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const planIndexFile = "index.json"

// Cataloger stores content-addressed plan documents under a project's
// plans/ directory with cross-session dedup: exact via fingerprint,
// near via shingle Jaccard similarity.
type Cataloger struct {
	mu        sync.Mutex
	dir       string
	threshold float64
	now       func() time.Time
}

func NewCataloger(plansDir string, jaccardThreshold float64) *Cataloger {
	return &Cataloger{
		dir:       plansDir,
		threshold: jaccardThreshold,
		now:       time.Now,
	}
}

// Catalog stores one plan and returns its id. Resubmitting identical or
// near-identical content returns the existing id and records the new
// session against it; no duplicate file is written.
func (c *Cataloger) Catalog(title, content, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	normalized := normalizePlan(content)
	if normalized == "" {
		return "", fmt.Errorf("empty plan content")
	}

	index, err := c.loadIndex()
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(normalized))
	fingerprint := hex.EncodeToString(sum[:])

	// Exact duplicate.
	for i := range index {
		if index[i].Fingerprint == fingerprint {
			c.recordSession(&index[i], sessionID)
			return index[i].ID, c.saveIndex(index)
		}
	}

	// Near duplicate.
	shingles := Shingles(normalized)
	bestIdx, bestScore := -1, 0.0
	for i := range index {
		if score := Jaccard(shingles, index[i].Shingles); score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx >= 0 && bestScore >= c.threshold {
		c.recordSession(&index[bestIdx], sessionID)
		return index[bestIdx].ID, c.saveIndex(index)
	}

	// New plan: short content-derived id.
	id := fingerprint[:12]
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(c.dir, id+".md"), []byte(content), 0644); err != nil {
		return "", err
	}

	now := c.now().UTC()
	index = append(index, PlanEntry{
		ID:          id,
		Title:       title,
		Fingerprint: fingerprint,
		Shingles:    shingles,
		SessionIDs:  []string{sessionID},
		FirstSeen:   now,
		LastSeen:    now,
	})
	return id, c.saveIndex(index)
}

// PlanContent reads a stored plan document by id.
func (c *Cataloger) PlanContent(id string) ([]byte, error) {
	if strings.ContainsAny(id, "/\\.") {
		return nil, fmt.Errorf("invalid plan id %q", id)
	}
	return os.ReadFile(filepath.Join(c.dir, id+".md"))
}

// Index returns the stored plan entries.
func (c *Cataloger) Index() ([]PlanEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadIndex()
}

func (c *Cataloger) recordSession(e *PlanEntry, sessionID string) {
	for _, id := range e.SessionIDs {
		if id == sessionID {
			e.LastSeen = c.now().UTC()
			return
		}
	}
	e.SessionIDs = append(e.SessionIDs, sessionID)
	e.LastSeen = c.now().UTC()
}

func (c *Cataloger) loadIndex() ([]PlanEntry, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, planIndexFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index []PlanEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("plan index corrupt: %w", err)
	}
	return index, nil
}

// saveIndex writes the index atomically via temp-and-rename.
func (c *Cataloger) saveIndex(index []PlanEntry) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(c.dir, planIndexFile), data)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizePlan trims and collapses whitespace so formatting noise never
// defeats the fingerprint.
func normalizePlan(content string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(content), " ")
}

var (
	shingleStrip = regexp.MustCompile(`[^a-z0-9\s]+`)
	stopWords    = map[string]bool{
		"a": true, "an": true, "and": true, "are": true, "as": true,
		"at": true, "be": true, "by": true, "for": true, "from": true,
		"in": true, "is": true, "it": true, "of": true, "on": true,
		"or": true, "that": true, "the": true, "this": true, "to": true,
		"with": true, "will": true, "we": true,
	}
)

const shingleSize = 3

// Shingles tokenizes normalized content into a sorted set of word-level
// 3-shingles: case-folded, markdown punctuation stripped, stop-words
// removed.
func Shingles(normalized string) []string {
	cleaned := shingleStrip.ReplaceAllString(strings.ToLower(normalized), " ")
	var words []string
	for _, w := range strings.Fields(cleaned) {
		if !stopWords[w] {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return nil
	}
	if len(words) < shingleSize {
		return []string{strings.Join(words, " ")}
	}

	set := make(map[string]bool)
	for i := 0; i+shingleSize <= len(words); i++ {
		set[strings.Join(words[i:i+shingleSize], " ")] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Jaccard computes set similarity between two shingle sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	intersection := 0
	for _, s := range b {
		if set[s] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

package transcript

import "time"

// Stats are cumulative statistics over a parsed entry stream.
//
// Token accounting follows the transcript's semantics: input_tokens on
// each usage record is a per-turn snapshot, so the context total is the
// last input-token observation plus the cumulative cache reads; output
// tokens are summed across turns.
type Stats struct {
	UserMessages      int
	AssistantMessages int
	MessageCount      int
	ToolCalls         int

	LastInputTokens     int
	CacheReadTokens     int
	CacheCreationTokens int
	OutputTokens        int

	FirstTimestamp time.Time
	LastTimestamp  time.Time

	LastModel string
	LastTool  string
}

// TotalInputTokens is the derived context-token total.
func (s Stats) TotalInputTokens() int {
	return s.LastInputTokens + s.CacheReadTokens
}

// ComputeStats folds an entry stream into Stats. Sidechain entries are
// excluded from message counts; their token usage still accrues.
func ComputeStats(entries []Entry) Stats {
	var s Stats
	for _, e := range entries {
		if !e.Timestamp.IsZero() {
			if s.FirstTimestamp.IsZero() || e.Timestamp.Before(s.FirstTimestamp) {
				s.FirstTimestamp = e.Timestamp
			}
			if e.Timestamp.After(s.LastTimestamp) {
				s.LastTimestamp = e.Timestamp
			}
		}
		if e.Usage != nil {
			s.LastInputTokens = e.Usage.InputTokens
			s.CacheReadTokens += e.Usage.CacheReadInputTokens
			s.CacheCreationTokens += e.Usage.CacheCreationInputTokens
			s.OutputTokens += e.Usage.OutputTokens
		}
		if e.Model != "" {
			s.LastModel = e.Model
		}

		switch e.Type {
		case EntryUserMessage:
			if !e.IsSidechain {
				s.UserMessages++
			}
		case EntryAssistantMessage:
			if !e.IsSidechain {
				s.AssistantMessages++
			}
		case EntryToolCall:
			s.ToolCalls++
			s.LastTool = e.ToolName
		}
	}
	s.MessageCount = s.UserMessages + s.AssistantMessages
	return s
}

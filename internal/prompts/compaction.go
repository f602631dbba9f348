package prompts

import (
	"fmt"
	"strings"
)

// compactionTemplate is the prompt sent to summarize older turns of a
// session during compaction. The single format verb is the transcript.
const compactionTemplate = `Summarize the earlier part of this agent session so work can continue from the summary alone. Cover:
1. The task as the user stated it, and any refinements
2. Files, commands and tools touched, with outcomes
3. Decisions made and why they were made
4. Anything unfinished or still failing

Keep it under 500 words. Use bullet points. Do not invent details.

Transcript:
%s

Summary:`

// CompactionPrompt returns the summarization prompt for transcript.
func CompactionPrompt(transcript string) string {
	return fmt.Sprintf(compactionTemplate, transcript)
}

// summaryPrefix marks the message that replaces compacted history.
const summaryPrefix = "[Summary of earlier conversation]\n"

// SummaryMessage wraps a compaction summary as the first message of
// the rebuilt history.
func SummaryMessage(summary string) string {
	return summaryPrefix + strings.TrimSpace(summary)
}

// IsSummaryMessage reports whether content was produced by
// SummaryMessage.
func IsSummaryMessage(content string) bool {
	return strings.HasPrefix(content, summaryPrefix)
}

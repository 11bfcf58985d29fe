package agent

import "github.com/batalabs/masix/internal/domain"

// repairDanglingToolUseMessages drops assistant tool calls whose results are
// missing or partial, and tool results with no matching call. OpenAI-style
// endpoints reject both.
func repairDanglingToolUseMessages(msgs []domain.TranscriptMessage) ([]domain.TranscriptMessage, bool) {
	out := make([]domain.TranscriptMessage, 0, len(msgs))
	changed := false

	for i := 0; i < len(msgs); i++ {
		cur := msgs[i]
		if _, hasResults := collectToolResultIDs(cur.Blocks); cur.Role == "user" && hasResults {
			// Results are consumed together with their assistant message below.
			changed = true
			continue
		}
		if cur.Role != "assistant" || !cur.HasBlocks() {
			out = append(out, cur)
			continue
		}

		toolUseIDs := collectToolUseIDs(cur.Blocks)
		if len(toolUseIDs) == 0 {
			out = append(out, cur)
			continue
		}

		// Results must be in the immediately following user message.
		if i+1 >= len(msgs) || msgs[i+1].Role != "user" || !msgs[i+1].HasBlocks() {
			changed = true
			continue
		}
		resultIDs, hasToolResults := collectToolResultIDs(msgs[i+1].Blocks)
		allMatched := true
		for _, id := range toolUseIDs {
			if !resultIDs[id] {
				allMatched = false
				break
			}
		}
		if !allMatched {
			changed = true
			// Drop the adjacent user tool_result message too, since it's partial.
			if hasToolResults {
				i++
			}
			continue
		}

		out = append(out, cur, msgs[i+1])
		i++
	}

	return out, changed
}

func collectToolUseIDs(blocks []domain.ContentBlock) []string {
	var ids []string
	for _, b := range blocks {
		if b.Type == domain.BlockToolUse && b.ToolUseID != "" {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

func collectToolResultIDs(blocks []domain.ContentBlock) (map[string]bool, bool) {
	ids := map[string]bool{}
	hasToolResults := false
	for _, b := range blocks {
		if b.Type == domain.BlockToolResult {
			hasToolResults = true
			if b.ToolUseID != "" {
				ids[b.ToolUseID] = true
			}
		}
	}
	return ids, hasToolResults
}

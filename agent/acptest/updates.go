package acptest

// MessageChunk is an agent_message_chunk update.
func MessageChunk(text string) map[string]any {
	return map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	}
}

// ThoughtChunk is an agent_thought_chunk update.
func ThoughtChunk(text string) map[string]any {
	return map[string]any{
		"sessionUpdate": "agent_thought_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	}
}

// ToolCall is a tool_call update. Empty status is omitted.
func ToolCall(id, title, status string, paths ...string) map[string]any {
	u := map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    id,
		"title":         title,
		"kind":          "execute",
	}
	if status != "" {
		u["status"] = status
	}
	if len(paths) > 0 {
		u["locations"] = locations(paths)
	}
	return u
}

// ToolCallUpdate is a tool_call_update. Empty status is omitted; each text is
// appended as a content block.
func ToolCallUpdate(id, status string, texts ...string) map[string]any {
	u := map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    id,
	}
	if status != "" {
		u["status"] = status
	}
	if len(texts) > 0 {
		var content []map[string]any
		for _, t := range texts {
			content = append(content, map[string]any{
				"type":    "content",
				"content": map[string]any{"type": "text", "text": t},
			})
		}
		u["content"] = content
	}
	return u
}

func locations(paths []string) []map[string]any {
	var locs []map[string]any
	for _, p := range paths {
		locs = append(locs, map[string]any{"path": p})
	}
	return locs
}

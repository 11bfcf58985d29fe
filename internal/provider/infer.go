package provider

import (
	"strings"
	"unicode"
)

// toolCallMarker delimits tool-call blocks some models print as text.
const toolCallMarker = "### TOOL_CALL"

var textualCallPrefixes = []string{
	"mcp.call",
	"call ",
	"tool.call ",
	"tool_call ",
	"function.call ",
	"function_call ",
}

// DetectTextualToolCalls returns the tool names a model wrote as plain text
// instead of a structured tool_calls payload. Such calls are only reported,
// never executed. A bare "call <word>" line counts only when the word looks
// like a tool name or a JSON argument object follows.
func DetectTextualToolCalls(content string) []string {
	lines := strings.Split(content, "\n")
	var names []string
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if strings.EqualFold(line, toolCallMarker) {
			name := ""
			for i++; i < len(lines); i++ {
				inner := strings.TrimSpace(lines[i])
				if strings.EqualFold(inner, toolCallMarker) {
					break
				}
				if name == "" && inner != "" && !strings.HasPrefix(inner, "```") {
					name = textualCallName(inner)
					if name == "" {
						name = "unknown"
					}
				}
			}
			if name != "" {
				names = append(names, name)
			}
			continue
		}

		name := textualCallName(line)
		if name == "" {
			continue
		}
		if strings.ContainsAny(name, "._") || strings.Contains(line, "{") || nextLineOpensJSON(lines, i) {
			names = append(names, name)
		}
	}
	return names
}

// textualCallName extracts the tool name from a textual call line, or "".
func textualCallName(line string) string {
	lower := strings.ToLower(line)
	prefix := ""
	for _, p := range textualCallPrefixes {
		if strings.HasPrefix(lower, p) {
			prefix = p
			break
		}
	}
	if prefix == "" {
		return ""
	}
	rest := strings.TrimSpace(line[len(prefix):])
	fields := strings.FieldsFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("(),:{", r)
	})
	if len(fields) == 0 {
		return ""
	}
	token := strings.Trim(fields[0], "\"'`")
	if server, tool, ok := strings.Cut(token, "."); ok {
		if isIdentifier(server) && isIdentifier(tool) {
			return server + "_" + tool
		}
		return ""
	}
	if isIdentifier(token) {
		return token
	}
	return ""
}

func nextLineOpensJSON(lines []string, i int) bool {
	for j := i + 1; j < len(lines); j++ {
		next := strings.TrimSpace(lines[j])
		if next == "" || strings.HasPrefix(next, "```") {
			continue
		}
		return strings.HasPrefix(next, "{")
	}
	return false
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

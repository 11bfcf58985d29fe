package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Model replies are markdown; Telegram's HTML parse mode understands only
// <b>, <i>, <s>, <code>, <pre> and <a href>. ToHTML rewrites the common
// markdown constructs into that subset.

var (
	fenceRe        = regexp.MustCompile("(?s)```([^`\n]*)\\n(.*?)\\n?```")
	inlineCodeRe   = regexp.MustCompile("`([^`\n]+)`")
	headingRe      = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	ruleRe         = regexp.MustCompile(`(?m)^\s*(?:-{3,}|\*{3,}|_{3,})\s*$`)
	boldStarRe     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe    = regexp.MustCompile(`__([^_\n]+?)__`)
	italicStarRe   = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUnderRe  = regexp.MustCompile(`(^|[^[:alnum:]_])_([^_\n]+)_`)
	strikeRe       = regexp.MustCompile(`~~(.+?)~~`)
	linkRe         = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	quoteRe        = regexp.MustCompile(`(?m)^&gt;\s?(.+)$`)
	bulletRe       = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)
	tableRowRe     = regexp.MustCompile(`^\s*\|.*\|\s*$`)
	tableDividerRe = regexp.MustCompile(`^\s*\|?\s*:?-+:?\s*(\|\s*:?-+:?\s*)+\|?\s*$`)
)

// maxTableCell caps rendered table column widths.
const maxTableCell = 30

// stash holds regions that must bypass markdown conversion. Each region is
// replaced by a NUL-delimited token and restored at the end.
type stash struct {
	kind  string
	items []string
}

func (s *stash) put(v string) string {
	s.items = append(s.items, v)
	return fmt.Sprintf("\x00%s%d\x00", s.kind, len(s.items)-1)
}

func (s *stash) restore(text, open, close string) string {
	for i, v := range s.items {
		token := fmt.Sprintf("\x00%s%d\x00", s.kind, i)
		text = strings.Replace(text, token, open+EscapeHTML(v)+close, 1)
	}
	return text
}

// ToHTML converts markdown to Telegram HTML.
func ToHTML(md string) string {
	if md == "" {
		return ""
	}

	blocks := &stash{kind: "B"}
	inline := &stash{kind: "I"}

	text := fenceRe.ReplaceAllStringFunc(md, func(m string) string {
		sub := fenceRe.FindStringSubmatch(m)
		return blocks.put(sub[2])
	})
	text = tablesToBlocks(text, blocks)
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		return inline.put(m[1 : len(m)-1])
	})

	text = EscapeHTML(text)

	text = headingRe.ReplaceAllString(text, "<b>$1</b>")
	text = ruleRe.ReplaceAllString(text, "————————————————")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	// Bold runs first so the remaining single markers are italics.
	text = italicStarRe.ReplaceAllString(text, "<i>$1</i>")
	text = italicUnderRe.ReplaceAllString(text, "$1<i>$2</i>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		return fmt.Sprintf(`<a href="%s">%s</a>`, escapeAttr(html.UnescapeString(sub[2])), sub[1])
	})
	text = quoteRe.ReplaceAllString(text, "▎ <i>$1</i>")
	text = bulletRe.ReplaceAllString(text, "${1}• ")

	text = blocks.restore(text, "<pre><code>", "</code></pre>")
	text = inline.restore(text, "<code>", "</code>")
	return text
}

// EscapeHTML escapes the characters Telegram's HTML mode treats specially.
func EscapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

func escapeAttr(s string) string {
	return strings.NewReplacer(`"`, "&quot;", "'", "&#39;").Replace(EscapeHTML(s))
}

// tablesToBlocks replaces markdown tables with aligned preformatted blocks.
func tablesToBlocks(text string, blocks *stash) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); {
		if i+1 < len(lines) && tableRowRe.MatchString(lines[i]) && tableDividerRe.MatchString(lines[i+1]) {
			header := tableCells(lines[i])
			i += 2
			var rows [][]string
			for i < len(lines) && tableRowRe.MatchString(lines[i]) {
				rows = append(rows, tableCells(lines[i]))
				i++
			}
			out = append(out, blocks.put(renderTable(header, rows)))
			continue
		}
		out = append(out, lines[i])
		i++
	}
	return strings.Join(out, "\n")
}

func tableCells(line string) []string {
	line = strings.Trim(strings.TrimSpace(line), "|")
	cells := strings.Split(line, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	measure := func(cells []string) {
		for i := 0; i < len(cells) && i < len(widths); i++ {
			widths[i] = max(widths[i], min(utf8.RuneCountInString(cells[i]), maxTableCell))
		}
	}
	measure(header)
	for _, r := range rows {
		measure(r)
	}

	row := func(cells []string) string {
		parts := make([]string, len(widths))
		for i, w := range widths {
			var cell []rune
			if i < len(cells) {
				cell = []rune(cells[i])
			}
			if len(cell) > w {
				cell = append(cell[:w-1], '~')
			}
			parts[i] = string(cell) + strings.Repeat(" ", w-len(cell))
		}
		return strings.Join(parts, " │ ")
	}

	lines := []string{row(header)}
	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("─", w)
	}
	lines = append(lines, strings.Join(rule, "─┼─"))
	for _, r := range rows {
		lines = append(lines, row(r))
	}
	return strings.Join(lines, "\n")
}

// splitHTML breaks converted HTML into chunks of at most limit runes,
// preferring newline boundaries and never cutting inside a tag or an
// entity.
func splitHTML(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		for cut > 1 && !safeBoundary(string(runes[:cut])) {
			cut--
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func safeBoundary(prefix string) bool {
	if strings.LastIndex(prefix, "<") > strings.LastIndex(prefix, ">") {
		return false
	}
	return strings.LastIndex(prefix, "&") <= strings.LastIndex(prefix, ";")
}

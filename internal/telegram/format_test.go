package telegram

import (
	"strings"
	"testing"
)

func TestToHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"plain text unchanged", "Ciao, mondo!", "Ciao, mondo!"},
		{"bold", "This is **bold** text", "This is <b>bold</b> text"},
		{"italic", "This is *italic* text", "This is <i>italic</i> text"},
		{"underscore bold and italic", "__bold__ and _italic_", "<b>bold</b> and <i>italic</i>"},
		{"snake_case untouched", "call read_file_now please", "call read_file_now please"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"inline code escaped", "Use `x < y && z` here", "Use <code>x &lt; y &amp;&amp; z</code> here"},
		{"inline code not converted", "The `**bold**` syntax", "The <code>**bold**</code> syntax"},
		{
			"fenced code block",
			"Here:\n```go\nif x > 0 {\n\tprint(**kw)\n}\n```\nDone.",
			"Here:\n<pre><code>if x &gt; 0 {\n\tprint(**kw)\n}</code></pre>\nDone.",
		},
		{"heading", "## Section", "<b>Section</b>"},
		{"link", "Visit [docs](https://example.com)", `Visit <a href="https://example.com">docs</a>`},
		{
			"link href escaped",
			`[site](https://example.com?q="x"&v=1)`,
			`<a href="https://example.com?q=&quot;x&quot;&amp;v=1">site</a>`,
		},
		{"html escaped", "Use <div> & <span>", "Use &lt;div&gt; &amp; &lt;span&gt;"},
		{"blockquote", "> quoted", "▎ <i>quoted</i>"},
		{"bullets", "- one\n* two", "• one\n• two"},
		{"rule", "above\n---\nbelow", "above\n————————————————\nbelow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToHTML(tt.input); got != tt.want {
				t.Errorf("ToHTML(%q)\n  got:  %q\n  want: %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestToHTML_table(t *testing.T) {
	got := ToHTML("| Name | Età |\n|---|---|\n| Alice | 30 |\n| Bob | 25 |")
	want := "<pre><code>Name  │ Età\n──────┼────\nAlice │ 30 \nBob   │ 25 </code></pre>"
	if got != want {
		t.Errorf("table:\n  got:  %q\n  want: %q", got, want)
	}
}

func TestSplitHTML(t *testing.T) {
	text := strings.Repeat("a", 10) + "<b>bold</b>" + strings.Repeat("c", 10)
	parts := splitHTML(text, 14)
	if strings.Join(parts, "") != text {
		t.Fatalf("parts do not reconstruct the input: %q", parts)
	}
	for _, p := range parts {
		if len([]rune(p)) > 14 {
			t.Errorf("part %q longer than limit", p)
		}
		if strings.Count(p, "<") != strings.Count(p, ">") {
			t.Errorf("part %q cuts a tag", p)
		}
	}

	entity := strings.Repeat("x", 8) + "&amp;" + strings.Repeat("y", 8)
	for _, p := range splitHTML(entity, 10) {
		if strings.Contains(p, "&") && !strings.Contains(p, "&amp;") {
			t.Errorf("part %q cuts an entity", p)
		}
	}

	if got := splitHTML("short", 100); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text split: %q", got)
	}
}

func TestSplitHTML_prefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	parts := splitHTML(text, 12)
	if len(parts) != 2 || parts[0] != strings.Repeat("a", 8)+"\n" {
		t.Errorf("parts = %q", parts)
	}
}

package security

import (
	"strings"
	"testing"
)

func TestSanitize_FriendPostBody(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
		wantAbsent   []string
	}{
		{
			name:         "段落と見出しは残る",
			input:        "<h2>近況</h2><p>週末は山へ行った</p>",
			wantContains: []string{"<h2>近況</h2>", "<p>週末は山へ行った</p>"},
		},
		{
			name:         "訂正用のdelとinsは残る",
			input:        "<p><del>土曜</del><ins>日曜</ins></p>",
			wantContains: []string{"<del>土曜</del>", "<ins>日曜</ins>"},
		},
		{
			name:         "コードブロックは残る",
			input:        "<pre><code>go test ./...</code></pre>",
			wantContains: []string{"<pre><code>go test ./...</code></pre>"},
		},
		{
			name:         "scriptは中身ごと除去される",
			input:        `<p>本文</p><script>alert('x')</script>`,
			wantContains: []string{"本文"},
			wantAbsent:   []string{"<script", "alert"},
		},
		{
			name:         "iframeとstyleは除去される",
			input:        `<iframe src="https://evil.example"></iframe><style>p{}</style><p>ok</p>`,
			wantContains: []string{"<p>ok</p>"},
			wantAbsent:   []string{"<iframe", "<style", "evil.example"},
		},
		{
			name:       "on*属性は除去される",
			input:      `<p onclick="steal()">クリック</p>`,
			wantAbsent: []string{"onclick", "steal"},
		},
		{
			name:       "divとspanはタグのみ除去される",
			input:      `<div><span>中身</span></div>`,
			wantAbsent: []string{"<div", "<span"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
			for _, absent := range tt.wantAbsent {
				if strings.Contains(strings.ToLower(got), strings.ToLower(absent)) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

func TestSanitize_Images(t *testing.T) {
	sanitizer := NewContentSanitizer()

	got := sanitizer.Sanitize(`<img src="https://b.example/photo.jpg" alt="山頂">`)
	if !strings.Contains(got, `src="https://b.example/photo.jpg"`) || !strings.Contains(got, `alt="山頂"`) {
		t.Errorf("https image should be kept with alt, got %q", got)
	}

	for _, src := range []string{"http://b.example/a.jpg", "javascript:alert(1)", "data:image/png;base64,AAAA"} {
		got := sanitizer.Sanitize(`<img src="` + src + `">`)
		if strings.Contains(got, src) {
			t.Errorf("src %q should be stripped, got %q", src, got)
		}
	}
}

func TestSanitize_Links(t *testing.T) {
	sanitizer := NewContentSanitizer()

	got := sanitizer.Sanitize(`<a href="https://b.example/2024/hike">続き</a>`)
	for _, want := range []string{`href="https://b.example/2024/hike"`, `target="_blank"`, "noopener", "noreferrer"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}

	got = sanitizer.Sanitize(`<a href="/relative">相対</a>`)
	if strings.Contains(got, "/relative") {
		t.Errorf("relative link should be dropped, got %q", got)
	}

	got = sanitizer.Sanitize(`<a href="javascript:alert(1)">x</a>`)
	if strings.Contains(got, "javascript:") {
		t.Errorf("javascript link should be dropped, got %q", got)
	}
}

func TestSanitize_EmptyAndIdempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, want empty", got)
	}

	input := `<p>一度目</p><script>x()</script><a href="https://b.example">a</a>`
	once := sanitizer.Sanitize(input)
	twice := sanitizer.Sanitize(once)
	if once != twice {
		t.Errorf("sanitize is not idempotent:\n once=%q\ntwice=%q", once, twice)
	}
}

func TestContentSanitizerInterface(t *testing.T) {
	var _ ContentSanitizerService = NewContentSanitizer()
}

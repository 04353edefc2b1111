package core

import (
	"math/rand"
	"strings"
	"testing"
)

func TestChangesExcerpt(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "h3 section stops at next h3",
			body: "Intro\n\n### Changes\n- fix [wifi](https://example.com/pr/1) reconnect\n- new driver\n\n### Assets\nfiles\n",
			want: "- fix wifi reconnect\n- new driver",
		},
		{
			name: "h2 fallback runs to end",
			body: "## Changes\nBetter OTA\n",
			want: "Better OTA",
		},
		{
			name: "case insensitive",
			body: "### CHANGES\nsomething\n### Other\n",
			want: "something",
		},
		{
			name: "deeper headings stay in the section",
			body: "## Changes\n### Drivers\n- bl0942\n## Downloads\nx\n",
			want: "### Drivers\n- bl0942",
		},
		{
			name: "setext heading",
			body: "Changes\n-------\nline one\n\nNext\n----\nrest\n",
			want: "line one",
		},
		{
			name: "no marker",
			body: "Just a build.\n\n### Assets\n",
			want: "",
		},
		{
			name: "marker inside code block ignored",
			body: "```\n### Changes\n```\ntext\n",
			want: "",
		},
		{
			name: "empty body",
			body: "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChangesExcerpt(tt.body); got != tt.want {
				t.Errorf("ChangesExcerpt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChangesExcerptIsDeterministic(t *testing.T) {
	fragments := []string{
		"### Changes\n", "## Changes\n", "### Notes\n", "- item\n",
		"[link](http://x)\n", "plain text\n", "\n", "# Title\n", "```\ncode\n```\n",
	}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		var b strings.Builder
		for j := 0; j < 1+rng.Intn(12); j++ {
			b.WriteString(fragments[rng.Intn(len(fragments))])
		}
		body := b.String()

		first := ChangesExcerpt(body)
		if second := ChangesExcerpt(body); first != second {
			t.Fatalf("ChangesExcerpt not stable for %q: %q vs %q", body, first, second)
		}
		if strings.Contains(first, "](") {
			t.Fatalf("ChangesExcerpt(%q) = %q still contains a link", body, first)
		}
		if !strings.Contains(strings.ToLower(body), "changes") && first != "" {
			t.Fatalf("ChangesExcerpt(%q) = %q, want empty without marker", body, first)
		}
	}
}

package core

import (
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown

	markdownLink    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	setextUnderline = regexp.MustCompile(`^[ \t]*(=+|-+)[ \t]*$`)
)

func getMarkdownParser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New()
	})
	return markdownParser
}

// ChangesExcerpt returns the section of a release body under a "Changes"
// heading (any level, case-insensitive) up to the next heading of the same
// or a higher level, with markdown links reduced to their text. It returns
// "" when the body has no such heading.
func ChangesExcerpt(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	source := []byte(body)
	doc := getMarkdownParser().Parser().Parse(text.NewReader(source))

	var (
		section *ast.Heading
		next    *ast.Heading
	)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		switch {
		case section == nil:
			if strings.EqualFold(strings.TrimSpace(headingText(heading, source)), "changes") {
				section = heading
			}
		case heading.Level <= section.Level:
			next = heading
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})
	if section == nil {
		return ""
	}

	start := sectionStart(section, source)
	end := len(source)
	if next != nil {
		end = lineStart(next, source)
	}
	if start >= end {
		return ""
	}

	excerpt := markdownLink.ReplaceAllString(string(source[start:end]), "$1")
	return strings.TrimSpace(excerpt)
}

func headingText(h *ast.Heading, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := n.(*ast.Text); ok && entering {
			buf.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

// sectionStart is the offset just past the heading line (and its setext
// underline, if any).
func sectionStart(h *ast.Heading, source []byte) int {
	lines := h.Lines()
	if lines.Len() == 0 {
		return len(source)
	}
	pos := lines.At(lines.Len() - 1).Stop
	if pos > len(source) {
		pos = len(source)
	}
	if pos > 0 && source[pos-1] != '\n' {
		pos = endOfLine(source, pos)
	}
	atx := bytes.HasPrefix(bytes.TrimLeft(source[lineStart(h, source):], " \t"), []byte("#"))
	if !atx && pos < len(source) {
		nextEnd := endOfLine(source, pos)
		if setextUnderline.Match(bytes.TrimRight(source[pos:nextEnd], "\r\n")) {
			pos = nextEnd
		}
	}
	return pos
}

// lineStart is the offset of the first byte of the line holding h.
func lineStart(h *ast.Heading, source []byte) int {
	lines := h.Lines()
	if lines.Len() == 0 {
		return len(source)
	}
	pos := lines.At(0).Start
	for pos > 0 && source[pos-1] != '\n' {
		pos--
	}
	return pos
}

func endOfLine(source []byte, pos int) int {
	if pos > len(source) {
		return len(source)
	}
	if i := bytes.IndexByte(source[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(source)
}

// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown to Matrix HTML.
package mattermostfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage is the Matrix rendition of a markdown message. Format and
// FormattedBody are empty when the text has no markdown.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^*\w])_(.+?)_([^*\w]|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`^>\s+(.+)$`)
)

var markdownRes = []*regexp.Regexp{
	boldRe, italicRe, strikeRe, codeRe, codeBlockRe, linkRe,
	regexp.MustCompile(`(?m)^(#{1,6})\s+\S`),
	regexp.MustCompile(`(?m)^[-*]\s+\S`),
	regexp.MustCompile(`(?m)^\d+\.\s+\S`),
	regexp.MustCompile(`(?m)^>\s+\S`),
}

// Private use code points never appear in real messages, unlike NUL.
const placeholderMark = "\uE000"

type codeBlock struct {
	lang    string
	content string
}

// Parse converts a Mattermost markdown message.
func Parse(text string) *ParsedMessage {
	if !hasMarkdown(text) {
		return &ParsedMessage{Body: text}
	}
	processed, blocks := extractCodeBlocks(text)
	formatted := paragraphs(renderInline(renderBlocks(processed)))
	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: restoreCodeBlocks(formatted, blocks),
	}
}

// Content builds an m.text event for the message.
func Content(text string) *event.MessageEventContent {
	parsed := Parse(text)
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          parsed.Body,
		Format:        parsed.Format,
		FormattedBody: parsed.FormattedBody,
	}
}

func hasMarkdown(text string) bool {
	for _, re := range markdownRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func extractCodeBlocks(text string) (string, []codeBlock) {
	var blocks []codeBlock
	out := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		blocks = append(blocks, codeBlock{lang: parts[1], content: parts[2]})
		return placeholderMark + strconv.Itoa(len(blocks)-1) + placeholderMark
	})
	return out, blocks
}

// renderBlocks handles the line-level constructs and escapes everything else.
func renderBlocks(text string) string {
	var (
		out      []string
		listTag  string
		listBody strings.Builder
	)
	flush := func() {
		if listTag != "" {
			out = append(out, "<"+listTag+">"+listBody.String()+"</"+listTag+">")
			listTag = ""
			listBody.Reset()
		}
	}
	item := func(tag, content string) {
		if listTag != tag {
			flush()
			listTag = tag
		}
		listBody.WriteString("<li>" + html.EscapeString(content) + "</li>")
	}

	for _, line := range strings.Split(text, "\n") {
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			flush()
			out = append(out, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
		} else if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			lvl := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
		} else if m := ulRe.FindStringSubmatch(line); m != nil {
			item("ul", m[1])
		} else if m := olRe.FindStringSubmatch(line); m != nil {
			item("ol", m[1])
		} else {
			flush()
			out = append(out, html.EscapeString(line))
		}
	}
	flush()
	return strings.Join(out, "\n")
}

func renderInline(text string) string {
	text = codeRe.ReplaceAllString(text, "<code>$1</code>")
	text = boldRe.ReplaceAllString(text, "<strong>$1</strong>")
	text = italicRe.ReplaceAllString(text, "$1<em>$2</em>$3")
	text = strikeRe.ReplaceAllString(text, "<del>$1</del>")
	return linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		if !safeLink(href) {
			return label
		}
		return `<a href="` + href + `">` + label + `</a>`
	})
}

func safeLink(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	for _, scheme := range []string{"http://", "https://", "mailto:"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

func restoreCodeBlocks(text string, blocks []codeBlock) string {
	for i, cb := range blocks {
		open := "<pre><code>"
		if cb.lang != "" {
			open = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">`
		}
		text = strings.Replace(text, placeholderMark+strconv.Itoa(i)+placeholderMark,
			open+html.EscapeString(cb.content)+"</code></pre>", 1)
	}
	return text
}

func paragraphs(text string) string {
	text = strings.ReplaceAll(text, "\n\n", "</p><p>")
	text = strings.ReplaceAll(text, "\n", "<br/>")
	if strings.Contains(text, "</p><p>") {
		text = "<p>" + text + "</p>"
	}
	return text
}

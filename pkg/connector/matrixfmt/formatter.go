// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix message content to Mattermost markdown.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	replyFallbackRe = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	pillRe          = regexp.MustCompile(`<a href="https://matrix\.to/#/@([^:"]+):[^"]*"[^>]*>.*?</a>`)
	preRe           = regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`)
	linkRe          = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	headingRe       = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	blockquoteRe    = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	ulRe            = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe            = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe            = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe             = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	brRe            = regexp.MustCompile(`<br\s*/?>`)
	tagRe           = regexp.MustCompile(`<[^>]+>`)
	blankLinesRe    = regexp.MustCompile(`\n{3,}`)
)

// inline maps simple HTML elements to their markdown delimiters.
var inline = []struct {
	re  *regexp.Regexp
	out string
}{
	{regexp.MustCompile(`<code>(.*?)</code>`), "`$1`"},
	{regexp.MustCompile(`<(?:strong|b)>(.*?)</(?:strong|b)>`), "**$1**"},
	{regexp.MustCompile(`<(?:em|i)>(.*?)</(?:em|i)>`), "_${1}_"},
	{regexp.MustCompile(`<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`), "~~$1~~"},
}

// Parse returns the markdown rendition of a text message. Plain bodies are
// returned as is, minus any quoted reply fallback.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return stripPlainReplyFallback(content.Body)
	}
	return convertHTML(content.FormattedBody)
}

// stripPlainReplyFallback removes the "> <@user> quoted" lines that clients
// prepend to the plain body of a reply.
func stripPlainReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> <") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

func convertHTML(text string) string {
	text = replyFallbackRe.ReplaceAllString(text, "")
	text = pillRe.ReplaceAllString(text, "@$1")

	// Code blocks first so their contents are not touched by inline rules.
	var blocks []string
	text = preRe.ReplaceAllStringFunc(text, func(match string) string {
		code := preRe.FindStringSubmatch(match)[1]
		blocks = append(blocks, "```\n"+strings.TrimSuffix(html.UnescapeString(code), "\n")+"\n```")
		return "\x00" + strconv.Itoa(len(blocks)-1) + "\x00"
	})

	for _, rule := range inline {
		text = rule.re.ReplaceAllString(text, rule.out)
	}
	text = linkRe.ReplaceAllString(text, "[$2]($1)")
	text = headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level, _ := strconv.Atoi(parts[1])
		return strings.Repeat("#", level) + " " + parts[2]
	})
	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		inner := blockquoteRe.FindStringSubmatch(match)[1]
		inner = brRe.ReplaceAllString(inner, "\n")
		inner = tagRe.ReplaceAllString(inner, "")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return "\n" + strings.Join(lines, "\n") + "\n\n"
	})
	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		return listItems(match, func(int) string { return "- " })
	})
	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		return listItems(match, func(i int) string { return strconv.Itoa(i+1) + ". " })
	})
	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	for i, block := range blocks {
		text = strings.Replace(text, "\x00"+strconv.Itoa(i)+"\x00", block, 1)
	}
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func listItems(list string, marker func(i int) string) string {
	items := liRe.FindAllStringSubmatch(list, -1)
	out := make([]string, 0, len(items))
	for i, item := range items {
		out = append(out, marker(i)+strings.TrimSpace(tagRe.ReplaceAllString(item[1], "")))
	}
	return "\n" + strings.Join(out, "\n") + "\n"
}

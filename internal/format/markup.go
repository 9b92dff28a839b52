// Package format turns model markdown into transport markup and cuts it into
// transport-sized chunks.
package format

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	fencedBlock = regexp.MustCompile("(?s)```([A-Za-z0-9_+#-]*)[ \t]*\n?(.*?)```")
	inlineCode  = regexp.MustCompile("`([^`\n]+)`")
	mdLink      = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	heading     = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+(.+?)[ \t]*#*[ \t]*$`)
	boldStars   = regexp.MustCompile(`\*\*([^\n]+?)\*\*`)
	boldUnders  = regexp.MustCompile(`__([^\n]+?)__`)
	strike      = regexp.MustCompile(`~~([^\n]+?)~~`)
	italicStar  = regexp.MustCompile(`(^|[^*\w])\*([^\s*](?:[^*\n]*[^\s*])?)\*($|[^*\w])`)
	italicUnder = regexp.MustCompile(`(^|[^\w])_([^\s_](?:[^_\n]*[^\s_])?)_($|[^\w])`)
	anyTag      = regexp.MustCompile(`<[^>]*>`)
)

// placeholders keep extracted fragments out of reach of the inline rules
type placeholders struct {
	values []string
}

func (p *placeholders) add(v string) string {
	p.values = append(p.values, v)
	return fmt.Sprintf("\x00%d\x00", len(p.values)-1)
}

func (p *placeholders) restore(s string) string {
	if len(p.values) == 0 {
		return s
	}
	pairs := make([]string, 0, 2*len(p.values))
	for i, v := range p.values {
		pairs = append(pairs, fmt.Sprintf("\x00%d\x00", i), v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

func preBlock(lang, code string) string {
	code = escape(strings.TrimSuffix(code, "\n"))
	if lang == "" {
		return "<pre>" + code + "</pre>"
	}
	return `<pre><code class="language-` + lang + `">` + code + "</code></pre>"
}

// ToMarkup converts the markdown dialect the model writes (fenced and inline
// code, bold, italic, strikethrough, headings, links) into transport HTML.
// Code content is escaped but never subject to the emphasis rules. A fence
// left open at the end, as happens mid-stream, is closed.
func ToMarkup(text string) string {
	var ph placeholders

	s := fencedBlock.ReplaceAllStringFunc(text, func(m string) string {
		sub := fencedBlock.FindStringSubmatch(m)
		return ph.add(preBlock(sub[1], sub[2]))
	})

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		lang := ""
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], " \t") {
			lang, rest = rest[:nl], rest[nl+1:]
		}
		s = s[:idx] + ph.add(preBlock(lang, rest))
	}

	s = inlineCode.ReplaceAllStringFunc(s, func(m string) string {
		return ph.add("<code>" + escape(m[1:len(m)-1]) + "</code>")
	})

	s = mdLink.ReplaceAllStringFunc(s, func(m string) string {
		sub := mdLink.FindStringSubmatch(m)
		href := strings.ReplaceAll(escape(sub[2]), `"`, "&quot;")
		return ph.add(`<a href="` + href + `">` + escape(sub[1]) + "</a>")
	})

	s = escape(s)

	s = heading.ReplaceAllString(s, "<b>$1</b>")
	s = boldStars.ReplaceAllString(s, "<b>$1</b>")
	s = boldUnders.ReplaceAllString(s, "<b>$1</b>")
	s = strike.ReplaceAllString(s, "<s>$1</s>")
	s = italicStar.ReplaceAllString(s, "$1<i>$2</i>$3")
	s = italicUnder.ReplaceAllString(s, "$1<i>$2</i>$3")

	return ph.restore(s)
}

// StripMarkup removes tags and decodes entities, giving the plain-text
// equivalent of a markup body.
func StripMarkup(markup string) string {
	return html.UnescapeString(anyTag.ReplaceAllString(markup, ""))
}

// PlainText renders markdown source as the plain text the user would see.
func PlainText(text string) string {
	return StripMarkup(ToMarkup(text))
}

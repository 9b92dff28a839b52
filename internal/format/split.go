package format

import (
	"regexp"
	"strings"
	"unicode"

	"relay-backend/internal/transport"
)

var blockOpenPattern = regexp.MustCompile(`^<pre[^>]*>(?:<code[^>]*>)?`)

const (
	preOpen  = "<pre"
	preClose = "</pre>"

	// soft breaks closer to the start than this share of the budget are
	// ignored so chunks do not come out tiny
	minBreakRatio = 0.3
)

// Split cuts a markup body into chunks of at most limit runes. A cut never
// lands inside a <pre> block unless the block alone is longer than twice the
// limit; a block that fits in 2×limit is kept whole even if the chunk then
// runs over the limit. Otherwise the last paragraph break, then the last line
// break, past 30% of the budget is preferred over a hard cut. Chunks are
// trimmed of surrounding whitespace; the result is never empty.
func Split(markup string, limit int) []string {
	if limit <= 0 {
		limit = transport.MaxMessageLength
	}

	body := strings.TrimSpace(markup)
	rest := []rune(body)
	if len(rest) <= limit {
		return []string{body}
	}

	var chunks []string
	for len(rest) > limit {
		cut := splitPoint(rest, limit)

		if chunk := strings.TrimSpace(string(rest[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = []rune(strings.TrimLeftFunc(string(rest[cut:]), unicode.IsSpace))
	}
	if tail := strings.TrimSpace(string(rest)); tail != "" {
		chunks = append(chunks, tail)
	}

	return chunks
}

func splitPoint(r []rune, limit int) int {
	window := r[:limit]

	open := lastIndex(window, preOpen)
	if open >= 0 && lastIndex(window, preClose) < open {
		if rel := index(r[open:], preClose); rel >= 0 {
			if end := open + rel + len(preClose); end <= 2*limit {
				return end
			}
		}
		if open > 0 {
			return open
		}
		// the block starts here and is too large to keep whole
		return hardCut(r, limit)
	}

	// closed blocks inside the window are never broken at their newlines
	spans := preSpans(window)
	minBreak := int(float64(limit) * minBreakRatio)
	if i := lastBreak(window, "\n\n", spans); i > minBreak {
		return i
	}
	if i := lastBreak(window, "\n", spans); i > minBreak {
		return i
	}
	if n := len(spans); n > 0 && spans[n-1][1] > minBreak {
		return spans[n-1][1]
	}

	return hardCut(r, limit)
}

// preSpans returns the [start, end) rune ranges of the <pre> blocks that
// open and close inside window.
func preSpans(window []rune) [][2]int {
	var spans [][2]int
	for from := 0; ; {
		rel := index(window[from:], preOpen)
		if rel < 0 {
			return spans
		}
		start := from + rel
		closeRel := index(window[start:], preClose)
		if closeRel < 0 {
			return spans
		}
		end := start + closeRel + len(preClose)
		spans = append(spans, [2]int{start, end})
		from = end
	}
}

// lastBreak is the last occurrence of sep in window that is not inside any
// of spans, or -1.
func lastBreak(window []rune, sep string, spans [][2]int) int {
	end := len(window)
	for {
		i := lastIndex(window[:end], sep)
		if i < 0 {
			return -1
		}
		if !insideSpan(i, spans) {
			return i
		}
		end = i + len([]rune(sep)) - 1
	}
}

func insideSpan(i int, spans [][2]int) bool {
	for _, span := range spans {
		if span[0] < i && i < span[1] {
			return true
		}
	}
	return false
}

// SplitStrict is Split with every chunk held to limit: a <pre> block kept
// whole by Split but longer than limit is cut into several blocks.
func SplitStrict(markup string, limit int) []string {
	if limit <= 0 {
		limit = transport.MaxMessageLength
	}

	var out []string
	for _, chunk := range Split(markup, limit) {
		out = append(out, Fit(chunk, limit)...)
	}
	return out
}

// Fit returns chunk as is when it fits in limit runes. Otherwise the text
// around its <pre> block is split normally and the block itself is cut into
// pieces, each closed and reopened with the block's own tags.
func Fit(chunk string, limit int) []string {
	r := []rune(chunk)
	if len(r) <= limit {
		return []string{chunk}
	}

	open := index(r, preOpen)
	if open < 0 {
		return Split(chunk, limit)
	}
	closeRel := index(r[open:], preClose)
	if closeRel < 0 {
		return Split(chunk, limit)
	}
	end := open + closeRel + len(preClose)

	var out []string
	if head := strings.TrimSpace(string(r[:open])); head != "" {
		out = append(out, Split(head, limit)...)
	}
	out = append(out, splitBlock(string(r[open:end]), limit)...)
	if tail := strings.TrimSpace(string(r[end:])); tail != "" {
		out = append(out, Fit(tail, limit)...)
	}
	return out
}

func splitBlock(block string, limit int) []string {
	openTag := blockOpenPattern.FindString(block)
	closeTag := preClose
	if strings.Contains(openTag, "<code") {
		closeTag = "</code>" + preClose
	}
	if openTag == "" || !strings.HasSuffix(block, closeTag) {
		return Split(block, limit)
	}

	budget := limit - len([]rune(openTag)) - len([]rune(closeTag))
	if budget <= 0 {
		return Split(block, limit)
	}

	var pieces []string
	rest := []rune(strings.TrimSuffix(strings.TrimPrefix(block, openTag), closeTag))
	for len(rest) > 0 {
		cut := len(rest)
		if cut > budget {
			cut = codeCut(rest, budget)
		}
		pieces = append(pieces, openTag+string(rest[:cut])+closeTag)
		rest = rest[cut:]
	}
	return pieces
}

// codeCut keeps the newline with the piece before it and never cuts an
// entity in half.
func codeCut(r []rune, budget int) int {
	window := r[:budget]
	if i := lastIndex(window, "\n"); i+1 > int(float64(budget)*minBreakRatio) {
		return i + 1
	}
	if amp := lastIndex(window, "&"); amp > 0 && amp > lastIndex(window, ";") {
		return amp
	}
	return budget
}

// hardCut backs off so the cut does not fall inside a tag or an entity.
func hardCut(r []rune, limit int) int {
	window := r[:limit]

	if lt := lastIndex(window, "<"); lt > 0 && lt > lastIndex(window, ">") {
		return lt
	}
	if amp := lastIndex(window, "&"); amp > 0 && amp > limit-10 && amp > lastIndex(window, ";") {
		return amp
	}
	return limit
}

func index(r []rune, sub string) int {
	s := []rune(sub)
	for i := 0; i+len(s) <= len(r); i++ {
		if hasPrefix(r[i:], s) {
			return i
		}
	}
	return -1
}

func lastIndex(r []rune, sub string) int {
	s := []rune(sub)
	for i := len(r) - len(s); i >= 0; i-- {
		if hasPrefix(r[i:], s) {
			return i
		}
	}
	return -1
}

func hasPrefix(r, prefix []rune) bool {
	if len(prefix) > len(r) {
		return false
	}
	for i := range prefix {
		if r[i] != prefix[i] {
			return false
		}
	}
	return true
}

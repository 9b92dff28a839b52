package parser

import (
	"regexp"
	"strings"
)

// The scanners below walk bytes. That is safe for the ASCII delimiters they
// look at ({, }, ", \) because UTF-8 never uses those bytes inside a
// multi-byte sequence.

var (
	markerPattern = regexp.MustCompile(`"type"\s*:\s*"` + DirectiveType + `"`)
	fencePattern  = regexp.MustCompile("```[A-Za-z0-9_+-]*")
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
)

// MatchBrace returns the index of the '}' closing the object that opens at
// s[open], or -1 when s[open] is not '{' or the object never closes. Braces
// inside quoted strings are ignored and backslash escapes are honoured.
func MatchBrace(s string, open int) int {
	if open < 0 || open >= len(s) || s[open] != '{' {
		return -1
	}

	depth := 0
	inString := false
	escape := false

	for i := open; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}

		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}

// FindObjects returns every balanced top-level {...} candidate in s, in order.
// Stray closing braces outside an object are skipped.
func FindObjects(s string) []string {
	var candidates []string
	depth := 0
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}

		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			// quotes only matter inside a candidate; an unpaired quote in
			// surrounding prose must not swallow the next object
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}

	return candidates
}

// enclosingBrace walks backward from pos to the nearest '{' that is not
// closed before pos.
func enclosingBrace(s string, pos int) int {
	depth := 0
	for i := pos - 1; i >= 0; i-- {
		switch s[i] {
		case '}':
			depth++
		case '{':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

func stripFences(s string) string {
	return fencePattern.ReplaceAllString(s, "")
}

// StripANSI removes terminal control sequences.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// HasDirectiveMarker reports whether text contains the directive type tag,
// well-formed or not. Streaming output that does is held back from drafts.
func HasDirectiveMarker(text string) bool {
	return markerPattern.MatchString(text)
}

// ScanDirective looks for a directive object embedded in free text. Every
// occurrence of the directive marker is tried in order; when none of them
// yields a well-formed directive, each top-level object candidate is tried.
func ScanDirective(text string) (DirectiveCall, bool) {
	s := stripFences(text)

	for _, loc := range markerPattern.FindAllStringIndex(s, -1) {
		start := enclosingBrace(s, loc[0])
		if start < 0 {
			continue
		}
		end := MatchBrace(s, start)
		if end < 0 {
			continue
		}
		if call, ok := decodeDirective(s[start : end+1]); ok {
			return call, true
		}
	}

	for _, candidate := range FindObjects(s) {
		if !strings.Contains(candidate, DirectiveType) {
			continue
		}
		if call, ok := decodeDirective(candidate); ok {
			return call, true
		}
	}

	return DirectiveCall{}, false
}

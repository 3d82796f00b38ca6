package commands

import (
	"regexp"
	"strings"
)

var (
	menuSearchRe = regexp.MustCompile(`(?i)\[\[\s*MENU_SEARCH\s*:\s*([^\[\]]*?)\s*\]\]`)
	sendRe       = regexp.MustCompile(`(?i)\[\[\s*SEND\s*:\s*([^\[\]]*?)\s*\]\]`)
)

// Result is what one Feed call extracted.
type Result struct {
	// Query is the first complete MENU_SEARCH query of the pass, if any.
	Query string
	// Links holds every complete SEND token of a known kind, in order.
	Links []LinkKind
	// Ignored holds stripped tokens that were not acted on: extra MENU_SEARCH
	// tokens in the same pass, empty queries, unknown SEND kinds.
	Ignored []string
}

func (r Result) Empty() bool {
	return r.Query == "" && len(r.Links) == 0 && len(r.Ignored) == 0
}

// Scanner accumulates the agent's text for one turn and strips command tokens
// out of it as soon as they are complete. A token split across fragments is
// left in place until its closing brackets arrive.
//
// Scanner is not safe for concurrent use; it belongs to one session loop.
type Scanner struct {
	buf strings.Builder
}

func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed appends fragment and scans the accumulator.
func (s *Scanner) Feed(fragment string) Result {
	s.buf.WriteString(fragment)
	text := s.buf.String()
	if !strings.Contains(text, "]]") {
		return Result{}
	}

	var res Result
	text = menuSearchRe.ReplaceAllStringFunc(text, func(tok string) string {
		m := menuSearchRe.FindStringSubmatch(tok)
		query := strings.TrimSpace(m[1])
		if res.Query == "" && query != "" {
			res.Query = query
		} else {
			res.Ignored = append(res.Ignored, tok)
		}
		return ""
	})
	text = sendRe.ReplaceAllStringFunc(text, func(tok string) string {
		m := sendRe.FindStringSubmatch(tok)
		if kind, ok := ParseLinkKind(m[1]); ok {
			res.Links = append(res.Links, kind)
		} else {
			res.Ignored = append(res.Ignored, tok)
		}
		return ""
	})

	if !res.Empty() {
		s.buf.Reset()
		s.buf.WriteString(text)
	}
	return res
}

// Text returns the accumulated text with consumed tokens removed.
func (s *Scanner) Text() string {
	return s.buf.String()
}

// Reset clears the accumulator at a turn boundary.
func (s *Scanner) Reset() {
	s.buf.Reset()
}

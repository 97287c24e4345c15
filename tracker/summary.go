package tracker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SummaryLines renders one line per subscription, linked when a URL is known.
func SummaryLines(subs []Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.URL != "" {
			out = append(out, fmt.Sprintf("[`%s`](%s)\n", s.Name, s.URL))
		} else {
			out = append(out, fmt.Sprintf("`%s`\n", s.Name))
		}
	}
	return out
}

// Paginate packs lines into pages of at most limit characters without
// splitting a line, unless a single line is longer than limit on its own.
func Paginate(lines []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}
	var pages []string
	var cur strings.Builder
	size := 0
	flush := func() {
		if size > 0 {
			pages = append(pages, cur.String())
			cur.Reset()
			size = 0
		}
	}
	for _, line := range lines {
		n := utf8.RuneCountInString(line)
		if n > limit {
			flush()
			pages = append(pages, splitRunes(line, limit)...)
			continue
		}
		if size+n > limit {
			flush()
		}
		cur.WriteString(line)
		size += n
	}
	flush()
	return pages
}

func splitRunes(s string, limit int) []string {
	var out []string
	runes := []rune(s)
	for len(runes) > limit {
		out = append(out, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

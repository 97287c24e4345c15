package tracker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryLines(t *testing.T) {
	lines := SummaryLines([]Subscription{
		{Name: "alpha", URL: "https://example.com/alpha"},
		{Name: "beta"},
	})
	assert.Equal(t, []string{"[`alpha`](https://example.com/alpha)\n", "`beta`\n"}, lines)
}

func TestPaginate(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		limit int
		pages int
	}{
		{"empty", nil, 10, 0},
		{"fits one page", []string{"aaa\n", "bbb\n"}, 10, 1},
		{"splits on line boundary", []string{"aaaa\n", "bbbb\n", "cccc\n"}, 10, 2},
		{"exact fit", []string{"aaaa\n", "bbbb\n"}, 10, 1},
		{"oversized line is split", []string{strings.Repeat("x", 25)}, 10, 3},
		{"multibyte", []string{"ééééé\n", "ééééé\n"}, 6, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages := Paginate(tt.lines, tt.limit)
			require.Len(t, pages, tt.pages)
			for _, p := range pages {
				assert.LessOrEqual(t, utf8.RuneCountInString(p), tt.limit)
			}
			// Nothing is dropped.
			assert.Equal(t, strings.Join(tt.lines, ""), strings.Join(pages, ""))
		})
	}
}

func TestPaginateDefaultLimit(t *testing.T) {
	var lines []string
	for i := 0; i < 500; i++ {
		lines = append(lines, "`some-long-subject-name`\n")
	}
	pages := Paginate(lines, 0)
	require.Greater(t, len(pages), 1)
	for _, p := range pages {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), DefaultSummaryLimit)
	}
}

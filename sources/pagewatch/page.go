package pagewatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/carlmjohnson/requests"
	"golang.org/x/net/html"

	"github.com/onnwee/trackerbot/tracker"
)

// DefaultMaxBodyBytes caps how much of a page is read. Anything past it is
// ignored.
const DefaultMaxBodyBytes = 4 << 20

var whitespace = regexp.MustCompile(`\s+`)

// Page is what one fetch extracted.
type Page struct {
	Title    string
	Text     string
	ImageURL string
}

// Digest identifies the watched text.
func (p Page) Digest() string {
	sum := sha256.Sum256([]byte(p.Text))
	return hex.EncodeToString(sum[:])
}

// Fetcher downloads pages and extracts the text under XPath.
type Fetcher struct {
	Client   *http.Client
	XPath    string
	MaxBytes int64 // DefaultMaxBodyBytes when zero
}

// Fetch downloads endpoint. 404 and 410 map to tracker.ErrNotFound.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string) (Page, error) {
	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	var body string
	rb := requests.URL(endpoint).Handle(toLimitedString(&body, limit))
	if f.Client != nil {
		rb = rb.Client(f.Client)
	}
	if err := rb.Fetch(ctx); err != nil {
		switch {
		case requests.HasStatusErr(err, http.StatusNotFound, http.StatusGone):
			return Page{}, fmt.Errorf("page %s: %w", endpoint, tracker.ErrNotFound)
		case ctx.Err() != nil:
			return Page{}, ctx.Err()
		}
		return Page{}, fmt.Errorf("%w: page %s: %w", tracker.ErrTransientSource, endpoint, err)
	}
	doc, err := htmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse %s: %w", endpoint, err)
	}
	xpath := f.XPath
	if xpath == "" {
		xpath = "//body"
	}
	node, err := htmlquery.Query(doc, xpath)
	if err != nil {
		return Page{}, fmt.Errorf("xpath %q: %w", xpath, err)
	}
	return Page{
		Title:    selectText(doc, "/html/head/title"),
		Text:     digForText(node),
		ImageURL: extractImageURL(doc),
	}, nil
}

// toLimitedString reads at most limit bytes of the body into s.
func toLimitedString(s *string, limit int64) requests.ResponseHandler {
	return func(res *http.Response) error {
		b, err := io.ReadAll(io.LimitReader(res.Body, limit))
		if err != nil {
			return err
		}
		*s = string(b)
		return nil
	}
}

func extractImageURL(n *html.Node) string {
	for _, q := range []string{"//meta[@property = 'og:image']", "//meta[@name = 'twitter:image']"} {
		if elem := htmlquery.FindOne(n, q); elem != nil {
			if v := htmlquery.SelectAttr(elem, "content"); v != "" {
				return v
			}
		}
	}
	return ""
}

func selectText(n *html.Node, xpath string) string {
	return digForText(htmlquery.FindOne(n, xpath))
}

func digForText(n *html.Node) string {
	if n == nil {
		return ""
	}
	buf := new(bytes.Buffer)
	dig(n, buf)
	return compactWhitespace(buf.String())
}

func dig(n *html.Node, buf *bytes.Buffer) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		buf.WriteString(n.Data)
		buf.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		dig(c, buf)
	}
}

func compactWhitespace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// Package analyzer extracts structural facts from fetched HTML documents.
// Analysis is pure: no I/O, no shared state, identical input yields identical output.
package analyzer

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
)

// Version strings reported for documents.
const (
	VersionHTML5   = "HTML5"
	VersionUnknown = "Unknown"
)

const sniffLen = 512

// publicIDVersions maps doctype public identifier prefixes to version names.
// Order matters: longer, more specific prefixes first.
var publicIDVersions = []struct {
	prefix  string
	version string
}{
	{"-//w3c//dtd xhtml basic 1.1", "XHTML Basic 1.1"},
	{"-//w3c//dtd xhtml 1.1", "XHTML 1.1"},
	{"-//w3c//dtd xhtml 1.0", "XHTML 1.0"},
	{"-//w3c//dtd html 4.01", "HTML 4.01"},
	{"-//w3c//dtd html 4.0", "HTML 4.0"},
	{"-//w3c//dtd html 3.2", "HTML 3.2"},
	{"-//ietf//dtd html 2.0", "HTML 2.0"},
	{"-//ietf//dtd html", "HTML 2.0"},
}

var ignoredSchemes = map[string]struct{}{
	"javascript": {},
	"mailto":     {},
	"tel":        {},
	"data":       {},
}

// Analyzer implements crawler.Analyzer.
type Analyzer struct{}

// New constructs an Analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// Analyze implements crawler.Analyzer.
func (Analyzer) Analyze(body []byte, baseURL string) (crawler.AnalysisFacts, error) {
	return Analyze(body, baseURL)
}

// Analyze parses body as HTML and extracts version, title, headings, links and
// login-form presence. Links are classified against the host of baseURL.
func Analyze(body []byte, baseURL string) (crawler.AnalysisFacts, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return crawler.AnalysisFacts{}, fmt.Errorf("%w: invalid base url %q", crawler.ErrInvalidURL, baseURL)
	}
	if err := checkHTML(body); err != nil {
		return crawler.AnalysisFacts{}, err
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return crawler.AnalysisFacts{}, fmt.Errorf("%w: %v", crawler.ErrParse, err)
	}
	doc := goquery.NewDocumentFromNode(root)

	return crawler.AnalysisFacts{
		HTMLVersion:  DetectVersion(root),
		Title:        extractTitle(doc),
		Headings:     countHeadings(doc),
		Links:        extractLinks(doc, base),
		HasLoginForm: hasLoginForm(doc),
	}, nil
}

// checkHTML rejects byte streams that cannot be an HTML document.
func checkHTML(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty document", crawler.ErrParse)
	}
	head := body
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return fmt.Errorf("%w: binary content", crawler.ErrParse)
	}
	if ct := http.DetectContentType(head); !strings.HasPrefix(ct, "text/") {
		return fmt.Errorf("%w: content type %s", crawler.ErrParse, ct)
	}
	return nil
}

// DetectVersion inspects the document's doctype node.
// A missing or unrecognized doctype reports VersionUnknown.
func DetectVersion(root *html.Node) string {
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != html.DoctypeNode {
			continue
		}
		if !strings.EqualFold(n.Data, "html") {
			return VersionUnknown
		}
		public := strings.ToLower(strings.TrimSpace(attr(n, "public")))
		if public == "" {
			return VersionHTML5
		}
		for _, candidate := range publicIDVersions {
			if strings.HasPrefix(public, candidate.prefix) {
				return candidate.version
			}
		}
		return VersionUnknown
	}
	return VersionUnknown
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func extractTitle(doc *goquery.Document) string {
	title := doc.Find("head > title").First()
	if title.Length() == 0 {
		title = doc.Find("title").First()
	}
	return strings.TrimSpace(title.Text())
}

func countHeadings(doc *goquery.Document) crawler.Headings {
	var h crawler.Headings
	for i := range h {
		h[i] = doc.Find(fmt.Sprintf("h%d", i+1)).Length()
	}
	return h
}

func hasLoginForm(doc *goquery.Document) bool {
	found := false
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		form.Find("input").EachWithBreak(func(_ int, input *goquery.Selection) bool {
			if strings.EqualFold(strings.TrimSpace(input.AttrOr("type", "")), "password") {
				found = true
			}
			return !found
		})
		return !found
	})
	return found
}

// extractLinks resolves every anchor href, drops unusable ones, and classifies
// the remainder against the page host. The result is deduplicated and sorted.
func extractLinks(doc *goquery.Document, page *url.URL) []crawler.Link {
	resolveBase := page
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := page.Parse(strings.TrimSpace(href)); err == nil && b.Host != "" {
			resolveBase = b
		}
	}

	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		resolved, ok := resolveLink(resolveBase, href)
		if !ok {
			return
		}
		key := resolved.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = crawler.SameHost(resolved, page)
	})

	links := make([]crawler.Link, 0, len(seen))
	for u, internal := range seen {
		links = append(links, crawler.Link{URL: u, Internal: internal})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].URL < links[j].URL })
	return links
}

func resolveLink(base *url.URL, href string) (*url.URL, bool) {
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	if _, skip := ignoredSchemes[strings.ToLower(ref.Scheme)]; skip {
		return nil, false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil, false
	}
	if resolved.Hostname() == "" {
		return nil, false
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return resolved, true
}

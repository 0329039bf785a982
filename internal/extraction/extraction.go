// Package extraction holds the HTML helpers shared by the order and
// transaction parsers. XPath lookups go through htmlquery, CSS selection
// through goquery.
package extraction

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// ParseNode parses payload into an XPath-queryable tree.
func ParseNode(payload []byte) (*html.Node, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ParseDocument parses payload into a goquery document.
func ParseDocument(payload []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// FindAll evaluates expr relative to top. An invalid expression yields no
// nodes.
func FindAll(top *html.Node, expr string) []*html.Node {
	if top == nil {
		return nil
	}
	nodes, err := htmlquery.QueryAll(top, expr)
	if err != nil {
		return nil
	}
	return nodes
}

// FindOne returns the first node matching expr, or nil.
func FindOne(top *html.Node, expr string) *html.Node {
	if top == nil {
		return nil
	}
	node, err := htmlquery.Query(top, expr)
	if err != nil {
		return nil
	}
	return node
}

// Text returns the whitespace-collapsed text content of n.
func Text(n *html.Node) string {
	if n == nil {
		return ""
	}
	return Squash(htmlquery.InnerText(n))
}

// Squash collapses runs of whitespace into single spaces and trims the ends.
func Squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Field returns the text of the first node matched by any of xpaths, trying
// them in order. Empty matches are skipped.
func Field(top *html.Node, xpaths ...string) string {
	for _, expr := range xpaths {
		for _, n := range FindAll(top, expr) {
			if text := Text(n); text != "" {
				return text
			}
		}
	}
	return ""
}

// Attr returns attribute name of the first node matching expr.
func Attr(top *html.Node, expr, name string) string {
	n := FindOne(top, expr)
	if n == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.SelectAttr(n, name))
}

// ByRegex walks the nodes matched by xpaths and returns the first text that
// matches re. When re has a capture group the last non-empty group is
// returned, otherwise the whole match. A nil re accepts the first non-empty
// text. def is returned when nothing matches.
func ByRegex(top *html.Node, xpaths []string, re *regexp.Regexp, def string) string {
	for _, expr := range xpaths {
		for _, n := range FindAll(top, expr) {
			text := Text(n)
			if text == "" {
				continue
			}
			if re == nil {
				return text
			}
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			for i := len(m) - 1; i >= 1; i-- {
				if strings.TrimSpace(m[i]) != "" {
					return strings.TrimSpace(m[i])
				}
			}
			return strings.TrimSpace(m[0])
		}
	}
	return def
}

// Absolute resolves href against the https origin of site.
func Absolute(site, href string) string {
	href = strings.TrimSpace(href)
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(href, "https://"), strings.HasPrefix(href, "http://"):
		return href
	case strings.HasPrefix(href, "//"):
		return "https:" + href
	case strings.HasPrefix(href, "/"):
		return "https://" + site + href
	default:
		return "https://" + site + "/" + href
	}
}

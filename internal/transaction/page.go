package transaction

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/JakeFAU/order-history-scraper/internal/extraction"
)

const (
	dateContainerXPath = `//div[contains(@class, "transaction-date-container")]`
	lineItemXPath      = `.//div[contains(@class, "transactions-line-item")]`
	nextButtonXPath    = `//span[contains(@class, "button")]/span[text()="Next page"]/preceding-sibling::input[not(@disabled)]`
)

var (
	cardPattern = regexp.MustCompile(`(.*\*{4}.*)`)
	// epoch stands in for dates the feed shows in an unreadable form.
	epoch = time.Unix(0, 0).UTC()
)

// Page is one converted page of the feed.
type Page struct {
	Transactions []Transaction
	// NextURL is the request that loads the following page, or "" on the
	// last page.
	NextURL string
}

// ParsePage converts a feed page fetched from pageURL.
func ParsePage(payload []byte, pageURL string) (Page, error) {
	doc, err := extraction.ParseNode(payload)
	if err != nil {
		return Page{}, err
	}
	var page Page
	for _, dateElem := range extraction.FindAll(doc, dateContainerXPath) {
		page.Transactions = append(page.Transactions, parseDateGroup(dateElem)...)
	}
	page.NextURL = nextPageURL(doc, pageURL)
	return page, nil
}

func parseDateGroup(dateElem *html.Node) []Transaction {
	date, err := extraction.ParseDate(extraction.Text(dateElem))
	if err != nil {
		date = epoch
	}
	container := nextElementSibling(dateElem)
	if container == nil {
		return nil
	}
	var out []Transaction
	for _, item := range extraction.FindAll(container, lineItemXPath) {
		if t, ok := parseLineItem(date, item); ok {
			out = append(out, t)
		}
	}
	return out
}

func parseLineItem(date time.Time, elem *html.Node) (Transaction, bool) {
	children := extraction.FindAll(elem, "./div")
	if len(children) == 0 {
		return Transaction{}, false
	}
	cardAndAmount := children[0]
	t := Transaction{Date: date, OrderIDs: []string{}, Vendor: "??", CardInfo: "??"}

	var vendors []string
	for _, child := range children[1:] {
		text := extraction.Text(child)
		if extraction.OrderIDPattern.MatchString(text) {
			id := "??"
			if link := extraction.FindOne(child, `.//a[contains(@href, "order")]`); link != nil {
				if m := extraction.OrderIDPattern.FindString(extraction.Text(link)); m != "" {
					id = m
				}
			}
			if id == "??" {
				id = extraction.OrderIDPattern.FindString(text)
			}
			t.OrderIDs = append(t.OrderIDs, id)
			continue
		}
		if text != "" {
			vendors = append(vendors, text)
		}
	}
	if len(vendors) > 0 {
		t.Vendor = vendors[len(vendors)-1]
	}

	spans := extraction.FindAll(cardAndAmount, ".//span")
	if len(spans) > 1 {
		if amount, ok := extraction.ParseAmount(extraction.Text(spans[1])); ok {
			t.Amount = amount
		}
	}
	t.CardInfo = extraction.ByRegex(cardAndAmount, []string{".//span"}, cardPattern, "??")
	return t, true
}

// nextPageURL finds the enabled "Next page" button and turns its form into a
// GET request URL.
func nextPageURL(doc *html.Node, pageURL string) string {
	button := extraction.FindOne(doc, nextButtonXPath)
	if button == nil {
		return ""
	}
	form := extraction.FindOne(button, "ancestor::form[1]")
	if form == nil {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	action := base
	if raw := strings.TrimSpace(attrOf(form, "action")); raw != "" {
		ref, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		action = base.ResolveReference(ref)
	}

	q := url.Values{}
	for _, in := range extraction.FindAll(form, `.//input[@type="hidden"]`) {
		if name := attrOf(in, "name"); name != "" {
			q.Add(name, attrOf(in, "value"))
		}
	}
	if name := attrOf(button, "name"); name != "" {
		q.Set(name, attrOf(button, "value"))
	}
	next := *action
	next.RawQuery = q.Encode()
	next.Fragment = ""
	return next.String()
}

func attrOf(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func nextElementSibling(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

package order

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/order-history-scraper/internal/extraction"
	"github.com/JakeFAU/order-history-scraper/internal/scheduler"
)

const (
	// FirstListPriority is used for the first list page of every year so
	// the order count is known before anything else is fetched.
	FirstListPriority scheduler.Priority = "00000"
	// ListPriority is used for the remaining list pages.
	ListPriority scheduler.Priority = "2"

	// PageSize is the number of orders per list page.
	PageSize = 10

	listSuffix = "&disableCsd=no-js"
)

const (
	gbTemplate = "https://{site}/gp/css/order-history?opt=ab&digitalOrders=1&unifiedOrders=1&returnTo=" +
		"&orderFilter=year-{year}&startIndex={start}"
	gbEnglishTemplate = gbTemplate + "&language=en_GB"
)

// templatesBySite lists the order history URL templates per storefront.
// Some sites need two queries to cover physical and digital orders.
var templatesBySite = map[string][]string{
	"www.amazon.co.jp":  {gbTemplate},
	"www.amazon.co.uk":  {gbTemplate},
	"www.amazon.com.au": {gbTemplate},
	"www.amazon.ca":     {gbTemplate},
	"www.amazon.fr":     {gbTemplate},
	"www.amazon.de":     {gbEnglishTemplate},
	"www.amazon.es":     {gbEnglishTemplate},
	"www.amazon.in":     {gbEnglishTemplate},
	"www.amazon.it":     {gbEnglishTemplate},
	"www.amazon.com": {
		"https://{site}/gp/css/order-history?opt=ab&ie=UTF8&digitalOrders=1&unifiedOrders=0" +
			"&orderFilter=year-{year}&startIndex={start}&language=en_US",
		"https://{site}/gp/css/order-history?opt=ab&ie=UTF8&digitalOrders=1&unifiedOrders=1" +
			"&orderFilter=year-{year}&startIndex={start}&language=en_US",
	},
	"www.amazon.com.mx": {
		"https://{site}/gp/your-account/order-history/ref=oh_aui_menu_date?ie=UTF8" +
			"&orderFilter=year-{year}&startIndex={start}",
		"https://{site}/gp/your-account/order-history/ref=oh_aui_menu_yo_new_digital?ie=UTF8" +
			"&digitalOrders=1&orderFilter=year-{year}&unifiedOrders=0&startIndex={start}",
	},
}

var fallbackTemplates = []string{
	"https://{site}/gp/css/order-history?opt=ab&ie=UTF8&digitalOrders=1&unifiedOrders=0" +
		"&orderFilter=year-{year}&startIndex={start}&language=en_GB",
	"https://{site}/gp/css/order-history?opt=ab&ie=UTF8&digitalOrders=1&unifiedOrders=1" +
		"&orderFilter=year-{year}&startIndex={start}&language=en_GB",
}

// Templates returns the list page templates for site and whether the site is
// explicitly supported.
func Templates(site string) ([]string, bool) {
	if t, ok := templatesBySite[site]; ok {
		return t, true
	}
	return fallbackTemplates, false
}

// ListURL expands template for one page.
func ListURL(template, site string, year, start int) string {
	r := strings.NewReplacer(
		"{site}", site,
		"{year}", strconv.Itoa(year),
		"{start}", strconv.Itoa(start),
	)
	return r.Replace(template) + listSuffix
}

// DetailURL is the order detail page for id.
func DetailURL(site, id string) string {
	if strings.HasPrefix(id, "D") {
		return "https://" + site + "/gp/digital/your-account/order-summary.html?orderID=" + id
	}
	return "https://" + site + "/gp/your-account/order-details?orderID=" + id
}

// PaymentsURL is the printable invoice summary listing the payments of id.
func PaymentsURL(site, id string) string {
	return "https://" + site + "/gp/css/summary/print.html?orderID=" + id
}

var (
	errNoOrderCount = errors.New("order count not found; the page may not be an order history page")
	orderIDHref     = regexp.MustCompile(`(?:orderID=|orderNumber%3D)([A-Z0-9-]*)`)
)

var (
	datePlacedXPath = strings.Join([]string{
		`.//div[contains(span,"Commande effectuée")]/../div/span[contains(@class,"value")]`,
		`.//div[contains(span,"Order placed")]/../div/span[contains(@class,"value")]`,
		`.//div[contains(span,"Ordine effettuato")]/../div/span[contains(@class,"value")]`,
		`.//div[contains(span,"Pedido realizado")]/../div/span[contains(@class,"value")]`,
	}, " | ")
	listTotalXPath = `.//div[contains(span,"Total")]/../div/span[contains(@class,"value")]`
	recipientXPath = `.//div[contains(@class,"recipient")]//span[@class="trigger-text"]`
)

// listPage is the converted form of one order history page.
type listPage struct {
	expected int
	entries  []listEntry
	skipped  int
}

type listEntry struct {
	id         string
	date       time.Time
	total      string
	who        string
	detailHref string
}

// parseListPage reads the order count and the order cards of a list page.
func parseListPage(payload []byte) (listPage, error) {
	doc, err := extraction.ParseDocument(payload)
	if err != nil {
		return listPage{}, err
	}
	countText := strings.Fields(doc.Find("span.num-orders").First().Text())
	if len(countText) == 0 {
		return listPage{}, errNoOrderCount
	}
	expected, err := strconv.Atoi(strings.ReplaceAll(countText[0], ",", ""))
	if err != nil {
		return listPage{}, errNoOrderCount
	}

	page := listPage{expected: expected}
	doc.Find("#ordersContainer .order").Each(func(_ int, s *goquery.Selection) {
		entry, ok := parseOrderCard(s)
		if !ok {
			page.skipped++
			return
		}
		page.entries = append(page.entries, entry)
	})
	return page, nil
}

func parseOrderCard(s *goquery.Selection) (listEntry, bool) {
	var entry listEntry
	s.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if m := orderIDHref.FindStringSubmatch(href); m != nil && m[1] != "" {
			entry.id = m[1]
			return false
		}
		return true
	})
	if entry.id == "" {
		return listEntry{}, false
	}
	if href, ok := s.Find(`a[href*="order-details"]`).First().Attr("href"); ok {
		entry.detailHref = href
	}

	node := s.Nodes[0]
	if raw := extraction.Field(node, datePlacedXPath); raw != "" {
		if d, err := extraction.ParseDate(raw); err == nil {
			entry.date = d
		}
	}
	entry.total = extraction.Field(node, listTotalXPath)
	entry.who = extraction.Field(node, recipientXPath)
	return entry, true
}

package order

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/JakeFAU/order-history-scraper/internal/extraction"
)

// subtotal returns the XPath of the amount next to a subtotal label.
func subtotal(label string) string {
	return fmt.Sprintf(`//div[contains(@id,"od-subtotals")]//span[contains(text(),"%s")]/parent::div/following-sibling::div/span`, label)
}

func subtotals(labels ...string) string {
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, subtotal(l))
	}
	return strings.Join(parts, " | ")
}

var (
	orderedOn   = regexp.MustCompile(`(?i)(?:Ordered on|Commandé le|Digital Order:)\s*(.*)`)
	giftAmount  = regexp.MustCompile(`(?i)Gift (?:Certificate|Card) Amount: *-?([$£€0-9.,]*)`)
	vatAmount   = regexp.MustCompile(`(?i)VAT: *([-$£€0-9.,]*)`)
	labelPrefix = regexp.MustCompile(`^.*:`)
	digit       = regexp.MustCompile(`\d`)

	whoXPaths = []string{
		`//table[contains(@class,"sample")]/tbody/tr/td/div/text()[2]`,
		`.//div[contains(@class,"recipient")]//span[@class="trigger-text"]`,
		`.//div[contains(text(),"Recipient")]`,
		`//li[contains(@class,"displayAddressFullName")]/text()`,
	}
	dateXPaths = []string{
		`//*[contains(@class,"order-date-invoice-item")]/text()`,
		`//*[contains(@class, "orderSummary")]//*[contains(text(), "Digital Order: ")]/text()`,
	}
	totalXPaths = []string{
		`//span[@class="a-color-price a-text-bold"]/text()`,
		`//b[contains(text(),"Total for this Order")]/text()`,
		`//span[contains(@id,"grand-total-amount")]/text()`,
		`//div[contains(@id,"od-subtotals")]//*[contains(text(),"Grand Total") or contains(text(),"Montant total TTC") or contains(text(),"Total général du paiement")]/parent::div/following-sibling::div/span`,
		`//*[contains(text(),"Grand total:") or contains(text(),"Grand Total:") or contains(text(),"Total general:") or contains(text(),"Total for this order:") or contains(text(),"Total of this order:") or contains(text(),"Total de este pedido:") or contains(text(),"Total del pedido:") or contains(text(),"Montant total TTC:") or contains(text(),"Total général du paiement:")]`,
	}
	giftXPaths = []string{
		`//div[contains(@id,"od-subtotals")]//span[contains(text(),"Gift") or contains(text(),"Importo Buono Regalo")]/parent::div/following-sibling::div/span`,
		`//span[contains(@id, "giftCardAmount-amount")]/text()`,
		`//*[text()[contains(.,"Gift Certificate")]]`,
		`//*[text()[contains(.,"Gift Card")]]`,
	}
	usTaxXPaths = []string{
		`//span[contains(text(),"Estimated tax to be collected:")]/../../div[2]/span/text()`,
		`//span[contains(@id, "totalTax-amount")]/text()`,
		`.//tr[contains(td,"Tax Collected:")]`,
	}
	vatXPaths = append(
		func() []string {
			var out []string
			for _, label := range []string{"VAT", "tax", "TVA", "IVA"} {
				out = append(out, fmt.Sprintf(
					`//div[contains(@id,"od-subtotals")]//span[contains(text(), "%s") and not(contains(text(),"Before") or contains(text(), "esclusa"))]/parent::div/following-sibling::div/span`,
					label))
			}
			return out
		}(),
		`//div[contains(@class,"a-row pmts-summary-preview-single-item-amount")]//span[contains(text(),"VAT")]/parent::div/following-sibling::div/span`,
		`//div[@id="digitalOrderSummaryContainer"]//*[text()[contains(., "VAT: ")]]`,
		`//div[contains(@class, "orderSummary")]//*[text()[contains(., "VAT: ")]]`,
	)
	gstXPaths = []string{
		`//div[contains(@id,"od-subtotals")]//span[(contains(text(),"GST") or contains(text(),"HST")) and not(contains(.,"Before"))]/parent::div/following-sibling::div/span`,
		`//div[contains(@class,"a-row pmts-summary-preview-single-item-amount")]//span[contains(text(),"GST")]/parent::div/following-sibling::div/span`,
	}
	pstXPaths = []string{
		`//div[contains(@id,"od-subtotals")]//span[(contains(text(),"PST") or contains(text(),"RST") or contains(text(),"QST")) and not(contains(.,"Before"))]/parent::div/following-sibling::div/span`,
		`//div[contains(@class,"a-row pmts-summary-preview-single-item-amount")]//span[contains(text(),"PST")]/parent::div/following-sibling::div/span`,
	}
	refundXPath = `//div[contains(@id,"od-subtotals")]//span[contains(text(),"Refund") or contains(text(),"Totale rimborso")]/ancestor::div[1]/following-sibling::div/span`

	itemXPath        = `//div[contains(@class,"yohtmlc-item")]`
	itemLinkXPath    = `.//a[contains(@href,"/gp/product/") or contains(@href,"/dp/")]`
	itemPriceXPath   = `.//span[contains(@class,"a-color-price")]`
	itemQtyXPath     = `.//span[contains(@class,"item-view-qty")]`
	paymentLineXPath = `//*[text()[contains(., "ending in")]]`
)

// parseDetailPage converts an order detail page. known carries the list page
// values used when the detail page lacks a field.
func parseDetailPage(payload []byte, site string, known listEntry) (detailPage, error) {
	doc, err := extraction.ParseNode(payload)
	if err != nil {
		return detailPage{}, err
	}
	d := Details{
		Date:          detailDate(doc, known.date),
		Total:         detailTotal(doc, known.total),
		Postage:       extraction.Field(doc, subtotals("Postage", "Shipping", "Livraison", "Delivery", "Costi di spedizione")),
		PostageRefund: extraction.Field(doc, subtotal("FREE Shipping")),
		Gift:          detailGift(doc),
		USTax:         detailUSTax(doc),
		VAT:           extraction.ByRegex(doc, vatXPaths, vatAmount, ""),
		GST:           extraction.ByRegex(doc, gstXPaths, nil, ""),
		PST:           extraction.ByRegex(doc, pstXPaths, nil, ""),
		Refund:        extraction.Field(doc, refundXPath),
		Who:           known.who,
	}
	if d.Who == "" {
		d.Who = extraction.Field(doc, whoXPaths...)
	}
	if d.VAT == "" {
		d.VAT = extraction.ByRegex(doc, vatXPaths, nil, "")
	}
	if href := extraction.Attr(doc, `//a[contains(@href, "/invoice")]`, "href"); href != "" {
		d.InvoiceURL = extraction.Absolute(site, href)
	}
	return detailPage{details: d, items: parseItems(doc, site, known.id)}, nil
}

func detailDate(doc *html.Node, fallback time.Time) time.Time {
	raw := extraction.ByRegex(doc, dateXPaths, orderedOn, "")
	if raw == "" {
		return fallback
	}
	d, err := extraction.ParseDate(raw)
	if err != nil {
		return fallback
	}
	return d
}

func detailTotal(doc *html.Node, fallback string) string {
	raw := extraction.ByRegex(doc, totalXPaths, nil, "")
	if raw == "" {
		return fallback
	}
	raw = labelPrefix.ReplaceAllString(raw, "")
	raw = strings.Join(strings.Fields(raw), "")
	raw = strings.Replace(raw, "-", "", 1)
	if raw == "" {
		return fallback
	}
	return raw
}

func detailGift(doc *html.Node) string {
	raw := extraction.ByRegex(doc, giftXPaths, nil, "")
	if raw == "" {
		return ""
	}
	if m := giftAmount.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if digit.MatchString(raw) {
		return strings.Replace(raw, "-", "", 1)
	}
	return ""
}

func detailUSTax(doc *html.Node) string {
	raw := extraction.ByRegex(doc, usTaxXPaths, nil, "")
	if raw == "" {
		return ""
	}
	m := extraction.MoneyPattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func parseItems(doc *html.Node, site, orderID string) []Item {
	var items []Item
	for _, n := range extraction.FindAll(doc, itemXPath) {
		link := extraction.FindOne(n, itemLinkXPath)
		if link == nil {
			continue
		}
		item := Item{
			OrderID:     orderID,
			Description: extraction.Text(link),
			URL:         extraction.Absolute(site, attr(link, "href")),
			Price:       extraction.Text(extraction.FindOne(n, itemPriceXPath)),
			Quantity:    1,
		}
		if q, err := strconv.Atoi(extraction.Text(extraction.FindOne(n, itemQtyXPath))); err == nil && q > 0 {
			item.Quantity = q
		}
		items = append(items, item)
	}
	return items
}

// parsePayments reads payment lines from the printable invoice page.
func parsePayments(payload []byte) ([]string, error) {
	doc, err := extraction.ParseNode(payload)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, n := range extraction.FindAll(doc, paymentLineXPath) {
		line := extraction.Text(n)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out, nil
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// Package order assembles order records from the site's order history. List
// pages yield order stubs; each stub schedules its detail and payments pages
// straight away, and the lazily resolved fields block on those requests.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/order-history-scraper/internal/extraction"
	"github.com/JakeFAU/order-history-scraper/internal/scheduler"
)

// Item is one line of an order.
type Item struct {
	OrderID     string `json:"order_id"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
	Price       string `json:"price,omitempty"`
	Quantity    int    `json:"quantity"`
}

// Details are the fields only available on the order detail page.
type Details struct {
	Date          time.Time `json:"date"`
	Total         string    `json:"total"`
	Postage       string    `json:"postage"`
	PostageRefund string    `json:"postage_refund"`
	Gift          string    `json:"gift"`
	USTax         string    `json:"us_tax"`
	VAT           string    `json:"vat"`
	GST           string    `json:"gst"`
	PST           string    `json:"pst"`
	Refund        string    `json:"refund"`
	Who           string    `json:"who"`
	InvoiceURL    string    `json:"invoice_url"`
}

type detailPage struct {
	details Details
	items   []Item
}

// Order is an order found on a list page. The exported fields come from the
// list page; Details, Items and Payments wait for the pages scheduled when
// the order was created.
type Order struct {
	ID          string
	Site        string
	ListURL     string
	DetailURL   string
	PaymentsURL string
	Date        time.Time
	Total       string
	Who         string

	detail        *scheduler.Future[detailPage]
	payments      *scheduler.Future[[]string]
	localPayments []string
}

// Digital reports whether this is a digital order, whose payments are not
// on a separate invoice page.
func (o *Order) Digital() bool {
	return len(o.ID) > 0 && o.ID[0] == 'D'
}

// Details waits for the detail page.
func (o *Order) Details(ctx context.Context) (Details, error) {
	if o.detail == nil {
		return Details{}, fmt.Errorf("order %s: no detail request", o.ID)
	}
	resp, err := o.detail.Wait(ctx)
	if err != nil {
		return Details{}, fmt.Errorf("order %s details: %w", o.ID, err)
	}
	return resp.Result.details, nil
}

// Items waits for the detail page and returns the order lines.
func (o *Order) Items(ctx context.Context) ([]Item, error) {
	if o.detail == nil {
		return nil, nil
	}
	resp, err := o.detail.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("order %s items: %w", o.ID, err)
	}
	return resp.Result.items, nil
}

// Payments returns the payment lines, for example
// "Visa ending in 1234: 12 May 2019: £83.58".
func (o *Order) Payments(ctx context.Context) ([]string, error) {
	if o.Digital() || o.payments == nil {
		return o.localPayments, nil
	}
	resp, err := o.payments.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("order %s payments: %w", o.ID, err)
	}
	return resp.Result, nil
}

// Record is the fully resolved, serialisable form of an Order.
type Record struct {
	ID            string    `json:"id"`
	Site          string    `json:"site"`
	Date          time.Time `json:"date"`
	Total         string    `json:"total"`
	Who           string    `json:"who"`
	Postage       string    `json:"postage"`
	PostageRefund string    `json:"postage_refund"`
	Gift          string    `json:"gift"`
	USTax         string    `json:"us_tax"`
	VAT           string    `json:"vat"`
	GST           string    `json:"gst"`
	PST           string    `json:"pst"`
	Refund        string    `json:"refund"`
	Items         []Item    `json:"items"`
	Payments      []string  `json:"payments"`
	ListURL       string    `json:"list_url"`
	DetailURL     string    `json:"detail_url"`
	PaymentsURL   string    `json:"payments_url"`
	InvoiceURL    string    `json:"invoice_url"`
}

// Record resolves every field. Parts that could not be fetched fall back to
// the list page values and are reported in the returned error; the record is
// usable either way unless ctx ended.
func (o *Order) Record(ctx context.Context) (Record, error) {
	rec := Record{
		ID:          o.ID,
		Site:        o.Site,
		Date:        o.Date,
		Total:       o.Total,
		Who:         o.Who,
		ListURL:     o.ListURL,
		DetailURL:   o.DetailURL,
		PaymentsURL: o.PaymentsURL,
	}
	var errs []error
	if d, err := o.Details(ctx); err != nil {
		errs = append(errs, err)
	} else {
		if !d.Date.IsZero() {
			rec.Date = d.Date
		}
		if d.Total != "" {
			rec.Total = d.Total
		}
		if rec.Who == "" {
			rec.Who = d.Who
		}
		rec.Postage = d.Postage
		rec.PostageRefund = d.PostageRefund
		rec.Gift = d.Gift
		rec.USTax = d.USTax
		rec.VAT = d.VAT
		rec.GST = d.GST
		rec.PST = d.PST
		rec.Refund = d.Refund
		rec.InvoiceURL = d.InvoiceURL
	}
	if items, err := o.Items(ctx); err == nil {
		rec.Items = items
	}
	if payments, err := o.Payments(ctx); err != nil {
		errs = append(errs, err)
	} else {
		rec.Payments = payments
	}
	if ctx.Err() != nil {
		return rec, ctx.Err()
	}
	return rec, errors.Join(errs...)
}

// digitalPayments builds the payment line for a digital order from list page
// data.
func digitalPayments(date time.Time, total string) []string {
	d := extraction.ISODate(date)
	if total == "" {
		return []string{d}
	}
	return []string{d + ": " + total}
}

package order

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/extraction"
	"github.com/JakeFAU/order-history-scraper/internal/scheduler"
)

// MonthPeriods are the "last N months" periods offered next to the years
// that have orders.
var MonthPeriods = []int{1, 2, 3}

var (
	yearOptionValue = regexp.MustCompile(`^year-(\d{4})$`)
	yearOptionText  = regexp.MustCompile(`^\d{4}$`)
)

// YearsURL is the order history landing page whose period filter lists the
// years that have orders.
func YearsURL(site string) string {
	return "https://" + site + "/gp/css/order-history?ie=UTF8&ref_=nav_youraccount_orders"
}

// parseYears reads the period filter of the order history landing page and
// returns its years in ascending order. A page without a filter yields no
// years.
func parseYears(payload []byte) ([]int, error) {
	doc, err := extraction.ParseDocument(payload)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	doc.Find("select option").Each(func(_ int, s *goquery.Selection) {
		raw := ""
		if value, ok := s.Attr("value"); ok {
			if m := yearOptionValue.FindStringSubmatch(strings.TrimSpace(value)); m != nil {
				raw = m[1]
			}
		}
		if text := strings.TrimSpace(s.Text()); raw == "" && yearOptionText.MatchString(text) {
			raw = text
		}
		if year, err := strconv.Atoi(raw); err == nil && year >= 1995 {
			seen[year] = true
		}
	})
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}

// Years fetches the years that have orders, oldest first. The landing page is
// always fetched fresh and never cached.
func (a *Assembler) Years(ctx context.Context) ([]int, error) {
	resp, err := scheduler.Schedule(a.sched, scheduler.Request{
		URL:      YearsURL(a.site),
		Priority: FirstListPriority,
		NoCache:  true,
		NoStore:  true,
	}, parseYears).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// LatestYear is the most recent year with orders. A configured year wins;
// otherwise it is discovered from the landing page, falling back to the
// current year when no year can be read.
func (a *Assembler) LatestYear(ctx context.Context) int {
	if a.latestYear != 0 {
		return a.latestYear
	}
	years, err := a.Years(ctx)
	switch {
	case err != nil:
		a.logger.Warn("could not list order years; assuming the current year is the latest", zap.Error(err))
	case len(years) == 0:
		a.logger.Warn("order history shows no years; assuming the current year is the latest")
	default:
		return years[len(years)-1]
	}
	return a.clock.Now().Year()
}

package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/order-history-scraper/internal/extraction"
	"github.com/JakeFAU/order-history-scraper/internal/metrics"
	"github.com/JakeFAU/order-history-scraper/internal/scheduler"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// DateFilter decides whether an order is kept. date is zero when the list
// page did not show one.
type DateFilter func(date time.Time) bool

// AcceptAll keeps every order.
func AcceptAll(time.Time) bool { return true }

// Between keeps orders dated within [start, end]; undated orders are dropped.
func Between(start, end time.Time) DateFilter {
	return func(d time.Time) bool {
		return !d.IsZero() && !d.Before(start) && !d.After(end)
	}
}

// Config configures an Assembler.
type Config struct {
	// Site is the storefront host, for example www.amazon.co.uk.
	Site string
	// LatestYear is the most recent year with orders. Its first list page
	// always bypasses the cache. Zero means it is read from the order
	// history landing page, see Assembler.LatestYear.
	LatestYear int
}

// Assembler issues the page requests for order queries on one scheduler.
type Assembler struct {
	sched      *scheduler.Scheduler
	site       string
	latestYear int
	clock      Clock
	logger     *zap.Logger
}

// NewAssembler builds an Assembler. clock may be nil when cfg.LatestYear is
// set.
func NewAssembler(sched *scheduler.Scheduler, cfg Config, clock Clock, logger *zap.Logger) (*Assembler, error) {
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if cfg.Site == "" {
		return nil, errors.New("site is required")
	}
	if cfg.LatestYear == 0 && clock == nil {
		return nil, errors.New("clock is required when latest year is unset")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		sched:      sched,
		site:       cfg.Site,
		latestYear: cfg.LatestYear,
		clock:      clock,
		logger:     logger.Named("order"),
	}, nil
}

// OrdersByYear returns the orders placed in years. Individual page failures
// are logged and skipped; an error is returned only when no year could be
// listed at all.
func (a *Assembler) OrdersByYear(ctx context.Context, years []int) ([]*Order, error) {
	return a.collect(ctx, years, AcceptAll)
}

// OrdersByRange returns the orders dated within [start, end].
func (a *Assembler) OrdersByRange(ctx context.Context, start, end time.Time) ([]*Order, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("range end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	var years []int
	for y := start.Year(); y <= end.Year(); y++ {
		years = append(years, y)
	}
	return a.collect(ctx, years, Between(start, end))
}

type run struct {
	a      *Assembler
	filter DateFilter
	latest int

	mu   sync.Mutex
	seen map[string]bool
}

func (a *Assembler) collect(ctx context.Context, years []int, filter DateFilter) ([]*Order, error) {
	if len(years) == 0 {
		return nil, errors.New("no years requested")
	}
	r := &run{a: a, filter: filter, latest: a.LatestYear(ctx), seen: make(map[string]bool)}

	results := make([][]*Order, len(years))
	errs := make([]error, len(years))
	var g errgroup.Group
	for i, year := range years {
		g.Go(func() error {
			results[i], errs[i] = r.year(ctx, year)
			if errs[i] != nil {
				a.logger.Warn("year failed", zap.Int("year", year), zap.Error(errs[i]))
			}
			return nil
		})
	}
	_ = g.Wait()

	var orders []*Order
	failed := 0
	for i := range years {
		if errs[i] != nil {
			failed++
			continue
		}
		orders = append(orders, results[i]...)
	}
	if failed == len(years) {
		return nil, fmt.Errorf("list orders: %w", errors.Join(errs...))
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Date.After(orders[j].Date) })
	metrics.ObserveRecords("order", len(orders))
	return orders, nil
}

// year fans out over the site's templates for one year.
func (r *run) year(ctx context.Context, year int) ([]*Order, error) {
	templates, supported := Templates(r.a.site)
	if !supported {
		r.a.logger.Warn("site not fully supported; using generic templates", zap.String("site", r.a.site))
	}
	results := make([][]*Order, len(templates))
	errs := make([]error, len(templates))
	var g errgroup.Group
	for i, tmpl := range templates {
		g.Go(func() error {
			results[i], errs[i] = r.template(ctx, year, tmpl)
			return nil
		})
	}
	_ = g.Wait()

	var orders []*Order
	failed := 0
	for i := range templates {
		if errs[i] != nil {
			failed++
			r.a.logger.Warn("order list query failed", zap.Int("year", year), zap.Error(errs[i]))
			continue
		}
		orders = append(orders, results[i]...)
	}
	if failed == len(templates) {
		return nil, errors.Join(errs...)
	}
	return orders, nil
}

type pageResult struct {
	query string
	page  listPage
}

// template reads the first list page to learn the order count, then
// requests the remaining pages.
func (r *run) template(ctx context.Context, year int, tmpl string) ([]*Order, error) {
	a := r.a
	first, err := scheduler.Schedule(a.sched, scheduler.Request{
		URL:      ListURL(tmpl, a.site, year, 0),
		Priority: FirstListPriority,
		NoCache:  year == r.latest,
	}, parseListPage).Wait(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("order count", zap.Int("year", year), zap.Int("expected", first.Result.expected))

	pages := []pageResult{{query: first.Query, page: first.Result}}
	var futures []*scheduler.Future[listPage]
	for start := PageSize; start < first.Result.expected; start += PageSize {
		futures = append(futures, scheduler.Schedule(a.sched, scheduler.Request{
			URL:      ListURL(tmpl, a.site, year, start),
			Priority: ListPriority,
		}, parseListPage))
	}
	for _, f := range futures {
		resp, err := f.Wait(ctx)
		if err != nil {
			a.logger.Warn("order list page failed", zap.String("url", scheduler.FailedURL(err)), zap.Error(err))
			continue
		}
		pages = append(pages, pageResult{query: resp.Query, page: resp.Result})
	}

	var orders []*Order
	for _, p := range pages {
		if p.page.skipped > 0 {
			a.logger.Warn("order cards without an id", zap.String("url", p.query), zap.Int("skipped", p.page.skipped))
		}
		for _, entry := range p.page.entries {
			if o := r.newOrder(entry, p.query); o != nil {
				orders = append(orders, o)
			}
		}
	}
	return orders, nil
}

// newOrder applies the date filter and de-duplicates across templates, then
// schedules the detail and payments pages. It returns nil for discarded
// orders.
func (r *run) newOrder(entry listEntry, listURL string) *Order {
	if !r.filter(entry.date) {
		return nil
	}
	r.mu.Lock()
	if r.seen[entry.id] {
		r.mu.Unlock()
		return nil
	}
	r.seen[entry.id] = true
	r.mu.Unlock()

	a := r.a
	o := &Order{
		ID:      entry.id,
		Site:    a.site,
		ListURL: listURL,
		Date:    entry.date,
		Total:   entry.total,
		Who:     entry.who,
	}
	o.DetailURL = DetailURL(a.site, entry.id)
	if entry.detailHref != "" {
		o.DetailURL = extraction.Absolute(a.site, entry.detailHref)
	}
	o.PaymentsURL = PaymentsURL(a.site, entry.id)

	priority := scheduler.Priority(entry.id)
	o.detail = scheduler.Schedule(a.sched, scheduler.Request{URL: o.DetailURL, Priority: priority},
		func(payload []byte) (detailPage, error) {
			return parseDetailPage(payload, a.site, entry)
		})
	if o.Digital() {
		o.localPayments = digitalPayments(entry.date, entry.total)
	} else {
		o.payments = scheduler.Schedule(a.sched, scheduler.Request{URL: o.PaymentsURL, Priority: priority}, parsePayments)
	}
	return o
}

// Collect resolves every order into a Record. Orders whose pages failed keep
// their list page values; the failures are logged. Collect stops early only
// when ctx ends.
func Collect(ctx context.Context, orders []*Order, logger *zap.Logger) ([]Record, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	records := make([]Record, 0, len(orders))
	for _, o := range orders {
		rec, err := o.Record(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return records, ctxErr
		}
		if err != nil {
			logger.Warn("order incomplete", zap.String("order_id", o.ID), zap.Error(err))
		}
		records = append(records, rec)
	}
	return records, nil
}

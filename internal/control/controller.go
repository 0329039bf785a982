package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/order"
	"github.com/JakeFAU/order-history-scraper/internal/scheduler"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
	"github.com/JakeFAU/order-history-scraper/internal/transaction"
)

var tracer = otel.Tracer("github.com/JakeFAU/order-history-scraper/internal/control")

const (
	// TransactionsPurpose labels transaction feed scrapes.
	TransactionsPurpose = "transactions"
	// PeriodsPurpose labels the session started to list periods when no
	// session is live yet.
	PeriodsPurpose = "periods"
	// MaxMonths bounds ScrapeMonths.
	MaxMonths = 12
)

// Sessions is the session behavior the controller drives. session.Manager
// satisfies it.
type Sessions interface {
	Reset(purpose string) (*scheduler.Scheduler, error)
	Current() (*scheduler.Scheduler, error)
	Abort() error
	ClearCache(ctx context.Context) error
	ForceLogout() error
	Resume(cookies []*http.Cookie) error
	Purpose() string
	Statistics() stats.Snapshot
	SignInRequired() (string, bool)
}

// TransactionScraper walks the transactions feed. transaction.Scraper
// satisfies it.
type TransactionScraper interface {
	Scrape(ctx context.Context, sched *scheduler.Scheduler) ([]transaction.Transaction, error)
}

// Config configures a Controller.
type Config struct {
	Site string
}

// Controller executes requests against the session.
type Controller struct {
	site         string
	sessions     Sessions
	transactions TransactionScraper
	clock        order.Clock
	logger       *zap.Logger
}

// New builds a Controller.
func New(cfg Config, sessions Sessions, transactions TransactionScraper, clock order.Clock, logger *zap.Logger) (*Controller, error) {
	if cfg.Site == "" {
		return nil, errors.New("site is required")
	}
	if sessions == nil {
		return nil, errors.New("sessions are required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		site:         cfg.Site,
		sessions:     sessions,
		transactions: transactions,
		clock:        clock,
		logger:       logger.Named("control"),
	}, nil
}

// Handle runs req and returns its response. Failures are reported as a
// Failure response rather than an error.
func (c *Controller) Handle(ctx context.Context, req Request) Response {
	ctx, span := tracer.Start(ctx, "control."+ActionOf(req))
	defer span.End()
	var (
		resp Response
		err  error
	)
	switch r := req.(type) {
	case ScrapeYears:
		resp, err = c.scrapeYears(ctx, r)
	case ScrapeRange:
		resp, err = c.scrapeRange(ctx, r)
	case ScrapeMonths:
		resp, err = c.scrapeMonths(ctx, r)
	case ScrapeTransactions:
		resp, err = c.scrapeTransactions(ctx)
	case Abort:
		err = c.sessions.Abort()
	case ClearCache:
		err = c.sessions.ClearCache(ctx)
	case ForceLogout:
		err = c.sessions.ForceLogout()
	case Resume:
		err = c.sessions.Resume(r.Cookies)
	case GetStatistics:
		resp = c.statistics()
	case GetPeriods:
		resp, err = c.periods(ctx)
	default:
		err = fmt.Errorf("%w %T", ErrUnknownAction, req)
	}
	if err != nil {
		failure := Failure{Action: ActionOf(req), Error: err.Error(), URL: scheduler.FailedURL(err)}
		span.RecordError(err)
		span.SetStatus(codes.Error, failure.Error)
		span.SetAttributes(attribute.String("url.full", failure.URL))
		c.logger.Warn("request failed", zap.String("action", failure.Action), zap.Error(err))
		return failure
	}
	if resp == nil {
		resp = Ack{Action: ActionOf(req)}
	}
	return resp
}

func (c *Controller) scrapeYears(ctx context.Context, r ScrapeYears) (Response, error) {
	if len(r.Years) == 0 {
		return nil, errors.New("no years requested")
	}
	years := make([]string, len(r.Years))
	for i, y := range r.Years {
		years[i] = strconv.Itoa(y)
	}
	purpose := strings.Join(years, ", ")
	return c.scrapeOrders(ctx, purpose, func(a *order.Assembler) ([]*order.Order, error) {
		return a.OrdersByYear(ctx, r.Years)
	})
}

func (c *Controller) scrapeRange(ctx context.Context, r ScrapeRange) (Response, error) {
	purpose := r.Start.Format(time.DateOnly) + " -> " + r.End.Format(time.DateOnly)
	return c.scrapeOrders(ctx, purpose, func(a *order.Assembler) ([]*order.Order, error) {
		return a.OrdersByRange(ctx, r.Start, r.End)
	})
}

// scrapeMonths scrapes the window ending today that starts Months calendar
// months ago.
func (c *Controller) scrapeMonths(ctx context.Context, r ScrapeMonths) (Response, error) {
	if r.Months < 1 || r.Months > MaxMonths {
		return nil, fmt.Errorf("months must be between 1 and %d, got %d", MaxMonths, r.Months)
	}
	now := c.clock.Now()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return c.scrapeRange(ctx, ScrapeRange{Start: end.AddDate(0, -r.Months, 0), End: end})
}

func (c *Controller) scrapeOrders(
	ctx context.Context,
	purpose string,
	query func(*order.Assembler) ([]*order.Order, error),
) (Response, error) {
	sched, err := c.sessions.Reset(purpose)
	if err != nil {
		return nil, err
	}
	assembler, err := order.NewAssembler(sched, order.Config{Site: c.site}, c.clock, c.logger)
	if err != nil {
		return nil, err
	}
	orders, err := query(assembler)
	if err != nil {
		return nil, err
	}
	records, err := order.Collect(ctx, orders, c.logger)
	if err != nil {
		return nil, err
	}
	c.logger.Info("orders assembled", zap.String("purpose", purpose), zap.Int("orders", len(records)))
	return Orders{Purpose: purpose, Orders: records}, nil
}

func (c *Controller) scrapeTransactions(ctx context.Context) (Response, error) {
	if c.transactions == nil {
		return nil, errors.New("transactions are not configured")
	}
	sched, err := c.sessions.Reset(TransactionsPurpose)
	if err != nil {
		return nil, err
	}
	ts, err := c.transactions.Scrape(ctx, sched)
	if err != nil {
		return nil, err
	}
	return Transactions{Purpose: TransactionsPurpose, Transactions: ts}, nil
}

// periods reads the order years on the live scheduler so a running scrape
// is not reset. A session is started only when none exists.
func (c *Controller) periods(ctx context.Context) (Response, error) {
	sched, err := c.sessions.Current()
	if err != nil {
		if sched, err = c.sessions.Reset(PeriodsPurpose); err != nil {
			return nil, err
		}
	}
	assembler, err := order.NewAssembler(sched, order.Config{Site: c.site}, c.clock, c.logger)
	if err != nil {
		return nil, err
	}
	years, err := assembler.Years(ctx)
	if err != nil {
		return nil, err
	}
	if len(years) == 0 {
		return Periods{Months: []int{}, Years: []int{}}, nil
	}
	return Periods{Months: append([]int(nil), order.MonthPeriods...), Years: years}, nil
}

func (c *Controller) statistics() StatisticsUpdate {
	update := StatisticsUpdate{
		Purpose:    c.sessions.Purpose(),
		Statistics: c.sessions.Statistics(),
	}
	if url, ok := c.sessions.SignInRequired(); ok {
		update.SignInURL = url
	}
	return update
}

package transaction

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/metrics"
	"github.com/JakeFAU/order-history-scraper/internal/scheduler"
)

const (
	// Priority of feed pages; they sort ahead of order pages.
	Priority scheduler.Priority = "1"

	// FeedPath is the transactions page on every storefront.
	FeedPath = "/cpe/yourpayments/transactions"

	defaultMaxPages = 200
)

// Config configures a Scraper.
type Config struct {
	Site string
	// MaxPages bounds pagination. Zero uses a built-in limit.
	MaxPages int
}

// Scraper walks the feed for one site.
type Scraper struct {
	store    *Store
	site     string
	maxPages int
	logger   *zap.Logger
}

// NewScraper builds a Scraper persisting into store.
func NewScraper(store *Store, cfg Config, logger *zap.Logger) (*Scraper, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Site == "" {
		return nil, errors.New("site is required")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{store: store, site: cfg.Site, maxPages: cfg.MaxPages, logger: logger.Named("transaction")}, nil
}

// StartURL is the first feed page.
func (s *Scraper) StartURL() string {
	return "https://" + s.site + FeedPath
}

// Scrape fetches feed pages through sched until the feed ends or a page
// reaches back past the newest stored transaction, then stores and returns
// the merged list, newest first. Feed pages are never served from or written
// to the page cache. Only a failure of the first page is an error.
func (s *Scraper) Scrape(ctx context.Context, sched *scheduler.Scheduler) ([]Transaction, error) {
	cached := s.store.Load(ctx)
	newestCached := newest(cached)
	merged := Merge(nil, cached)

	visited := make(map[string]bool)
	next := s.StartURL()
	for pageNo := 0; next != "" && pageNo < s.maxPages; pageNo++ {
		if visited[next] {
			s.logger.Warn("feed pagination loops; stopping", zap.String("url", next))
			break
		}
		visited[next] = true

		pageURL := next
		resp, err := scheduler.Schedule(sched, scheduler.Request{
			URL:      pageURL,
			Priority: Priority,
			NoCache:  true,
			NoStore:  true,
		}, func(payload []byte) (Page, error) {
			return ParsePage(payload, pageURL)
		}).Wait(ctx)
		if err != nil {
			if pageNo == 0 {
				return nil, fmt.Errorf("transactions feed: %w", err)
			}
			s.logger.Warn("feed page failed; keeping what was read", zap.String("url", pageURL), zap.Error(err))
			break
		}

		page := resp.Result
		s.logger.Debug("feed page", zap.String("url", pageURL), zap.Int("transactions", len(page.Transactions)))
		merged = Merge(page.Transactions, merged)
		next = page.NextURL
		if len(page.Transactions) == 0 {
			break
		}
		if !newestCached.IsZero() && oldest(page.Transactions).Before(newestCached) {
			break
		}
	}

	if err := s.store.Save(ctx, merged); err != nil {
		s.logger.Warn("could not store transactions", zap.Error(err))
	}
	metrics.ObserveRecords("transaction", len(merged))
	return merged, nil
}

// Package control defines the closed set of commands a client can send to the
// scraper and the responses it gets back. HTTP handlers and CLI commands
// both go through Controller.Handle.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	collyfetcher "github.com/JakeFAU/order-history-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/order-history-scraper/internal/order"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
	"github.com/JakeFAU/order-history-scraper/internal/transaction"
)

// Action names used on the wire.
const (
	ActionScrapeYears        = "scrape_years"
	ActionScrapeRange        = "scrape_range"
	ActionScrapeMonths       = "scrape_months"
	ActionScrapeTransactions = "scrape_transactions"
	ActionAbort              = "abort"
	ActionClearCache         = "clear_cache"
	ActionForceLogout        = "force_logout"
	ActionResume             = "resume"
	ActionGetStatistics      = "get_statistics"
	ActionGetPeriods         = "get_periods"
)

// ErrUnknownAction rejects envelopes naming no known request.
var ErrUnknownAction = errors.New("unknown action")

// Request is one of the request types in this package.
type Request interface {
	action() string
}

// ScrapeYears lists every order placed in Years.
type ScrapeYears struct {
	Years []int `json:"years"`
}

// ScrapeRange lists the orders dated within [Start, End].
type ScrapeRange struct {
	Start time.Time `json:"-"`
	End   time.Time `json:"-"`
}

// ScrapeMonths lists the orders of the last Months months, up to today.
type ScrapeMonths struct {
	Months int `json:"months"`
}

// ScrapeTransactions refreshes the payments transactions feed.
type ScrapeTransactions struct{}

// Abort settles all outstanding work.
type Abort struct{}

// ClearCache drops cached pages and stored transactions.
type ClearCache struct{}

// ForceLogout drops the site login.
type ForceLogout struct{}

// Resume continues a session suspended for sign-in, optionally installing
// new login cookies first.
type Resume struct {
	Cookies []*http.Cookie `json:"-"`
}

// GetStatistics reports the live counters.
type GetStatistics struct{}

// GetPeriods lists the periods a client can offer for scraping.
type GetPeriods struct{}

func (ScrapeYears) action() string        { return ActionScrapeYears }
func (ScrapeRange) action() string        { return ActionScrapeRange }
func (ScrapeMonths) action() string       { return ActionScrapeMonths }
func (ScrapeTransactions) action() string { return ActionScrapeTransactions }
func (Abort) action() string              { return ActionAbort }
func (ClearCache) action() string         { return ActionClearCache }
func (ForceLogout) action() string        { return ActionForceLogout }
func (Resume) action() string             { return ActionResume }
func (GetStatistics) action() string      { return ActionGetStatistics }
func (GetPeriods) action() string         { return ActionGetPeriods }

// ActionOf returns the wire name of req.
func ActionOf(req Request) string {
	if req == nil {
		return ""
	}
	return req.action()
}

// Response is one of the response types in this package.
type Response interface {
	kind() string
}

// Ack acknowledges a command that produces no data.
type Ack struct {
	Action string `json:"action"`
}

// Orders carries the assembled orders of a scrape.
type Orders struct {
	Purpose string         `json:"purpose"`
	Orders  []order.Record `json:"orders"`
}

// Transactions carries the merged transactions feed.
type Transactions struct {
	Purpose      string                    `json:"purpose"`
	Transactions []transaction.Transaction `json:"transactions"`
}

// StatisticsUpdate reports the live counters. SignInURL is set while the
// session waits for the user to sign in.
type StatisticsUpdate struct {
	Purpose    string         `json:"purpose"`
	Statistics stats.Snapshot `json:"statistics"`
	SignInURL  string         `json:"sign_in_url,omitempty"`
}

// Periods lists what can be scraped: the years that have orders and the
// "last N months" windows. Both are empty when no year could be read.
type Periods struct {
	Months []int `json:"months"`
	Years  []int `json:"years"`
}

// Failure reports a command that could not be carried out. URL names the
// page whose failure caused it, when known.
type Failure struct {
	Action string `json:"action"`
	Error  string `json:"error"`
	URL    string `json:"url,omitempty"`
}

func (Ack) kind() string              { return "ack" }
func (Orders) kind() string           { return "orders" }
func (Transactions) kind() string     { return "transactions" }
func (StatisticsUpdate) kind() string { return "statistics" }
func (Periods) kind() string          { return "periods" }
func (Failure) kind() string          { return "failure" }

// KindOf returns the wire name of resp.
func KindOf(resp Response) string {
	if resp == nil {
		return ""
	}
	return resp.kind()
}

// Envelope is the JSON form of a response.
type Envelope struct {
	Type string   `json:"type"`
	Data Response `json:"data"`
}

// Wrap puts resp in an Envelope.
func Wrap(resp Response) Envelope {
	return Envelope{Type: KindOf(resp), Data: resp}
}

type requestEnvelope struct {
	Action  string          `json:"action"`
	Years   []int           `json:"years"`
	Months  int             `json:"months"`
	Start   string          `json:"start"`
	End     string          `json:"end"`
	Cookies json.RawMessage `json:"cookies"`
}

// DecodeRequest reads a JSON envelope such as
//
//	{"action": "scrape_years", "years": [2023, 2024]}
//	{"action": "scrape_range", "start": "2024-01-01", "end": "2024-06-30"}
//	{"action": "scrape_months", "months": 3}
//	{"action": "resume", "cookies": [{"name": "session-id", "value": "..."}]}
func DecodeRequest(data []byte) (Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	switch strings.TrimSpace(env.Action) {
	case ActionScrapeYears:
		if len(env.Years) == 0 {
			return nil, errors.New("scrape_years requires years")
		}
		return ScrapeYears{Years: env.Years}, nil
	case ActionScrapeRange:
		start, err := time.Parse(time.DateOnly, env.Start)
		if err != nil {
			return nil, fmt.Errorf("scrape_range start: %w", err)
		}
		end, err := time.Parse(time.DateOnly, env.End)
		if err != nil {
			return nil, fmt.Errorf("scrape_range end: %w", err)
		}
		return ScrapeRange{Start: start, End: end}, nil
	case ActionScrapeMonths:
		if env.Months <= 0 {
			return nil, errors.New("scrape_months requires a positive months count")
		}
		return ScrapeMonths{Months: env.Months}, nil
	case ActionScrapeTransactions:
		return ScrapeTransactions{}, nil
	case ActionAbort:
		return Abort{}, nil
	case ActionClearCache:
		return ClearCache{}, nil
	case ActionForceLogout:
		return ForceLogout{}, nil
	case ActionResume:
		var req Resume
		if len(env.Cookies) > 0 && string(env.Cookies) != "null" {
			cookies, err := collyfetcher.ParseCookies(env.Cookies)
			if err != nil {
				return nil, fmt.Errorf("resume: %w", err)
			}
			req.Cookies = cookies
		}
		return req, nil
	case ActionGetStatistics:
		return GetStatistics{}, nil
	case ActionGetPeriods:
		return GetPeriods{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, env.Action)
	}
}

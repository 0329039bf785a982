// Package session owns the live scheduler. Each scrape purpose gets a fresh
// scheduler, a fresh session id and cleared statistics; starting a new
// purpose aborts whatever the previous one left running.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/cache"
	"github.com/JakeFAU/order-history-scraper/internal/fetcher"
	"github.com/JakeFAU/order-history-scraper/internal/progress"
	"github.com/JakeFAU/order-history-scraper/internal/scheduler"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

// AbortedPurpose labels the idle scheduler installed by Abort.
const AbortedPurpose = "aborted"

var (
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("session manager closed")
	// ErrNoSession is returned when no purpose has been started yet.
	ErrNoSession = errors.New("no active session")
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints session ids. uuid.Generator satisfies it.
type IDGenerator interface {
	NewRawID() ([16]byte, error)
}

// CookieJar holds the site login. The colly fetcher satisfies it.
type CookieJar interface {
	SetCookies(rawURL string, cookies []*http.Cookie) error
	ResetCookies() error
}

// Clearer empties a store. transaction.Store satisfies it.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Config controls every scheduler the manager creates.
type Config struct {
	// Origin is the site the cookies belong to, such as https://www.amazon.com.
	Origin          string
	Scheduler       scheduler.Config
	PublishInterval time.Duration
}

// Deps are the long-lived collaborators shared by all sessions.
type Deps struct {
	Fetcher fetcher.Fetcher
	Cache   cache.Cache
	// Transactions is cleared together with the page cache.
	Transactions Clearer
	Limiter      scheduler.Limiter
	Cookies      CookieJar
	// Hub receives lifecycle events and statistics. May be nil.
	Hub    *progress.Hub
	IDs    IDGenerator
	Clock  Clock
	Logger *zap.Logger
}

// Manager keeps exactly one live scheduler.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	stats  *stats.Statistics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	current   *scheduler.Scheduler
	reporter  *stats.Reporter
	sessionID [16]byte
	purpose   string
	signInURL string
	closed    bool
}

// New builds a Manager. No scheduler exists until the first Reset.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("session"),
		stats:  stats.New(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Reset ends the current session and starts a new one for purpose. Every
// request of the previous purpose is settled before the new scheduler is
// returned.
func (m *Manager) Reset(purpose string) (*scheduler.Scheduler, error) {
	if purpose == "" {
		return nil, errors.New("purpose is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.endLocked()
	m.stats.Clear()

	id, err := m.deps.IDs.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}
	sched, err := scheduler.New(m.ctx, purpose, m.cfg.Scheduler, scheduler.Deps{
		Fetcher:  m.deps.Fetcher,
		Cache:    m.deps.Cache,
		Stats:    m.stats,
		Limiter:  m.deps.Limiter,
		Logger:   m.deps.Logger,
		OnSignIn: m.signInHandler(id, purpose),
	})
	if err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}

	m.current = sched
	m.sessionID = id
	m.purpose = purpose
	m.signInURL = ""
	m.emit(progress.StageSessionStart, id, purpose, "")

	m.reporter = stats.NewReporter(m.stats, m.channelFor(id), m.cfg.PublishInterval, m.deps.Logger)
	m.reporter.Start(m.ctx, purpose)

	m.logger.Info("session started", zap.String("purpose", purpose))
	return sched, nil
}

// Abort settles all outstanding work and leaves an idle scheduler in place.
func (m *Manager) Abort() error {
	_, err := m.Reset(AbortedPurpose)
	return err
}

// Current returns the live scheduler.
func (m *Manager) Current() (*scheduler.Scheduler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Purpose returns the label of the live session, or "".
func (m *Manager) Purpose() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purpose
}

// Statistics returns the counters of the live session.
func (m *Manager) Statistics() stats.Snapshot {
	return m.stats.Snapshot()
}

// SignInRequired reports the page that suspended the live session, if any.
func (m *Manager) SignInRequired() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signInURL, m.signInURL != ""
}

// ClearCache empties the page cache and the stored transactions.
func (m *Manager) ClearCache(ctx context.Context) error {
	var errs []error
	if m.deps.Cache != nil {
		if err := m.deps.Cache.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear page cache: %w", err))
		}
	}
	if m.deps.Transactions != nil {
		if err := m.deps.Transactions.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear transactions: %w", err))
		}
	}
	if len(errs) == 0 {
		m.logger.Info("cache cleared")
	}
	return errors.Join(errs...)
}

// Resume installs fresh login cookies, when given, and restarts dispatch on
// a session suspended for sign-in.
func (m *Manager) Resume(cookies []*http.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(cookies) > 0 {
		if m.deps.Cookies == nil {
			return errors.New("cookie jar unavailable")
		}
		if err := m.deps.Cookies.SetCookies(m.cfg.Origin, cookies); err != nil {
			return fmt.Errorf("install cookies: %w", err)
		}
	}
	if m.current == nil {
		return ErrNoSession
	}
	m.signInURL = ""
	m.current.Resume()
	m.logger.Info("session resumed", zap.String("purpose", m.purpose), zap.Int("cookies", len(cookies)))
	return nil
}

// ForceLogout drops the site login. Requests made afterwards will hit the
// sign-in page and suspend the session.
func (m *Manager) ForceLogout() error {
	if m.deps.Cookies == nil {
		return errors.New("cookie jar unavailable")
	}
	if err := m.deps.Cookies.ResetCookies(); err != nil {
		return fmt.Errorf("reset cookies: %w", err)
	}
	m.logger.Info("logged out")
	return nil
}

// Close ends the live session. The manager cannot be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.endLocked()
	m.closed = true
	m.cancel()
}

// endLocked aborts the live scheduler, publishes its settled counters and
// announces the end of the session.
func (m *Manager) endLocked() {
	if m.current == nil {
		return
	}
	m.current.Abort()
	if m.reporter != nil {
		m.reporter.Stop()
	}
	m.emit(progress.StageSessionEnd, m.sessionID, m.purpose, "")
	m.logger.Info("session ended", zap.String("purpose", m.purpose), zap.Any("statistics", m.stats.Snapshot()))
	m.current = nil
	m.reporter = nil
}

func (m *Manager) signInHandler(id [16]byte, purpose string) func(string) {
	return func(url string) {
		m.mu.Lock()
		stale := m.closed || m.sessionID != id
		if !stale {
			m.signInURL = url
		}
		m.mu.Unlock()
		if stale {
			return
		}
		m.logger.Warn("sign-in required; session suspended", zap.String("purpose", purpose), zap.String("url", url))
		m.emitURL(progress.StageSignInRequired, id, purpose, url, "sign in to continue")
	}
}

func (m *Manager) channelFor(id [16]byte) stats.ChannelSupplier {
	return func() stats.Channel {
		if m.deps.Hub == nil {
			return nil
		}
		return progress.NewSessionChannel(m.deps.Hub, id)
	}
}

func (m *Manager) emit(stage progress.Stage, id [16]byte, purpose, note string) {
	m.emitURL(stage, id, purpose, "", note)
}

func (m *Manager) emitURL(stage progress.Stage, id [16]byte, purpose, url, note string) {
	if m.deps.Hub == nil {
		return
	}
	m.deps.Hub.Emit(progress.Event{
		SessionID: id,
		TS:        m.deps.Clock.Now().UTC(),
		Stage:     stage,
		Purpose:   purpose,
		Stats:     m.stats.Snapshot(),
		URL:       url,
		Note:      note,
	})
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

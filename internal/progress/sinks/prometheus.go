package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/order-history-scraper/internal/progress"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

// PrometheusSink mirrors the latest statistics per purpose into gauges and
// counts session milestones.
type PrometheusSink struct {
	counters      *prometheus.GaugeVec
	sessions      *prometheus.CounterVec
	signIns       prometheus.Counter
	activePurpose *prometheus.GaugeVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		counters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scraper_statistics",
			Help: "Latest scrape statistics partitioned by purpose and counter.",
		}, []string{"purpose", "counter"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_sessions_total",
			Help: "Scrape session milestones partitioned by stage.",
		}, []string{"stage"}),
		signIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_sign_in_required_total",
			Help: "Times dispatch was suspended because the site requested sign-in.",
		}),
		activePurpose: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scraper_session_active",
			Help: "1 while a purpose has a live scheduler.",
		}, []string{"purpose"}),
	}
	var err error
	if s.counters, err = register(reg, s.counters); err != nil {
		return nil, err
	}
	if s.sessions, err = register(reg, s.sessions); err != nil {
		return nil, err
	}
	if s.signIns, err = register(reg, s.signIns); err != nil {
		return nil, err
	}
	if s.activePurpose, err = register(reg, s.activePurpose); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg, reusing an identical collector registered earlier
// by another sink on the same registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		for _, c := range stats.Counters {
			s.counters.WithLabelValues(evt.Purpose, string(c)).Set(float64(evt.Stats.Value(c)))
		}
		switch evt.Stage {
		case progress.StageSessionStart:
			s.sessions.WithLabelValues(string(evt.Stage)).Inc()
			s.activePurpose.WithLabelValues(evt.Purpose).Set(1)
		case progress.StageSessionEnd:
			s.sessions.WithLabelValues(string(evt.Stage)).Inc()
			s.activePurpose.DeleteLabelValues(evt.Purpose)
		case progress.StageSignInRequired:
			s.signIns.Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

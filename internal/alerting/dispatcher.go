// internal/alerting/dispatcher.go
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Kind is the delivery class of an alert
type Kind string

const (
	KindPage   Kind = "page"
	KindTicket Kind = "ticket"
	KindEvent  Kind = "event"
)

// ErrRateLimited is returned when a non-paging notification is shed
var ErrRateLimited = errors.New("alerting: notification rate limited")

// Alert is what sinks receive
type Alert struct {
	ID       string      `json:"id"`
	Kind     Kind        `json:"kind"`
	Dataset  string      `json:"dataset"`
	RecordID string      `json:"record_id,omitempty"`
	Trigger  ha.Trigger  `json:"trigger,omitempty"`
	State    ha.State    `json:"state,omitempty"`
	Severity ha.Severity `json:"severity"`
	Title    string      `json:"title"`
	Message  string      `json:"message"`
	At       time.Time   `json:"at"`
}

// Sink delivers alerts to one destination
type Sink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// DispatcherConfig configures alert routing
type DispatcherConfig struct {
	// InfoRate and InfoBurst bound non-paging notifications per second
	InfoRate  float64
	InfoBurst int
	// A sink's breaker opens after BreakerFailures consecutive failures
	// and half-opens after BreakerTimeout
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		InfoRate:        1,
		InfoBurst:       5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

type guardedSink struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
}

func (g *guardedSink) send(ctx context.Context, alert Alert) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.sink.Send(ctx, alert)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", g.sink.Name(), err)
	}
	return nil
}

// Dispatcher routes failover notifications and tickets to sinks.
// Every notification is published to event sinks; paging notifications
// also go to page sinks. Drill notifications never page.
type Dispatcher struct {
	config  *DispatcherConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.RWMutex
	pages   []*guardedSink
	tickets []*guardedSink
	events  []*guardedSink
}

// NewDispatcher creates a dispatcher with no sinks
func NewDispatcher(config *DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.InfoRate), config.InfoBurst),
		logger:  logger.Named("alerting"),
	}
}

func (d *Dispatcher) guard(s Sink) *guardedSink {
	failures := d.config.BreakerFailures
	return &guardedSink{
		sink: s,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name(),
			MaxRequests: 1,
			Timeout:     d.config.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.logger.Warn("sink breaker state changed",
					zap.String("sink", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// AddPageSink registers a destination for pages
func (d *Dispatcher) AddPageSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages = append(d.pages, d.guard(s))
}

// AddTicketSink registers a destination for tickets
func (d *Dispatcher) AddTicketSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tickets = append(d.tickets, d.guard(s))
}

// AddEventSink registers a destination for the notification stream
func (d *Dispatcher) AddEventSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, d.guard(s))
}

// Notify implements ha.Notifier
func (d *Dispatcher) Notify(ctx context.Context, n ha.Notification) error {
	page := n.Page && n.Trigger != ha.TriggerDrill

	alert := Alert{
		ID:       uuid.New().String(),
		Kind:     KindEvent,
		Dataset:  n.Dataset,
		RecordID: n.RecordID,
		Trigger:  n.Trigger,
		State:    n.State,
		Severity: n.Severity,
		Title:    fmt.Sprintf("[%s] failover %s: %s", n.Dataset, n.RecordID, n.State),
		Message:  n.Message,
		At:       n.At,
	}

	if !page && !d.limiter.Allow() {
		d.logger.Debug("notification shed",
			zap.String("record_id", n.RecordID),
			zap.String("state", string(n.State)))
		return ErrRateLimited
	}

	d.mu.RLock()
	events, pages := d.events, d.pages
	d.mu.RUnlock()

	errs := fanOut(ctx, events, alert)
	if page {
		alert.Kind = KindPage
		pageErrs := fanOut(ctx, pages, alert)
		if len(pages) > 0 && len(pageErrs) == len(pages) {
			d.logger.Error("page not delivered to any sink",
				zap.String("record_id", n.RecordID),
				zap.Error(errors.Join(pageErrs...)))
		}
		errs = append(errs, pageErrs...)
	}
	return errors.Join(errs...)
}

// OpenTicket implements ha.Ticketer
func (d *Dispatcher) OpenTicket(ctx context.Context, t ha.Ticket) error {
	d.mu.RLock()
	tickets := d.tickets
	d.mu.RUnlock()

	alert := Alert{
		ID:       uuid.New().String(),
		Kind:     KindTicket,
		Dataset:  t.Dataset,
		RecordID: t.RecordID,
		Severity: t.Severity,
		Title:    t.Title,
		Message:  t.Body,
		At:       t.OpenedAt,
	}
	return errors.Join(fanOut(ctx, tickets, alert)...)
}

func fanOut(ctx context.Context, sinks []*guardedSink, alert Alert) []error {
	if len(sinks) == 0 {
		return nil
	}

	errCh := make(chan error, len(sinks))
	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s *guardedSink) {
			defer wg.Done()
			if err := s.send(ctx, alert); err != nil {
				errCh <- err
			}
		}(s)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []Alert
	calls  int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) received() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func newTestDispatcher(config *DispatcherConfig) (*Dispatcher, *recordingSink, *recordingSink, *recordingSink) {
	d := NewDispatcher(config, zap.NewNop())
	pages := &recordingSink{name: "pager"}
	tickets := &recordingSink{name: "tickets"}
	events := &recordingSink{name: "events"}
	d.AddPageSink(pages)
	d.AddTicketSink(tickets)
	d.AddEventSink(events)
	return d, pages, tickets, events
}

func notification(trigger ha.Trigger, severity ha.Severity, page bool) ha.Notification {
	return ha.Notification{
		Dataset:  "orders",
		RecordID: "rec-1",
		Trigger:  trigger,
		State:    ha.StateFailed,
		Severity: severity,
		Page:     page,
		Message:  "post-cutover checks failed",
		At:       time.Now(),
	}
}

func TestDispatcher_Notify(t *testing.T) {
	t.Run("critical failure pages and publishes", func(t *testing.T) {
		d, pages, _, events := newTestDispatcher(nil)

		require.NoError(t, d.Notify(context.Background(), notification(ha.TriggerAutomatic, ha.SeverityCritical, true)))

		require.Len(t, pages.received(), 1)
		assert.Equal(t, KindPage, pages.received()[0].Kind)
		require.Len(t, events.received(), 1)
		assert.Equal(t, KindEvent, events.received()[0].Kind)
		assert.Equal(t, "rec-1", events.received()[0].RecordID)
	})

	t.Run("drill never pages", func(t *testing.T) {
		d, pages, _, events := newTestDispatcher(nil)

		require.NoError(t, d.Notify(context.Background(), notification(ha.TriggerDrill, ha.SeverityCritical, true)))

		assert.Empty(t, pages.received())
		assert.Len(t, events.received(), 1)
	})

	t.Run("info does not page", func(t *testing.T) {
		d, pages, tickets, events := newTestDispatcher(nil)

		require.NoError(t, d.Notify(context.Background(), notification(ha.TriggerManual, ha.SeverityInfo, false)))

		assert.Empty(t, pages.received())
		assert.Empty(t, tickets.received())
		assert.Len(t, events.received(), 1)
	})

	t.Run("non-paging notifications are rate limited", func(t *testing.T) {
		d, pages, _, events := newTestDispatcher(&DispatcherConfig{
			InfoRate: 0.001, InfoBurst: 2, BreakerFailures: 5, BreakerTimeout: time.Second,
		})

		n := notification(ha.TriggerManual, ha.SeverityWarning, false)
		require.NoError(t, d.Notify(context.Background(), n))
		require.NoError(t, d.Notify(context.Background(), n))
		assert.ErrorIs(t, d.Notify(context.Background(), n), ErrRateLimited)
		assert.Len(t, events.received(), 2)

		// pages bypass the limiter
		require.NoError(t, d.Notify(context.Background(), notification(ha.TriggerAutomatic, ha.SeverityCritical, true)))
		assert.Len(t, pages.received(), 1)
	})

	t.Run("sink failure is reported", func(t *testing.T) {
		d := NewDispatcher(nil, zap.NewNop())
		d.AddEventSink(&recordingSink{name: "broken", err: errors.New("boom")})
		ok := &recordingSink{name: "ok"}
		d.AddEventSink(ok)

		err := d.Notify(context.Background(), notification(ha.TriggerManual, ha.SeverityInfo, false))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
		assert.Len(t, ok.received(), 1)
	})
}

func TestDispatcher_OpenTicket(t *testing.T) {
	d, pages, tickets, events := newTestDispatcher(nil)

	require.NoError(t, d.OpenTicket(context.Background(), ha.Ticket{
		Dataset:  "orders",
		RecordID: "rec-2",
		Title:    "drill failed",
		Body:     "RPO target missed",
		Severity: ha.SeverityWarning,
		OpenedAt: time.Now(),
	}))

	require.Len(t, tickets.received(), 1)
	got := tickets.received()[0]
	assert.Equal(t, KindTicket, got.Kind)
	assert.Equal(t, "drill failed", got.Title)
	assert.Empty(t, pages.received())
	assert.Empty(t, events.received())
}

func TestDispatcher_Breaker(t *testing.T) {
	d := NewDispatcher(&DispatcherConfig{
		InfoRate: 100, InfoBurst: 100, BreakerFailures: 2, BreakerTimeout: time.Hour,
	}, zap.NewNop())
	broken := &recordingSink{name: "flaky", err: errors.New("unavailable")}
	d.AddEventSink(broken)

	n := notification(ha.TriggerManual, ha.SeverityInfo, false)
	for i := 0; i < 2; i++ {
		assert.Error(t, d.Notify(context.Background(), n))
	}

	err := d.Notify(context.Background(), n)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, broken.calls)
}

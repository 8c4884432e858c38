package calendar

import (
	"context"
	"errors"
	"fmt"

	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/pkg/logging"
)

// SyncStore is the persistence the syncer needs.
type SyncStore interface {
	CalendarConnections(ctx context.Context, providerID string) ([]Connection, error)
	SetExternalEventID(ctx context.Context, bookingID string, p Provider, eventID string) error
}

// Item is one booking as seen by the calendar sync.
type Item struct {
	BookingID   string
	ProviderID  string
	Event       Event
	ExternalIDs map[Provider]string
}

// Syncer mirrors booking changes into every connection that accepts new events. Each
// connection is handled independently; the joined error lets the task queue retry, and
// stored external ids make the retry skip work already done.
type Syncer struct {
	registry *Registry
	store    SyncStore
	logger   *logging.Logger
	metrics  *metrics.SchedulingMetrics
}

func NewSyncer(registry *Registry, store SyncStore, logger *logging.Logger, m *metrics.SchedulingMetrics) *Syncer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Syncer{registry: registry, store: store, logger: logger, metrics: m}
}

// Create adds the booking's event to each writable connection that does not have it yet.
func (s *Syncer) Create(ctx context.Context, item Item) error {
	return s.each(ctx, item.ProviderID, func(ad Adapter, conn Connection) error {
		return s.add(ctx, ad, conn, item)
	})
}

// Replace removes the old booking's event and adds the new one.
func (s *Syncer) Replace(ctx context.Context, old, next Item) error {
	return s.each(ctx, next.ProviderID, func(ad Adapter, conn Connection) error {
		if err := s.remove(ctx, ad, conn, old); err != nil {
			return err
		}
		return s.add(ctx, ad, conn, next)
	})
}

// Delete removes the booking's event wherever it was written.
func (s *Syncer) Delete(ctx context.Context, item Item) error {
	return s.each(ctx, item.ProviderID, func(ad Adapter, conn Connection) error {
		return s.remove(ctx, ad, conn, item)
	})
}

func (s *Syncer) add(ctx context.Context, ad Adapter, conn Connection, item Item) error {
	if item.ExternalIDs[conn.Provider] != "" {
		return nil
	}
	id, err := ad.AddEvent(ctx, item.Event)
	if err != nil {
		s.metrics.ObserveCalendarError(string(conn.Provider), "add_event")
		return err
	}
	if err := s.store.SetExternalEventID(ctx, item.BookingID, conn.Provider, id); err != nil {
		return fmt.Errorf("calendar: store event id: %w", err)
	}
	s.logger.Info("calendar event added", "booking_id", item.BookingID, "provider", conn.Provider, "event_id", id)
	return nil
}

func (s *Syncer) remove(ctx context.Context, ad Adapter, conn Connection, item Item) error {
	id := item.ExternalIDs[conn.Provider]
	if id == "" {
		return nil
	}
	if err := ad.DeleteEvent(ctx, id); err != nil {
		s.metrics.ObserveCalendarError(string(conn.Provider), "delete_event")
		return err
	}
	if err := s.store.SetExternalEventID(ctx, item.BookingID, conn.Provider, ""); err != nil {
		return fmt.Errorf("calendar: clear event id: %w", err)
	}
	s.logger.Info("calendar event deleted", "booking_id", item.BookingID, "provider", conn.Provider, "event_id", id)
	return nil
}

func (s *Syncer) each(ctx context.Context, providerID string, fn func(Adapter, Connection) error) error {
	conns, err := s.store.CalendarConnections(ctx, providerID)
	if err != nil {
		return fmt.Errorf("calendar: load connections: %w", err)
	}

	var errs []error
	for _, conn := range conns {
		if !conn.Active || !conn.AddBookingsToCalendar || !s.registry.Enabled(conn.Provider) {
			continue
		}
		ad, err := s.registry.Authorize(ctx, conn)
		if err == nil {
			err = fn(ad, conn)
		}
		if err != nil {
			s.logger.Error("calendar sync failed", "provider", conn.Provider, "connection_id", conn.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", conn.Provider, err))
		}
	}
	return errors.Join(errs...)
}

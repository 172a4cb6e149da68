package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/store"
)

// DefaultPollInterval is how often a LogMedium subscription tails the log.
const DefaultPollInterval = 100 * time.Millisecond

// DefaultPollBatch bounds the events read per poll query.
const DefaultPollBatch = 256

// LogMedium is a Medium over the store's room_events table. Publishing
// appends to the log (a no-op for events the store already logged); each
// subscription polls from its own seq cursor.
//
// Thread-safety: safe for concurrent use.
type LogMedium struct {
	store    *store.Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// LogOption configures a LogMedium.
type LogOption func(*LogMedium)

// WithPollInterval sets the tail interval.
func WithPollInterval(d time.Duration) LogOption {
	return func(m *LogMedium) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithPollBatch sets the per-query event limit.
func WithPollBatch(n int) LogOption {
	return func(m *LogMedium) {
		if n > 0 {
			m.batch = n
		}
	}
}

// WithLogLogger sets the medium logger.
func WithLogLogger(l *slog.Logger) LogOption {
	return func(m *LogMedium) {
		m.logger = l
	}
}

// NewLogMedium creates a medium over s.
func NewLogMedium(s *store.Store, opts ...LogOption) *LogMedium {
	m := &LogMedium{
		store:    s,
		interval: DefaultPollInterval,
		batch:    DefaultPollBatch,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish implements Medium.
func (m *LogMedium) Publish(ctx context.Context, ev model.ChangeEvent) error {
	if ev.RoomID == "" {
		return ErrNoRoom
	}
	seq, inserted, err := m.store.AppendEvent(ctx, ev)
	if err != nil {
		return err
	}
	m.logger.Debug("event logged",
		"room", ev.RoomID,
		"entity_id", ev.EntityID,
		"seq", seq,
		"inserted", inserted,
	)
	return nil
}

// Subscribe implements Medium. Delivery starts after the latest seq logged
// at subscribe time.
func (m *LogMedium) Subscribe(room string, fn func(model.ChangeEvent)) (func(), error) {
	if room == "" {
		return nil, ErrNoRoom
	}
	ctx, cancel := context.WithCancel(context.Background())
	cursor, err := m.store.LatestSeq(ctx, room)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.poll(ctx, room, cursor, fn)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (m *LogMedium) poll(ctx context.Context, room string, cursor int64, fn func(model.ChangeEvent)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			events, err := m.store.ReadEvents(ctx, room, cursor, m.batch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Log and continue; the next tick retries from the same cursor.
				m.logger.Warn("event log poll failed", "room", room, "cursor", cursor, "error", err)
				break
			}
			for _, ev := range events {
				if ctx.Err() != nil {
					return
				}
				fn(ev)
				cursor = ev.Seq
			}
			if len(events) < m.batch {
				break
			}
		}
	}
}

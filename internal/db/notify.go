package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"care-companion/pkg"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  The chat
// service publishes a ConversationEvent after every saved turn; the HTTP
// server streams them to dashboards.
type Notifier struct {
	DB      *sql.DB
	DSN     string // used by Listen for its dedicated connection
	Channel string
	Logger  zerolog.Logger
}

// NewNotifier constructs a new Notifier for channel.
func NewNotifier(db *sql.DB, dsn, channel string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		DB:      db,
		DSN:     dsn,
		Channel: channel,
		Logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

// Publish sends ev as a JSON payload on the channel.
func (n *Notifier) Publish(ctx context.Context, ev pkg.ConversationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, string(payload))
	return err
}

// Listen opens a dedicated connection, subscribes to the channel and
// delivers events until ctx is cancelled.  Payloads that do not decode are
// skipped.
func (n *Notifier) Listen(ctx context.Context) (<-chan pkg.ConversationEvent, error) {
	logger := n.Logger
	listener := pq.NewListener(n.DSN, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(ev)).Msg("listener connection event")
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", n.Channel, err)
	}

	ch := make(chan pkg.ConversationEvent)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					logger.Warn().Err(err).Msg("listener ping failed")
				}
			case note, ok := <-listener.Notify:
				if !ok {
					return
				}
				// nil after a reconnect; events may have been missed
				if note == nil {
					continue
				}
				var ev pkg.ConversationEvent
				if err := json.Unmarshal([]byte(note.Extra), &ev); err != nil {
					logger.Warn().Err(err).Msg("skipping malformed notification")
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

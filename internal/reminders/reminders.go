package reminders

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"care-companion/internal/config"
	"care-companion/internal/tools"
	"care-companion/pkg"

	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is how often due doses are checked.
	DefaultInterval = time.Minute
	// DefaultGrace is how late a reminder may still be sent, e.g. after a
	// restart.
	DefaultGrace = 10 * time.Minute
)

// Store lists scheduled doses and records sent reminders.
type Store interface {
	ListScheduledDoses(ctx context.Context, provider string) ([]pkg.ScheduledDose, error)
	MarkReminded(ctx context.Context, prescriptionID string, at time.Time) error
}

// Sender delivers a reminder to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Service periodically sends medication reminders for scheduled
// prescriptions.
type Service struct {
	store    Store
	sender   Sender
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewService creates a reminder service.  Zero durations in cfg fall back
// to the defaults.
func NewService(store Store, sender Sender, cfg config.RemindersConfig, logger zerolog.Logger) *Service {
	s := &Service{
		store:    store,
		sender:   sender,
		interval: cfg.Interval,
		grace:    cfg.Grace,
		now:      time.Now,
		logger:   logger.With().Str("component", "reminders").Logger(),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.grace <= 0 {
		s.grace = DefaultGrace
	}
	return s
}

// Start begins the periodic check.  Calling Start on a running service is a
// no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(runCtx)
	return nil
}

// Stop cancels the loop and waits for it to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		if s.done != nil {
			close(s.done)
		}
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reminder service stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	start := time.Now()
	sent, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reminder check failed")
		return
	}
	if sent > 0 {
		s.logger.Info().Int("sent", sent).Dur("duration", time.Since(start)).Msg("sent medication reminders")
	}
}

// RunOnce sends every reminder that is due now and returns how many were
// delivered.  Delivery failures are logged and retried on the next check
// while the grace period lasts.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	doses, err := s.store.ListScheduledDoses(ctx, pkg.ProviderTelegram)
	if err != nil {
		return 0, fmt.Errorf("list scheduled doses: %w", err)
	}

	sent := 0
	for _, d := range doses {
		occ, ok := DueOccurrence(d, now, s.grace)
		if !ok {
			continue
		}
		log := s.logger.With().Str("prescription_id", d.Prescription.ID).Time("due", occ).Logger()

		chatID, err := strconv.ParseInt(d.ChatID, 10, 64)
		if err != nil {
			log.Warn().Str("chat_id", d.ChatID).Msg("skipping reminder for non-numeric chat id")
			continue
		}
		if err := s.sender.SendText(ctx, chatID, ReminderText(d.Prescription)); err != nil {
			log.Warn().Err(err).Msg("failed to send reminder")
			continue
		}
		if err := s.store.MarkReminded(ctx, d.Prescription.ID, now); err != nil {
			// the reminder went out; worst case it is sent again next tick
			log.Error().Err(err).Msg("failed to record reminder")
		}
		if next, ok := NextReminder(d, now); ok {
			log.Debug().Time("next", next).Msg("reminder sent")
		}
		sent++
	}
	return sent, nil
}

// DueOccurrence returns the most recent scheduled time of d that is at most
// grace old at now and has not been reminded yet.  Times are interpreted in
// the user's timezone; a missing or unknown timezone disables reminders.
func DueOccurrence(d pkg.ScheduledDose, now time.Time, grace time.Duration) (time.Time, bool) {
	p := d.Prescription
	if p.Status != pkg.StatusActive || len(p.ScheduleTimes) == 0 || d.Timezone == "" {
		return time.Time{}, false
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.Time{}, false
	}

	local := now.In(loc)
	var latest time.Time
	for _, dayOffset := range []int{0, -1} {
		day := local.AddDate(0, 0, dayOffset)
		for _, hm := range p.ScheduleTimes {
			t, err := time.Parse("15:04", hm)
			if err != nil {
				continue
			}
			occ := time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc)
			if occ.After(now) || now.Sub(occ) > grace {
				continue
			}
			if occ.After(latest) {
				latest = occ
			}
		}
	}

	if latest.IsZero() {
		return time.Time{}, false
	}
	if p.ScheduleUntil != nil && latest.After(*p.ScheduleUntil) {
		return time.Time{}, false
	}
	if p.LastRemindedAt != nil && !p.LastRemindedAt.Before(latest) {
		return time.Time{}, false
	}
	return latest, true
}

// ReminderText renders the reminder message in Telegram HTML.
func ReminderText(p pkg.Prescription) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ Time to take <b>%s</b>", html.EscapeString(p.Name))
	if p.Dosage != "" {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(p.Dosage))
	}
	b.WriteString(".")
	if p.Instructions != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>", html.EscapeString(p.Instructions))
	}
	if p.ScheduleUntil != nil {
		fmt.Fprintf(&b, "\nReminders run until %s.", p.ScheduleUntil.Format("2 Jan 2006"))
	}
	return b.String()
}

// NextReminder returns the next scheduled time of d after now in the
// user's timezone, if the schedule is still running.
func NextReminder(d pkg.ScheduledDose, now time.Time) (time.Time, bool) {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil || d.Timezone == "" {
		return time.Time{}, false
	}
	next, ok := tools.NextOccurrence(d.Prescription.ScheduleTimes, loc, now)
	if !ok {
		return time.Time{}, false
	}
	if u := d.Prescription.ScheduleUntil; u != nil && next.After(*u) {
		return time.Time{}, false
	}
	return next, true
}

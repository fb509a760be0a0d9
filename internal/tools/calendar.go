package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"care-companion/internal/db"
	"care-companion/pkg"

	ics "github.com/arran4/golang-ical"
)

const (
	// CalendarDays is how far ahead a calendar export reaches.
	CalendarDays = 30
	// DefaultReminderMinutes is how early calendar alarms fire.
	DefaultReminderMinutes = 15

	doseEventLength = 15 * time.Minute
)

// FileSender delivers a file to a chat.
type FileSender interface {
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error
}

// ChatLookup finds the chat a user talks to us from.
type ChatLookup interface {
	ExternalID(ctx context.Context, userID, provider string) (string, error)
}

var calendarDef = Definition{
	Name: "generate_medication_calendar",
	Description: "Create a calendar file (.ics) with the user's medication reminders and send it to the chat. " +
		"Medications taken at the same time share one event. Requires a timezone and at least one schedule.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"prescription": {"type": "string", "description": "Only include medications whose name contains this."},
			"reminder_minutes": {"type": "integer", "minimum": 0, "maximum": 240, "description": "Alarm this many minutes early, 0 for none. Defaults to 15."},
			"include_notes": {"type": "boolean", "description": "Show dosage and frequency in the events. Defaults to true."}
		},
		"additionalProperties": false
	}`),
}

// CalendarOptions tune a calendar export.
type CalendarOptions struct {
	ReminderMinutes int
	IncludeNotes    bool
}

// doseSlot is one time of day and everything taken then.
type doseSlot struct {
	at    string
	doses []slotDose
	until time.Time
}

type slotDose struct {
	rx    pkg.Prescription
	until time.Time
}

// due lists the medications still scheduled at start.
func (s *doseSlot) due(start time.Time) []pkg.Prescription {
	var out []pkg.Prescription
	for _, d := range s.doses {
		if !start.After(d.until) {
			out = append(out, d.rx)
		}
	}
	return out
}

// MedicationCalendar builds one event per dose time and day for the next
// CalendarDays, grouping medications that share a time.  Schedule times are
// in loc.  It returns the calendar and the number of events.
func MedicationCalendar(userID string, meds []pkg.Prescription, loc *time.Location, now time.Time, opts CalendarOptions) (*ics.Calendar, int) {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//care-companion//medication reminders//EN")

	limit := now.AddDate(0, 0, CalendarDays)
	slots := map[string]*doseSlot{}
	var order []string
	for _, p := range meds {
		until := limit
		if p.ScheduleUntil != nil && p.ScheduleUntil.Before(limit) {
			until = *p.ScheduleUntil
		}
		for _, at := range p.ScheduleTimes {
			s, ok := slots[at]
			if !ok {
				s = &doseSlot{at: at}
				slots[at] = s
				order = append(order, at)
			}
			s.doses = append(s.doses, slotDose{rx: p, until: until})
			if until.After(s.until) {
				s.until = until
			}
		}
	}
	sort.Strings(order)

	local := now.In(loc)
	events := 0
	for _, at := range order {
		s := slots[at]
		hm, err := time.Parse("15:04", at)
		if err != nil {
			continue
		}
		for day := 0; day <= CalendarDays; day++ {
			start := time.Date(local.Year(), local.Month(), local.Day()+day, hm.Hour(), hm.Minute(), 0, 0, loc)
			if !start.After(now) {
				continue
			}
			if start.After(s.until) {
				break
			}
			due := s.due(start)

			uid := fmt.Sprintf("%s-%s@care-companion", userID, start.UTC().Format("20060102T1504Z"))
			ev := cal.AddEvent(uid)
			ev.SetDtStampTime(now)
			ev.SetStartAt(start)
			ev.SetEndAt(start.Add(doseEventLength))
			ev.SetSummary(slotTitle(due, opts.IncludeNotes))
			ev.SetDescription(slotDescription(at, due, opts.IncludeNotes))
			if opts.ReminderMinutes > 0 {
				alarm := ev.AddAlarm()
				alarm.SetAction(ics.ActionDisplay)
				alarm.SetTrigger(fmt.Sprintf("-PT%dM", opts.ReminderMinutes))
				alarm.SetProperty(ics.ComponentPropertyDescription, alarmText(due, opts.ReminderMinutes))
			}
			events++
		}
	}
	return cal, events
}

func slotTitle(meds []pkg.Prescription, notes bool) string {
	switch {
	case len(meds) == 1:
		title := "💊 Take " + meds[0].Name
		if notes && meds[0].Dosage != "" {
			title += " (" + meds[0].Dosage + ")"
		}
		return title
	case len(meds) <= 3:
		return "💊 Take: " + strings.Join(names(meds), ", ")
	}
	return fmt.Sprintf("💊 Take %d medications", len(meds))
}

func slotDescription(at string, meds []pkg.Prescription, notes bool) string {
	var lines []string
	if len(meds) == 1 {
		p := meds[0]
		lines = append(lines, fmt.Sprintf("Time to take your %s!", p.Name))
		if notes && p.Dosage != "" {
			lines = append(lines, "Dosage: "+p.Dosage)
		}
		if notes && p.Frequency != "" {
			lines = append(lines, "Frequency: "+p.Frequency)
		}
		return strings.Join(lines, "\n")
	}

	lines = append(lines, fmt.Sprintf("Time to take %d medications:", len(meds)))
	for i, p := range meds {
		line := fmt.Sprintf("%d. %s", i+1, p.Name)
		if notes && p.Dosage != "" {
			line += " - " + p.Dosage
		}
		if notes && p.Frequency != "" {
			line += " (" + p.Frequency + ")"
		}
		lines = append(lines, line)
	}
	lines = append(lines, fmt.Sprintf("They are all due at %s, so you can take them together.", at))
	return strings.Join(lines, "\n")
}

func alarmText(meds []pkg.Prescription, minutes int) string {
	what := fmt.Sprintf("%d medications", len(meds))
	if len(meds) <= 2 {
		what = strings.Join(names(meds), ", ")
	}
	return fmt.Sprintf("Take %s in %d minutes", what, minutes)
}

func names(meds []pkg.Prescription) []string {
	out := make([]string, len(meds))
	for i, p := range meds {
		out[i] = p.Name
	}
	return out
}

func (k *Toolkit) generateMedicationCalendar(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		Prescription    string `json:"prescription"`
		ReminderMinutes *int   `json:"reminder_minutes"`
		IncludeNotes    *bool  `json:"include_notes"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	opts := CalendarOptions{ReminderMinutes: DefaultReminderMinutes, IncludeNotes: true}
	if args.ReminderMinutes != nil {
		opts.ReminderMinutes = *args.ReminderMinutes
	}
	if args.IncludeNotes != nil {
		opts.IncludeNotes = *args.IncludeNotes
	}

	u, err := k.user(ctx)
	if err != nil {
		return Result{}, err
	}
	if u.Timezone == "" {
		return errorResult("The user's timezone is not set. Ask for it before creating a calendar."), nil
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return errorResult("The saved timezone %q is not valid. Ask the user for it again.", u.Timezone), nil
	}

	list, err := k.Prescriptions.ListPrescriptions(ctx, u.UserID, pkg.StatusActive)
	if err != nil {
		return Result{}, err
	}
	filter := strings.ToLower(strings.TrimSpace(args.Prescription))
	var scheduled []pkg.Prescription
	for _, p := range list {
		if len(p.ScheduleTimes) == 0 || p.ScheduleUntil == nil {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(p.Name), filter) {
			continue
		}
		scheduled = append(scheduled, p)
	}
	if len(scheduled) == 0 {
		if filter != "" {
			return errorResult("No reminder schedule found for %q. Set one up first.", args.Prescription), nil
		}
		return errorResult("The user has no medication schedules yet. Set up reminder times first."), nil
	}

	now := k.now()
	cal, events := MedicationCalendar(u.UserID, scheduled, loc, now, opts)
	if events == 0 {
		return errorResult("All matching schedules have ended, so there is nothing to put in a calendar."), nil
	}

	if k.Files == nil || k.Chats == nil {
		return errorResult("Calendar files can't be sent from this chat."), nil
	}
	external, err := k.Chats.ExternalID(ctx, u.UserID, pkg.ProviderTelegram)
	if errors.Is(err, db.ErrNotFound) {
		return errorResult("The user has no Telegram chat to send the calendar to."), nil
	}
	if err != nil {
		return Result{}, err
	}
	chatID, err := strconv.ParseInt(external, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("chat id %q: %w", external, err)
	}

	name := "medication_reminders_" + now.In(loc).Format("20060102_1504") + ".ics"
	caption := fmt.Sprintf("Your medication calendar with %d reminders. Open it to import into any calendar app.", events)
	if err := k.Files.SendDocument(ctx, chatID, name, []byte(cal.Serialize()), caption); err != nil {
		return Result{}, fmt.Errorf("send calendar: %w", err)
	}

	return jsonResult(map[string]any{
		"sent":             true,
		"file":             name,
		"events":           events,
		"medications":      names(scheduled),
		"reminder_minutes": opts.ReminderMinutes,
		"timezone":         u.Timezone,
	})
}

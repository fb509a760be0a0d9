package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"care-companion/internal/db"
	"care-companion/pkg"

	"github.com/google/uuid"
)

var addPrescriptionDef = Definition{
	Name:        "add_prescription",
	Description: "Record a medication the user has been prescribed.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1, "maxLength": 200},
			"dosage": {"type": "string", "maxLength": 100},
			"frequency": {"type": "string", "maxLength": 100},
			"total_amount": {"type": "string", "maxLength": 100},
			"instructions": {"type": "string", "maxLength": 1000}
		},
		"required": ["name"],
		"additionalProperties": false
	}`),
}

var getPrescriptionsDef = Definition{
	Name:        "get_user_prescriptions",
	Description: "List the user's prescriptions. Defaults to active ones.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["active", "inactive", "completed", "discontinued", "all"]}
		},
		"additionalProperties": false
	}`),
}

var setScheduleDef = Definition{
	Name:        "set_medication_schedule",
	Description: "Set daily reminder times for a prescription, in the user's timezone. Without times the prescription's frequency decides.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"prescription": {"type": "string", "minLength": 1, "description": "Prescription id or medication name."},
			"times": {"type": "array", "items": {"type": "string"}, "maxItems": 8, "description": "Times of day such as 08:00 or 8pm."},
			"duration_days": {"type": "integer", "minimum": 1, "maximum": 365}
		},
		"required": ["prescription"],
		"additionalProperties": false
	}`),
}

var getScheduleDef = Definition{
	Name:        "get_medication_schedule",
	Description: "List the user's reminder schedules with the next reminder time.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
}

var clearScheduleDef = Definition{
	Name:        "clear_medication_schedule",
	Description: "Stop reminders for a prescription.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"prescription": {"type": "string", "minLength": 1, "description": "Prescription id or medication name."}
		},
		"required": ["prescription"],
		"additionalProperties": false
	}`),
}

type prescriptionView struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Dosage        string   `json:"dosage,omitempty"`
	Frequency     string   `json:"frequency,omitempty"`
	TotalAmount   string   `json:"total_amount,omitempty"`
	Instructions  string   `json:"instructions,omitempty"`
	Status        string   `json:"status"`
	ScheduleTimes []string `json:"schedule_times,omitempty"`
	ScheduleUntil string   `json:"schedule_until,omitempty"`
}

func viewOf(p pkg.Prescription) prescriptionView {
	v := prescriptionView{
		ID:            p.ID,
		Name:          p.Name,
		Dosage:        p.Dosage,
		Frequency:     p.Frequency,
		TotalAmount:   p.TotalAmount,
		Instructions:  p.Instructions,
		Status:        p.Status,
		ScheduleTimes: p.ScheduleTimes,
	}
	if p.ScheduleUntil != nil {
		v.ScheduleUntil = p.ScheduleUntil.Format("2006-01-02")
	}
	return v
}

func (k *Toolkit) addPrescription(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		Name         string `json:"name"`
		Dosage       string `json:"dosage"`
		Frequency    string `json:"frequency"`
		TotalAmount  string `json:"total_amount"`
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	userID, err := requireUser(ctx)
	if err != nil {
		return Result{}, err
	}
	p := &pkg.Prescription{
		UserID:       userID,
		Name:         strings.TrimSpace(args.Name),
		Dosage:       args.Dosage,
		Frequency:    args.Frequency,
		TotalAmount:  args.TotalAmount,
		Instructions: args.Instructions,
		Status:       pkg.StatusActive,
		Source:       "chat",
		CreatedAt:    k.now(),
	}
	if err := k.Prescriptions.AddPrescription(ctx, p); err != nil {
		return Result{}, err
	}
	return jsonResult(map[string]any{"added": true, "prescription": viewOf(*p)})
}

func (k *Toolkit) getUserPrescriptions(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	userID, err := requireUser(ctx)
	if err != nil {
		return Result{}, err
	}
	status := args.Status
	switch status {
	case "":
		status = pkg.StatusActive
	case "all":
		status = ""
	}
	list, err := k.Prescriptions.ListPrescriptions(ctx, userID, status)
	if err != nil {
		return Result{}, err
	}
	views := make([]prescriptionView, 0, len(list))
	for _, p := range list {
		views = append(views, viewOf(p))
	}
	return jsonResult(map[string]any{"count": len(views), "prescriptions": views})
}

var errAmbiguous = errors.New("ambiguous prescription")

// findPrescription resolves an id or a case-insensitive medication name
// among the user's active prescriptions.
func (k *Toolkit) findPrescription(ctx context.Context, userID, ref string) (*pkg.Prescription, error) {
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		p, err := k.Prescriptions.GetPrescription(ctx, userID, ref)
		switch {
		case err == nil && p.Status == pkg.StatusActive:
			return p, nil
		case err != nil && !errors.Is(err, db.ErrNotFound):
			return nil, err
		}
	}

	list, err := k.Prescriptions.ListPrescriptions(ctx, userID, pkg.StatusActive)
	if err != nil {
		return nil, err
	}
	var matches []pkg.Prescription
	for _, p := range list {
		if p.ID == ref {
			return &p, nil
		}
		if strings.EqualFold(p.Name, ref) || strings.HasPrefix(strings.ToLower(p.Name), strings.ToLower(ref)) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return &matches[0], nil
	}
	return nil, errAmbiguous
}

func (k *Toolkit) setMedicationSchedule(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		Prescription string   `json:"prescription"`
		Times        []string `json:"times"`
		DurationDays int      `json:"duration_days"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	u, err := k.user(ctx)
	if err != nil {
		return Result{}, err
	}
	if u.Timezone == "" {
		return errorResult("The user's timezone is not set. Ask for it and save it before scheduling."), nil
	}

	p, err := k.findPrescription(ctx, u.UserID, args.Prescription)
	if errors.Is(err, errAmbiguous) {
		return errorResult("More than one prescription matches %q. Use the prescription id.", args.Prescription), nil
	}
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		return errorResult("No active prescription matches %q.", args.Prescription), nil
	}

	times, reason := args.Times, "requested by user"
	if len(times) == 0 {
		times, reason = DefaultTimesForFrequency(p.Frequency)
	}
	times, err = ParseTimes(times)
	if err != nil {
		return errorResult("%v. Use times like 08:00 or 8pm.", err), nil
	}

	days := args.DurationDays
	if days == 0 {
		days = DefaultScheduleDays
	}
	until := k.now().AddDate(0, 0, days)
	if err := k.Prescriptions.SetSchedule(ctx, u.UserID, p.ID, times, &until); err != nil {
		return Result{}, err
	}

	out := map[string]any{
		"scheduled":    true,
		"prescription": p.Name,
		"times":        times,
		"timezone":     u.Timezone,
		"reason":       reason,
		"until":        until.Format("2006-01-02"),
	}
	if loc, err := time.LoadLocation(u.Timezone); err == nil {
		if next, ok := NextOccurrence(times, loc, k.now()); ok {
			out["next_reminder"] = next.Format("Mon 2006-01-02 15:04 MST")
		}
	}
	return jsonResult(out)
}

func (k *Toolkit) getMedicationSchedule(ctx context.Context, _ json.RawMessage) (Result, error) {
	u, err := k.user(ctx)
	if err != nil {
		return Result{}, err
	}
	list, err := k.Prescriptions.ListPrescriptions(ctx, u.UserID, pkg.StatusActive)
	if err != nil {
		return Result{}, err
	}
	loc := time.UTC
	if u.Timezone != "" {
		if l, err := time.LoadLocation(u.Timezone); err == nil {
			loc = l
		}
	}

	type scheduleView struct {
		prescriptionView
		NextReminder string `json:"next_reminder,omitempty"`
	}
	var schedules []scheduleView
	now := k.now()
	for _, p := range list {
		if len(p.ScheduleTimes) == 0 || (p.ScheduleUntil != nil && p.ScheduleUntil.Before(now)) {
			continue
		}
		sv := scheduleView{prescriptionView: viewOf(p)}
		if next, ok := NextOccurrence(p.ScheduleTimes, loc, now); ok {
			sv.NextReminder = next.Format("Mon 2006-01-02 15:04 MST")
		}
		schedules = append(schedules, sv)
	}
	return jsonResult(map[string]any{"timezone": u.Timezone, "count": len(schedules), "schedules": schedules})
}

func (k *Toolkit) clearMedicationSchedule(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		Prescription string `json:"prescription"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	userID, err := requireUser(ctx)
	if err != nil {
		return Result{}, err
	}
	p, err := k.findPrescription(ctx, userID, args.Prescription)
	if errors.Is(err, errAmbiguous) {
		return errorResult("More than one prescription matches %q. Use the prescription id.", args.Prescription), nil
	}
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		return errorResult("No active prescription matches %q.", args.Prescription), nil
	}
	if err := k.Prescriptions.SetSchedule(ctx, userID, p.ID, nil, nil); err != nil {
		return Result{}, err
	}
	return jsonResult(map[string]any{"cleared": true, "prescription": p.Name})
}

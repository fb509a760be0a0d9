package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"care-companion/pkg"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const prescriptionColumns = `id, user_id, name, dosage, frequency, total_amount, instructions, status, source,
       schedule_times, schedule_until, last_reminded_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrescription(s rowScanner) (pkg.Prescription, error) {
	var p pkg.Prescription
	var until, reminded sql.NullTime
	err := s.Scan(&p.ID, &p.UserID, &p.Name, &p.Dosage, &p.Frequency, &p.TotalAmount, &p.Instructions,
		&p.Status, &p.Source, pq.Array(&p.ScheduleTimes), &until, &reminded, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if until.Valid {
		t := until.Time
		p.ScheduleUntil = &t
	}
	if reminded.Valid {
		t := reminded.Time
		p.LastRemindedAt = &t
	}
	return p, nil
}

// AddPrescription stores a new prescription, assigning its id and status
// when they are empty.
func (r *Repository) AddPrescription(ctx context.Context, p *pkg.Prescription) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = pkg.StatusActive
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.ScheduleTimes == nil {
		p.ScheduleTimes = []string{}
	}

	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO prescriptions (id, user_id, name, dosage, frequency, total_amount, instructions, status, source,
                                    schedule_times, schedule_until, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.UserID, p.Name, p.Dosage, p.Frequency, p.TotalAmount, p.Instructions, p.Status, p.Source,
		pq.Array(p.ScheduleTimes), p.ScheduleUntil, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// ListPrescriptions returns a user's prescriptions, newest first.  An empty
// status returns all of them.
func (r *Repository) ListPrescriptions(ctx context.Context, userID, status string) ([]pkg.Prescription, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+prescriptionColumns+`
         FROM prescriptions
         WHERE user_id = $1 AND ($2 = '' OR status = $2)
         ORDER BY created_at DESC`,
		userID, status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pkg.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPrescription loads one of the user's prescriptions.
func (r *Repository) GetPrescription(ctx context.Context, userID, id string) (*pkg.Prescription, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+prescriptionColumns+`
         FROM prescriptions
         WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	p, err := scanPrescription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prescription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetSchedule replaces the reminder times of a prescription.  Empty times
// clear the schedule.
func (r *Repository) SetSchedule(ctx context.Context, userID, id string, times []string, until *time.Time) error {
	if times == nil {
		times = []string{}
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE prescriptions
         SET schedule_times = $3, schedule_until = $4, last_reminded_at = NULL, updated_at = NOW()
         WHERE user_id = $1 AND id = $2`,
		userID, id, pq.Array(times), until,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("prescription %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListScheduledDoses returns every active prescription with a schedule,
// together with the user's timezone and account id with provider.
func (r *Repository) ListScheduledDoses(ctx context.Context, provider string) ([]pkg.ScheduledDose, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT p.id, p.user_id, p.name, p.dosage, p.frequency, p.total_amount, p.instructions, p.status, p.source,
                p.schedule_times, p.schedule_until, p.last_reminded_at, p.created_at, p.updated_at,
                i.provider_user_id, u.timezone
         FROM prescriptions p
         JOIN users u ON u.user_id = p.user_id
         JOIN identities i ON i.user_id = p.user_id AND i.provider = $1
         WHERE p.status = 'active'
           AND cardinality(p.schedule_times) > 0
           AND (p.schedule_until IS NULL OR p.schedule_until > NOW())`,
		provider,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pkg.ScheduledDose
	for rows.Next() {
		var d pkg.ScheduledDose
		var until, reminded sql.NullTime
		p := &d.Prescription
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Dosage, &p.Frequency, &p.TotalAmount, &p.Instructions,
			&p.Status, &p.Source, pq.Array(&p.ScheduleTimes), &until, &reminded, &p.CreatedAt, &p.UpdatedAt,
			&d.ChatID, &d.Timezone); err != nil {
			return nil, err
		}
		if until.Valid {
			t := until.Time
			p.ScheduleUntil = &t
		}
		if reminded.Valid {
			t := reminded.Time
			p.LastRemindedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkReminded records that a reminder for the prescription was sent at.
func (r *Repository) MarkReminded(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE prescriptions SET last_reminded_at = $2 WHERE id = $1`,
		id, at,
	)
	return err
}

// SaveAttachment stores a file the user sent.
func (r *Repository) SaveAttachment(ctx context.Context, a *pkg.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO attachments (id, user_id, file_id, mime_type, data, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.FileID, a.MimeType, a.Data, a.CreatedAt,
	)
	return err
}

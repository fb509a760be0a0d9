package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"care-companion/pkg"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewRepository(conn), mock
}

func TestGetHistoryMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM conversations`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)

	h, err := repo.GetHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHistoryDecodes(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msgs, err := json.Marshal([]pkg.Message{
		{Role: pkg.RoleUser, Content: "hi", CreatedAt: at},
		{Role: pkg.RoleAssistant, Content: "hello", CreatedAt: at},
	})
	require.NoError(t, err)

	mock.ExpectQuery(`FROM conversations`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "messages", "state", "last_updated", "version"}).
			AddRow("s1", msgs, []byte(`{"greeting_sent":true,"extra":{"plan":"basic"}}`), at, int64(4)))

	h, err := repo.GetHistory(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "u1", h.UserID)
	assert.Equal(t, "s1", h.SessionID)
	assert.Len(t, h.Messages, 2)
	assert.Equal(t, pkg.RoleAssistant, h.Messages[1].Role)
	assert.True(t, h.State.GreetingSent)
	assert.Equal(t, "basic", h.State.Extra["plan"])
	assert.Equal(t, int64(4), h.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHistoryMalformedMessages(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM conversations`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "messages", "state", "last_updated", "version"}).
			AddRow("s1", []byte(`{not json`), []byte(`{}`), time.Now(), int64(1)))

	_, err := repo.GetHistory(context.Background(), "u1")
	assert.Error(t, err)
}

func TestPutHistoryInsertsNew(t *testing.T) {
	repo, mock := newMockRepo(t)
	h := &pkg.ConversationHistory{UserID: "u1", SessionID: "s1", LastUpdated: time.Now()}

	mock.ExpectExec(`INSERT INTO conversations`).
		WithArgs("u1", "s1", []byte(`[]`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.PutHistory(context.Background(), h))
	assert.Equal(t, int64(1), h.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutHistoryInsertConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	h := &pkg.ConversationHistory{UserID: "u1", SessionID: "s1", LastUpdated: time.Now()}

	mock.ExpectExec(`INSERT INTO conversations`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.PutHistory(context.Background(), h)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(0), h.Version)
}

func TestPutHistoryUpdatesAtVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	h := &pkg.ConversationHistory{UserID: "u1", SessionID: "s1", LastUpdated: time.Now(), Version: 3}

	mock.ExpectExec(`UPDATE conversations`).
		WithArgs("u1", "s1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.PutHistory(context.Background(), h))
	assert.Equal(t, int64(4), h.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutHistoryStaleVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	h := &pkg.ConversationHistory{UserID: "u1", SessionID: "s1", LastUpdated: time.Now(), Version: 3}

	mock.ExpectExec(`UPDATE conversations`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.PutHistory(context.Background(), h)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(3), h.Version)
}

func TestGetUserNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM users`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertUser(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	u := &pkg.User{UserID: "u1", FirstName: "Ada", Timezone: "Europe/London", CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("u1", "Ada", "", "", "Europe/London", "", "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertUser(context.Background(), u))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindUserIDByIdentity(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM identities`).
		WithArgs(pkg.ProviderTelegram, "42").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectQuery(`FROM identities`).
		WithArgs(pkg.ProviderTelegram, "43").
		WillReturnError(sql.ErrNoRows)

	id, err := repo.FindUserIDByIdentity(context.Background(), pkg.ProviderTelegram, "42")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	id, err = repo.FindUserIDByIdentity(context.Background(), pkg.ProviderTelegram, "43")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestAddPrescriptionAssignsDefaults(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := &pkg.Prescription{UserID: "u1", Name: "Metformin", Dosage: "500mg"}

	mock.ExpectExec(`INSERT INTO prescriptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AddPrescription(context.Background(), p))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, pkg.StatusActive, p.Status)
	assert.False(t, p.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPrescriptionsScansArrays(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	until := now.Add(72 * time.Hour)

	mock.ExpectQuery(`FROM prescriptions`).
		WithArgs("u1", "active").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "name", "dosage", "frequency", "total_amount", "instructions", "status", "source",
			"schedule_times", "schedule_until", "last_reminded_at", "created_at", "updated_at",
		}).
			AddRow("p1", "u1", "Metformin", "500mg", "twice daily", "60", "with food", "active", "photo",
				[]byte(`{08:00,20:00}`), until, nil, now, now))

	list, err := repo.ListPrescriptions(context.Background(), "u1", pkg.StatusActive)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"08:00", "20:00"}, list[0].ScheduleTimes)
	require.NotNil(t, list[0].ScheduleUntil)
	assert.Nil(t, list[0].LastRemindedAt)
}

func TestSetScheduleUnknownPrescription(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE prescriptions`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetSchedule(context.Background(), "u1", "nope", []string{"08:00"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListScheduledDoses(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`JOIN identities`).
		WithArgs(pkg.ProviderTelegram).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "name", "dosage", "frequency", "total_amount", "instructions", "status", "source",
			"schedule_times", "schedule_until", "last_reminded_at", "created_at", "updated_at",
			"provider_user_id", "timezone",
		}).
			AddRow("p1", "u1", "Metformin", "500mg", "daily", "", "", "active", "",
				[]byte(`{09:00}`), nil, now, now, now, "4242", "Asia/Singapore"))

	doses, err := repo.ListScheduledDoses(context.Background(), pkg.ProviderTelegram)
	require.NoError(t, err)
	require.Len(t, doses, 1)
	assert.Equal(t, "4242", doses[0].ChatID)
	assert.Equal(t, "Asia/Singapore", doses[0].Timezone)
	assert.Equal(t, []string{"09:00"}, doses[0].Prescription.ScheduleTimes)
	require.NotNil(t, doses[0].Prescription.LastRemindedAt)
}

func TestPublishSendsJSON(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	n := &Notifier{DB: conn, Channel: "conversation_events"}
	mock.ExpectExec(`pg_notify`).
		WithArgs("conversation_events", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = n.Publish(context.Background(), pkg.ConversationEvent{Type: "turn", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

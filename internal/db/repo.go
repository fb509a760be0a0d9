package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"care-companion/pkg"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by PutHistory when another writer saved the
	// conversation after it was loaded.
	ErrConflict = errors.New("conversation was modified concurrently")
)

// Repository wraps database operations for users, identities, conversations,
// prescriptions and attachments.
type Repository struct {
	DB *sql.DB
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

// GetUser loads a user profile by id.
func (r *Repository) GetUser(ctx context.Context, userID string) (*pkg.User, error) {
	var u pkg.User
	err := r.DB.QueryRowContext(ctx,
		`SELECT user_id, first_name, last_name, username, timezone, language, notes, created_at, updated_at
         FROM users
         WHERE user_id = $1`,
		userID,
	).Scan(&u.UserID, &u.FirstName, &u.LastName, &u.Username, &u.Timezone, &u.Language, &u.Notes, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser creates the user or overwrites its profile fields.
func (r *Repository) UpsertUser(ctx context.Context, u *pkg.User) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO users (user_id, first_name, last_name, username, timezone, language, notes, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
         ON CONFLICT (user_id) DO UPDATE
         SET first_name = EXCLUDED.first_name,
             last_name  = EXCLUDED.last_name,
             username   = EXCLUDED.username,
             timezone   = EXCLUDED.timezone,
             language   = EXCLUDED.language,
             notes      = EXCLUDED.notes,
             updated_at = EXCLUDED.updated_at`,
		u.UserID, u.FirstName, u.LastName, u.Username, u.Timezone, u.Language, u.Notes, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

// FindUserIDByIdentity returns the user linked to an external account, or
// an empty string when there is none.
func (r *Repository) FindUserIDByIdentity(ctx context.Context, provider, externalID string) (string, error) {
	var userID string
	err := r.DB.QueryRowContext(ctx,
		`SELECT user_id FROM identities WHERE provider = $1 AND provider_user_id = $2`,
		provider, externalID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return userID, err
}

// LinkIdentity links an external account to a user.  Linking an account
// that is already linked moves it to the new user.
func (r *Repository) LinkIdentity(ctx context.Context, id pkg.Identity) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO identities (provider, provider_user_id, user_id, created_at)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT (provider, provider_user_id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		id.Provider, id.ProviderUserID, id.UserID, id.CreatedAt,
	)
	return err
}

// ExternalID returns the account id a user has with provider, e.g. the
// Telegram chat to send reminders to.
func (r *Repository) ExternalID(ctx context.Context, userID, provider string) (string, error) {
	var externalID string
	err := r.DB.QueryRowContext(ctx,
		`SELECT provider_user_id FROM identities
         WHERE user_id = $1 AND provider = $2
         ORDER BY created_at DESC
         LIMIT 1`,
		userID, provider,
	).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s identity of %s: %w", provider, userID, ErrNotFound)
	}
	return externalID, err
}

// GetHistory loads the conversation of a user.  It returns nil without an
// error when the user has not talked to us yet.
func (r *Repository) GetHistory(ctx context.Context, userID string) (*pkg.ConversationHistory, error) {
	h := pkg.ConversationHistory{UserID: userID}
	var messages, state []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT session_id, messages, state, last_updated, version
         FROM conversations
         WHERE user_id = $1`,
		userID,
	).Scan(&h.SessionID, &messages, &state, &h.LastUpdated, &h.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messages, &h.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", userID, err)
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &h.State); err != nil {
			return nil, fmt.Errorf("decode state of %s: %w", userID, err)
		}
	}
	return &h, nil
}

// PutHistory saves h if nobody else saved the conversation since h was
// loaded, and bumps h.Version.  A history with Version 0 is new and may only
// be inserted.  It returns ErrConflict when the write lost.
func (r *Repository) PutHistory(ctx context.Context, h *pkg.ConversationHistory) error {
	msgs := h.Messages
	if msgs == nil {
		msgs = []pkg.Message{}
	}
	messages, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	state, err := json.Marshal(h.State)
	if err != nil {
		return err
	}

	var res sql.Result
	if h.Version == 0 {
		res, err = r.DB.ExecContext(ctx,
			`INSERT INTO conversations (user_id, session_id, messages, state, last_updated, version)
             VALUES ($1, $2, $3, $4, $5, 1)
             ON CONFLICT (user_id) DO NOTHING`,
			h.UserID, h.SessionID, messages, state, h.LastUpdated,
		)
	} else {
		res, err = r.DB.ExecContext(ctx,
			`UPDATE conversations
             SET session_id = $2, messages = $3, state = $4, last_updated = $5, version = version + 1
             WHERE user_id = $1 AND version = $6`,
			h.UserID, h.SessionID, messages, state, h.LastUpdated, h.Version,
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation of %s at version %d: %w", h.UserID, h.Version, ErrConflict)
	}
	h.Version++
	return nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"care-companion/internal/db"
	"care-companion/pkg"

	"github.com/google/uuid"
)

// UserStore reads and writes user profiles.  GetUser returns db.ErrNotFound
// for unknown ids.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*pkg.User, error)
	UpsertUser(ctx context.Context, u *pkg.User) error
}

// IdentityStore maps external accounts to users.  FindUserIDByIdentity
// returns an empty id when the account is not linked.
type IdentityStore interface {
	FindUserIDByIdentity(ctx context.Context, provider, externalID string) (string, error)
	LinkIdentity(ctx context.Context, id pkg.Identity) error
}

// Profile is what the chat platform tells us about the sender.
type Profile struct {
	FirstName string
	LastName  string
	Username  string
	Language  string
}

// IdentityResolver finds or creates the internal user behind an external
// chat account.
type IdentityResolver struct {
	Users      UserStore
	Identities IdentityStore
	Now        func() time.Time
}

// NewIdentityResolver constructs an IdentityResolver.
func NewIdentityResolver(users UserStore, identities IdentityStore) *IdentityResolver {
	return &IdentityResolver{Users: users, Identities: identities, Now: time.Now}
}

// Resolve returns the user linked to provider/externalID, creating the user
// and the link on first contact.  Names and language of an existing user
// are refreshed when the platform reports new ones.
func (r *IdentityResolver) Resolve(ctx context.Context, provider, externalID string, p Profile) (*pkg.User, bool, error) {
	now := r.now()

	userID, err := r.Identities.FindUserIDByIdentity(ctx, provider, externalID)
	if err != nil {
		return nil, false, fmt.Errorf("find identity: %w", err)
	}

	if userID != "" {
		u, err := r.Users.GetUser(ctx, userID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			// dangling link: recreate the profile under the same id
			u = &pkg.User{UserID: userID, CreatedAt: now}
		case err != nil:
			return nil, false, fmt.Errorf("get user: %w", err)
		}
		if applyProfile(u, p) || u.UpdatedAt.IsZero() {
			u.UpdatedAt = now
			if err := r.Users.UpsertUser(ctx, u); err != nil {
				return nil, false, fmt.Errorf("update user: %w", err)
			}
		}
		return u, false, nil
	}

	u := &pkg.User{
		UserID:    uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyProfile(u, p)
	if err := r.Users.UpsertUser(ctx, u); err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	link := pkg.Identity{Provider: provider, ProviderUserID: externalID, UserID: u.UserID, CreatedAt: now}
	if err := r.Identities.LinkIdentity(ctx, link); err != nil {
		return nil, false, fmt.Errorf("link identity: %w", err)
	}
	return u, true, nil
}

// applyProfile copies non-empty platform fields onto u and reports whether
// anything changed.  Language is only filled in, never overwritten, since
// users may set it themselves.
func applyProfile(u *pkg.User, p Profile) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&u.FirstName, p.FirstName)
	set(&u.LastName, p.LastName)
	set(&u.Username, p.Username)
	if u.Language == "" {
		set(&u.Language, p.Language)
	}
	return changed
}

func (r *IdentityResolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"care-companion/internal/db"
	"care-companion/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memIdentities struct {
	users   map[string]pkg.User
	links   map[string]string
	upserts int
	linkErr error
}

func newMemIdentities() *memIdentities {
	return &memIdentities{users: map[string]pkg.User{}, links: map[string]string{}}
}

func (m *memIdentities) GetUser(_ context.Context, id string) (*pkg.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &u, nil
}

func (m *memIdentities) UpsertUser(_ context.Context, u *pkg.User) error {
	m.upserts++
	m.users[u.UserID] = *u
	return nil
}

func (m *memIdentities) FindUserIDByIdentity(_ context.Context, provider, externalID string) (string, error) {
	return m.links[provider+":"+externalID], nil
}

func (m *memIdentities) LinkIdentity(_ context.Context, id pkg.Identity) error {
	if m.linkErr != nil {
		return m.linkErr
	}
	m.links[id.Provider+":"+id.ProviderUserID] = id.UserID
	return nil
}

func newTestResolver(store *memIdentities, now time.Time) *IdentityResolver {
	r := NewIdentityResolver(store, store)
	r.Now = func() time.Time { return now }
	return r
}

func TestResolveCreatesUserOnFirstContact(t *testing.T) {
	store := newMemIdentities()
	r := newTestResolver(store, t0)

	u, created, err := r.Resolve(context.Background(), pkg.ProviderTelegram, "42", Profile{FirstName: "Ada", Language: "en-GB"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, u.UserID)
	assert.Equal(t, "Ada", u.FirstName)
	assert.Equal(t, "en-GB", u.Language)
	assert.Equal(t, t0, u.CreatedAt)
	assert.Equal(t, u.UserID, store.links["telegram:42"])

	again, created, err := r.Resolve(context.Background(), pkg.ProviderTelegram, "42", Profile{FirstName: "Ada", Language: "en-GB"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.UserID, again.UserID)
	assert.Equal(t, 1, store.upserts)
}

func TestResolveRefreshesProfile(t *testing.T) {
	store := newMemIdentities()
	store.users["u1"] = pkg.User{UserID: "u1", FirstName: "Ada", Language: "fr", CreatedAt: t0, UpdatedAt: t0}
	store.links["telegram:42"] = "u1"
	later := t0.Add(time.Hour)
	r := newTestResolver(store, later)

	u, created, err := r.Resolve(context.Background(), pkg.ProviderTelegram, "42", Profile{FirstName: "Ada", Username: "ada_l", Language: "en"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ada_l", u.Username)
	// a language the user already has is kept
	assert.Equal(t, "fr", u.Language)
	assert.Equal(t, later, u.UpdatedAt)
	assert.Equal(t, t0, u.CreatedAt)
	assert.Equal(t, 1, store.upserts)
}

func TestResolveDanglingLink(t *testing.T) {
	store := newMemIdentities()
	store.links["telegram:42"] = "u-lost"
	r := newTestResolver(store, t0)

	u, created, err := r.Resolve(context.Background(), pkg.ProviderTelegram, "42", Profile{FirstName: "Ada"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "u-lost", u.UserID)
	assert.Contains(t, store.users, "u-lost")
}

func TestResolveLinkFailure(t *testing.T) {
	store := newMemIdentities()
	store.linkErr = errors.New("unique violation")
	r := newTestResolver(store, t0)

	_, _, err := r.Resolve(context.Background(), pkg.ProviderTelegram, "42", Profile{})
	assert.ErrorContains(t, err, "unique violation")
}

package core

import (
	"strings"
	"testing"
	"time"

	"care-companion/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + strings.Repeat("x", n)
	}
}

func existingHistory(lastUpdated time.Time) *pkg.ConversationHistory {
	return &pkg.ConversationHistory{
		UserID:    "u1",
		SessionID: "s-old",
		Messages: []pkg.Message{
			{Role: pkg.RoleUser, Content: "hello", CreatedAt: lastUpdated.Add(-time.Minute)},
			{Role: pkg.RoleAssistant, Content: "hi there", CreatedAt: lastUpdated},
		},
		State: pkg.SessionState{
			GreetingSent: true,
			LastTool:     "get_user_profile",
			Extra:        map[string]string{"temp_flag": "1", "debug_trace": "on", "onboarding": "done"},
		},
		LastUpdated: lastUpdated,
		Version:     4,
	}
}

func TestEvaluateSessionNewUser(t *testing.T) {
	res := EvaluateSession(nil, "u1", t0)

	assert.True(t, res.IsNewSession)
	require.NotNil(t, res.History)
	assert.Equal(t, "u1", res.History.UserID)
	assert.NotEmpty(t, res.History.SessionID)
	assert.Empty(t, res.History.Messages)
	assert.Equal(t, t0, res.History.LastUpdated)
	assert.Empty(t, res.PreviousSessionID)

	other := EvaluateSession(nil, "u1", t0)
	assert.NotEqual(t, res.History.SessionID, other.History.SessionID)
}

func TestEvaluateSessionExpiredKeepsMessages(t *testing.T) {
	h := existingHistory(t0.Add(-20 * time.Minute))
	res := EvaluateSession(h, "u1", t0)

	assert.True(t, res.IsNewSession)
	assert.NotEqual(t, "s-old", res.History.SessionID)
	assert.Equal(t, "s-old", res.PreviousSessionID)
	assert.Len(t, res.History.Messages, 2)
	assert.Equal(t, t0, res.History.LastUpdated)
	assert.Equal(t, int64(4), res.History.Version)
	assert.Contains(t, res.Reason, "20 minutes")

	// session bookkeeping resets, durable extras survive
	assert.False(t, res.History.State.GreetingSent)
	assert.Empty(t, res.History.State.LastTool)
	assert.Equal(t, map[string]string{"onboarding": "done"}, res.History.State.Extra)

	// the loaded history is not touched
	assert.Equal(t, "s-old", h.SessionID)
	assert.True(t, h.State.GreetingSent)
	assert.Len(t, h.State.Extra, 3)
}

func TestEvaluateSessionActive(t *testing.T) {
	h := existingHistory(t0.Add(-5 * time.Minute))
	res := EvaluateSession(h, "u1", t0)

	assert.False(t, res.IsNewSession)
	assert.Equal(t, "s-old", res.History.SessionID)
	assert.Equal(t, t0, res.History.LastUpdated)
	assert.Equal(t, 5*time.Minute, res.Inactivity)
	assert.True(t, res.History.State.GreetingSent)
	assert.Equal(t, map[string]string{"onboarding": "done"}, res.History.State.Extra)
	assert.Equal(t, t0.Add(-5*time.Minute), h.LastUpdated)
}

func TestEvaluateSessionBoundary(t *testing.T) {
	policy := SessionPolicy{InactivityTimeout: 15 * time.Minute, NewID: seqIDs("s-")}

	for _, gap := range []time.Duration{0, time.Second, 10 * time.Minute, 15 * time.Minute} {
		res := policy.Evaluate(existingHistory(t0.Add(-gap)), "u1", t0)
		assert.False(t, res.IsNewSession, gap.String())
		assert.Equal(t, "s-old", res.History.SessionID, gap.String())
	}
	for _, gap := range []time.Duration{15*time.Minute + time.Second, time.Hour, 72 * time.Hour} {
		res := policy.Evaluate(existingHistory(t0.Add(-gap)), "u1", t0)
		assert.True(t, res.IsNewSession, gap.String())
		assert.NotEqual(t, "s-old", res.History.SessionID, gap.String())
	}
}

func TestEvaluateSessionZeroTimestamp(t *testing.T) {
	res := EvaluateSession(existingHistory(time.Time{}), "u1", t0)
	assert.True(t, res.IsNewSession)
	assert.Equal(t, t0, res.History.LastUpdated)
	assert.Len(t, res.History.Messages, 2)
}

func TestEvaluateSessionCustomTimeout(t *testing.T) {
	policy := SessionPolicy{InactivityTimeout: time.Hour, NewID: func() string { return "fixed" }}

	res := policy.Evaluate(existingHistory(t0.Add(-30*time.Minute)), "u1", t0)
	assert.False(t, res.IsNewSession)

	res = policy.Evaluate(existingHistory(t0.Add(-61*time.Minute)), "u1", t0)
	assert.True(t, res.IsNewSession)
	assert.Equal(t, "fixed", res.History.SessionID)
}

func TestSessionStatus(t *testing.T) {
	policy := DefaultSessionPolicy()

	st := policy.Status(nil, t0)
	assert.False(t, st.Exists)
	assert.Equal(t, 15, st.TimeoutMinutes)

	st = policy.Status(existingHistory(t0.Add(-5*time.Minute)), t0)
	assert.True(t, st.Exists)
	assert.True(t, st.Active)
	assert.Equal(t, 5, st.InactivityMinutes)
	assert.Equal(t, 10, st.WillExpireInMinutes)
	assert.Equal(t, 2, st.MessageCount)
	assert.Positive(t, st.EstimatedTokens)

	st = policy.Status(existingHistory(t0.Add(-40*time.Minute)), t0)
	assert.False(t, st.Active)
	assert.Equal(t, 0, st.WillExpireInMinutes)
	assert.Contains(t, st.Reason, "expired")
}

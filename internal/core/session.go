package core

import (
	"fmt"
	"time"

	"care-companion/pkg"

	"github.com/google/uuid"
)

// DefaultInactivityTimeout is how long a session survives without messages.
const DefaultInactivityTimeout = 15 * time.Minute

// SessionPolicy decides whether an incoming message continues the current
// session or starts a new one.
type SessionPolicy struct {
	InactivityTimeout time.Duration
	// NewID mints session identifiers; nil uses UUIDv7.
	NewID func() string
}

// SessionResult is the outcome of evaluating a session for one message.
type SessionResult struct {
	History           *pkg.ConversationHistory
	IsNewSession      bool
	PreviousSessionID string
	Reason            string
	Inactivity        time.Duration
}

// DefaultSessionPolicy returns the 15 minute inactivity policy.
func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{InactivityTimeout: DefaultInactivityTimeout}
}

// EvaluateSession applies the default policy.
func EvaluateSession(history *pkg.ConversationHistory, userID string, now time.Time) SessionResult {
	return DefaultSessionPolicy().Evaluate(history, userID, now)
}

// Evaluate returns an updated copy of history with the correct session id
// and activity stamp.  A missing history, or one idle for longer than the
// inactivity timeout, starts a new session; the message log always
// survives the rollover.  The input is never modified.
func (p SessionPolicy) Evaluate(history *pkg.ConversationHistory, userID string, now time.Time) SessionResult {
	if history == nil {
		return SessionResult{
			History: &pkg.ConversationHistory{
				UserID:      userID,
				SessionID:   p.newID(),
				Messages:    []pkg.Message{},
				LastUpdated: now,
			},
			IsNewSession: true,
			Reason:       "No existing session found",
		}
	}

	h := history.Clone()
	if h.UserID == "" {
		h.UserID = userID
	}
	res := SessionResult{History: h, PreviousSessionID: history.SessionID}

	// a zero stamp can't be trusted, so the session counts as expired
	if h.LastUpdated.IsZero() {
		p.rollover(h, now)
		res.IsNewSession = true
		res.Reason = "Session has no recorded activity"
		return res
	}

	res.Inactivity = now.Sub(h.LastUpdated)
	if res.Inactivity > p.timeout() || h.SessionID == "" {
		p.rollover(h, now)
		res.IsNewSession = true
		res.Reason = fmt.Sprintf("Session expired due to %d minutes of inactivity", int(res.Inactivity.Minutes()))
		return res
	}

	h.LastUpdated = now
	pruneTemporary(&h.State)
	res.Reason = "Session is still active"
	return res
}

// Status reports the state of history's session at now.
func (p SessionPolicy) Status(history *pkg.ConversationHistory, now time.Time) pkg.SessionStatus {
	timeoutMinutes := int(p.timeout().Minutes())
	if history == nil {
		return pkg.SessionStatus{TimeoutMinutes: timeoutMinutes, Reason: "No session exists"}
	}
	idle := now.Sub(history.LastUpdated)
	idleMinutes := int(idle.Minutes())
	active := !history.LastUpdated.IsZero() && idle <= p.timeout()
	st := pkg.SessionStatus{
		Exists:              true,
		Active:              active,
		SessionID:           history.SessionID,
		InactivityMinutes:   idleMinutes,
		TimeoutMinutes:      timeoutMinutes,
		WillExpireInMinutes: max(0, timeoutMinutes-idleMinutes),
		MessageCount:        len(history.Messages),
		EstimatedTokens:     CalculateHistoryTokens(history.Messages),
		LastUpdated:         history.LastUpdated,
		Reason:              "Session active",
	}
	if !active {
		st.WillExpireInMinutes = 0
		st.Reason = fmt.Sprintf("Session expired (%d minutes of inactivity)", idleMinutes)
	}
	return st
}

func (p SessionPolicy) rollover(h *pkg.ConversationHistory, now time.Time) {
	h.SessionID = p.newID()
	h.LastUpdated = now
	extra := h.State.Extra
	h.State = pkg.SessionState{Extra: extra}
	pruneTemporary(&h.State)
}

func (p SessionPolicy) timeout() time.Duration {
	if p.InactivityTimeout <= 0 {
		return DefaultInactivityTimeout
	}
	return p.InactivityTimeout
}

func (p SessionPolicy) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.Must(uuid.NewV7()).String()
}

func pruneTemporary(st *pkg.SessionState) {
	for k := range st.Extra {
		if pkg.IsTemporaryKey(k) {
			delete(st.Extra, k)
		}
	}
	if len(st.Extra) == 0 {
		st.Extra = nil
	}
}

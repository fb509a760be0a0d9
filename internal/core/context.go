package core

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"care-companion/pkg"
)

// TurnContext is the ordered message list handed to the agent for one turn.
type TurnContext struct {
	Messages     []pkg.Message
	SessionID    string
	IsNewSession bool
	Tokens       int
	Report       TruncationReport
}

// BuildTurnContext appends newMessage to the session's history, truncates
// it to the truncator's budget and returns preamble, the profile block and
// an optional new-session note followed by the history, oldest first.  The
// session's history is updated in place with the truncated log so the
// caller can persist it.  When the system messages leave less room than
// that, only the returned context is trimmed further; the stored log keeps
// the full budget.  Report.OverBudget is set whenever the assembled context
// still exceeds MaxTokens.
func BuildTurnContext(ctx context.Context, session SessionResult, profile *pkg.User, newMessage pkg.Message, preamble []pkg.Message, t *Truncator, now time.Time) TurnContext {
	if t == nil {
		t = NewTruncator(nil)
	}
	h := session.History

	system := make([]pkg.Message, 0, len(preamble)+2)
	system = append(system, preamble...)
	if profile != nil {
		system = append(system, pkg.NewMessage(pkg.RoleSystem, ProfileBlock(profile, now), now))
	}
	if session.IsNewSession {
		note := NewSessionNote
		if len(h.Messages) > 0 {
			note = ReturningSessionNote
		}
		system = append(system, pkg.NewMessage(pkg.RoleSystem, note, now))
	}

	messages := make([]pkg.Message, 0, len(h.Messages)+1)
	messages = append(messages, h.Messages...)
	messages = append(messages, newMessage)

	stored, report := t.Truncate(ctx, messages)
	h.Messages = stored

	view := stored
	budget := max(t.maxTokens()-CalculateHistoryTokens(system), MessageTokens(newMessage))
	if ShouldTruncate(stored, budget) {
		trimmed, r := t.truncateTo(ctx, stored, budget)
		view = trimmed
		report.Truncated = true
		report.Kept = r.Kept
		report.Tokens = r.Tokens
		report.SummaryAdded = report.SummaryAdded || r.SummaryAdded
		if report.SummaryErr == nil {
			report.SummaryErr = r.SummaryErr
		}
	}

	out := make([]pkg.Message, 0, len(system)+len(view))
	out = append(out, system...)
	out = append(out, view...)
	tokens := CalculateHistoryTokens(out)
	if tokens > t.maxTokens() {
		report.OverBudget = true
	}

	return TurnContext{
		Messages:     out,
		SessionID:    h.SessionID,
		IsNewSession: session.IsNewSession,
		Tokens:       tokens,
		Report:       report,
	}
}

// ProfileBlock renders what the agent should know about the user.
func ProfileBlock(u *pkg.User, now time.Time) string {
	var b strings.Builder
	b.WriteString("User profile:\n")
	if name := u.DisplayName(); name != "" {
		fmt.Fprintf(&b, "- Name: %s\n", name)
	}
	fmt.Fprintf(&b, "- User ID: %s\n", u.UserID)

	tz := u.Timezone
	if tz == "" {
		b.WriteString("- Timezone: unknown (ask before scheduling anything)\n")
	} else {
		fmt.Fprintf(&b, "- Timezone: %s\n", tz)
	}
	if u.Language != "" {
		fmt.Fprintf(&b, "- Language: %s\n", u.Language)
	}

	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	fmt.Fprintf(&b, "- Local time: %s\n", now.In(loc).Format("Monday 2006-01-02 15:04 MST"))

	if u.Notes != "" {
		fmt.Fprintf(&b, "- Notes: %s\n", u.Notes)
	}
	return strings.TrimRight(b.String(), "\n")
}

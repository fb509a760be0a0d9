package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"care-companion/internal/db"
	"care-companion/pkg"

	"github.com/rs/zerolog"
)

// maxSaveAttempts bounds how often a turn is re-applied after losing a
// concurrent write.
const maxSaveAttempts = 3

// HistoryStore loads and saves conversation histories.  GetHistory returns
// nil without error when the user has none yet.  PutHistory returns
// db.ErrConflict when the stored version moved on since the history was
// loaded.
type HistoryStore interface {
	GetHistory(ctx context.Context, userID string) (*pkg.ConversationHistory, error)
	PutHistory(ctx context.Context, h *pkg.ConversationHistory) error
}

// Agent produces a reply for the assembled context.  The tool loop lives
// behind this interface.
type Agent interface {
	Run(ctx context.Context, user *pkg.User, messages []pkg.Message) (pkg.AgentReply, error)
}

// UserReader reloads a user's profile.
type UserReader interface {
	GetUser(ctx context.Context, userID string) (*pkg.User, error)
}

// EventPublisher is notified after every saved turn.
type EventPublisher interface {
	Publish(ctx context.Context, ev pkg.ConversationEvent) error
}

// ChatService runs one conversation turn: it decides the session, builds the
// agent context within the token budget, asks the agent for a reply and
// persists the updated history.
type ChatService struct {
	Histories    HistoryStore
	Agent        Agent
	Sessions     SessionPolicy
	Truncator    *Truncator
	SystemPrompt string
	Events       EventPublisher // optional
	Users        UserReader     // optional; rereads the profile after tools ran
	Now          func() time.Time
	Logger       zerolog.Logger
}

// NewChatService constructs a ChatService with the default session policy
// and history limits.
func NewChatService(histories HistoryStore, agent Agent, logger zerolog.Logger) *ChatService {
	return &ChatService{
		Histories:    histories,
		Agent:        agent,
		Sessions:     DefaultSessionPolicy(),
		Truncator:    NewTruncator(nil),
		SystemPrompt: SystemPrompt,
		Now:          time.Now,
		Logger:       logger.With().Str("component", "chat").Logger(),
	}
}

// Turn is one inbound user message.
type Turn struct {
	User *pkg.User
	Text string
	// Note is an extra system instruction for this turn only, e.g. the
	// outcome of reading a prescription photo.  It is not persisted.
	Note string
}

// TurnResult is what the caller needs to answer the user.
type TurnResult struct {
	Reply        string
	SessionID    string
	IsNewSession bool
	Report       TruncationReport
}

// Reply handles a user message and returns the assistant's answer.  When the
// agent fails a fallback reply is returned together with the agent's error,
// so the caller can still answer the user; only the user's message is
// stored in that case.  Store errors are returned without a result.
func (s *ChatService) Reply(ctx context.Context, turn Turn) (*TurnResult, error) {
	if turn.User == nil || turn.User.UserID == "" {
		return nil, errors.New("chat: turn has no user")
	}
	userID := turn.User.UserID
	now := s.now()
	log := s.Logger.With().Str("user_id", userID).Logger()

	history, err := s.Histories.GetHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	session := s.Sessions.Evaluate(history, userID, now)
	if session.IsNewSession {
		log.Info().
			Str("session_id", session.History.SessionID).
			Str("previous_session_id", session.PreviousSessionID).
			Str("reason", session.Reason).
			Msg("starting new session")
	}

	preamble := []pkg.Message{pkg.NewMessage(pkg.RoleSystem, s.systemPrompt(), now)}
	if turn.Note != "" {
		preamble = append(preamble, pkg.NewMessage(pkg.RoleSystem, turn.Note, now))
	}
	userMsg := pkg.NewMessage(pkg.RoleUser, turn.Text, now)

	tc := BuildTurnContext(ctx, session, turn.User, userMsg, preamble, s.Truncator, now)
	if tc.Report.OverBudget {
		log.Warn().Int("tokens", tc.Tokens).Msg("context exceeds token budget even after truncation")
	}
	if tc.Report.SummaryErr != nil {
		log.Warn().Err(tc.Report.SummaryErr).Msg("summary fell back to extractive text")
	}
	if tc.Report.Truncated {
		log.Debug().
			Int("original", tc.Report.OriginalCount).
			Int("kept", tc.Report.Kept).
			Int("summarized", tc.Report.Summarized).
			Msg("history truncated")
	}

	h := session.History
	appended := []pkg.Message{userMsg}

	out, agentErr := s.Agent.Run(ctx, turn.User, tc.Messages)
	reply := out.Text
	if agentErr != nil {
		log.Error().Err(agentErr).Str("session_id", h.SessionID).Int("iterations", out.Iterations).Msg("agent failed")
		reply = FallbackReply
	} else {
		answer := pkg.NewMessage(pkg.RoleAssistant, reply, s.now())
		h.Messages = append(h.Messages, answer)
		h.State.GreetingSent = true
		if n := len(out.ToolsUsed); n > 0 {
			h.State.LastTool = out.ToolsUsed[n-1]
		}
		appended = append(appended, answer)
	}
	h.State.AwaitingTimezone = s.timezoneMissing(ctx, turn.User, out.ToolsUsed, log)

	saved, err := s.save(ctx, h, appended, now)
	if err != nil {
		return nil, err
	}

	if s.Events != nil {
		ev := pkg.ConversationEvent{
			Type:       "turn",
			UserID:     userID,
			SessionID:  saved.SessionID,
			NewSession: session.IsNewSession,
			Messages:   len(saved.Messages),
			At:         now,
		}
		if err := s.Events.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Msg("failed to publish conversation event")
		}
	}

	return &TurnResult{
		Reply:        reply,
		SessionID:    saved.SessionID,
		IsNewSession: session.IsNewSession,
		Report:       tc.Report,
	}, agentErr
}

// save writes h, re-applying this turn's messages on top of the latest
// stored history when another writer got there first.
func (s *ChatService) save(ctx context.Context, h *pkg.ConversationHistory, appended []pkg.Message, now time.Time) (*pkg.ConversationHistory, error) {
	for attempt := 1; ; attempt++ {
		err := s.Histories.PutHistory(ctx, h)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, db.ErrConflict) || attempt == maxSaveAttempts {
			return nil, fmt.Errorf("save history: %w", err)
		}

		s.Logger.Warn().Str("user_id", h.UserID).Int("attempt", attempt).Msg("history changed concurrently, retrying")
		latest, err := s.Histories.GetHistory(ctx, h.UserID)
		if err != nil {
			return nil, fmt.Errorf("reload history: %w", err)
		}
		if latest == nil {
			h.Version = 0
			continue
		}
		merged := latest.Clone()
		merged.Messages = append(merged.Messages, appended...)
		if s.Truncator != nil && !s.Truncator.Fits(merged.Messages) {
			merged.Messages, _ = s.Truncator.Truncate(ctx, merged.Messages)
		}
		merged.LastUpdated = now
		merged.State.GreetingSent = merged.State.GreetingSent || h.State.GreetingSent
		merged.State.AwaitingTimezone = h.State.AwaitingTimezone
		if h.State.LastTool != "" {
			merged.State.LastTool = h.State.LastTool
		}
		h = merged
	}
}

// timezoneMissing reports whether the user still has no timezone.  Tools
// may have saved one during the turn, so the profile is read again then.
func (s *ChatService) timezoneMissing(ctx context.Context, u *pkg.User, toolsUsed []string, log zerolog.Logger) bool {
	if u.Timezone != "" || len(toolsUsed) == 0 || s.Users == nil {
		return u.Timezone == ""
	}
	fresh, err := s.Users.GetUser(ctx, u.UserID)
	if err != nil {
		log.Debug().Err(err).Msg("could not reload profile after tools")
		return true
	}
	return fresh.Timezone == ""
}

// SessionStatus reports the current session of a user.
func (s *ChatService) SessionStatus(ctx context.Context, userID string) (pkg.SessionStatus, error) {
	history, err := s.Histories.GetHistory(ctx, userID)
	if err != nil {
		return pkg.SessionStatus{}, fmt.Errorf("load history: %w", err)
	}
	return s.Sessions.Status(history, s.now()), nil
}

func (s *ChatService) systemPrompt() string {
	if s.SystemPrompt == "" {
		return SystemPrompt
	}
	return s.SystemPrompt
}

func (s *ChatService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now().UTC()
}

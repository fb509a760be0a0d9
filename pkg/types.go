package pkg

import (
	"strings"
	"time"
)

// Role describes who authored a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a conversation history.  Messages are
// appended and never edited once stored.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessage builds a message stamped with the given time.
func NewMessage(role Role, content string, at time.Time) Message {
	return Message{Role: role, Content: content, CreatedAt: at}
}

// SessionState holds the bookkeeping the assistant keeps between turns.
// Everything except the non-temporary Extra keys belongs to the current
// session and is reset when a new session begins.
type SessionState struct {
	GreetingSent     bool              `json:"greeting_sent,omitempty"`
	AwaitingTimezone bool              `json:"awaiting_timezone,omitempty"`
	LastTool         string            `json:"last_tool,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// IsTemporaryKey reports whether an Extra key only lives for a single
// evaluation of the session.
func IsTemporaryKey(key string) bool {
	return strings.HasPrefix(key, "temp_") || strings.HasPrefix(key, "debug_")
}

// ConversationHistory is the per-user conversation record.  It is loaded and
// saved once per turn; Version guards against concurrent writers.
type ConversationHistory struct {
	UserID      string       `json:"user_id"`
	SessionID   string       `json:"session_id"`
	Messages    []Message    `json:"messages"`
	State       SessionState `json:"state"`
	LastUpdated time.Time    `json:"last_updated"`
	Version     int64        `json:"version"`
}

// Clone returns a copy that shares no slices or maps with h.
func (h *ConversationHistory) Clone() *ConversationHistory {
	if h == nil {
		return nil
	}
	out := *h
	out.Messages = append([]Message(nil), h.Messages...)
	if h.State.Extra != nil {
		out.State.Extra = make(map[string]string, len(h.State.Extra))
		for k, v := range h.State.Extra {
			out.State.Extra[k] = v
		}
	}
	return &out
}

// User is the internal profile of a person talking to the bot.
type User struct {
	UserID    string    `json:"user_id"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Username  string    `json:"username,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	Language  string    `json:"language,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the friendliest name we know for the user.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

// Identity links an external account (e.g. a Telegram chat) to a user.
type Identity struct {
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProviderTelegram is the identity provider name for Telegram chats.
const ProviderTelegram = "telegram"

// Prescription statuses.
const (
	StatusActive       = "active"
	StatusInactive     = "inactive"
	StatusCompleted    = "completed"
	StatusDiscontinued = "discontinued"
)

// Prescription is a medication the user has been prescribed, optionally with
// a daily reminder schedule expressed as HH:MM times in the user's timezone.
type Prescription struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	Dosage         string     `json:"dosage"`
	Frequency      string     `json:"frequency"`
	TotalAmount    string     `json:"total_amount,omitempty"`
	Instructions   string     `json:"instructions,omitempty"`
	Status         string     `json:"status"`
	Source         string     `json:"source,omitempty"`
	ScheduleTimes  []string   `json:"schedule_times,omitempty"`
	ScheduleUntil  *time.Time `json:"schedule_until,omitempty"`
	LastRemindedAt *time.Time `json:"last_reminded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ScheduledDose is a scheduled prescription joined with what is needed to
// deliver its reminder.
type ScheduledDose struct {
	Prescription Prescription
	ChatID       string
	Timezone     string
}

// Attachment is a file the user sent us (e.g. a photo of a prescription).
type Attachment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FileID    string    `json:"file_id"`
	MimeType  string    `json:"mime_type"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatRequest is the body of the direct chat API.
type ChatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// ChatResponse contains the assistant's reply and the session it belongs to.
type ChatResponse struct {
	Reply      string `json:"reply"`
	SessionID  string `json:"session_id"`
	NewSession bool   `json:"new_session"`
}

// SessionStatus describes the state of a user's current session.
type SessionStatus struct {
	Exists              bool      `json:"exists"`
	Active              bool      `json:"active"`
	SessionID           string    `json:"session_id,omitempty"`
	InactivityMinutes   int       `json:"inactivity_minutes"`
	TimeoutMinutes      int       `json:"timeout_minutes"`
	WillExpireInMinutes int       `json:"will_expire_in_minutes"`
	MessageCount        int       `json:"message_count"`
	EstimatedTokens     int       `json:"estimated_tokens"`
	LastUpdated         time.Time `json:"last_updated,omitempty"`
	Reason              string    `json:"reason"`
}

// AgentReply is the outcome of one agent run.
type AgentReply struct {
	Text       string
	ToolsUsed  []string
	Iterations int
}

// ConversationEvent is published whenever a turn is saved.
type ConversationEvent struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	NewSession bool      `json:"new_session"`
	Messages   int       `json:"messages"`
	At         time.Time `json:"at"`
}

package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrNoMessage is returned for updates that carry no user message, e.g.
// inline queries or membership changes.  They are acknowledged and dropped.
var ErrNoMessage = errors.New("telegram: update has no message")

// Kind classifies an inbound message.
type Kind string

const (
	KindText        Kind = "text"
	KindPhoto       Kind = "photo"
	KindUnsupported Kind = "unsupported"
)

// Inbound is the part of a Telegram update the bot acts on.
type Inbound struct {
	UpdateID  int
	ChatID    int64
	Kind      Kind
	Text      string // message text or photo caption
	FileID    string // set for photos
	MimeType  string // set for image documents
	FirstName string
	LastName  string
	Username  string
	Language  string
}

// ExternalID is the identity key for the sender's chat.
func (in *Inbound) ExternalID() string {
	return strconv.FormatInt(in.ChatID, 10)
}

// ParseUpdate decodes a webhook body.
func ParseUpdate(body []byte) (*Inbound, error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		return nil, ErrNoMessage
	}

	in := &Inbound{UpdateID: u.UpdateID, ChatID: msg.Chat.ID}
	if msg.From != nil {
		in.FirstName = msg.From.FirstName
		in.LastName = msg.From.LastName
		in.Username = msg.From.UserName
		in.Language = msg.From.LanguageCode
	}

	switch {
	case len(msg.Photo) > 0:
		// sizes are sent smallest first
		in.Kind = KindPhoto
		in.FileID = msg.Photo[len(msg.Photo)-1].FileID
		in.Text = strings.TrimSpace(msg.Caption)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		in.Kind = KindPhoto
		in.FileID = msg.Document.FileID
		in.MimeType = msg.Document.MimeType
		in.Text = strings.TrimSpace(msg.Caption)
	case strings.TrimSpace(msg.Text) != "":
		in.Kind = KindText
		in.Text = strings.TrimSpace(msg.Text)
	default:
		in.Kind = KindUnsupported
	}
	return in, nil
}

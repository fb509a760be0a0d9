package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"care-companion/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// DefaultMaxFileBytes caps downloads; Telegram bots can't fetch files over
// 20MB anyway.
const DefaultMaxFileBytes = 20 << 20

// ErrFileTooLarge is returned when a download exceeds MaxFileBytes.
var ErrFileTooLarge = errors.New("telegram: file too large")

// BotAPI is the part of *tgbotapi.BotAPI the client uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Client sends replies and fetches attachments through the Bot API.
type Client struct {
	Bot          BotAPI
	HTTP         *http.Client
	MaxFileBytes int64
	Logger       zerolog.Logger
}

// NewClient connects to the Bot API with the configured token.
func NewClient(cfg config.TelegramConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram: bot token is not configured")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	logger.Info().Str("bot", bot.Self.UserName).Msg("connected to telegram")
	return NewClientWithBot(bot, logger), nil
}

// NewClientWithBot wraps an existing bot, e.g. a fake in tests.
func NewClientWithBot(bot BotAPI, logger zerolog.Logger) *Client {
	return &Client{
		Bot:          bot,
		HTTP:         &http.Client{Timeout: 60 * time.Second},
		MaxFileBytes: DefaultMaxFileBytes,
		Logger:       logger.With().Str("component", "telegram").Logger(),
	}
}

// SendText delivers text to chatID, split into as many messages as needed.
// Each part is sent as HTML first and retried as plain text when Telegram
// rejects the markup.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	parts := SplitMessage(FormatReply(text), MaxMessageLength)
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		_, err := c.Bot.Send(msg)
		if err == nil {
			continue
		}
		if !isBadRequest(err) {
			return fmt.Errorf("telegram: send part %d/%d: %w", i+1, len(parts), err)
		}

		c.Logger.Warn().Err(err).Int64("chat_id", chatID).Msg("html rejected, retrying as plain text")
		msg.ParseMode = ""
		msg.Text = PlainText(part)
		if _, err := c.Bot.Send(msg); err != nil {
			return fmt.Errorf("telegram: send plain part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

// SendTyping shows the typing indicator while a reply is being prepared.
func (c *Client) SendTyping(chatID int64) error {
	_, err := c.Bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// SendDocument uploads data as a file named name, e.g. a calendar export.
func (c *Client) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	if _, err := c.Bot.Send(doc); err != nil {
		return fmt.Errorf("telegram: send document %s: %w", name, err)
	}
	return nil
}

// DownloadFile fetches a file the user sent and returns its bytes and MIME
// type.  Telegram serves most files as application/octet-stream, so the
// type is sniffed from the content in that case.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	url, err := c.Bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram: download: unexpected status %s", resp.Status)
	}

	limit := c.MaxFileBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", ErrFileTooLarge
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func isBadRequest(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusBadRequest
	}
	return false
}

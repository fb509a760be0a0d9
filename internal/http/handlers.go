package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"care-companion/internal/core"
	"care-companion/internal/db"
	"care-companion/internal/telegram"
	"care-companion/internal/tools"
	"care-companion/pkg"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	maxWebhookBody   = 1 << 20
	processTimeout   = 2 * time.Minute
	sseKeepAlive     = 30 * time.Second
	webhookSecretHdr = "X-Telegram-Bot-Api-Secret-Token"
)

// ChatService runs conversation turns.
type ChatService interface {
	Reply(ctx context.Context, turn core.Turn) (*core.TurnResult, error)
	SessionStatus(ctx context.Context, userID string) (pkg.SessionStatus, error)
}

// IdentityResolver maps a chat account to an internal user.
type IdentityResolver interface {
	Resolve(ctx context.Context, provider, externalID string, p core.Profile) (*pkg.User, bool, error)
}

// UserStore looks users up for the direct API.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*pkg.User, error)
}

// Messenger talks to the chat platform.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendTyping(chatID int64) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// EventSource streams conversation events, e.g. *db.Notifier.
type EventSource interface {
	Listen(ctx context.Context) (<-chan pkg.ConversationEvent, error)
}

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Chat          ChatService
	Identities    IdentityResolver
	Users         UserStore
	Messenger     Messenger
	Photos        *PhotoIntake // nil disables photo reading
	Events        EventSource  // nil disables /api/events
	WebhookSecret string
	Logger        zerolog.Logger

	wg conc.WaitGroup
}

// NewServer constructs a Server.
func NewServer(chat ChatService, identities IdentityResolver, users UserStore, messenger Messenger, logger zerolog.Logger) *Server {
	return &Server{
		Chat:       chat,
		Identities: identities,
		Users:      users,
		Messenger:  messenger,
		Logger:     logger.With().Str("component", "http").Logger(),
	}
}

// ServeHTTP dispatches incoming requests based on the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	// Telegram webhook: POST /webhook
	case path == "/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	// Direct chat: POST /api/chat
	case path == "/api/chat" && r.Method == http.MethodPost:
		s.handleChat(w, r)
	// Session status: GET /api/users/{id}/session
	case strings.HasPrefix(path, "/api/users/") && strings.HasSuffix(path, "/session") && r.Method == http.MethodGet:
		parts := strings.Split(path, "/")
		if len(parts) != 5 || parts[3] == "" {
			http.NotFound(w, r)
			return
		}
		s.handleSessionStatus(w, r, parts[3])
	// Event stream: GET /api/events[?user_id=...]
	case path == "/api/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Wait blocks until every update accepted by the webhook has been handled.
func (s *Server) Wait() {
	s.wg.Wait()
}

// handleWebhook acknowledges a Telegram update right away and processes it
// in the background, so slow model calls don't trigger Telegram's retries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.WebhookSecret != "" {
		got := r.Header.Get(webhookSecretHdr)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.WebhookSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	in, err := telegram.ParseUpdate(body)
	switch {
	case errors.Is(err, telegram.ErrNoMessage):
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	// the request context ends with this handler
	ctx := context.WithoutCancel(r.Context())
	s.wg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, processTimeout)
		defer cancel()
		if rec := panics.Try(func() { s.processUpdate(ctx, in) }); rec != nil {
			s.Logger.Error().Int("update_id", in.UpdateID).Str("panic", rec.String()).Msg("update handler panicked")
		}
	})
	w.WriteHeader(http.StatusOK)
}

// processUpdate answers one inbound message.
func (s *Server) processUpdate(ctx context.Context, in *telegram.Inbound) {
	log := s.Logger.With().Int("update_id", in.UpdateID).Int64("chat_id", in.ChatID).Str("kind", string(in.Kind)).Logger()

	user, created, err := s.Identities.Resolve(ctx, pkg.ProviderTelegram, in.ExternalID(), core.Profile{
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Username:  in.Username,
		Language:  in.Language,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve user")
		s.send(ctx, log, in.ChatID, core.FallbackReply)
		return
	}
	log = log.With().Str("user_id", user.UserID).Logger()
	if created {
		log.Info().Msg("new user")
	}

	var turn core.Turn
	switch in.Kind {
	case telegram.KindUnsupported:
		s.send(ctx, log, in.ChatID, core.UnsupportedContentReply)
		return
	case telegram.KindPhoto:
		turn = s.photoTurn(ctx, log, user, in)
	default:
		turn = core.Turn{User: user, Text: in.Text}
	}

	if err := s.Messenger.SendTyping(in.ChatID); err != nil {
		log.Debug().Err(err).Msg("typing indicator failed")
	}
	res, err := s.Chat.Reply(ctx, turn)
	if res == nil {
		log.Error().Err(err).Msg("chat turn failed")
		s.send(ctx, log, in.ChatID, core.FallbackReply)
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("answered with fallback reply")
	}
	s.send(ctx, log, in.ChatID, res.Reply)
}

func (s *Server) send(ctx context.Context, log zerolog.Logger, chatID int64, text string) {
	if err := s.Messenger.SendText(ctx, chatID, text); err != nil {
		log.Error().Err(err).Msg("failed to send reply")
	}
}

// photoTurn reads a prescription photo and returns the turn that tells the
// agent what was found.
func (s *Server) photoTurn(ctx context.Context, log zerolog.Logger, user *pkg.User, in *telegram.Inbound) core.Turn {
	turn := core.Turn{User: user, Text: in.Text}
	if turn.Text == "" {
		turn.Text = core.PhotoTurnText
	}
	if s.Photos == nil {
		turn.Note = core.PhotoUnreadableNote
		return turn
	}

	s.send(ctx, log, in.ChatID, core.PhotoReceivedReply)
	note, err := s.Photos.Process(ctx, user.UserID, in.FileID, in.MimeType)
	if err != nil {
		log.Warn().Err(err).Msg("prescription photo not read")
	}
	turn.Note = note
	return turn
}

// handleChat runs a turn for an existing user without going through
// Telegram.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pkg.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Message = strings.TrimSpace(req.Message)
	if req.UserID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	ctx := r.Context()
	user, err := s.Users.GetUser(ctx, req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		s.Logger.Error().Err(err).Msg("failed to load user")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	res, err := s.Chat.Reply(ctx, core.Turn{User: user, Text: req.Message})
	if res == nil {
		s.Logger.Error().Err(err).Str("user_id", user.UserID).Msg("chat turn failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err != nil {
		s.Logger.Warn().Err(err).Str("user_id", user.UserID).Msg("answered with fallback reply")
	}
	writeJSON(w, http.StatusOK, pkg.ChatResponse{
		Reply:      res.Reply,
		SessionID:  res.SessionID,
		NewSession: res.IsNewSession,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request, userID string) {
	st, err := s.Chat.SessionStatus(r.Context(), userID)
	if err != nil {
		s.Logger.Error().Err(err).Str("user_id", userID).Msg("failed to load session status")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEvents streams conversation events using SSE until the client goes
// away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	ctx := r.Context()
	events, err := s.Events.Listen(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("failed to subscribe to events")
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	userID := r.URL.Query().Get("user_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if userID != "" && ev.UserID != userID {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				s.Logger.Debug().Err(err).Msg("event stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev pkg.ConversationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// compile-time checks for the production implementations
var (
	_ EventSource      = (*db.Notifier)(nil)
	_ Messenger        = (*telegram.Client)(nil)
	_ UserStore        = (*db.Repository)(nil)
	_ ChatService      = (*core.ChatService)(nil)
	_ IdentityResolver = (*core.IdentityResolver)(nil)
	_ PhotoStore       = (*db.Repository)(nil)
	_ Extractor        = (*tools.PrescriptionExtractor)(nil)
)

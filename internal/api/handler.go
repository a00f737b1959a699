// Package api serves the daemon's control API: JSON over HTTP, routed with
// chi and mounted on the profile's Unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matheus3301/gochat/internal/archive"
	"github.com/matheus3301/gochat/internal/chat"
	"github.com/matheus3301/gochat/internal/conn"
	"github.com/matheus3301/gochat/internal/conversation"
	"github.com/matheus3301/gochat/internal/metrics"
	"github.com/matheus3301/gochat/internal/profile"
	"github.com/matheus3301/gochat/internal/rest"
	"github.com/matheus3301/gochat/internal/store"
)

// SourceArchive selects the sqlite transcript instead of live memory.
const SourceArchive = "archive"

var (
	errBadRequest = errors.New("bad request")
	errNoArchive  = errors.New("archive not enabled")
	errNoConv     = errors.New("conversation not found")
	errNoIdentity = errors.New("no credential: pass username or token, or set one in config")
)

// Session is the part of chat.Session the API drives.
type Session interface {
	Snapshot(ctx context.Context) (chat.Snapshot, error)
	Login(ctx context.Context, cred conn.Credential) error
	Reconnect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Conversations(ctx context.Context) ([]conversation.Summary, error)
	Messages(ctx context.Context, key string) ([]conversation.Message, error)
	SendText(ctx context.Context, key, text string) (conversation.Message, error)
	SendFile(ctx context.Context, key, path string) (conversation.Message, error)
	Resend(ctx context.Context, localID string) (conversation.Message, error)
	NoteTyping(ctx context.Context, key string) error
	RequestHistory(ctx context.Context, key string, limit int) error
}

// Authenticator trades a password for a token.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// Deps are the collaborators of the handler. Auth, Archive and Metrics may
// be nil.
type Deps struct {
	Profile string
	Session Session
	Auth    Authenticator
	Default conn.Credential
	Archive *store.DB
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Profile string `json:"profile"`
	chat.Snapshot
	// ArchivedMessages is set when the archive is enabled.
	ArchivedMessages *int64 `json:"archivedMessages,omitempty"`
}

// PresenceResponse is the body of GET /v1/presence.
type PresenceResponse struct {
	Online []string `json:"online"`
	Typing []string `json:"typing"`
}

type handler struct {
	Deps
}

// NewHandler builds the router.
func NewHandler(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("api")
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Handle("/metrics", d.Metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/connect", h.connect)
		r.Post("/disconnect", h.disconnect)
		r.Get("/presence", h.presence)
		r.Get("/conversations", h.conversations)
		r.Route("/conversations/{key}", func(r chi.Router) {
			r.Get("/", h.conversation)
			r.Get("/messages", h.messages)
			r.Post("/messages", h.send)
			r.Post("/files", h.sendFile)
			r.Post("/typing", h.typing)
			r.Post("/history", h.history)
		})
		r.Post("/messages/{localID}/resend", h.resend)
	})
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Session.Snapshot(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := StatusResponse{Profile: h.Profile, Snapshot: snap}
	if h.Archive != nil {
		n, err := h.Archive.MessageCount()
		if err != nil {
			h.fail(w, err)
			return
		}
		resp.ArchivedMessages = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	ctx := r.Context()

	if req.Username == "" && req.Token == "" {
		snap, err := h.Session.Snapshot(ctx)
		if err != nil {
			h.fail(w, err)
			return
		}
		if snap.Identity != "" {
			if err := h.Session.Reconnect(ctx); err != nil {
				h.fail(w, err)
				return
			}
			h.status(w, r)
			return
		}
		req.Username, req.Token = h.Default.Username, h.Default.Token
	}
	if req.Username == "" && req.Token == "" {
		h.fail(w, fmt.Errorf("%w: %w", errBadRequest, errNoIdentity))
		return
	}

	cred := conn.Credential{Username: req.Username, Token: req.Token}
	if req.Password != "" {
		if h.Auth == nil {
			h.fail(w, fmt.Errorf("%w: password login needs server.api_url", errBadRequest))
			return
		}
		token, err := h.Auth.Login(ctx, req.Username, req.Password)
		if err != nil {
			h.fail(w, fmt.Errorf("login: %w", err))
			return
		}
		cred.Token = token
	}
	if cred.Token == "" {
		if err := profile.ValidateUsername(cred.Username); err != nil {
			h.fail(w, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
	}
	if err := h.Session.Login(ctx, cred); err != nil {
		h.fail(w, err)
		return
	}
	h.status(w, r)
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Disconnect(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	h.status(w, r)
}

func (h *handler) presence(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Session.Snapshot(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PresenceResponse{Online: nonNil(snap.Online), Typing: nonNil(snap.Typing)})
}

func (h *handler) conversations(w http.ResponseWriter, r *http.Request) {
	out := []Conversation{}
	if r.URL.Query().Get("source") == SourceArchive {
		if h.Archive == nil {
			h.fail(w, errNoArchive)
			return
		}
		limit, err := intParam(r, "limit", 50)
		if err != nil {
			h.fail(w, err)
			return
		}
		offset, err := intParam(r, "offset", 0)
		if err != nil {
			h.fail(w, err)
			return
		}
		rows, err := h.Archive.ListConversations(limit, offset)
		if err != nil {
			h.fail(w, err)
			return
		}
		for _, c := range rows {
			out = append(out, archivedView(c))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	list, err := h.Session.Conversations(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	for _, s := range list {
		out = append(out, summaryView(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) conversation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if r.URL.Query().Get("source") == SourceArchive {
		if h.Archive == nil {
			h.fail(w, errNoArchive)
			return
		}
		c, err := h.Archive.GetConversation(key)
		if err != nil {
			h.fail(w, err)
			return
		}
		if c == nil {
			h.fail(w, fmt.Errorf("%s: %w", key, errNoConv))
			return
		}
		writeJSON(w, http.StatusOK, archivedView(*c))
		return
	}

	list, err := h.Session.Conversations(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	for _, s := range list {
		if s.Key == key {
			writeJSON(w, http.StatusOK, summaryView(s))
			return
		}
	}
	h.fail(w, fmt.Errorf("%s: %w", key, errNoConv))
}

func (h *handler) messages(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var (
		list []conversation.Message
		err  error
	)
	if r.URL.Query().Get("source") == SourceArchive {
		list, err = h.archived(r, key)
	} else {
		list, err = h.Session.Messages(r.Context(), key)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageViews(list))
}

func (h *handler) archived(r *http.Request, key string) ([]conversation.Message, error) {
	if h.Archive == nil {
		return nil, errNoArchive
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		return nil, err
	}
	before, err := intParam(r, "before", 0)
	if err != nil {
		return nil, err
	}
	return archive.History(h.Archive, key, int64(before), limit)
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	msg, err := h.Session.SendText(r.Context(), chi.URLParam(r, "key"), req.Content)
	h.reply(w, msg, err)
}

func (h *handler) sendFile(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if req.Path == "" {
		h.fail(w, fmt.Errorf("%w: path is required", errBadRequest))
		return
	}
	msg, err := h.Session.SendFile(r.Context(), chi.URLParam(r, "key"), req.Path)
	h.reply(w, msg, err)
}

func (h *handler) resend(w http.ResponseWriter, r *http.Request) {
	msg, err := h.Session.Resend(r.Context(), chi.URLParam(r, "localID"))
	h.reply(w, msg, err)
}

func (h *handler) typing(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.NoteTyping(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	var req HistoryRequest
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.Session.RequestHistory(r.Context(), chi.URLParam(r, "key"), req.Limit); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// reply writes msg as 202 Accepted. A send that failed after its entry was
// recorded still reports the error.
func (h *handler) reply(w http.ResponseWriter, msg conversation.Message, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageView(msg))
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

// StatusCode maps domain errors onto HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, conn.ErrNotConnected), errors.Is(err, conn.ErrAlreadyActive), errors.Is(err, conversation.ErrNotFailed):
		return http.StatusConflict
	case errors.Is(err, errBadRequest), errors.Is(err, conversation.ErrInvalidDraft),
		errors.Is(err, conversation.ErrOversizeAttachment), errors.Is(err, rest.ErrTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrUnknownMessage), errors.Is(err, errNoArchive), errors.Is(err, errNoConv):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNoUploader):
		return http.StatusNotImplemented
	case errors.Is(err, conn.ErrSendBufferFull):
		return http.StatusServiceUnavailable
	}
	var se *rest.StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

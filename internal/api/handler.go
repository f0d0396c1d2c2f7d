// Package api serves the REST surface: accounts, the roster, threads,
// sending and single-message acknowledgment, plus stored media.
package api

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/apperr"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/media"
	"github.com/whisper/directchat/internal/model"
	"github.com/whisper/directchat/internal/user"
)

// UserService is the account side of the API.
type UserService interface {
	Signup(ctx context.Context, in user.SignupInput) (user.Session, error)
	Login(ctx context.Context, in user.LoginInput) (user.Session, error)
	Me(ctx context.Context, id string) (model.User, error)
	UpdateProfile(ctx context.Context, id string, in user.UpdateInput) (model.User, error)
}

// ChatService is the conversation side of the API.
type ChatService interface {
	Roster(ctx context.Context, me string) (model.Roster, error)
	Thread(ctx context.Context, me, peer string) ([]model.Message, error)
	Send(ctx context.Context, me, peer string, in chat.SendInput) (model.Message, error)
	MarkSeen(ctx context.Context, me, messageID string) (model.Message, error)
}

// MediaReader serves stored blobs.
type MediaReader interface {
	Get(ctx context.Context, id string) (media.Blob, []byte, error)
}

// Options tune the HTTP layer.
type Options struct {
	CookieSecure bool
}

// Handler serves the REST routes.
type Handler struct {
	users  UserService
	chat   ChatService
	media  MediaReader
	auth   Authenticator
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(users UserService, chatSvc ChatService, mediaReader MediaReader, authn Authenticator, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		users:  users,
		chat:   chatSvc,
		media:  mediaReader,
		auth:   authn,
		opts:   opts,
		logger: logger,
	}
}

// Mount registers every route on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/users/signup", h.signup)
	mux.HandleFunc("POST /api/users/login", h.login)
	mux.HandleFunc("GET /api/users/is-auth", h.requireAuth(h.isAuth))
	mux.HandleFunc("GET /api/users/logout", h.requireAuth(h.logout))
	mux.HandleFunc("PUT /api/users/update-profile", h.requireAuth(h.updateProfile))

	mux.HandleFunc("GET /api/messages/users", h.requireAuth(h.roster))
	mux.HandleFunc("GET /api/messages/{id}", h.requireAuth(h.thread))
	mux.HandleFunc("PUT /api/messages/mark/{id}", h.requireAuth(h.markSeen))
	mux.HandleFunc("POST /api/messages/send/{id}", h.requireAuth(h.send))

	mux.HandleFunc("GET "+media.URLPrefix+"{id}", h.serveMedia)
}

type userData struct {
	User model.User `json:"user"`
}

func (h *Handler) signup(w http.ResponseWriter, r *http.Request) {
	var in user.SignupInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	s, err := h.users.Signup(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	auth.SetCookie(w, s.Token, s.ExpiresAt, h.opts.CookieSecure)
	writeJSON(w, http.StatusCreated, userData{User: s.User}, "account created")
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var in user.LoginInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	s, err := h.users.Login(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	auth.SetCookie(w, s.Token, s.ExpiresAt, h.opts.CookieSecure)
	writeJSON(w, http.StatusOK, userData{User: s.User}, "logged in")
}

func (h *Handler) isAuth(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.UserID(r.Context())
	u, err := h.users.Me(r.Context(), me)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, userData{User: u}, "authenticated")
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookie(w, h.opts.CookieSecure)
	writeJSON(w, http.StatusOK, struct{}{}, "logged out")
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in user.UpdateInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	me, _ := auth.UserID(r.Context())
	u, err := h.users.UpdateProfile(r.Context(), me, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, userData{User: u}, "profile updated")
}

func (h *Handler) roster(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.UserID(r.Context())
	roster, err := h.chat.Roster(r.Context(), me)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if roster.Users == nil {
		roster.Users = []model.User{}
	}
	if roster.UnseenMessages == nil {
		roster.UnseenMessages = map[string]int{}
	}
	writeJSON(w, http.StatusOK, roster, "users fetched")
}

func (h *Handler) thread(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.UserID(r.Context())
	msgs, err := h.chat.Thread(r.Context(), me, r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, struct {
		Messages []model.Message `json:"messages"`
	}{msgs}, "messages fetched")
}

func (h *Handler) markSeen(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.UserID(r.Context())
	m, err := h.chat.MarkSeen(r.Context(), me, r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m, "message marked as seen")
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var in chat.SendInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	me, _ := auth.UserID(r.Context())
	m, err := h.chat.Send(r.Context(), me, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Message model.Message `json:"message"`
	}{m}, "message sent")
}

func (h *Handler) serveMedia(w http.ResponseWriter, r *http.Request) {
	blob, data, err := h.media.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			http.NotFound(w, r)
			return
		}
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	// Blob ids are content-independent and never reused.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/usecase/auditlog"
	"tg-audit-bot/internal/usecase/auth"
	"tg-audit-bot/internal/usecase/vault"
)

// sessionCookie — имя cookie с идентификатором сессии.
const sessionCookie = "session_id"

// sessionMaxAge — срок жизни cookie сессии.
const sessionMaxAge = 24 * time.Hour

type contextKey struct{}

// Handler обслуживает веб-поверхность журнала: вход, выход и
// аутентифицированные выборки.
type Handler struct {
	auth  *auth.Service
	vault *vault.Service
	audit *auditlog.Service
	log   zerolog.Logger
}

// NewHandler создаёт веб-обработчик.
func NewHandler(authSvc *auth.Service, vaultSvc *vault.Service, auditSvc *auditlog.Service, log zerolog.Logger) *Handler {
	return &Handler{auth: authSvc, vault: vaultSvc, audit: auditSvc, log: log}
}

// Register навешивает маршруты на роутер.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/auth/redirect", h.authRedirect)
	r.Get("/api/auth/token", h.authToken)

	r.Group(func(r chi.Router) {
		r.Use(h.withSession)
		r.Get("/api/auth/login", h.authLogin)
		r.Get("/api/auth/logout", h.authLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser, h.guardOrigin)
			r.Get("/api/users", h.listUsers)
			r.Get("/api/users/{group_id}", h.listGroupUsers)
			r.Get("/api/groups", h.listGroups)
			r.Get("/api/messages", h.listMessages)
		})
	})
}

// withSession разрешает cookie-сессию в пользователя; при отсутствии
// сессии запрос продолжается анонимно.
func (h *Handler) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := ""
		if c, err := r.Cookie(sessionCookie); err == nil {
			sessionID = c.Value
		}
		user, err := h.auth.ResolveSession(sessionID)
		if err != nil {
			h.log.Error().Err(err).Msg("web: разрешение сессии")
		}
		ctx := context.WithValue(r.Context(), contextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionUser(r) == nil {
			writeError(w, http.StatusForbidden, "Not logged in.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// guardOrigin отклоняет запросы выборки с чужих источников.
func (h *Handler) guardOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.auth.CheckOrigin(r.Header.Get("Origin"), r.Header.Get("Referer")) {
			writeError(w, http.StatusForbidden, "Invalid origin.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionUser(r *http.Request) *domain.User {
	user, _ := r.Context().Value(contextKey{}).(*domain.User)
	return user
}

// adminScope ограничивает выдачу группами, которые администрирует
// пользователь. Глобальный администратор видит всё; ответы шлюза
// кэшируются на время запроса.
type adminScope struct {
	auth  *auth.Service
	user  *domain.User
	cache map[int64]bool
}

func (h *Handler) newScope(user *domain.User) *adminScope {
	return &adminScope{auth: h.auth, user: user, cache: map[int64]bool{}}
}

func (s *adminScope) allows(groupID int64) bool {
	if s.user != nil && s.user.IsAdmin {
		return true
	}
	allowed, ok := s.cache[groupID]
	if !ok {
		allowed = s.auth.IsGroupAdmin(s.user, groupID)
		s.cache[groupID] = allowed
	}
	return allowed
}

func (h *Handler) authRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := auth.WidgetFields{
		ID:        q.Get("id"),
		FirstName: q.Get("first_name"),
		LastName:  q.Get("last_name"),
		Username:  q.Get("username"),
		PhotoURL:  q.Get("photo_url"),
		AuthDate:  q.Get("auth_date"),
		Hash:      q.Get("hash"),
	}
	if fields.Hash == "" || fields.ID == "" || fields.AuthDate == "" {
		writeError(w, http.StatusBadRequest, "Failed to auth via telegram.")
		return
	}
	sessionID, err := h.auth.AuthorizeWidget(fields)
	if err != nil {
		status := http.StatusForbidden
		if !errors.Is(err, auth.ErrSignatureMismatch) && !errors.Is(err, auth.ErrAuthExpired) && !errors.Is(err, auth.ErrMethodDisabled) {
			status = http.StatusInternalServerError
			h.log.Error().Err(err).Msg("web: вход через виджет")
		}
		writeError(w, status, "Failed to auth via telegram.")
		return
	}
	setSessionCookie(w, sessionID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) authToken(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.auth.RedeemToken(r.URL.Query().Get("token"))
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrMethodDisabled) {
			h.log.Error().Err(err).Msg("web: погашение токена")
		}
		writeError(w, http.StatusForbidden, "invalid token")
		return
	}
	setSessionCookie(w, sessionID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) authLogin(w http.ResponseWriter, r *http.Request) {
	if sessionUser(r) != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, map[string]any{
		"status":         false,
		"widget_enabled": h.auth.WidgetEnabled(),
		"link_enabled":   h.auth.LinkEnabled(),
	})
}

func (h *Handler) authLogout(w http.ResponseWriter, r *http.Request) {
	if sessionUser(r) == nil {
		writeError(w, http.StatusForbidden, "Not logged in.")
		return
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		if err := h.auth.Logout(c.Value); err != nil {
			h.log.Error().Err(err).Msg("web: выход")
		}
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", HttpOnly: true, MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")
	var (
		users []domain.User
		err   error
	)
	if search != "" {
		users, err = h.vault.Query(search)
	} else {
		users, err = h.vault.ListAll()
	}
	if err != nil {
		h.log.Error().Err(err).Msg("web: выборка пользователей")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, map[string]any{"status": true, "users": mapUsers(users)})
}

func (h *Handler) listGroupUsers(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(chi.URLParam(r, "group_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	user := sessionUser(r)
	if !user.IsAdmin && !h.auth.IsGroupAdmin(user, groupID) {
		writeError(w, http.StatusForbidden, "Invalid permissions.")
		return
	}
	users, err := h.vault.MembersOf(groupID)
	if err != nil {
		h.log.Error().Err(err).Msg("web: выборка участников группы")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, map[string]any{"status": true, "users": mapUsers(users)})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.vault.ListGroups(r.URL.Query().Get("search"))
	if err != nil {
		h.log.Error().Err(err).Msg("web: выборка групп")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	scope := h.newScope(sessionUser(r))
	out := make([]groupDTO, 0, len(groups))
	for _, g := range groups {
		if !scope.allows(g.ID) {
			continue
		}
		out = append(out, groupDTO{ID: g.ID, Name: g.Name})
	}
	writeJSON(w, map[string]any{"status": true, "groups": out})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EntryFilter{
		From:               parseTime(q.Get("from")),
		To:                 parseTime(q.Get("to")),
		GroupID:            parseInt(q.Get("group_id")),
		PosterID:           q.Get("user_id"),
		MessageID:          parseInt(q.Get("message_id")),
		Activity:           domain.Activity(q.Get("activity")),
		Text:               q.Get("text"),
		Page:               int(parseInt(q.Get("page"))),
		Limit:              int(parseInt(q.Get("limit"))),
		IncludeStickers:    q.Get("include_stickers") == "true",
		IncludeAttachments: q.Get("include_attachments") == "true",
	}
	entries, total, err := h.audit.Query(filter)
	if err != nil {
		h.log.Error().Err(err).Msg("web: выборка журнала")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	scope := h.newScope(sessionUser(r))
	out := make([]messageDTO, 0, len(entries))
	for _, e := range entries {
		if !scope.allows(e.GroupID) {
			continue
		}
		out = append(out, mapEntry(e))
	}
	writeJSON(w, map[string]any{
		"status":   true,
		"messages": out,
		"page":     filter.Page,
		"total":    total,
	})
}

func setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(sessionMaxAge / time.Second),
	})
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02", value); err == nil {
		return ts
	}
	return time.Time{}
}

func parseInt(value string) int64 {
	n, _ := strconv.ParseInt(value, 10, 64)
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": false, "error": msg})
}

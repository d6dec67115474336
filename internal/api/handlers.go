package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"molva/internal/auth"
	"molva/internal/authz"
	"molva/internal/content"
	"molva/internal/models"
	"molva/internal/presence"
	"molva/internal/router"
	"molva/internal/storage"

	"github.com/google/uuid"
)

type ctxKey int

const userIDKey ctxKey = 0

type API struct {
	auth     *auth.Service
	store    *storage.BboltStorage
	router   *router.Router
	presence *presence.Registry
	log      *slog.Logger
}

func New(auth *auth.Service, store *storage.BboltStorage, rt *router.Router, registry *presence.Registry, log *slog.Logger) *API {
	return &API{
		auth:     auth,
		store:    store,
		router:   rt,
		presence: registry,
		log:      log,
	}
}

// RequireSameOrigin rejects cross-origin state-changing requests. Requests
// without an Origin or Referer header (curl, tests) pass through.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

// RequireAuth resolves the caller's credential and stores the user id in the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Authenticate(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("failed to encode response", "error", err)
	}
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	handle := content.NormalizeHandle(req.Handle)
	if err := content.ValidateHandle(handle); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		http.Error(w, "Password is required", http.StatusBadRequest)
		return
	}

	displayName := content.Sanitize(strings.TrimSpace(req.DisplayName))
	if displayName == "" {
		displayName = strings.TrimPrefix(handle, "@")
	}

	user, err := a.auth.Register(handle, displayName, req.Password)
	if errors.Is(err, auth.ErrUserExists) {
		http.Error(w, "Handle is taken", http.StatusConflict)
		return
	}
	if err != nil {
		a.log.Error("registration failed", "handle", handle, "error", err)
		http.Error(w, "Registration failed", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, user)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Handle = r.FormValue("handle")
		req.Password = r.FormValue("password")
	}

	token, user, err := a.auth.Login(content.NormalizeHandle(req.Handle), req.Password)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	expiry := a.auth.TokenExpiresAt()
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		Expires:  expiry,
	})

	a.writeJSON(w, struct {
		Token       string      `json:"token"`
		TokenExpiry int64       `json:"tokenExpiry"`
		User        models.User `json:"user"`
	}{token, expiry.Unix(), user})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(callerID(r))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, a.withPresence(user))
}

// UsersHandler lists users, optionally filtered by a ?q= substring match on
// handle or display name. Friend sets and pending requests of other users are
// not exposed.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers()
	if err != nil {
		a.log.Error("failed to list users", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if q != "" &&
			!strings.Contains(strings.ToLower(u.Handle), q) &&
			!strings.Contains(strings.ToLower(u.DisplayName), q) {
			continue
		}
		u.Friends = nil
		u.FriendRequests = nil
		out = append(out, a.withPresence(u))
	}

	a.writeJSON(w, out)
}

func (a *API) SendFriendRequestHandler(w http.ResponseWriter, r *http.Request) {
	target, err := a.resolveUser(r.PathValue("id"))
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if target.ID == callerID(r) {
		http.Error(w, "Cannot befriend yourself", http.StatusBadRequest)
		return
	}

	a.friendResult(w, a.store.AddFriendRequest(callerID(r), target.ID))
}

func (a *API) AcceptFriendHandler(w http.ResponseWriter, r *http.Request) {
	a.friendResult(w, a.store.AcceptFriendRequest(callerID(r), r.PathValue("id")))
}

func (a *API) RejectFriendHandler(w http.ResponseWriter, r *http.Request) {
	a.friendResult(w, a.store.RejectFriendRequest(callerID(r), r.PathValue("id")))
}

func (a *API) RemoveFriendHandler(w http.ResponseWriter, r *http.Request) {
	a.friendResult(w, a.store.RemoveFriend(callerID(r), r.PathValue("id")))
}

func (a *API) friendResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "User not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrAlreadyFriends),
		errors.Is(err, storage.ErrRequestExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNoRequest),
		errors.Is(err, storage.ErrNotFriends):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.log.Error("friend operation failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func (a *API) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Members     []string `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	name := content.Sanitize(strings.TrimSpace(req.Name))
	if name == "" {
		http.Error(w, "Group name is required", http.StatusBadRequest)
		return
	}

	group := models.Group{
		ID:          uuid.NewString(),
		Name:        name,
		Description: content.Sanitize(req.Description),
		Creator:     callerID(r),
		Members:     req.Members,
	}
	if err := a.store.CreateGroup(group); err != nil {
		a.log.Error("failed to create group", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	created, err := a.store.GetGroup(group.ID)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, created)
}

func (a *API) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	groups, err := a.store.ListGroupsFor(callerID(r))
	if err != nil {
		a.log.Error("failed to list groups", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if groups == nil {
		groups = []models.Group{}
	}
	a.writeJSON(w, groups)
}

func (a *API) AddGroupMemberHandler(w http.ResponseWriter, r *http.Request) {
	group, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	member, err := a.resolveUser(req.UserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	a.groupResult(w, a.store.AddGroupMember(group.ID, member.ID))
}

func (a *API) PromoteAdminHandler(w http.ResponseWriter, r *http.Request) {
	group, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	a.groupResult(w, a.store.PromoteGroupAdmin(group.ID, req.UserID))
}

func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) (models.Group, bool) {
	group, err := a.store.GetGroup(r.PathValue("id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Group not found", http.StatusNotFound)
		return models.Group{}, false
	}
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return models.Group{}, false
	}
	if !group.IsAdmin(callerID(r)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return models.Group{}, false
	}
	return group, true
}

func (a *API) groupResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrNotMember):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.log.Error("group operation failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// DirectHistoryHandler returns the conversation with another user and marks
// the returned messages from that user as read.
func (a *API) DirectHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	other, err := a.resolveUser(r.PathValue("id"))
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	messages, err := a.router.DirectHistory(r.Context(), userID, other.ID)
	if err != nil {
		a.historyError(w, err)
		return
	}

	if err := a.store.MarkDirectRead(userID, other.ID); err != nil {
		a.log.Error("failed to mark messages read", "error", err)
	}

	a.writeHistory(w, r, messages)
}

func (a *API) GroupHistoryHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := a.router.GroupHistory(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		a.historyError(w, err)
		return
	}
	a.writeHistory(w, r, messages)
}

// writeHistory renders message bodies to sanitized HTML when ?html=1 is set,
// raw markdown otherwise.
func (a *API) writeHistory(w http.ResponseWriter, r *http.Request, messages []models.Message) {
	if r.URL.Query().Get("html") == "1" {
		for i := range messages {
			messages[i].Body = content.RenderMessage(messages[i].Body)
		}
	}
	if messages == nil {
		messages = []models.Message{}
	}
	a.writeJSON(w, messages)
}

func (a *API) historyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, router.ErrRecipientNotFound), errors.Is(err, authz.ErrGroupNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, router.ErrUnauthorized):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		a.log.Error("history read failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func (a *API) resolveUser(ref string) (models.User, error) {
	user, err := a.store.GetUser(ref)
	if err == nil {
		return user, nil
	}
	return a.store.GetUserByHandle(content.NormalizeHandle(ref))
}

func (a *API) withPresence(user models.User) models.User {
	if a.presence.IsOnline(user.ID) {
		user.Presence = models.Presence{Online: true, LastSeen: time.Now().UnixMilli()}
		return user
	}
	if live := a.presence.LastSeen(user.ID); live > user.Presence.LastSeen {
		user.Presence.LastSeen = live
	}
	return user
}

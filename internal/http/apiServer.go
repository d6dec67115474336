package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"molva/internal/api"
	"molva/internal/auth"
	"molva/internal/presence"
	"molva/internal/router"
	"molva/internal/storage"
	"molva/internal/ws"
)

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(
	authService *auth.Service,
	store *storage.BboltStorage,
	rt *router.Router,
	registry *presence.Registry,
	log *slog.Logger,
	addr string,
) *APIServer {
	wsServer := ws.NewServer(authService, rt, registry, log)
	apiHandlers := api.New(authService, store, rt, registry, log)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(apiHandlers.RegisterHandler))

	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))

	mux.HandleFunc("POST /api/friends/requests/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SendFriendRequestHandler)))
	mux.HandleFunc("POST /api/friends/accept/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.AcceptFriendHandler)))
	mux.HandleFunc("POST /api/friends/reject/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.RejectFriendHandler)))
	mux.HandleFunc("DELETE /api/friends/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.RemoveFriendHandler)))

	mux.HandleFunc("POST /api/groups", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.CreateGroupHandler)))
	mux.HandleFunc("GET /api/groups", apiHandlers.RequireAuth(apiHandlers.ListGroupsHandler))
	mux.HandleFunc("POST /api/groups/{id}/members", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.AddGroupMemberHandler)))
	mux.HandleFunc("POST /api/groups/{id}/admins", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PromoteAdminHandler)))

	mux.HandleFunc("GET /api/history/direct/{id}", apiHandlers.RequireAuth(apiHandlers.DirectHistoryHandler))
	mux.HandleFunc("GET /api/history/groups/{id}", apiHandlers.RequireAuth(apiHandlers.GroupHistoryHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *APIServer) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

package ws

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

type authenticator interface {
	Authenticate(token string) (string, error)
}

// Server upgrades authenticated requests to websocket connections. Credentials
// are verified before the upgrade; an unauthenticated request never reaches
// the socket layer.
type Server struct {
	auth     authenticator
	router   messageRouter
	registry presenceRegistry
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

func NewServer(auth authenticator, router messageRouter, registry presenceRegistry, log *slog.Logger) *Server {
	return &Server{
		auth:     auth,
		router:   router,
		registry: registry,
		upgrader: &websocket.Upgrader{
			CheckOrigin: sameOrigin,
		},
		log: log,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(getToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(s.router, s.registry, ws, userID, s.log)
	if err := conn.Handle(r.Context()); err != nil {
		s.log.Debug("connection closed", "user_id", userID, "error", err)
	}
}

// sameOrigin rejects cross-site handshakes. Browsers attach the token cookie
// to cross-site websocket requests, so the origin must be checked here, not
// just on the HTTP routes. Non-browser clients send no Origin header and pass.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func getToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}

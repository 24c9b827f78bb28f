package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/xiaogangdengdai/autotask/internal/logging"
)

// AuthType selects how /api/v1 requests are admitted.
type AuthType string

const (
	// AuthTypeLocal accepts loopback requests only.
	AuthTypeLocal AuthType = "local"
	// AuthTypeAPIToken requires "Authorization: Bearer <token>" from any host.
	AuthTypeAPIToken AuthType = "api-token"
)

// Rejection reasons returned by Authenticate.
var (
	ErrNotLoopback     = errors.New("local auth requires a loopback connection")
	ErrMissingToken    = errors.New("missing bearer token")
	ErrInvalidToken    = errors.New("invalid bearer token")
	ErrUnknownAuthType = errors.New("unknown auth type")
)

// AuthConfig holds the gateway auth settings.
type AuthConfig struct {
	Type  AuthType `yaml:"type" validate:"omitempty,oneof=local api-token"`
	Token string   `yaml:"token,omitempty" validate:"required_if=Type api-token"`
}

// Authenticator admits or rejects gateway API requests.
type Authenticator struct {
	config *AuthConfig
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator. A nil config means local
// requests only.
func NewAuthenticator(config *AuthConfig) *Authenticator {
	if config == nil {
		config = &AuthConfig{Type: AuthTypeLocal}
	}
	return &Authenticator{
		config: config,
		logger: logging.WithComponent("gateway"),
	}
}

// Authenticate returns nil when r may read the API, or one of the Err*
// reasons above.
func (a *Authenticator) Authenticate(r *http.Request) error {
	switch a.config.Type {
	case AuthTypeLocal, "":
		if !isLocalRequest(r) {
			return ErrNotLoopback
		}
		return nil
	case AuthTypeAPIToken:
		token := extractBearerToken(r)
		if token == "" {
			return ErrMissingToken
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.config.Token)) != 1 {
			return ErrInvalidToken
		}
		return nil
	default:
		return ErrUnknownAuthType
	}
}

// isLocalRequest reports whether the peer address is loopback.
func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

// Middleware rejects unauthenticated requests with a JSON 401 body.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := a.Authenticate(r)
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}

		a.logger.Debug("Gateway request rejected",
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.String("reason", err.Error()),
		)
		if a.config.Type == AuthTypeAPIToken {
			w.Header().Set("WWW-Authenticate", `Bearer realm="autotask"`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	})
}

package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"agentkyc/internal/domain"
)

// Roles carried by bearer tokens.
const (
	RoleAdmin      = "admin"
	RoleAutomation = "automation"
)

const (
	headerAdminToken      = "X-Admin-Token"
	headerAutomationToken = "X-Automation-Token"
	headerWorkerID        = "X-Worker-Id"
)

type AuthConfig struct {
	JWTSecret       string
	AdminToken      string
	AutomationToken string
}

type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

func (p Principal) HasRole(role string) bool {
	if slices.Contains(p.Roles, role) {
		return true
	}
	// admins may drive automation routes by hand
	return role == RoleAutomation && slices.Contains(p.Roles, RoleAdmin)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actorFromContext names the caller in audit entries.
func actorFromContext(ctx context.Context, fallback string) string {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID
	}
	return fallback
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// MintToken signs an HS256 token for subject with the given roles.
func MintToken(secret, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID: claims.Subject,
		Roles:   claims.Roles,
		Source:  "jwt",
	}, nil
}

// authenticateStatic matches a shared secret header. An unset secret never matches.
func authenticateStatic(got, want, actor, role string) (Principal, bool) {
	if want == "" || got == "" {
		return Principal{}, false
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return Principal{}, false
	}
	return Principal{ActorID: actor, Roles: []string{role}, Source: "static_token"}, true
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// routeRole returns the role a path requires, or "" for public routes.
func routeRole(basePath, route string) string {
	rel := strings.TrimPrefix(route, path.Join("/", basePath))
	switch {
	case rel == "/admin" || strings.HasPrefix(rel, "/admin/"):
		return RoleAdmin
	case rel == "/agent-jobs" || strings.HasPrefix(rel, "/agent-jobs/"),
		rel == "/cron" || strings.HasPrefix(rel, "/cron/"):
		return RoleAutomation
	default:
		return ""
	}
}

func newAuthMiddleware(basePath string, cfg AuthConfig, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			role := routeRole(basePath, req.URL.Path)
			if role == "" {
				next.ServeHTTP(w, req)
				return
			}

			var (
				principal Principal
				ok        bool
			)
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, valid := bearerToken(authz)
				if !valid {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					log.Debug("jwt rejected", zap.String("path", req.URL.Path), zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, ok = p, true
			} else if got := strings.TrimSpace(req.Header.Get(headerAdminToken)); got != "" {
				principal, ok = authenticateStatic(got, cfg.AdminToken, domain.ActorAdmin, RoleAdmin)
			} else if got := strings.TrimSpace(req.Header.Get(headerAutomationToken)); got != "" {
				principal, ok = authenticateStatic(got, cfg.AutomationToken, domain.ActorAutomation, RoleAutomation)
			} else {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			if !principal.HasRole(role) {
				respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "role "+role+" required", map[string]any{"role": role}))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pharmacore/pharmacore/internal/platform/httpx"
	"github.com/pharmacore/pharmacore/internal/shared"
)

// ActorResolver maps a session user to an Actor.
type ActorResolver interface {
	ResolveActor(ctx context.Context, userID int64) (Actor, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service ActorResolver
	Logger  *slog.Logger
}

// RequireAny ensures the current user has at least one of the required capabilities.
// The resolved actor is stored in the request context.
func (m Middleware) RequireAny(caps ...Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				resolved, err := m.resolve(r)
				if err != nil {
					if errors.Is(err, errNoSessionUser) || errors.Is(err, ErrNotFound) {
						httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
						return
					}
					if m.Logger != nil {
						m.Logger.Error("rbac resolve actor", slog.Any("error", err))
					}
					httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
					return
				}
				actor = resolved
			}
			if len(caps) > 0 && !hasAny(actor, caps) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing capability")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
		})
	}
}

var errNoSessionUser = errors.New("rbac: no session user")

func (m Middleware) resolve(r *http.Request) (Actor, error) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return Actor{}, errNoSessionUser
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return Actor{}, errNoSessionUser
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac parse user id", slog.String("value", raw))
		}
		return Actor{}, errNoSessionUser
	}
	if m.Service == nil {
		return Actor{}, errors.New("rbac: resolver not configured")
	}
	return m.Service.ResolveActor(r.Context(), id)
}

func hasAny(actor Actor, caps []Capability) bool {
	for _, cp := range caps {
		if actor.Can(cp) {
			return true
		}
	}
	return false
}

package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Actor is the verified caller identity. Authentication happens upstream; the
// gateway strips these headers from inbound traffic and re-populates them
// from the verified session, so the core can trust them.
type Actor struct {
	ID        string
	Type      string
	SessionID string
}

type actorKey struct{}

// Trusted identity headers populated by the auth gateway.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorType = "X-Actor-Type"
	HeaderSessionID = "X-Session-ID"
)

// Identity resolves the caller from the trusted identity headers and stores
// it on the request context. Unidentified callers become an anonymous actor;
// downstream authorization decides what they may do.
func Identity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			actor := Actor{
				ID:        req.Header.Get(HeaderActorID),
				Type:      req.Header.Get(HeaderActorType),
				SessionID: req.Header.Get(HeaderSessionID),
			}
			if actor.ID == "" {
				actor.ID = "anonymous"
			}
			if actor.Type == "" {
				actor.Type = "user"
			}
			ctx := context.WithValue(req.Context(), actorKey{}, actor)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// ActorFromContext returns the actor stored by Identity, or an anonymous one.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{ID: "anonymous", Type: "user"}
}

// RequestID assigns each request a unique id for log correlation.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get("X-Request-ID")
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set("X-Request-ID", rid)
			return next(c)
		}
	}
}

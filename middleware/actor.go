package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	// ActorHeader carries the id of the user acting on a trámite
	ActorHeader = "X-User-ID"

	// SystemActor is recorded when a request names no user
	SystemActor = "system"

	actorContextKey = "actor"
	maxActorLength  = 100
)

// Actor resolves the acting user from ActorHeader and stores it in the
// request context. Authentication happens upstream; this only attributes
// history entries and events.
func Actor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := strings.TrimSpace(c.Request().Header.Get(ActorHeader))
			if len(actor) > maxActorLength {
				actor = actor[:maxActorLength]
			}
			if actor == "" {
				actor = SystemActor
			}
			c.Set(actorContextKey, actor)
			return next(c)
		}
	}
}

// GetActor returns the acting user, or SystemActor when none was resolved
func GetActor(c echo.Context) string {
	if actor, ok := c.Get(actorContextKey).(string); ok && actor != "" {
		return actor
	}
	return SystemActor
}

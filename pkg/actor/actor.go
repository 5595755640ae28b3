// Package actor identifies the user or process performing an action.
//
// Every mutating operation in the pharmacy service takes the actor's id as an
// explicit parameter; the HTTP layer obtains it from the context populated by
// the auth middleware.
package actor

import (
	"context"
	"fmt"
)

// SystemID is the actor id recorded for scheduled and other non-user work.
const SystemID = "00000000-0000-0000-0000-000000000000"

// Actor represents the entity performing an action in the system.
type Actor struct {
	ID     string `json:"id" db:"user_id"`
	Name   string `json:"name" db:"name"`
	Email  string `json:"email" db:"email"`
	SiteID string `json:"site_id,omitempty" db:"site_id"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.Email)
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	return a == nil || a.ID == SystemID
}

// System returns the actor used by background jobs.
func System() *Actor {
	return &Actor{
		ID:    SystemID,
		Name:  "System",
		Email: "system@medflow.local",
	}
}

type contextKey string

const actorContextKey contextKey = "actor"

// FromContext returns the actor stored in ctx, or nil.
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(actorContextKey).(*Actor)
	return a
}

// IDFromContext returns the actor id stored in ctx, or "".
func IDFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.ID
	}
	return ""
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

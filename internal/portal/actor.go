package portal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Thegeektechie/EHR-System/internal/identity"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthenticated  = errors.New("authentication required")
)

// Actor is the authenticated principal behind a request.
type Actor struct {
	ID    string
	Admin bool
}

func AdminActor() Actor { return Actor{ID: identity.AdminID, Admin: true} }

func UserActor(id string) Actor { return Actor{ID: id} }

// CanAccess reports whether the actor may read userID's data.
func (a Actor) CanAccess(userID string) bool {
	return a.Admin || (a.ID != "" && a.ID == userID)
}

func (a Actor) Role() string {
	if a.Admin {
		return "admin"
	}
	return "user"
}

type actorKey struct{}

type corrIDKey struct{}

func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

func contextWithCorrID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrIDKey{}, id)
}

func CorrIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(corrIDKey{}).(string)
	return id
}

// CorrelationLogger scopes logger to one request.
func CorrelationLogger(logger *slog.Logger, corrID, actorID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("corrId", corrID, "actor", actorID)
}

func requireAdmin(a Actor) error {
	if !a.Admin {
		return ErrPermissionDenied
	}
	return nil
}

func requireAccess(a Actor, userID string) error {
	if !a.CanAccess(userID) {
		return ErrPermissionDenied
	}
	return nil
}

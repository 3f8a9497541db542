package auth

import (
	"context"
	"errors"

	"github.com/ontoforge/oms/pkg/contracts"
)

type contextKey string

const userKey contextKey = "oms.user"

// ErrNoUser is returned when no verified identity is attached to the context.
var ErrNoUser = errors.New("no verified user in context")

// WithUser attaches a verified UserContext to the request context.
func WithUser(ctx context.Context, u *contracts.UserContext) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFrom retrieves the verified UserContext, if any.
func UserFrom(ctx context.Context) (*contracts.UserContext, error) {
	u, ok := ctx.Value(userKey).(*contracts.UserContext)
	if !ok || u == nil {
		return nil, ErrNoUser
	}
	return u, nil
}

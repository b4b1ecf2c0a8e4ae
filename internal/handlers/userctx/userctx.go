package userctx

import (
	"context"

	"github.com/nkiryanov/textbook/internal/models"
)

type userKey struct{}

// New returns a copy of ctx carrying authenticated user
func New(ctx context.Context, u models.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// FromContext returns authenticated user, false if request was not authenticated
func FromContext(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(userKey{}).(models.User)
	return u, ok
}

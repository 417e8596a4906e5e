package identity

import "context"

type contextKey struct{}

// User is the verified caller of a request.
type User struct {
	Email string
	Name  string
	UID   string
}

func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(contextKey{}).(User)
	return u, ok
}

// Email returns the caller's email, or "" when the request is anonymous.
func Email(ctx context.Context) string {
	u, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return u.Email
}

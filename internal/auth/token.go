package auth

import "context"

// TokenSource supplies the bearer credential attached to every backend call.
// Acquisition and renewal live with the auth collaborator; callers only
// ask for the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, typically read from the
// environment at startup. An empty token means requests go out
// unauthenticated (useful against the dev backend).
type StaticTokenSource struct {
	Value string
}

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.Value, nil
}

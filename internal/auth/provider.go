package auth

import (
	"context"
	"errors"
)

// ErrRejected is returned by a Provider for credentials it does not accept.
var ErrRejected = errors.New("credentials rejected")

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider checks login credentials.
type Provider interface {
	Verify(ctx context.Context, creds map[string]any) (User, error)
}

type ProviderFunc func(ctx context.Context, creds map[string]any) (User, error)

func (f ProviderFunc) Verify(ctx context.Context, creds map[string]any) (User, error) {
	return f(ctx, creds)
}

// StaticProvider logs everybody in as the same user.
type StaticProvider struct {
	User User
}

func (p StaticProvider) Verify(context.Context, map[string]any) (User, error) {
	return p.User, nil
}

// Credentials pulls user and password out of a login payload.
func Credentials(creds map[string]any) (user, password string, ok bool) {
	user, _ = creds["user"].(string)
	password, _ = creds["password"].(string)
	return user, password, user != "" && password != ""
}

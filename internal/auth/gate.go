package auth

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/logutil"
	"github.com/zoravur/syncbroker/internal/protocol"
)

// Gate registers the login, logout and token check stages on a dispatcher.
// Auth is per message: a verified user lives on the Message only.
type Gate struct {
	tokens   TokenCodec
	provider Provider
	log      *zap.Logger

	mu     sync.RWMutex
	exempt map[string]struct{}
}

func NewGate(tokens TokenCodec, provider Provider, log *zap.Logger) (*Gate, error) {
	if tokens == nil {
		return nil, errors.New("auth gate: token codec required")
	}
	if provider == nil {
		return nil, errors.New("auth gate: provider required")
	}
	if log == nil {
		log = zap.L()
	}
	return &Gate{tokens: tokens, provider: provider, log: log.Named("auth"), exempt: map[string]struct{}{}}, nil
}

// Exempt lets the given message types through without a valid token.
func (g *Gate) Exempt(types ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range types {
		g.exempt[t] = struct{}{}
	}
}

func (g *Gate) IsExempt(t string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.exempt[t]
	return ok
}

// Install registers the three stages in order.
func (g *Gate) Install(d *protocol.Dispatcher) {
	d.RegisterErrorHandler(protocol.Type(protocol.TypeLogin), g.login)
	d.RegisterErrorHandler(protocol.Type(protocol.TypeLogout), g.logout)
	d.Register(protocol.Except(protocol.TypeLogin, protocol.TypeLogout), g.check)
}

func (g *Gate) login(ctx context.Context, msg *protocol.Message, next protocol.Next, err error) error {
	if err != nil {
		g.log.Error("login failed", logutil.Redacted("data", msg.Data), zap.Error(err))
		return nil
	}
	user, verr := g.provider.Verify(ctx, msg.Data)
	if verr != nil {
		if !errors.Is(verr, ErrRejected) {
			g.log.Warn("auth provider error", zap.Error(verr))
		}
		if eerr := msg.Emit(protocol.EventLoginFailed, protocol.Failure{Status: 401, Message: "Login failed."}); eerr != nil {
			return eerr
		}
		next(protocol.Unauthorized("Login failed."))
		return nil
	}
	token, serr := g.tokens.Sign(user)
	if serr != nil {
		return serr
	}
	return msg.Emit(protocol.EventLoginSuccessful, map[string]any{"user": user, "token": token})
}

func (g *Gate) logout(ctx context.Context, msg *protocol.Message, next protocol.Next, err error) error {
	if err != nil {
		g.log.Error("logout failed", logutil.Redacted("data", msg.Data), zap.Error(err))
		return nil
	}
	return msg.Emit(protocol.EventLogoutSucceeded, nil)
}

func (g *Gate) check(ctx context.Context, msg *protocol.Message, next protocol.Next) error {
	deny := func(text string) error {
		if g.IsExempt(msg.Type) {
			next(nil)
			return nil
		}
		return msg.Emit(protocol.EventFailure, protocol.Failure{Status: 403, Message: text})
	}

	token := msg.Token()
	if token == "" {
		return deny("No token provided.")
	}
	user, err := g.tokens.Verify(token)
	switch {
	case errors.Is(err, ErrTokenContent):
		return deny("Token content invalid.")
	case err != nil:
		g.log.Debug("token rejected", zap.String("type", msg.Type), zap.Error(err))
		return deny("Token verification failed.")
	}
	msg.User = user
	next(nil)
	return nil
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultApp is the app claim every token must carry.
const DefaultApp = "syncbroker"

var (
	// ErrTokenVerification covers bad signatures, expiry and malformed tokens.
	ErrTokenVerification = errors.New("token verification failed")
	// ErrTokenContent is a verified token that was not issued for this app.
	ErrTokenContent = errors.New("token content invalid")
)

// TokenCodec signs and verifies session tokens.
type TokenCodec interface {
	Sign(u User) (string, error)
	Verify(token string) (User, error)
}

// Claims is the JWT payload.
type Claims struct {
	App  string `json:"app"`
	User User   `json:"user"`
	jwt.RegisteredClaims
}

// JWTCodec is an HS256 TokenCodec.
type JWTCodec struct {
	secret []byte
	app    string
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type JWTOption func(*JWTCodec)

func WithIssuer(iss string) JWTOption { return func(c *JWTCodec) { c.issuer = iss } }

// WithTTL sets token lifetime. Zero means tokens never expire.
func WithTTL(d time.Duration) JWTOption { return func(c *JWTCodec) { c.ttl = d } }

func WithApp(app string) JWTOption { return func(c *JWTCodec) { c.app = app } }

func WithClock(now func() time.Time) JWTOption { return func(c *JWTCodec) { c.now = now } }

func NewJWTCodec(secret []byte, opts ...JWTOption) (*JWTCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt: empty secret")
	}
	c := &JWTCodec{
		secret: secret,
		app:    DefaultApp,
		issuer: "syncbroker",
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *JWTCodec) Sign(u User) (string, error) {
	now := c.now()
	claims := Claims{
		App:  c.app,
		User: u,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   c.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if c.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *JWTCodec) Verify(token string) (User, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuer(c.issuer),
	}
	if c.ttl > 0 {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrTokenVerification, err)
	}
	if claims.App != c.app {
		return User{}, fmt.Errorf("%w: app %q", ErrTokenContent, claims.App)
	}
	return claims.User, nil
}

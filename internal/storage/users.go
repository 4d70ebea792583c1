package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/zoravur/syncbroker/internal/auth"
)

// UserStore keeps login credentials in the users table and serves as the
// auth provider.
type UserStore struct {
	db   *DB
	cost int
	log  *zap.Logger
}

func NewUserStore(db *DB, log *zap.Logger) *UserStore {
	if log == nil {
		log = zap.L()
	}
	return &UserStore{db: db, cost: bcrypt.DefaultCost, log: log.Named("users")}
}

// WithCost sets the bcrypt cost for new passwords.
func (s *UserStore) WithCost(cost int) *UserStore {
	s.cost = cost
	return s
}

// Add stores a user with a bcrypt hashed password.
func (s *UserStore) Add(ctx context.Context, name, password string) (auth.User, error) {
	if name == "" || password == "" {
		return auth.User{}, errors.New("name and password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return auth.User{}, fmt.Errorf("hash password: %w", err)
	}
	ph := s.db.Dialect.Placeholder
	q := fmt.Sprintf("INSERT INTO users (name, password_hash) VALUES (%s, %s) RETURNING id", ph(1), ph(2))
	var id int64
	if err := s.db.QueryRowContext(ctx, q, name, string(hash)).Scan(&id); err != nil {
		return auth.User{}, fmt.Errorf("insert user: %w", err)
	}
	s.log.Info("user added", zap.String("name", name), zap.Int64("id", id))
	return auth.User{ID: strconv.FormatInt(id, 10), Name: name}, nil
}

// Verify checks {user, password} credentials.
func (s *UserStore) Verify(ctx context.Context, creds map[string]any) (auth.User, error) {
	name, password, ok := auth.Credentials(creds)
	if !ok {
		return auth.User{}, auth.ErrRejected
	}
	q := fmt.Sprintf("SELECT id, password_hash FROM users WHERE name = %s", s.db.Dialect.Placeholder(1))
	var id int64
	var hash string
	err := s.db.QueryRowContext(ctx, q, name).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrRejected
	}
	if err != nil {
		return auth.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return auth.User{}, auth.ErrRejected
	}
	return auth.User{ID: strconv.FormatInt(id, 10), Name: name}, nil
}

// Package identity is a thin stand-in for the external identity provider:
// it checks a password against the users table and issues the session token
// the rest of the API accepts as the provider cookie. Account management
// (signup, verification, recovery) belongs to the real provider and is
// deliberately absent.
package identity

import (
	"context"
	"errors"
	"time"

	"lodestone/api/internal/auth"
	"lodestone/api/internal/base62"
	"lodestone/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// UserStore defines the storage interface for signin
type UserStore interface {
	GetCredentials(ctx context.Context, username string) (store.User, string, error)
}

type Service struct {
	store  UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(userStore UserStore, secret string, ttl time.Duration) *Service {
	return &Service{
		store:  userStore,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SignIn verifies the password and returns the user with a signed session
// token. Unknown users and wrong passwords are indistinguishable.
func (s *Service) SignIn(ctx context.Context, username, password string) (store.User, string, error) {
	if username == "" || password == "" {
		return store.User{}, "", ErrInvalidCredentials
	}

	user, hash, err := s.store.GetCredentials(ctx, username)
	if err != nil {
		return store.User{}, "", ErrInvalidCredentials
	}
	if hash == "" {
		return store.User{}, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return store.User{}, "", ErrInvalidCredentials
	}

	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  base62.Encode(uint64(user.ID)),
		Name: user.Username,
		Role: user.Role,
		Exp:  s.now().Add(s.ttl).Unix(),
	})
	if err != nil {
		return store.User{}, "", err
	}
	return user, token, nil
}

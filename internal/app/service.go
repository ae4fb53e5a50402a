package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"lodestone/api/internal/auth"
	"lodestone/api/internal/base62"
	"lodestone/api/internal/config"
	"lodestone/api/internal/identity"
	"lodestone/api/internal/rbac"
	"lodestone/api/internal/search"
	"lodestone/api/internal/store"
	"lodestone/api/internal/tokencache"
)

// patPrefix marks a PAT secret in the Authorization header. The prefix is
// stripped before the base62 decode.
const patPrefix = "lds_"

type dataStore interface {
	GetUserByID(context.Context, int64) (store.User, error)
	CreatePAT(context.Context, int64, string, time.Time) (store.PersonalAccessToken, error)
	ListPATs(context.Context, int64) ([]store.PersonalAccessToken, error)
	EditPAT(ctx context.Context, userID, secret int64, scope *string, expiresAt *time.Time) (store.PersonalAccessToken, error)
	RevokePAT(ctx context.Context, userID, secret int64) error
	ResolvePAT(context.Context, int64) (store.User, time.Time, error)
	ListReportTypes(context.Context) ([]string, error)
	CreateReport(context.Context, store.CreateReportParams) (store.Report, error)
	GetReport(context.Context, int64) (store.Report, error)
	ListReports(ctx context.Context, reporter *int64, limit int) ([]store.Report, error)
	EditReport(context.Context, store.EditReportParams) error
	DeleteReport(context.Context, int64) error
	GetThread(context.Context, int64) (store.Thread, error)
	ListThreadMessages(context.Context, int64) ([]store.ThreadMessage, error)
	PostThreadMessage(ctx context.Context, threadID int64, authorID *int64, bodyType, body string) error
	Ping(ctx context.Context) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexReport(rec search.ReportRecord)
	DeleteReport(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	cache    *tokencache.Store // nil when Redis is not configured
	search   searchService     // nil when search is not configured
	identity *identity.Service
	validate *validator.Validate
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, cache *tokencache.Store, searchSvc *search.Service, identitySvc *identity.Service) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		cache:    cache,
		identity: identitySvc,
		validate: validator.New(),
		now:      time.Now,
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SignIn checks the password and issues a session token.
func (s *Service) SignIn(ctx context.Context, username, password string) (store.User, string, error) {
	user, token, err := s.identity.SignIn(ctx, username, password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			return store.User{}, "", domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
		}
		return store.User{}, "", err
	}
	return user, token, nil
}

// Authenticate resolves a bearer value to a user. Values carrying the PAT
// prefix are decoded and resolved through the cache then the store; anything
// else is parsed as a session token.
func (s *Service) Authenticate(ctx context.Context, token string) (store.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.User{}, errUnauthorized()
	}
	if strings.HasPrefix(token, patPrefix) {
		return s.authenticatePAT(ctx, strings.TrimPrefix(token, patPrefix))
	}
	return s.authenticateSession(ctx, token)
}

func (s *Service) authenticateSession(ctx context.Context, token string) (store.User, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return store.User{}, errUnauthorized()
	}
	userID, err := decodeID(claims.Sub)
	if err != nil {
		return store.User{}, errUnauthorized()
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, errUnauthorized()
		}
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) authenticatePAT(ctx context.Context, encoded string) (store.User, error) {
	secret, err := decodeID(encoded)
	if err != nil {
		return store.User{}, errUnauthorized()
	}

	if s.cache != nil {
		if ident, ok := s.cache.Get(ctx, secret); ok {
			if !ident.ExpiresAt.After(s.now()) {
				return store.User{}, errUnauthorized()
			}
			return store.User{ID: ident.UserID, Username: ident.Username, Role: ident.Role}, nil
		}
	}

	user, expiresAt, err := s.store.ResolvePAT(ctx, secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, errUnauthorized()
		}
		return store.User{}, err
	}
	if !expiresAt.After(s.now()) {
		return store.User{}, errUnauthorized()
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, secret, tokencache.Identity{
			UserID:    user.ID,
			Username:  user.Username,
			Role:      user.Role,
			ExpiresAt: expiresAt,
		}); err != nil {
			log.Printf("tokencache: put: %v", err)
		}
	}
	return user, nil
}

// TokenView is the wire shape of a PAT. AccessToken carries the plaintext
// secret and is only populated on create.
type TokenView struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"access_token,omitempty"`
	UserID      string    `json:"user_id"`
	Scope       string    `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toTokenView(t store.PersonalAccessToken, includeSecret bool) TokenView {
	v := TokenView{
		ID:        base62.Encode(uint64(t.ID)),
		UserID:    base62.Encode(uint64(t.UserID)),
		Scope:     t.Scope,
		ExpiresAt: t.ExpiresAt,
	}
	if includeSecret {
		v.AccessToken = patPrefix + base62.Encode(uint64(t.AccessToken))
	}
	return v
}

func (s *Service) CreatePAT(ctx context.Context, user store.User, scope string, expireInDays int) (TokenView, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return TokenView{}, errInvalidInput("scope must not be empty")
	}
	if expireInDays <= 0 {
		return TokenView{}, errInvalidInput("expire_in_days must be positive")
	}

	expiresAt := s.now().Add(time.Duration(expireInDays) * 24 * time.Hour)
	token, err := s.store.CreatePAT(ctx, user.ID, scope, expiresAt)
	if err != nil {
		return TokenView{}, fmt.Errorf("create pat: %w", err)
	}
	return toTokenView(token, true), nil
}

func (s *Service) ListPATs(ctx context.Context, user store.User) ([]TokenView, error) {
	tokens, err := s.store.ListPATs(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list pats: %w", err)
	}
	views := make([]TokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, toTokenView(t, false))
	}
	return views, nil
}

func (s *Service) EditPAT(ctx context.Context, user store.User, encodedSecret string, scope *string, expireInDays *int) (TokenView, error) {
	secret, err := decodeID(strings.TrimPrefix(encodedSecret, patPrefix))
	if err != nil {
		return TokenView{}, errNotFound()
	}
	if scope != nil && strings.TrimSpace(*scope) == "" {
		return TokenView{}, errInvalidInput("scope must not be empty")
	}
	var expiresAt *time.Time
	if expireInDays != nil {
		if *expireInDays <= 0 {
			return TokenView{}, errInvalidInput("expire_in_days must be positive")
		}
		t := s.now().Add(time.Duration(*expireInDays) * 24 * time.Hour)
		expiresAt = &t
	}

	token, err := s.store.EditPAT(ctx, user.ID, secret, scope, expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenView{}, errNotFound()
		}
		return TokenView{}, fmt.Errorf("edit pat: %w", err)
	}
	s.invalidatePAT(ctx, secret)
	return toTokenView(token, false), nil
}

func (s *Service) RevokePAT(ctx context.Context, user store.User, encodedSecret string) error {
	secret, err := decodeID(strings.TrimPrefix(encodedSecret, patPrefix))
	if err != nil {
		return errNotFound()
	}
	if err := s.store.RevokePAT(ctx, user.ID, secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return fmt.Errorf("revoke pat: %w", err)
	}
	s.invalidatePAT(ctx, secret)
	return nil
}

func (s *Service) invalidatePAT(ctx context.Context, secret int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, secret); err != nil {
		log.Printf("tokencache: invalidate: %v", err)
	}
}

func (s *Service) role(user store.User) rbac.Role {
	return rbac.Normalize(user.Role)
}

// decodeID rejects values above the signed 63-bit range that ids never use.
func decodeID(encoded string) (int64, error) {
	n, err := base62.Decode(encoded)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, base62.ErrMalformed
	}
	return int64(n), nil
}

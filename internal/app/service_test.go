package app

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"lodestone/api/internal/config"
	"lodestone/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn        func(context.Context, int64) (store.User, error)
	createPATFn          func(context.Context, int64, string, time.Time) (store.PersonalAccessToken, error)
	listPATsFn           func(context.Context, int64) ([]store.PersonalAccessToken, error)
	editPATFn            func(context.Context, int64, int64, *string, *time.Time) (store.PersonalAccessToken, error)
	revokePATFn          func(context.Context, int64, int64) error
	resolvePATFn         func(context.Context, int64) (store.User, time.Time, error)
	listReportTypesFn    func(context.Context) ([]string, error)
	createReportFn       func(context.Context, store.CreateReportParams) (store.Report, error)
	getReportFn          func(context.Context, int64) (store.Report, error)
	listReportsFn        func(context.Context, *int64, int) ([]store.Report, error)
	editReportFn         func(context.Context, store.EditReportParams) error
	deleteReportFn       func(context.Context, int64) error
	getThreadFn          func(context.Context, int64) (store.Thread, error)
	listThreadMessagesFn func(context.Context, int64) ([]store.ThreadMessage, error)
	postThreadMessageFn  func(context.Context, int64, *int64, string, string) error
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID int64) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreatePAT(ctx context.Context, userID int64, scope string, expiresAt time.Time) (store.PersonalAccessToken, error) {
	if f.createPATFn != nil {
		return f.createPATFn(ctx, userID, scope, expiresAt)
	}
	return store.PersonalAccessToken{ID: 1, AccessToken: 2, UserID: userID, Scope: scope, ExpiresAt: expiresAt}, nil
}

func (f *fakeStore) ListPATs(ctx context.Context, userID int64) ([]store.PersonalAccessToken, error) {
	if f.listPATsFn != nil {
		return f.listPATsFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) EditPAT(ctx context.Context, userID, secret int64, scope *string, expiresAt *time.Time) (store.PersonalAccessToken, error) {
	if f.editPATFn != nil {
		return f.editPATFn(ctx, userID, secret, scope, expiresAt)
	}
	return store.PersonalAccessToken{}, sql.ErrNoRows
}

func (f *fakeStore) RevokePAT(ctx context.Context, userID, secret int64) error {
	if f.revokePATFn != nil {
		return f.revokePATFn(ctx, userID, secret)
	}
	return sql.ErrNoRows
}

func (f *fakeStore) ResolvePAT(ctx context.Context, secret int64) (store.User, time.Time, error) {
	if f.resolvePATFn != nil {
		return f.resolvePATFn(ctx, secret)
	}
	return store.User{}, time.Time{}, sql.ErrNoRows
}

func (f *fakeStore) ListReportTypes(ctx context.Context) ([]string, error) {
	if f.listReportTypesFn != nil {
		return f.listReportTypesFn(ctx)
	}
	return []string{"spam"}, nil
}

func (f *fakeStore) CreateReport(ctx context.Context, p store.CreateReportParams) (store.Report, error) {
	if f.createReportFn != nil {
		return f.createReportFn(ctx, p)
	}
	return store.Report{ID: 10, ReportType: p.ReportType, Body: p.Body, Reporter: p.Reporter, ThreadID: 20}, nil
}

func (f *fakeStore) GetReport(ctx context.Context, reportID int64) (store.Report, error) {
	if f.getReportFn != nil {
		return f.getReportFn(ctx, reportID)
	}
	return store.Report{}, sql.ErrNoRows
}

func (f *fakeStore) ListReports(ctx context.Context, reporter *int64, limit int) ([]store.Report, error) {
	if f.listReportsFn != nil {
		return f.listReportsFn(ctx, reporter, limit)
	}
	return nil, nil
}

func (f *fakeStore) EditReport(ctx context.Context, p store.EditReportParams) error {
	if f.editReportFn != nil {
		return f.editReportFn(ctx, p)
	}
	return nil
}

func (f *fakeStore) DeleteReport(ctx context.Context, reportID int64) error {
	if f.deleteReportFn != nil {
		return f.deleteReportFn(ctx, reportID)
	}
	return sql.ErrNoRows
}

func (f *fakeStore) GetThread(ctx context.Context, threadID int64) (store.Thread, error) {
	if f.getThreadFn != nil {
		return f.getThreadFn(ctx, threadID)
	}
	return store.Thread{}, sql.ErrNoRows
}

func (f *fakeStore) ListThreadMessages(ctx context.Context, threadID int64) ([]store.ThreadMessage, error) {
	if f.listThreadMessagesFn != nil {
		return f.listThreadMessagesFn(ctx, threadID)
	}
	return nil, nil
}

func (f *fakeStore) PostThreadMessage(ctx context.Context, threadID int64, authorID *int64, bodyType, body string) error {
	if f.postThreadMessageFn != nil {
		return f.postThreadMessageFn(ctx, threadID, authorID, bodyType, body)
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      config.Config{SessionSecret: "test-secret", SessionTTL: time.Hour},
		store:    fs,
		validate: validator.New(),
		now:      func() time.Time { return testNow },
	}
}

func moderatorUser() store.User {
	return store.User{ID: 77, Username: "mod", Role: "moderator"}
}

func developerUser() store.User {
	return store.User{ID: 42, Username: "dev", Role: "developer"}
}

func wantDomainStatus(t *testing.T, err error, status int) *DomainError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d, got nil", status)
	}
	domainErr, ok := err.(*DomainError)
	if !ok {
		t.Fatalf("expected DomainError, got %T: %v", err, err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Code)
	}
	return domainErr
}

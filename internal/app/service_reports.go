package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lodestone/api/internal/base62"
	"lodestone/api/internal/search"
	"lodestone/api/internal/store"
)

const (
	defaultReportCount = 100
	maxReportBody      = 65536
)

type CreateReportInput struct {
	ReportType string `json:"report_type" validate:"required,min=1,max=64"`
	ItemID     string `json:"item_id" validate:"required"`
	ItemType   string `json:"item_type" validate:"required"`
	Body       string `json:"body" validate:"required,min=1,max=65536"`
}

type EditReportInput struct {
	Body   *string `json:"body"`
	Closed *bool   `json:"closed"`
}

// ReportView is the wire shape of a report. The three nullable target
// columns collapse into one (item_id, item_type) pair.
type ReportView struct {
	ID         string    `json:"id"`
	ReportType string    `json:"report_type"`
	ItemID     string    `json:"item_id"`
	ItemType   string    `json:"item_type"`
	Reporter   string    `json:"reporter"`
	Body       string    `json:"body"`
	Created    time.Time `json:"created"`
	Closed     bool      `json:"closed"`
	ThreadID   string    `json:"thread_id"`
}

type MessageView struct {
	ID       string    `json:"id"`
	AuthorID *string   `json:"author_id"`
	Body     string    `json:"body"`
	BodyType string    `json:"body_type"`
	Created  time.Time `json:"created"`
}

type ThreadView struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Members  []string      `json:"members"`
	Messages []MessageView `json:"messages"`
}

func toReportView(r store.Report) ReportView {
	itemType, itemID := reportTarget(r)
	return ReportView{
		ID:         base62.Encode(uint64(r.ID)),
		ReportType: r.ReportType,
		ItemID:     itemID,
		ItemType:   itemType,
		Reporter:   base62.Encode(uint64(r.Reporter)),
		Body:       r.Body,
		Created:    r.Created,
		Closed:     r.Closed,
		ThreadID:   base62.Encode(uint64(r.ThreadID)),
	}
}

func reportTarget(r store.Report) (itemType, itemID string) {
	switch {
	case r.ProjectID != nil:
		return string(store.TargetProject), base62.Encode(uint64(*r.ProjectID))
	case r.VersionID != nil:
		return string(store.TargetVersion), base62.Encode(uint64(*r.VersionID))
	case r.UserID != nil:
		return string(store.TargetUser), base62.Encode(uint64(*r.UserID))
	default:
		return string(store.TargetUnknown), ""
	}
}

func reportRecord(r store.Report) search.ReportRecord {
	itemType, itemID := reportTarget(r)
	return search.ReportRecord{
		ID:         base62.Encode(uint64(r.ID)),
		ReportType: r.ReportType,
		ItemType:   itemType,
		ItemID:     itemID,
		Reporter:   base62.Encode(uint64(r.Reporter)),
		Body:       r.Body,
		Closed:     r.Closed,
		Created:    r.Created,
	}
}

// canViewReport gates reads. Absence and denial look identical to callers.
func (s *Service) canViewReport(user store.User, r store.Report) bool {
	return s.role(user).IsMod() || r.Reporter == user.ID
}

// canEditReport gates edits on the stored user target rather than the
// reporter, matching the platform's original access rule.
func (s *Service) canEditReport(user store.User, r store.Report) bool {
	if s.role(user).IsMod() {
		return true
	}
	return r.UserID != nil && *r.UserID == user.ID
}

func (s *Service) ReportTypes(ctx context.Context) ([]string, error) {
	names, err := s.store.ListReportTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list report types: %w", err)
	}
	return names, nil
}

func (s *Service) CreateReport(ctx context.Context, user store.User, input CreateReportInput) (ReportView, error) {
	if err := s.validate.Struct(input); err != nil {
		return ReportView{}, errInvalidInput(err.Error())
	}

	kind := store.ParseTargetKind(input.ItemType)
	if kind == store.TargetUnknown {
		return ReportView{}, errInvalidInput(fmt.Sprintf("unknown item_type %q", input.ItemType))
	}
	targetID, err := decodeID(input.ItemID)
	if err != nil {
		return ReportView{}, errInvalidInput(fmt.Sprintf("malformed item_id %q", input.ItemID))
	}

	report, err := s.store.CreateReport(ctx, store.CreateReportParams{
		ReportType: input.ReportType,
		TargetKind: kind,
		TargetID:   targetID,
		Body:       input.Body,
		Reporter:   user.ID,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUnknownReportType):
			return ReportView{}, errInvalidInput(fmt.Sprintf("unknown report type %q", input.ReportType))
		case errors.Is(err, store.ErrTargetNotFound):
			return ReportView{}, errInvalidInput(fmt.Sprintf("%s %s not found", input.ItemType, input.ItemID))
		case errors.Is(err, store.ErrUnknownTarget):
			return ReportView{}, errInvalidInput(fmt.Sprintf("unknown item_type %q", input.ItemType))
		}
		return ReportView{}, fmt.Errorf("create report: %w", err)
	}

	if s.search != nil {
		s.search.IndexReport(reportRecord(report))
	}
	return toReportView(report), nil
}

// ListReports returns open reports oldest first. Moderators asking for all
// see every open report; everyone else sees their own.
func (s *Service) ListReports(ctx context.Context, user store.User, count int, all bool) ([]ReportView, error) {
	if count <= 0 {
		count = defaultReportCount
	}

	var reporter *int64
	if !s.role(user).IsMod() || !all {
		reporter = &user.ID
	}

	reports, err := s.store.ListReports(ctx, reporter, count)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	views := make([]ReportView, 0, len(reports))
	for _, r := range reports {
		views = append(views, toReportView(r))
	}
	return views, nil
}

func (s *Service) GetReport(ctx context.Context, user store.User, encodedID string) (ReportView, error) {
	report, err := s.loadVisibleReport(ctx, user, encodedID)
	if err != nil {
		return ReportView{}, err
	}
	return toReportView(report), nil
}

// loadVisibleReport masks bad ids, missing rows, and denied access as the
// same NotFound so existence never leaks.
func (s *Service) loadVisibleReport(ctx context.Context, user store.User, encodedID string) (store.Report, error) {
	reportID, err := decodeID(encodedID)
	if err != nil {
		return store.Report{}, errNotFound()
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Report{}, errNotFound()
		}
		return store.Report{}, fmt.Errorf("get report: %w", err)
	}
	if !s.canViewReport(user, report) {
		return store.Report{}, errNotFound()
	}
	return report, nil
}

func (s *Service) EditReport(ctx context.Context, user store.User, encodedID string, input EditReportInput) error {
	reportID, err := decodeID(encodedID)
	if err != nil {
		return errNotFound()
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return fmt.Errorf("get report: %w", err)
	}
	if !s.canEditReport(user, report) {
		return errNotFound()
	}

	if input.Body != nil && len(*input.Body) > maxReportBody {
		return errInvalidInput("body must be at most 65536 bytes")
	}
	if input.Closed != nil && !s.role(user).IsMod() {
		return errInvalidInput("only moderators can close or reopen reports")
	}

	if err := s.store.EditReport(ctx, store.EditReportParams{
		ID:        report.ID,
		ThreadID:  report.ThreadID,
		ActorID:   user.ID,
		Body:      input.Body,
		Closed:    input.Closed,
		WasClosed: report.Closed,
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return fmt.Errorf("edit report: %w", err)
	}

	if s.search != nil {
		if input.Body != nil {
			report.Body = *input.Body
		}
		if input.Closed != nil {
			report.Closed = *input.Closed
		}
		s.search.IndexReport(reportRecord(report))
	}
	return nil
}

// DeleteReport is moderator-only; the role check comes before any lookup so
// non-moderators get Forbidden even for ids that do not exist.
func (s *Service) DeleteReport(ctx context.Context, user store.User, encodedID string) error {
	if !s.role(user).IsMod() {
		return errForbidden()
	}
	reportID, err := decodeID(encodedID)
	if err != nil {
		return errNotFound()
	}
	if err := s.store.DeleteReport(ctx, reportID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return fmt.Errorf("delete report: %w", err)
	}
	if s.search != nil {
		s.search.DeleteReport(encodedID)
	}
	return nil
}

func (s *Service) ReportThread(ctx context.Context, user store.User, encodedID string) (ThreadView, error) {
	report, err := s.loadVisibleReport(ctx, user, encodedID)
	if err != nil {
		return ThreadView{}, err
	}

	thread, err := s.store.GetThread(ctx, report.ThreadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ThreadView{}, errNotFound()
		}
		return ThreadView{}, fmt.Errorf("get thread: %w", err)
	}
	messages, err := s.store.ListThreadMessages(ctx, report.ThreadID)
	if err != nil {
		return ThreadView{}, fmt.Errorf("list thread messages: %w", err)
	}

	view := ThreadView{
		ID:       base62.Encode(uint64(thread.ID)),
		Type:     thread.Type,
		Members:  make([]string, 0, len(thread.Members)),
		Messages: make([]MessageView, 0, len(messages)),
	}
	for _, member := range thread.Members {
		view.Members = append(view.Members, base62.Encode(uint64(member)))
	}
	for _, m := range messages {
		mv := MessageView{
			ID:       base62.Encode(uint64(m.ID)),
			Body:     m.Body,
			BodyType: m.BodyType,
			Created:  m.Created,
		}
		if m.AuthorID != nil {
			author := base62.Encode(uint64(*m.AuthorID))
			mv.AuthorID = &author
		}
		view.Messages = append(view.Messages, mv)
	}
	return view, nil
}

func (s *Service) PostReportThreadMessage(ctx context.Context, user store.User, encodedID, body string) error {
	report, err := s.loadVisibleReport(ctx, user, encodedID)
	if err != nil {
		return err
	}
	if len(body) == 0 || len(body) > maxReportBody {
		return errInvalidInput("body must be between 1 and 65536 bytes")
	}
	if err := s.store.PostThreadMessage(ctx, report.ThreadID, &user.ID, store.MessageBodyText, body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return fmt.Errorf("post thread message: %w", err)
	}
	return nil
}

// SearchReports is moderator-only full-text search over report bodies.
func (s *Service) SearchReports(ctx context.Context, user store.User, query string, count, offset int) (search.Response, error) {
	if !s.role(user).IsMod() {
		return search.Response{}, errForbidden()
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}, nil
	}
	if count <= 0 {
		count = 20
	}
	return s.search.Search(search.Query{Text: query, Limit: count, Offset: offset}), nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownReportType = errors.New("unknown report type")
	ErrTargetNotFound    = errors.New("report target not found")
	ErrUnknownTarget     = errors.New("unknown report target kind")
)

// TargetOracle confirms that a report target exists for a given kind. The
// default implementation consults the projects/versions/users tables; tests
// substitute their own.
type TargetOracle interface {
	Exists(ctx context.Context, q Querier, kind TargetKind, id int64) (bool, error)
}

type PostgresStore struct {
	db     *sql.DB
	oracle TargetOracle
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, oracle: pgTargetOracle{}}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithTargetOracle replaces the entity existence oracle.
func (s *PostgresStore) WithTargetOracle(oracle TargetOracle) *PostgresStore {
	s.oracle = oracle
	return s
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, COALESCE(avatar_url, ''), role, created
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.Role, &user.Created)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetCredentials loads a user together with their password hash for signin.
func (s *PostgresStore) GetCredentials(ctx context.Context, username string) (User, string, error) {
	var user User
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, COALESCE(avatar_url, ''), role, created, COALESCE(password_hash, '')
		FROM users
		WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.Role, &user.Created, &hash)
	if err != nil {
		return User{}, "", err
	}
	return user, hash, nil
}

// --- personal access tokens ---

func (s *PostgresStore) CreatePAT(ctx context.Context, userID int64, scope string, expiresAt time.Time) (PersonalAccessToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PersonalAccessToken{}, fmt.Errorf("begin create pat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := generateID(ctx, tx, "pats")
	if err != nil {
		return PersonalAccessToken{}, err
	}
	secret, err := generateUnique(ctx, tx, "pats", "access_token")
	if err != nil {
		return PersonalAccessToken{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pats (id, access_token, user_id, scope, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, secret, userID, scope, expiresAt); err != nil {
		return PersonalAccessToken{}, fmt.Errorf("insert pat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PersonalAccessToken{}, fmt.Errorf("commit create pat: %w", err)
	}

	return PersonalAccessToken{
		ID:          id,
		AccessToken: secret,
		UserID:      userID,
		Scope:       scope,
		ExpiresAt:   expiresAt,
	}, nil
}

// ListPATs returns every token the user owns. Expired tokens stay listable
// until the owner deletes them; expiry is only enforced by ResolvePAT.
func (s *PostgresStore) ListPATs(ctx context.Context, userID int64) ([]PersonalAccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, access_token, user_id, scope, expires_at
		FROM pats
		WHERE user_id=$1
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pats: %w", err)
	}
	defer rows.Close()

	items := make([]PersonalAccessToken, 0)
	for rows.Next() {
		var item PersonalAccessToken
		if err := rows.Scan(&item.ID, &item.AccessToken, &item.UserID, &item.Scope, &item.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan pat: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pats: %w", err)
	}
	return items, nil
}

// EditPAT updates a token looked up by its (secret, owner) pair; a miss is
// sql.ErrNoRows, which also covers a caller probing someone else's token.
func (s *PostgresStore) EditPAT(ctx context.Context, userID, secret int64, scope *string, expiresAt *time.Time) (PersonalAccessToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PersonalAccessToken{}, fmt.Errorf("begin edit pat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var item PersonalAccessToken
	err = tx.QueryRowContext(ctx, `
		SELECT id, access_token, user_id, scope, expires_at
		FROM pats
		WHERE access_token=$1 AND user_id=$2
	`, secret, userID).Scan(&item.ID, &item.AccessToken, &item.UserID, &item.Scope, &item.ExpiresAt)
	if err != nil {
		return PersonalAccessToken{}, err
	}

	if scope != nil {
		item.Scope = *scope
	}
	if expiresAt != nil {
		item.ExpiresAt = *expiresAt
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pats
		SET scope=$2, expires_at=$3
		WHERE id=$1
	`, item.ID, item.Scope, item.ExpiresAt); err != nil {
		return PersonalAccessToken{}, fmt.Errorf("update pat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PersonalAccessToken{}, fmt.Errorf("commit edit pat: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) RevokePAT(ctx context.Context, userID, secret int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke pat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM pats
		WHERE access_token=$1 AND user_id=$2
	`, secret, userID).Scan(&id)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pats WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete pat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke pat: %w", err)
	}
	return nil
}

// ResolvePAT looks up the owning user of a token secret. It is a single
// read on the hot authentication path; the caller compares expires_at
// against its clock and fails closed.
func (s *PostgresStore) ResolvePAT(ctx context.Context, secret int64) (User, time.Time, error) {
	var user User
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.email, COALESCE(u.avatar_url, ''), u.role, u.created, p.expires_at
		FROM pats p
		JOIN users u ON u.id = p.user_id
		WHERE p.access_token = $1
	`, secret).Scan(&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.Role, &user.Created, &expiresAt)
	if err != nil {
		return User{}, time.Time{}, err
	}
	return user, expiresAt, nil
}

// --- report type catalog ---

func (s *PostgresStore) ListReportTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM report_types ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list report types: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan report type: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report types: %w", err)
	}
	return names, nil
}

// --- reports ---

// CreateReport runs the whole creation flow in one transaction: catalog
// lookup, target existence check, thread mint, report insert. Any failure
// rolls the lot back.
func (s *PostgresStore) CreateReport(ctx context.Context, p CreateReportParams) (Report, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, fmt.Errorf("begin create report: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var typeID int
	err = tx.QueryRowContext(ctx, `SELECT id FROM report_types WHERE name=$1`, p.ReportType).Scan(&typeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownReportType, p.ReportType)
	}
	if err != nil {
		return Report{}, fmt.Errorf("lookup report type: %w", err)
	}

	if p.TargetKind == TargetUnknown {
		return Report{}, ErrUnknownTarget
	}
	exists, err := s.oracle.Exists(ctx, tx, p.TargetKind, p.TargetID)
	if err != nil {
		return Report{}, err
	}
	if !exists {
		return Report{}, fmt.Errorf("%w: %s", ErrTargetNotFound, p.TargetKind)
	}

	threadID, err := generateID(ctx, tx, "threads")
	if err != nil {
		return Report{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, thread_type)
		VALUES ($1, $2)
	`, threadID, ThreadTypeReport); err != nil {
		return Report{}, fmt.Errorf("insert thread: %w", err)
	}

	reportID, err := generateID(ctx, tx, "reports")
	if err != nil {
		return Report{}, err
	}

	report := Report{
		ID:         reportID,
		ReportType: p.ReportType,
		Body:       p.Body,
		Reporter:   p.Reporter,
		Closed:     false,
		ThreadID:   threadID,
	}
	switch p.TargetKind {
	case TargetProject:
		report.ProjectID = &p.TargetID
	case TargetVersion:
		report.VersionID = &p.TargetID
	case TargetUser:
		report.UserID = &p.TargetID
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO reports (id, report_type_id, project_id, version_id, user_id, body, reporter, thread_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created
	`, reportID, typeID, report.ProjectID, report.VersionID, report.UserID, p.Body, p.Reporter, threadID).Scan(&report.Created)
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Report{}, fmt.Errorf("commit create report: %w", err)
	}
	return report, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID int64) (Report, error) {
	var item Report
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, rt.name, r.project_id, r.version_id, r.user_id, r.body, r.reporter, r.created, r.closed, r.thread_id
		FROM reports r
		JOIN report_types rt ON rt.id = r.report_type_id
		WHERE r.id=$1
	`, reportID).Scan(
		&item.ID,
		&item.ReportType,
		&item.ProjectID,
		&item.VersionID,
		&item.UserID,
		&item.Body,
		&item.Reporter,
		&item.Created,
		&item.Closed,
		&item.ThreadID,
	)
	if err != nil {
		return Report{}, err
	}
	return item, nil
}

// ListReports returns open reports oldest-first. A nil reporter means all
// reporters (the moderator queue); otherwise only the caller's own.
func (s *PostgresStore) ListReports(ctx context.Context, reporter *int64, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, rt.name, r.project_id, r.version_id, r.user_id, r.body, r.reporter, r.created, r.closed, r.thread_id
		FROM reports r
		JOIN report_types rt ON rt.id = r.report_type_id
		WHERE r.closed = FALSE
		  AND ($1::bigint IS NULL OR r.reporter = $1)
		ORDER BY r.created ASC
		LIMIT $2
	`, reporter, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]Report, 0)
	for rows.Next() {
		var item Report
		if err := rows.Scan(
			&item.ID,
			&item.ReportType,
			&item.ProjectID,
			&item.VersionID,
			&item.UserID,
			&item.Body,
			&item.Reporter,
			&item.Created,
			&item.Closed,
			&item.ThreadID,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}

// EditReport applies a body replacement and/or a closed toggle. A closed
// flip appends the transition message to the bound thread before the row
// update, inside the same transaction.
func (s *PostgresStore) EditReport(ctx context.Context, p EditReportParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin edit report: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if p.Body != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE reports SET body=$2 WHERE id=$1
		`, p.ID, *p.Body); err != nil {
			return fmt.Errorf("update report body: %w", err)
		}
	}

	if p.Closed != nil {
		bodyType := MessageBodyClosure
		if !*p.Closed && p.WasClosed {
			bodyType = MessageBodyReopen
		}
		if err := insertThreadMessage(ctx, tx, p.ThreadID, &p.ActorID, bodyType, ""); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE reports SET closed=$2 WHERE id=$1
		`, p.ID, *p.Closed); err != nil {
			return fmt.Errorf("update report closed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edit report: %w", err)
	}
	return nil
}

// DeleteReport removes the report and cascades into its thread: messages,
// members, the report row, then the thread row, in one transaction.
func (s *PostgresStore) DeleteReport(ctx context.Context, reportID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete report: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var threadID int64
	err = tx.QueryRowContext(ctx, `SELECT thread_id FROM reports WHERE id=$1`, reportID).Scan(&threadID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM threads_messages WHERE thread_id=$1`, threadID); err != nil {
		return fmt.Errorf("delete thread messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads_members WHERE thread_id=$1`, threadID); err != nil {
		return fmt.Errorf("delete thread members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id=$1`, reportID); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id=$1`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete report: %w", err)
	}
	return nil
}

// --- threads ---

func (s *PostgresStore) GetThread(ctx context.Context, threadID int64) (Thread, error) {
	var item Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_type, created FROM threads WHERE id=$1
	`, threadID).Scan(&item.ID, &item.Type, &item.Created)
	if err != nil {
		return Thread{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM threads_members WHERE thread_id=$1 ORDER BY user_id ASC
	`, threadID)
	if err != nil {
		return Thread{}, fmt.Errorf("list thread members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var member int64
		if err := rows.Scan(&member); err != nil {
			return Thread{}, fmt.Errorf("scan thread member: %w", err)
		}
		item.Members = append(item.Members, member)
	}
	if err := rows.Err(); err != nil {
		return Thread{}, fmt.Errorf("iterate thread members: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListThreadMessages(ctx context.Context, threadID int64) ([]ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, author_id, body, body_type, created
		FROM threads_messages
		WHERE thread_id=$1
		ORDER BY created ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	defer rows.Close()

	items := make([]ThreadMessage, 0)
	for rows.Next() {
		var item ThreadMessage
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.AuthorID, &item.Body, &item.BodyType, &item.Created); err != nil {
			return nil, fmt.Errorf("scan thread message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread messages: %w", err)
	}
	return items, nil
}

// PostThreadMessage appends a message. A nil author marks a system entry.
func (s *PostgresStore) PostThreadMessage(ctx context.Context, threadID int64, authorID *int64, bodyType, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin post message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM threads WHERE id=$1)`, threadID).Scan(&exists); err != nil {
		return fmt.Errorf("check thread: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}

	if err := insertThreadMessage(ctx, tx, threadID, authorID, bodyType, body); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit post message: %w", err)
	}
	return nil
}

type execQuerier interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertThreadMessage(ctx context.Context, tx execQuerier, threadID int64, authorID *int64, bodyType, body string) error {
	id, err := generateID(ctx, tx, "threads_messages")
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads_messages (id, thread_id, author_id, body, body_type)
		VALUES ($1, $2, $3, $4, $5)
	`, id, threadID, authorID, body, bodyType); err != nil {
		return fmt.Errorf("insert thread message: %w", err)
	}
	return nil
}

// --- target oracle ---

type pgTargetOracle struct{}

func (pgTargetOracle) Exists(ctx context.Context, q Querier, kind TargetKind, id int64) (bool, error) {
	var query string
	switch kind {
	case TargetProject:
		query = `SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1)`
	case TargetVersion:
		query = `SELECT EXISTS(SELECT 1 FROM versions WHERE id = $1)`
	case TargetUser:
		query = `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`
	default:
		return false, ErrUnknownTarget
	}
	var exists bool
	if err := q.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s target: %w", kind, err)
	}
	return exists, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// These tests need a disposable Postgres instance and are skipped unless
// LODESTONE_TEST_DATABASE_URL points at one. The schema is dropped and
// rebuilt from the migrations on every run.

func openIntegrationStore(t *testing.T) (context.Context, *PostgresStore) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("LODESTONE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LODESTONE_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDirPath()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return ctx, NewPostgresStore(db)
}

func migrationsDirPath() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func seedUser(t *testing.T, ctx context.Context, db *sql.DB, id int64, username, role string) {
	t.Helper()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO users (id, username, role) VALUES ($1, $2, $3)
	`, id, username, role); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
}

func seedProject(t *testing.T, ctx context.Context, db *sql.DB, id, ownerID int64) {
	t.Helper()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projects (id, title, owner_id) VALUES ($1, 'seeded', $2)
	`, id, ownerID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func countRows(t *testing.T, ctx context.Context, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestCreateReportRollsBackOnUnresolvableTarget(t *testing.T) {
	ctx, s := openIntegrationStore(t)
	db := s.DB()
	seedUser(t, ctx, db, 1, "reporter", "developer")

	threadsBefore := countRows(t, ctx, db, `SELECT COUNT(*) FROM threads`)
	reportsBefore := countRows(t, ctx, db, `SELECT COUNT(*) FROM reports`)

	_, err := s.CreateReport(ctx, CreateReportParams{
		ReportType: "spam",
		TargetKind: TargetProject,
		TargetID:   9999,
		Body:       "nothing to see",
		Reporter:   1,
	})
	if !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("err = %v, want ErrTargetNotFound", err)
	}

	if got := countRows(t, ctx, db, `SELECT COUNT(*) FROM threads`); got != threadsBefore {
		t.Fatalf("threads count = %d after failed create, want %d", got, threadsBefore)
	}
	if got := countRows(t, ctx, db, `SELECT COUNT(*) FROM reports`); got != reportsBefore {
		t.Fatalf("reports count = %d after failed create, want %d", got, reportsBefore)
	}
}

func TestCreateReportRollsBackMintedThreadOnInsertFailure(t *testing.T) {
	ctx, s := openIntegrationStore(t)
	db := s.DB()
	seedUser(t, ctx, db, 1, "owner", "developer")
	seedProject(t, ctx, db, 10, 1)

	threadsBefore := countRows(t, ctx, db, `SELECT COUNT(*) FROM threads`)

	// Reporter 404 violates the reports.reporter foreign key. The thread
	// row is inserted earlier in the same transaction and must not survive.
	_, err := s.CreateReport(ctx, CreateReportParams{
		ReportType: "spam",
		TargetKind: TargetProject,
		TargetID:   10,
		Body:       "orphan check",
		Reporter:   404,
	})
	if err == nil {
		t.Fatal("create with unknown reporter succeeded")
	}

	if got := countRows(t, ctx, db, `SELECT COUNT(*) FROM threads`); got != threadsBefore {
		t.Fatalf("threads count = %d after failed create, want %d", got, threadsBefore)
	}
}

func TestEditReportClosureWritesThreadTransition(t *testing.T) {
	ctx, s := openIntegrationStore(t)
	db := s.DB()
	seedUser(t, ctx, db, 1, "reporter", "developer")
	seedUser(t, ctx, db, 2, "mod", "moderator")
	seedProject(t, ctx, db, 10, 1)

	report, err := s.CreateReport(ctx, CreateReportParams{
		ReportType: "spam",
		TargetKind: TargetProject,
		TargetID:   10,
		Body:       "bot comments",
		Reporter:   1,
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	closed := true
	err = s.EditReport(ctx, EditReportParams{
		ID:        report.ID,
		ThreadID:  report.ThreadID,
		ActorID:   2,
		Closed:    &closed,
		WasClosed: false,
	})
	if err != nil {
		t.Fatalf("close report: %v", err)
	}

	got, err := s.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if !got.Closed {
		t.Fatal("report not closed after edit")
	}

	messages, err := s.ListThreadMessages(ctx, report.ThreadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("messages = %d after close, want 1", len(messages))
	}
	if messages[0].BodyType != MessageBodyClosure {
		t.Fatalf("message body_type = %q, want %q", messages[0].BodyType, MessageBodyClosure)
	}
	if messages[0].AuthorID == nil || *messages[0].AuthorID != 2 {
		t.Fatalf("closure message author = %v, want the acting moderator", messages[0].AuthorID)
	}

	reopened := false
	err = s.EditReport(ctx, EditReportParams{
		ID:        report.ID,
		ThreadID:  report.ThreadID,
		ActorID:   2,
		Closed:    &reopened,
		WasClosed: true,
	})
	if err != nil {
		t.Fatalf("reopen report: %v", err)
	}

	got, err = s.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.Closed {
		t.Fatal("report still closed after reopen")
	}

	messages, err = s.ListThreadMessages(ctx, report.ThreadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d after reopen, want 2", len(messages))
	}
	if messages[1].BodyType != MessageBodyReopen {
		t.Fatalf("message body_type = %q, want %q", messages[1].BodyType, MessageBodyReopen)
	}
}

func TestDeleteReportCascadesIntoThread(t *testing.T) {
	ctx, s := openIntegrationStore(t)
	db := s.DB()
	seedUser(t, ctx, db, 1, "reporter", "developer")
	seedUser(t, ctx, db, 2, "mod", "moderator")
	seedProject(t, ctx, db, 10, 1)

	report, err := s.CreateReport(ctx, CreateReportParams{
		ReportType: "malicious",
		TargetKind: TargetProject,
		TargetID:   10,
		Body:       "ships a miner",
		Reporter:   1,
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	author := int64(1)
	if err := s.PostThreadMessage(ctx, report.ThreadID, &author, MessageBodyText, "more detail"); err != nil {
		t.Fatalf("post message: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO threads_members (thread_id, user_id) VALUES ($1, $2)
	`, report.ThreadID, int64(2)); err != nil {
		t.Fatalf("seed thread member: %v", err)
	}

	if err := s.DeleteReport(ctx, report.ID); err != nil {
		t.Fatalf("delete report: %v", err)
	}

	if _, err := s.GetReport(ctx, report.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("get deleted report err = %v, want sql.ErrNoRows", err)
	}
	if n := countRows(t, ctx, db, `SELECT COUNT(*) FROM threads WHERE id=$1`, report.ThreadID); n != 0 {
		t.Fatalf("thread rows = %d after delete, want 0", n)
	}
	if n := countRows(t, ctx, db, `SELECT COUNT(*) FROM threads_messages WHERE thread_id=$1`, report.ThreadID); n != 0 {
		t.Fatalf("thread message rows = %d after delete, want 0", n)
	}
	if n := countRows(t, ctx, db, `SELECT COUNT(*) FROM threads_members WHERE thread_id=$1`, report.ThreadID); n != 0 {
		t.Fatalf("thread member rows = %d after delete, want 0", n)
	}
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	ctx, s := openIntegrationStore(t)
	db := s.DB()

	if err := applyDownMigrations(ctx, db, migrationsDirPath()); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDirPath()); err != nil {
		t.Fatalf("apply up migrations again: %v", err)
	}
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	type migration struct {
		version string
		path    string
	}
	downs := make([]migration, 0)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		downs = append(downs, migration{
			version: match[1],
			path:    filepath.Join(migrationsDir, entry.Name()),
		})
	}

	sort.Slice(downs, func(i, j int) bool {
		return downs[i].version > downs[j].version
	})

	for _, down := range downs {
		sqlBytes, err := os.ReadFile(down.path)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}

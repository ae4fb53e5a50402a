package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"lodestone/api/internal/base62"
)

// PgFTS implements report search using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the reports table using plainto_tsquery and ts_rank,
// with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('english', $1)"

	countSQL := fmt.Sprintf(`
		SELECT count(*)
		FROM reports r
		WHERE r.fts @@ %s`, tsQuery)

	dataSQL := fmt.Sprintf(`
		SELECT r.id, rt.name, r.project_id, r.version_id, r.user_id, r.reporter, r.closed,
			ts_headline('english', r.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet
		FROM reports r
		JOIN report_types rt ON rt.id = r.report_type_id
		WHERE r.fts @@ %s
		ORDER BY ts_rank(r.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, tsQuery, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			id        int64
			reporter  int64
			projectID sql.NullInt64
			versionID sql.NullInt64
			userID    sql.NullInt64
			r         Result
		)
		if err := rows.Scan(&id, &r.ReportType, &projectID, &versionID, &userID, &reporter, &r.Closed, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = base62.Encode(uint64(id))
		r.Reporter = base62.Encode(uint64(reporter))
		r.ItemType, r.ItemID = targetColumns(projectID, versionID, userID)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

func targetColumns(projectID, versionID, userID sql.NullInt64) (string, string) {
	switch {
	case projectID.Valid:
		return "project", base62.Encode(uint64(projectID.Int64))
	case versionID.Valid:
		return "version", base62.Encode(uint64(versionID.Int64))
	case userID.Valid:
		return "user", base62.Encode(uint64(userID.Int64))
	default:
		return "unknown", ""
	}
}

// LoadAllRecords returns every report for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ReportRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, rt.name, r.project_id, r.version_id, r.user_id, r.reporter, r.body, r.closed, r.created
		FROM reports r
		JOIN report_types rt ON rt.id = r.report_type_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	defer rows.Close()

	records := make([]ReportRecord, 0)
	for rows.Next() {
		var (
			id        int64
			reporter  int64
			projectID sql.NullInt64
			versionID sql.NullInt64
			userID    sql.NullInt64
			rec       ReportRecord
		)
		if err := rows.Scan(&id, &rec.ReportType, &projectID, &versionID, &userID, &reporter, &rec.Body, &rec.Closed, &rec.Created); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		rec.ID = base62.Encode(uint64(id))
		rec.Reporter = base62.Encode(uint64(reporter))
		rec.ItemType, rec.ItemID = targetColumns(projectID, versionID, userID)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}

	return records, nil
}

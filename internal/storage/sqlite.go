package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"sentro/internal/model"
	"sentro/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// existsChunkSize bounds the number of (source, source_guid) pairs per
// existence query.
const existsChunkSize = 100

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ListSources returns all configured sources.
func (s *SQLite) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, type, article_limit, created_at, updated_at
		 FROM sources ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []model.Source
	for rows.Next() {
		var src model.Source
		var typ, created, updated string
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &typ, &src.ArticleLimit, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.Type = model.SourceType(typ)
		src.CreatedAt, _ = time.Parse(timeLayout, created)
		src.UpdatedAt, _ = time.Parse(timeLayout, updated)
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// CreateSource inserts a new source and populates its ID and timestamps.
func (s *SQLite) CreateSource(ctx context.Context, src *model.Source) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, url, type, article_limit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.URL, string(src.Type), src.ArticleLimit,
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	src.CreatedAt = now
	src.UpdatedAt = now
	return nil
}

// ExistingArticles returns the dedup keys among the given articles that
// already have a persisted row with the same (source, source_guid). The
// check is batched: one round trip per chunk of key pairs.
func (s *SQLite) ExistingArticles(ctx context.Context, articles []model.Article) (map[string]bool, error) {
	existing := make(map[string]bool)
	for start := 0; start < len(articles); start += existsChunkSize {
		end := min(start+existsChunkSize, len(articles))

		pred := sq.Or{}
		for _, a := range articles[start:end] {
			pred = append(pred, sq.Eq{"source": a.Source, "source_guid": a.SourceGUID})
		}
		query, args, err := sq.Select("source", "source_guid").
			From("articles").
			Where(pred).
			PlaceholderFormat(sq.Question).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build exists query: %w", err)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query existing articles: %w", err)
		}
		for rows.Next() {
			var source, guid string
			if err := rows.Scan(&source, &guid); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan existing article: %w", err)
			}
			existing[source+"-"+guid] = true
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterate existing articles: %w", err)
		}
		_ = rows.Close()
	}
	return existing, nil
}

// InsertArticles writes one batch in a single multi-row insert and returns
// the number of rows actually written.
func (s *SQLite) InsertArticles(ctx context.Context, articles []model.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	builder := sq.Insert("articles").Columns(
		"id", "title", "content", "source", "url", "image_url",
		"published_at", "created_at", "relevance_score", "category",
		"tags", "language", "source_id", "source_guid",
	)
	for _, a := range articles {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		var tags any
		if a.Tags != nil {
			encoded, err := json.Marshal(a.Tags)
			if err != nil {
				return 0, fmt.Errorf("encode tags: %w", err)
			}
			tags = string(encoded)
		}
		builder = builder.Values(
			id, a.Title, a.Content, a.Source, a.URL, a.ImageURL,
			a.PublishedAt.UTC().Format(timeLayout), a.CreatedAt.UTC().Format(timeLayout),
			a.RelevanceScore, a.Category, tags, a.Language, a.SourceID, a.SourceGUID,
		)
	}

	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert articles: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// AppendLog inserts one immutable log record and populates its ID and
// CreatedAt.
func (s *SQLite) AppendLog(ctx context.Context, entry *model.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	details := "{}"
	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = string(encoded)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aggregation_logs (id, event_type, status, details, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.EventType, string(entry.Status), details, now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	entry.CreatedAt = now
	return nil
}

// ListLogs returns log entries, newest first, narrowed by the filter.
func (s *SQLite) ListLogs(ctx context.Context, filter LogFilter) ([]model.LogEntry, error) {
	builder := sq.Select("id", "event_type", "status", "details", "created_at").
		From("aggregation_logs").
		OrderBy("created_at DESC, id")
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.EventType != "" {
		builder = builder.Where(sq.Eq{"event_type": filter.EventType})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	builder = builder.Limit(uint64(limit))

	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build logs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var status, details, created string
		if err := rows.Scan(&e.ID, &e.EventType, &status, &details, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Status = model.RunStatus(status)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSchedule returns the settings singleton.
func (s *SQLite) GetSchedule(ctx context.Context) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT enabled, frequency, next_scheduled, last_run, status, articles_count, error_message
		 FROM system_settings WHERE id = 1`,
	)
	var sched model.Schedule
	var enabled int
	var frequency string
	var next, last, errMsg sql.NullString
	if err := row.Scan(&enabled, &frequency, &next, &last, &sched.Status, &sched.ArticlesCount, &errMsg); err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.Enabled = enabled == 1
	sched.Frequency = model.Frequency(frequency)
	if next.Valid {
		t, _ := time.Parse(timeLayout, next.String)
		sched.NextScheduled = &t
	}
	if last.Valid {
		t, _ := time.Parse(timeLayout, last.String)
		sched.LastRun = &t
	}
	if errMsg.Valid {
		sched.ErrorMessage = &errMsg.String
	}
	return &sched, nil
}

// SaveSchedule persists the schedule fields of the settings singleton.
func (s *SQLite) SaveSchedule(ctx context.Context, sched *model.Schedule) error {
	var next *string
	if sched.NextScheduled != nil {
		v := sched.NextScheduled.UTC().Format(timeLayout)
		next = &v
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE system_settings SET enabled = ?, frequency = ?, next_scheduled = ?, updated_at = ?
		 WHERE id = 1`,
		boolToInt(sched.Enabled), string(sched.Frequency), next,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return nil
}

// UpdateRunStatus records the outcome of the latest run.
func (s *SQLite) UpdateRunStatus(ctx context.Context, status string, articlesCount int, errMsg *string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE system_settings SET last_run = ?, status = ?, articles_count = ?, error_message = ?, updated_at = ?
		 WHERE id = 1`,
		now, status, articlesCount, errMsg, now,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

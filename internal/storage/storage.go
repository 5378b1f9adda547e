// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"sentro/internal/model"
)

// LogFilter narrows a log listing. Zero values mean "no filter".
type LogFilter struct {
	Status    model.RunStatus
	EventType string
	Limit     int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	ListSources(ctx context.Context) ([]model.Source, error)
	CreateSource(ctx context.Context, src *model.Source) error

	// ExistingArticles returns the dedup keys of the given articles that
	// already have a persisted row with the same (source, source_guid).
	ExistingArticles(ctx context.Context, articles []model.Article) (map[string]bool, error)
	// InsertArticles writes one batch and returns the number of rows
	// actually inserted.
	InsertArticles(ctx context.Context, articles []model.Article) (int, error)

	AppendLog(ctx context.Context, entry *model.LogEntry) error
	ListLogs(ctx context.Context, filter LogFilter) ([]model.LogEntry, error)

	GetSchedule(ctx context.Context) (*model.Schedule, error)
	SaveSchedule(ctx context.Context, sched *model.Schedule) error
	// UpdateRunStatus records the outcome of the latest run on the
	// settings singleton.
	UpdateRunStatus(ctx context.Context, status string, articlesCount int, errMsg *string) error

	Close() error
}

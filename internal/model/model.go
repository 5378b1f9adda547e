// Package model defines the domain types used across the application.
package model

import "time"

// SourceType identifies how a source's content is retrieved and parsed.
type SourceType string

// Supported source types. API and HTML sources are recognized but the
// pipeline currently only processes feed sources.
const (
	SourceRSS  SourceType = "rss"
	SourceAPI  SourceType = "api"
	SourceHTML SourceType = "html"
)

// Source represents a configured feed origin to poll.
type Source struct {
	ID           string
	Name         string
	URL          string
	Type         SourceType
	ArticleLimit int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Article is the normalized, store-ready representation of one feed item.
type Article struct {
	ID             string
	Title          string
	Content        string
	Source         string
	URL            string
	ImageURL       *string
	PublishedAt    time.Time
	CreatedAt      time.Time
	RelevanceScore *float64
	Category       string
	Tags           []string
	Language       string
	SourceID       string
	SourceGUID     string
}

// DedupKey identifies a logical article. Two articles with equal keys are
// the same article regardless of other field differences.
func (a Article) DedupKey() string {
	return a.Source + "-" + a.SourceGUID
}

// RunStatus is the lifecycle status recorded in aggregation logs.
type RunStatus string

// Log statuses.
const (
	StatusRunning        RunStatus = "running"
	StatusSuccess        RunStatus = "success"
	StatusPartialSuccess RunStatus = "partial_success"
	StatusError          RunStatus = "error"
	StatusSkipped        RunStatus = "skipped"
	StatusPending        RunStatus = "pending"
)

// Log event types.
const (
	EventAggregation          = "aggregation"
	EventCryptoAggregation    = "crypto_aggregation"
	EventScheduledAggregation = "scheduled_aggregation"
	EventScheduleUpdate       = "schedule_update"
)

// LogEntry is one append-only aggregation log record.
type LogEntry struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Status    RunStatus      `json:"status"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// Frequency is a fixed schedule interval.
type Frequency string

// Supported schedule frequencies.
const (
	Freq15Min  Frequency = "15min"
	Freq30Min  Frequency = "30min"
	FreqHourly Frequency = "hourly"
	Freq6H     Frequency = "6h"
	Freq12H    Frequency = "12h"
	FreqDaily  Frequency = "daily"
)

// Interval returns the duration of one schedule period.
// Unknown frequencies fall back to hourly.
func (f Frequency) Interval() time.Duration {
	switch f {
	case Freq15Min:
		return 15 * time.Minute
	case Freq30Min:
		return 30 * time.Minute
	case FreqHourly:
		return time.Hour
	case Freq6H:
		return 6 * time.Hour
	case Freq12H:
		return 12 * time.Hour
	case FreqDaily:
		return 24 * time.Hour
	}
	return time.Hour
}

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case Freq15Min, Freq30Min, FreqHourly, Freq6H, Freq12H, FreqDaily:
		return true
	}
	return false
}

// Schedule is the singleton schedule and run-status record.
type Schedule struct {
	Enabled       bool       `json:"enabled"`
	Frequency     Frequency  `json:"frequency"`
	NextScheduled *time.Time `json:"next_scheduled"`
	LastRun       *time.Time `json:"last_run"`
	Status        string     `json:"status"`
	ArticlesCount int        `json:"articles_count"`
	ErrorMessage  *string    `json:"error_message"`
}

// RunOptions control a single aggregation run.
type RunOptions struct {
	ForceUpdate  bool     `json:"forceUpdate"`
	SingleSource bool     `json:"singleCategory"`
	Languages    []string `json:"languages"`
}

// RunError is one isolated failure captured during a run.
type RunError struct {
	Source  string `json:"source,omitempty"`
	Batch   *int   `json:"batch,omitempty"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// RunSummary is the outcome of one aggregation run.
type RunSummary struct {
	Message string         `json:"message"`
	Count   int            `json:"count"`
	Sources map[string]int `json:"sources"`
	Errors  []RunError     `json:"errors"`
}

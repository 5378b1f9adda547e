// Package aggregator orchestrates one aggregation run: fetch each source,
// normalize, deduplicate, persist in batches, and log the outcome.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"sentro/internal/feed"
	"sentro/internal/fetcher"
	"sentro/internal/model"
	"sentro/internal/storage"
)

// ErrRunInProgress is returned when a run is triggered while another run
// is still executing.
var ErrRunInProgress = errors.New("aggregation run already in progress")

// Run stages recorded on isolated errors.
const (
	stageFetch  = "fetch"
	stageParse  = "parse"
	stageInsert = "insert"
)

// Notifier delivers a run summary to an external channel.
type Notifier interface {
	NotifyRun(ctx context.Context, summary model.RunSummary) error
}

// Aggregator runs the aggregation pipeline. At most one run executes at a
// time; concurrent triggers fail with ErrRunInProgress.
type Aggregator struct {
	store    storage.Storage
	fetcher  *fetcher.Fetcher
	notifier Notifier
	log      *slog.Logger

	batchSize   int
	batchDelay  time.Duration
	sourceDelay time.Duration

	busy atomic.Bool
}

// New creates an Aggregator with the default batch size (20), batch
// spacing (500ms) and inter-source spacing (2s).
func New(store storage.Storage, f *fetcher.Fetcher, log *slog.Logger) *Aggregator {
	return &Aggregator{
		store:       store,
		fetcher:     f,
		log:         log,
		batchSize:   20,
		batchDelay:  500 * time.Millisecond,
		sourceDelay: 2 * time.Second,
	}
}

// SetNotifier attaches an optional run-outcome notifier.
func (a *Aggregator) SetNotifier(n Notifier) {
	a.notifier = n
}

// SetDelays overrides the inter-source and inter-batch spacing.
func (a *Aggregator) SetDelays(sourceDelay, batchDelay time.Duration) {
	a.sourceDelay = sourceDelay
	a.batchDelay = batchDelay
}

// Run executes one aggregation run and records its lifecycle in the
// aggregation log under the given event type.
func (a *Aggregator) Run(ctx context.Context, eventType string, opts model.RunOptions) (*model.RunSummary, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer a.busy.Store(false)

	started := time.Now().UTC()
	a.logEvent(ctx, eventType, model.StatusRunning, map[string]any{
		"force_update":  opts.ForceUpdate,
		"single_source": opts.SingleSource,
		"started_at":    started.Format(time.RFC3339),
	})

	summary, err := a.run(ctx, opts)
	finished := time.Now().UTC()
	if err != nil {
		a.logEvent(ctx, eventType, model.StatusError, map[string]any{
			"error":       err.Error(),
			"finished_at": finished.Format(time.RFC3339),
		})
		msg := err.Error()
		a.updateRunStatus(ctx, string(model.StatusError), 0, &msg)
		return nil, err
	}

	status := model.StatusSuccess
	var errMsg *string
	if len(summary.Errors) > 0 {
		status = model.StatusPartialSuccess
		msg := fmt.Sprintf("%d errors during run", len(summary.Errors))
		errMsg = &msg
	}
	a.logEvent(ctx, eventType, status, map[string]any{
		"message":     summary.Message,
		"count":       summary.Count,
		"sources":     summary.Sources,
		"errors":      summary.Errors,
		"finished_at": finished.Format(time.RFC3339),
		"duration_ms": finished.Sub(started).Milliseconds(),
	})
	a.updateRunStatus(ctx, string(status), summary.Count, errMsg)

	if a.notifier != nil {
		if err := a.notifier.NotifyRun(ctx, *summary); err != nil {
			a.log.Warn("notify run outcome", "error", err)
		}
	}
	return summary, nil
}

func (a *Aggregator) run(ctx context.Context, opts model.RunOptions) (*model.RunSummary, error) {
	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	summary := &model.RunSummary{Sources: map[string]int{}, Errors: []model.RunError{}}
	if len(sources) == 0 {
		summary.Message = "No crypto sources configured"
		return summary, nil
	}

	if opts.SingleSource {
		pick := rand.Intn(len(sources))
		sources = sources[pick : pick+1]
	}

	collected := a.collect(ctx, sources, summary)
	unique := dedupe(collected)

	toInsert := unique
	if !opts.ForceUpdate && len(unique) > 0 {
		existing, err := a.store.ExistingArticles(ctx, unique)
		if err != nil {
			return nil, fmt.Errorf("check existing articles: %w", err)
		}
		toInsert = toInsert[:0]
		for _, art := range unique {
			if !existing[art.DedupKey()] {
				toInsert = append(toInsert, art)
			}
		}
	}

	inserted, insertErrs := a.persist(ctx, toInsert)
	summary.Count = inserted
	summary.Errors = append(summary.Errors, insertErrs...)
	summary.Message = fmt.Sprintf("Aggregated %d new articles from %d sources", inserted, len(sources))
	if inserted == 0 {
		summary.Message = "No new articles found"
	}
	return summary, nil
}

// collect fetches and normalizes each source sequentially. A source's
// failure is recorded and never aborts the run.
func (a *Aggregator) collect(ctx context.Context, sources []model.Source, summary *model.RunSummary) []model.Article {
	var collected []model.Article
	for i, src := range sources {
		if ctx.Err() != nil {
			a.log.Info("run cancelled, stopping source fetches", "remaining", len(sources)-i)
			break
		}
		if i > 0 && !a.sleep(ctx, a.sourceDelay) {
			break
		}

		if src.Type != model.SourceRSS {
			a.log.Debug("source type not implemented, skipping", "source", src.Name, "type", src.Type)
			continue
		}

		raw, err := a.fetcher.Fetch(ctx, src.URL)
		if err != nil {
			a.log.Error("fetch source", "source", src.Name, "url", src.URL, "error", err)
			summary.Errors = append(summary.Errors, model.RunError{
				Source: src.Name, Stage: stageFetch, Message: err.Error(),
			})
			continue
		}

		articles, err := feed.Normalize(src, raw)
		if err != nil {
			a.log.Error("normalize source", "source", src.Name, "error", err)
			summary.Errors = append(summary.Errors, model.RunError{
				Source: src.Name, Stage: stageParse, Message: err.Error(),
			})
			continue
		}

		summary.Sources[src.Name] = len(articles)
		collected = append(collected, articles...)
	}
	return collected
}

// persist writes articles in fixed-size batches. A batch failure is
// recorded with its index and the remaining batches still run. An
// in-flight insert is allowed to complete even after cancellation, but no
// new batch starts once the context is done.
func (a *Aggregator) persist(ctx context.Context, articles []model.Article) (int, []model.RunError) {
	insertCtx := context.WithoutCancel(ctx)

	var inserted int
	var errs []model.RunError
	for batch := 0; batch*a.batchSize < len(articles); batch++ {
		if batch > 0 {
			if ctx.Err() != nil {
				a.log.Info("run cancelled, stopping batch inserts", "batch", batch)
				break
			}
			a.sleep(ctx, a.batchDelay)
		}

		start := batch * a.batchSize
		end := min(start+a.batchSize, len(articles))

		n, err := a.store.InsertArticles(insertCtx, articles[start:end])
		if err != nil {
			a.log.Error("insert batch", "batch", batch, "size", end-start, "error", err)
			idx := batch
			errs = append(errs, model.RunError{
				Batch: &idx, Stage: stageInsert, Message: err.Error(),
			})
			continue
		}
		inserted += n
	}
	return inserted, errs
}

// dedupe removes intra-batch duplicates, keeping the first occurrence of
// each dedup key in original order.
func dedupe(articles []model.Article) []model.Article {
	seen := make(map[string]bool, len(articles))
	unique := articles[:0:0]
	for _, art := range articles {
		key := art.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, art)
	}
	return unique
}

// logEvent appends a log record. Logging failures never fail the run.
func (a *Aggregator) logEvent(ctx context.Context, eventType string, status model.RunStatus, details map[string]any) {
	entry := &model.LogEntry{EventType: eventType, Status: status, Details: details}
	if err := a.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		a.log.Warn("append aggregation log", "event_type", eventType, "status", status, "error", err)
	}
}

func (a *Aggregator) updateRunStatus(ctx context.Context, status string, count int, errMsg *string) {
	if err := a.store.UpdateRunStatus(context.WithoutCancel(ctx), status, count, errMsg); err != nil {
		a.log.Warn("update run status", "error", err)
	}
}

// sleep waits for d, returning false if the context was cancelled first.
func (a *Aggregator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sentro/internal/model"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testArticle(source, guid, title string) model.Article {
	return model.Article{
		Title:       title,
		Content:     "<p>body</p>",
		Source:      source,
		URL:         "https://example.com/" + guid,
		PublishedAt: time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
		CreatedAt:   time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC),
		Category:    "crypto",
		Language:    "en",
		SourceID:    "src-1",
		SourceGUID:  guid,
	}
}

func TestCreateAndListSources(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	b := model.Source{Name: "Beta Feed", URL: "https://b.example.com/rss", Type: model.SourceRSS, ArticleLimit: 10}
	a := model.Source{Name: "Alpha Feed", URL: "https://a.example.com/rss", Type: model.SourceAPI, ArticleLimit: 25}
	for _, src := range []*model.Source{&b, &a} {
		if err := store.CreateSource(ctx, src); err != nil {
			t.Fatalf("create source: %v", err)
		}
		if src.ID == "" {
			t.Fatal("expected generated source ID")
		}
	}

	sources, err := store.ListSources(ctx)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}

	var names []string
	for _, src := range sources {
		names = append(names, src.Name)
	}
	if diff := cmp.Diff([]string{"Alpha Feed", "Beta Feed"}, names); diff != "" {
		t.Errorf("name order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(model.SourceAPI, sources[0].Type); diff != "" {
		t.Errorf("type mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(25, sources[0].ArticleLimit); diff != "" {
		t.Errorf("article limit mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertArticlesAndExisting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	img := "https://img.example.com/a.jpg"
	first := testArticle("Chain Daily", "guid-1", "First")
	first.ImageURL = &img
	first.Tags = []string{"defi", "markets"}
	second := testArticle("Chain Daily", "guid-2", "Second")

	n, err := store.InsertArticles(ctx, []model.Article{first, second})
	if err != nil {
		t.Fatalf("insert articles: %v", err)
	}
	if diff := cmp.Diff(2, n); diff != "" {
		t.Errorf("inserted count mismatch (-want +got):\n%s", diff)
	}

	// Raw row check for nullable columns and tag encoding.
	var tags sql.NullString
	var image sql.NullString
	err = store.db.QueryRow(
		`SELECT tags, image_url FROM articles WHERE source_guid = 'guid-1'`,
	).Scan(&tags, &image)
	if err != nil {
		t.Fatalf("query row: %v", err)
	}
	if diff := cmp.Diff(`["defi","markets"]`, tags.String); diff != "" {
		t.Errorf("tags encoding mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(img, image.String); diff != "" {
		t.Errorf("image mismatch (-want +got):\n%s", diff)
	}

	var nullTags sql.NullString
	var nullImage sql.NullString
	err = store.db.QueryRow(
		`SELECT tags, image_url FROM articles WHERE source_guid = 'guid-2'`,
	).Scan(&nullTags, &nullImage)
	if err != nil {
		t.Fatalf("query row: %v", err)
	}
	if nullTags.Valid || nullImage.Valid {
		t.Errorf("expected NULL tags and image, got %v / %v", nullTags, nullImage)
	}

	existing, err := store.ExistingArticles(ctx, []model.Article{
		first,
		second,
		testArticle("Chain Daily", "guid-3", "Third"),
		testArticle("Other Source", "guid-1", "Same guid, different source"),
	})
	if err != nil {
		t.Fatalf("existing articles: %v", err)
	}
	want := map[string]bool{
		"Chain Daily-guid-1": true,
		"Chain Daily-guid-2": true,
	}
	if diff := cmp.Diff(want, existing); diff != "" {
		t.Errorf("existing keys mismatch (-want +got):\n%s", diff)
	}
}

func TestExistingArticlesEmptyInput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	existing, err := store.ExistingArticles(ctx, nil)
	if err != nil {
		t.Fatalf("existing articles: %v", err)
	}
	if diff := cmp.Diff(map[string]bool{}, existing); diff != "" {
		t.Errorf("expected empty map (-want +got):\n%s", diff)
	}
}

func TestInsertArticlesGeneratesIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Same dedup pair twice: no unique constraint, both rows land.
	art := testArticle("Chain Daily", "guid-1", "First")
	if _, err := store.InsertArticles(ctx, []model.Article{art}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertArticles(ctx, []model.Article{art}); err != nil {
		t.Fatalf("insert again: %v", err)
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM articles`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if diff := cmp.Diff(2, count); diff != "" {
		t.Errorf("row count mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendAndListLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entries := []*model.LogEntry{
		{EventType: model.EventAggregation, Status: model.StatusRunning, Details: map[string]any{"force_update": false}},
		{EventType: model.EventAggregation, Status: model.StatusSuccess, Details: map[string]any{"count": float64(5)}},
		{EventType: model.EventScheduledAggregation, Status: model.StatusSkipped, Details: map[string]any{"reason": "cooldown"}},
	}
	for _, e := range entries {
		if err := store.AppendLog(ctx, e); err != nil {
			t.Fatalf("append log: %v", err)
		}
		if e.ID == "" {
			t.Fatal("expected generated log ID")
		}
	}

	all, err := store.ListLogs(ctx, LogFilter{})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if diff := cmp.Diff(3, len(all)); diff != "" {
		t.Errorf("log count mismatch (-want +got):\n%s", diff)
	}

	skipped, err := store.ListLogs(ctx, LogFilter{Status: model.StatusSkipped})
	if err != nil {
		t.Fatalf("list skipped: %v", err)
	}
	if diff := cmp.Diff(1, len(skipped)); diff != "" {
		t.Fatalf("skipped count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"reason": "cooldown"}, skipped[0].Details); diff != "" {
		t.Errorf("details mismatch (-want +got):\n%s", diff)
	}

	byEvent, err := store.ListLogs(ctx, LogFilter{EventType: model.EventAggregation})
	if err != nil {
		t.Fatalf("list by event: %v", err)
	}
	if diff := cmp.Diff(2, len(byEvent)); diff != "" {
		t.Errorf("event count mismatch (-want +got):\n%s", diff)
	}

	limited, err := store.ListLogs(ctx, LogFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if diff := cmp.Diff(1, len(limited)); diff != "" {
		t.Errorf("limit mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduleDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sched, err := store.GetSchedule(ctx)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}

	want := &model.Schedule{
		Enabled:   false,
		Frequency: model.FreqHourly,
		Status:    "idle",
	}
	if diff := cmp.Diff(want, sched); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveScheduleRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := store.SaveSchedule(ctx, &model.Schedule{
		Enabled:       true,
		Frequency:     model.FreqDaily,
		NextScheduled: &next,
	}); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	sched, err := store.GetSchedule(ctx)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !sched.Enabled {
		t.Error("expected schedule to be enabled")
	}
	if diff := cmp.Diff(model.FreqDaily, sched.Frequency); diff != "" {
		t.Errorf("frequency mismatch (-want +got):\n%s", diff)
	}
	if sched.NextScheduled == nil || !sched.NextScheduled.Equal(next) {
		t.Errorf("next scheduled mismatch: want %v, got %v", next, sched.NextScheduled)
	}
}

func TestUpdateRunStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msg := "2 errors during run"
	before := time.Now().UTC().Add(-time.Second)
	if err := store.UpdateRunStatus(ctx, "partial_success", 40, &msg); err != nil {
		t.Fatalf("update run status: %v", err)
	}

	sched, err := store.GetSchedule(ctx)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if diff := cmp.Diff("partial_success", sched.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(40, sched.ArticlesCount); diff != "" {
		t.Errorf("count mismatch (-want +got):\n%s", diff)
	}
	if sched.ErrorMessage == nil || *sched.ErrorMessage != msg {
		t.Errorf("error message mismatch: got %v", sched.ErrorMessage)
	}
	if sched.LastRun == nil || sched.LastRun.Before(before) {
		t.Errorf("expected last run to be set, got %v", sched.LastRun)
	}
}

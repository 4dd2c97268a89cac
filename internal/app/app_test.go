package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/Sternrassler/fut-harvester/internal/testutil"
	"github.com/Sternrassler/fut-harvester/pkg/config"
	"github.com/Sternrassler/fut-harvester/pkg/orchestrator"
	"github.com/Sternrassler/fut-harvester/pkg/progress"
	"github.com/Sternrassler/fut-harvester/pkg/sink"
)

func newTestApp(t *testing.T, job string, mutate func(*config.Config)) *App {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.LogLevel = "error"
	cfg.RetryDelay = 0
	cfg.BatchDelay = 0
	cfg.PageDelay = 0
	cfg.PageRetryDelay = 0
	cfg.ArchetypeDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(context.Background(), job, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestRunIDs(t *testing.T) {
	mock := testutil.NewMockSource()
	defer mock.Close()
	mock.SetListingPage("/top?page=1", "101", "102")
	mock.SetListingPage("/top?page=2", "102", "103")
	mock.SetListingPage("/new?page=1", "201")

	a := newTestApp(t, "harvest-ids", func(c *config.Config) {
		c.TopURL = mock.URL() + "/top?page={page}"
		c.TopPages = 2
		c.NewURL = mock.URL() + "/new?page={page}"
		c.NewPages = 1
	})

	summary, err := RunIDs(context.Background(), a)
	if err != nil {
		t.Fatalf("RunIDs() error = %v", err)
	}
	if summary.Pages != 3 || summary.NewIDs != 4 {
		t.Errorf("summary = %+v, want 3 pages, 4 ids", summary)
	}

	var ids []string
	readJSON(t, a.Config.Path(IDsFile), &ids)
	if !slices.Equal(ids, []string{"101", "102", "103", "201"}) {
		t.Errorf("ids = %v", ids)
	}

	var cursors map[string]int
	readJSON(t, a.Config.Path(CursorFile), &cursors)
	if cursors["top"] != 3 || cursors["new"] != 2 {
		t.Errorf("cursors = %v, want top 3, new 2", cursors)
	}
}

func TestRunIDs_PageGapIsFatal(t *testing.T) {
	mock := testutil.NewMockSource()
	defer mock.Close()
	mock.SetListingPage("/top?page=1", "101")
	mock.SetResponse("/top?page=2", testutil.NewServerErrorResponse())

	a := newTestApp(t, "harvest-ids", func(c *config.Config) {
		c.TopURL = mock.URL() + "/top?page={page}"
		c.TopPages = 3
		c.NewPages = 0
	})

	_, err := RunIDs(context.Background(), a)
	if !errors.Is(err, orchestrator.ErrPageGap) {
		t.Fatalf("RunIDs() error = %v, want ErrPageGap", err)
	}
	if got := mock.Count("/top?page=2"); got != a.Config.PageRetries+1 {
		t.Errorf("page 2 requests = %d, want %d", got, a.Config.PageRetries+1)
	}
	if got := mock.Count("/top?page=3"); got != 0 {
		t.Errorf("page 3 requests = %d, want 0", got)
	}

	var cursors map[string]int
	readJSON(t, a.Config.Path(CursorFile), &cursors)
	if cursors["top"] != 2 {
		t.Errorf("cursor = %d, want 2", cursors["top"])
	}
}

func TestRunItems(t *testing.T) {
	mock := testutil.NewMockSource()
	defer mock.Close()
	mock.SetResponse("/api/1/", testutil.NewJSONResponse(`{"id":1,"name":"one"}`))
	mock.SetResponse("/api/2/", testutil.MockResponse{Body: `{"id":2,"name":"two"}`, FailFirst: 1})
	mock.SetResponse("/api/4/", testutil.NewJSONResponse(`{"id":4,"name":"four"}`))
	// id 3 is never served

	a := newTestApp(t, "harvest-items", func(c *config.Config) {
		c.ItemURL = mock.URL() + "/api/{id}/"
		c.Concurrency = 2
		c.MaxRetries = 1
		c.Headers = map[string]string{"Cookie": "session=test"}
	})
	writeJSON(t, a.Config.Path(IDsFile), []any{"1", 2, "3", "4"})

	summary, err := RunItems(context.Background(), a)
	if err != nil {
		t.Fatalf("RunItems() error = %v", err)
	}
	if summary.Completed != 3 || summary.Exhausted != 1 {
		t.Errorf("summary = %+v, want 3 completed, 1 exhausted", summary)
	}
	if got := mock.Count("/api/3/"); got != 2 {
		t.Errorf("id 3 requests = %d, want 2", got)
	}
	if got := mock.LastRequestHeader.Get("Cookie"); got != "session=test" {
		t.Errorf("Cookie header = %q, want session=test", got)
	}

	var items []map[string]any
	readJSON(t, a.Config.Path(ItemsFile), &items)
	if len(items) != 3 {
		t.Errorf("items.json has %d documents, want 3", len(items))
	}

	var completed []string
	readJSON(t, a.Config.Path(ItemsCompletedFile), &completed)
	if !slices.Equal(completed, []string{"1", "2", "4"}) {
		t.Errorf("completed = %v, want [1 2 4]", completed)
	}

	// a second run only retries the exhausted id and keeps earlier output
	mock.SetResponse("/api/3/", testutil.NewJSONResponse(`{"id":3,"name":"three"}`))
	before := mock.GetRequestCount()

	second := newTestApp(t, "harvest-items", func(c *config.Config) {
		*c = a.Config
	})
	summary, err = RunItems(context.Background(), second)
	if err != nil {
		t.Fatalf("second RunItems() error = %v", err)
	}
	if summary.Skipped != 3 || summary.Completed != 1 {
		t.Errorf("second summary = %+v, want 3 skipped, 1 completed", summary)
	}
	if got := mock.GetRequestCount() - before; got != 1 {
		t.Errorf("second run requests = %d, want 1", got)
	}

	readJSON(t, a.Config.Path(ItemsFile), &items)
	if len(items) != 4 {
		t.Errorf("items.json has %d documents after resume, want 4", len(items))
	}
}

func TestRunItems_ResumeWithWrappedPayloads(t *testing.T) {
	mock := testutil.NewMockSource()
	defer mock.Close()
	mock.SetResponse("/api/1/", testutil.NewJSONResponse(`{"data":{"eaId":1,"name":"one"}}`))
	// id 2 is never served on the first run

	a := newTestApp(t, "harvest-items", func(c *config.Config) {
		c.ItemURL = mock.URL() + "/api/{id}/"
		c.MaxRetries = 0
	})
	writeJSON(t, a.Config.Path(IDsFile), []int{1, 2})

	summary, err := RunItems(context.Background(), a)
	if err != nil {
		t.Fatalf("RunItems() error = %v", err)
	}
	if summary.Completed != 1 || summary.Exhausted != 1 {
		t.Errorf("summary = %+v, want 1 completed, 1 exhausted", summary)
	}

	mock.SetResponse("/api/2/", testutil.NewJSONResponse(`{"data":{"eaId":2,"name":"two"}}`))
	second := newTestApp(t, "harvest-items", func(c *config.Config) {
		*c = a.Config
	})
	summary, err = RunItems(context.Background(), second)
	if err != nil {
		t.Fatalf("second RunItems() error = %v", err)
	}
	if summary.Skipped != 1 || summary.Completed != 1 {
		t.Errorf("second summary = %+v, want 1 skipped, 1 completed", summary)
	}

	var items []struct {
		Data struct {
			EaID int `json:"eaId"`
		} `json:"data"`
	}
	readJSON(t, a.Config.Path(ItemsFile), &items)
	if len(items) != 2 || items[0].Data.EaID != 1 || items[1].Data.EaID != 2 {
		t.Errorf("items.json = %+v, want ids 1 and 2 in completion order", items)
	}

	var index []string
	readJSON(t, sink.IndexPath(a.Config.Path(ItemsFile)), &index)
	if !slices.Equal(index, []string{"1", "2"}) {
		t.Errorf("id index = %v, want [1 2]", index)
	}

	// a third run has nothing left to fetch and keeps the output intact
	before := mock.GetRequestCount()
	third := newTestApp(t, "harvest-items", func(c *config.Config) {
		*c = a.Config
	})
	summary, err = RunItems(context.Background(), third)
	if err != nil {
		t.Fatalf("third RunItems() error = %v", err)
	}
	if summary.Skipped != 2 || mock.GetRequestCount() != before {
		t.Errorf("third summary = %+v, requests = %d, want everything skipped", summary, mock.GetRequestCount()-before)
	}
	readJSON(t, a.Config.Path(ItemsFile), &items)
	if len(items) != 2 {
		t.Errorf("items.json has %d documents after idle run, want 2", len(items))
	}
}

func TestRunMeta(t *testing.T) {
	mock := testutil.NewMockSource()
	defer mock.Close()
	mock.SetResponse("/meta?archetypeId=7&resourceId=158023",
		testutil.NewJSONResponse(`[{"chemstyleId":250,"chemistry":0,"metaRating":93.1}]`))

	a := newTestApp(t, "harvest-meta", func(c *config.Config) {
		c.MetaURL = mock.URL() + "/meta?archetypeId={archetype}&resourceId={id}"
	})
	writeJSON(t, a.Config.Path(a.Config.MetaInput), []map[string]any{
		{"eaId": 158023, "commonName": "Messi", "archetype": []int{7}},
		{"eaId": 1, "commonName": "NoArchetype"},
	})
	writeJSON(t, a.Config.Path(a.Config.MapsFile), map[string]any{
		"chemStyles": map[string]string{"250": "Basic"},
	})

	summary, err := RunMeta(context.Background(), a)
	if err != nil {
		t.Fatalf("RunMeta() error = %v", err)
	}
	if summary.Completed != 2 {
		t.Errorf("summary = %+v, want 2 completed", summary)
	}

	var out []struct {
		EaID        int `json:"eaId"`
		MetaRatings []struct {
			Archetype string           `json:"archetype"`
			Ratings   []map[string]any `json:"ratings"`
		} `json:"metaRatings"`
	}
	readJSON(t, a.Config.Path(MetaFile), &out)
	if len(out) != 2 {
		t.Fatalf("output has %d records, want 2", len(out))
	}
	for _, rec := range out {
		if rec.EaID != 158023 {
			if len(rec.MetaRatings) != 0 {
				t.Errorf("record %d metaRatings = %v, want empty", rec.EaID, rec.MetaRatings)
			}
			continue
		}
		if len(rec.MetaRatings) != 1 || rec.MetaRatings[0].Ratings[0]["chemStyle"] != "Basic" {
			t.Errorf("record metaRatings = %+v, want one Basic rating", rec.MetaRatings)
		}
	}
}

func TestRunItems_MissingInput(t *testing.T) {
	a := newTestApp(t, "harvest-items", nil)
	if _, err := RunItems(context.Background(), a); err == nil {
		t.Error("RunItems() should fail without item_ids.json")
	}
}

func TestProgressStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	a := newTestApp(t, "harvest-items", func(c *config.Config) {
		c.RedisAddr = mr.Addr()
	})
	if a.Redis == nil {
		t.Fatal("Redis client should be connected")
	}

	store := a.ProgressStore("", ItemsCompletedFile)
	if _, ok := store.(*progress.RedisStore); !ok {
		t.Fatalf("ProgressStore() = %T, want *progress.RedisStore", store)
	}

	if err := store.MarkCompleted(context.Background(), "42"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if ok, _ := mr.SIsMember("harvest:harvest-items:completed", "42"); !ok {
		t.Error("completed id should be stored under the job prefix")
	}
}

func TestProgressStore_File(t *testing.T) {
	a := newTestApp(t, "harvest-ids", nil)
	store := a.ProgressStore(CursorFile, "")
	if _, ok := store.(*progress.FileStore); !ok {
		t.Fatalf("ProgressStore() = %T, want *progress.FileStore", store)
	}
	if err := store.SaveCursor(context.Background(), "top", 2); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(a.Config.DataDir, CursorFile)); err != nil {
		t.Errorf("cursor file not written: %v", err)
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RedisAddr = addr

	if _, err := New(context.Background(), "harvest-items", cfg); err == nil {
		t.Error("New() should fail when Redis is unreachable")
	}
}

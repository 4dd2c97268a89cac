package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Sternrassler/fut-harvester/pkg/fetch"
	"github.com/Sternrassler/fut-harvester/pkg/jobs"
	"github.com/Sternrassler/fut-harvester/pkg/orchestrator"
	"github.com/Sternrassler/fut-harvester/pkg/sink"
	"github.com/Sternrassler/fut-harvester/pkg/task"
)

// Data files, relative to the data dir.
const (
	IDsFile            = "item_ids.json"
	CursorFile         = "scraping_progress.json"
	ItemsFile          = "items.json"
	ItemsCompletedFile = "items_completed.json"
	MetaFile           = "items_with_meta.json"
	MetaCompletedFile  = "meta_completed.json"
)

// Phases returns the discovery phases in the order they run.
func (a *App) Phases() []orchestrator.Phase {
	return []orchestrator.Phase{
		{Label: "top", Pages: a.Config.TopPages, URL: a.Config.TopURL},
		{Label: "new", Pages: a.Config.NewPages, URL: a.Config.NewURL},
	}
}

// RunIDs discovers ids from the listing pages into item_ids.json.
func RunIDs(ctx context.Context, a *App) (orchestrator.Summary, error) {
	cfg := a.Config
	return orchestrator.RunDiscovery(ctx, orchestrator.DiscoveryJob[*fetch.Client]{
		Name:      a.Job,
		RunID:     a.RunID,
		Phases:    a.Phases(),
		Transform: jobs.ListingPage(cfg.CardSelector, cfg.IDRegexp()),
		Pool:      a.HTTPPool(1),
		Progress:  a.ProgressStore(CursorFile, ""),
		IDs:       sink.NewIDSet(cfg.Path(IDsFile), cfg.Write()),
		Retry:     cfg.PageRetry(),
		PageDelay: cfg.PageDelay,

		RecycleEveryPages: cfg.RecycleEveryWindows,

		Logger: a.Logger,
	})
}

// RunItems fetches the definition of every discovered id into items.json.
func RunItems(ctx context.Context, a *App) (orchestrator.Summary, error) {
	cfg := a.Config

	items, err := loadItems(cfg.Path(IDsFile), "")
	if err != nil {
		return orchestrator.Summary{}, err
	}

	collector, err := seededCollector(a, ItemsFile, cfg.ItemIDField)
	if err != nil {
		return orchestrator.Summary{}, err
	}

	return orchestrator.RunFlat(ctx, orchestrator.FlatJob[*fetch.Client, json.RawMessage]{
		Name:      a.Job,
		RunID:     a.RunID,
		Items:     items,
		Transform: jobs.ItemDefinition(cfg.ItemURL),
		Pool:      a.HTTPPool(cfg.Concurrency),
		Progress:  a.ProgressStore("", ItemsCompletedFile),
		Collector: collector,
		Retry:     cfg.Retry(),
		Batch:     cfg.Batch(),
		Logger:    a.Logger,
	})
}

// RunMeta enriches the input records with meta ratings into items_with_meta.json.
func RunMeta(ctx context.Context, a *App) (orchestrator.Summary, error) {
	cfg := a.Config

	items, err := loadItems(cfg.Path(cfg.MetaInput), cfg.MetaIDField)
	if err != nil {
		return orchestrator.Summary{}, err
	}

	chemStyles, err := jobs.LoadChemStyles(cfg.Path(cfg.MapsFile))
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("load chem styles: %w", err)
	}

	collector, err := seededCollector(a, MetaFile, cfg.MetaIDField)
	if err != nil {
		return orchestrator.Summary{}, err
	}

	transform := jobs.MetaRatings(jobs.MetaConfig{
		URLTemplate:    cfg.MetaURL,
		ChemStyles:     chemStyles,
		ArchetypeDelay: cfg.ArchetypeDelay,
	}, a.Logger)

	return orchestrator.RunFlat(ctx, orchestrator.FlatJob[*fetch.Client, json.RawMessage]{
		Name:      a.Job,
		RunID:     a.RunID,
		Items:     items,
		Transform: transform,
		Pool:      a.HTTPPool(cfg.Concurrency),
		Progress:  a.ProgressStore("", MetaCompletedFile),
		Collector: collector,
		Retry:     cfg.Retry(),
		Batch:     cfg.Batch(),
		Logger:    a.Logger,
	})
}

func loadItems(path, idField string) ([]task.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	items, err := task.ParseItems(data, idField)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return items, nil
}

// seededCollector returns a collector for outputFile holding the payloads an
// earlier run already wrote there, so resumed runs keep them. Payloads are named
// by the output's id index; idField only names files written without one.
func seededCollector(a *App, outputFile, idField string) (*sink.Collector[json.RawMessage], error) {
	path := a.Config.Path(outputFile)
	previous, err := sink.LoadEntries(path, sink.JSONField(idField))
	if err != nil {
		return nil, fmt.Errorf("reload previous results from %s: %w", path, err)
	}

	collector := sink.NewCollector[json.RawMessage](a.Config.FlushEveryWindows, a.Logger, Writers[json.RawMessage](a, outputFile)...)
	collector.Seed(previous)
	if len(previous) > 0 {
		a.Logger.Info().Int("results", len(previous)).Str("path", path).Msg("Previous results reloaded")
	}
	return collector, nil
}

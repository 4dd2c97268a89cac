// Command harvest-meta attaches meta ratings for every archetype of each input record
// and writes the enriched records to items_with_meta.json.
//
// All settings come from compiled-in defaults and HARVEST_* environment variables.
// The exit code is non-zero only for fatal failures; items that exhaust their
// retries are reported in the summary.
package main

import (
	"context"
	"os"

	"github.com/Sternrassler/fut-harvester/internal/app"
)

func main() {
	os.Exit(app.Main("harvest-meta", func(ctx context.Context, a *app.App) error {
		_, err := app.RunMeta(ctx, a)
		return err
	}))
}

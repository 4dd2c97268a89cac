// Command harvest-items fetches the definition document of every id in item_ids.json
// into items.json, skipping ids completed by earlier runs.
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
	os.Exit(app.Main("harvest-items", func(ctx context.Context, a *app.App) error {
		_, err := app.RunItems(ctx, a)
		return err
	}))
}

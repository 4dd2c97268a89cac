// Command harvest-ids discovers item ids from the paginated listing pages and
// unions them into item_ids.json, resuming each phase from its stored page.
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
	os.Exit(app.Main("harvest-ids", func(ctx context.Context, a *app.App) error {
		_, err := app.RunIDs(ctx, a)
		return err
	}))
}

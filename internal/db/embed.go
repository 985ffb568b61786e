package db

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
)

//go:embed migrations
var migrationsFS embed.FS

// DevMode switches getMigrationsFS to read migration files from the local
// source tree instead of the embedded copy, so new migrations can be
// iterated on without rebuilding.
var DevMode = false

// getMigrationsFS returns the migrations as a filesystem rooted at the
// migration files themselves.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		const devDir = "internal/db/migrations"
		if _, err := os.Stat(devDir); err != nil {
			return nil, fmt.Errorf("dev mode migrations dir unavailable: %w", err)
		}
		return os.DirFS(devDir), nil
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return sub, nil
}

package app

import (
	"context"
	"database/sql"
	"fmt"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/engine"
	"orderline/internal/migrate"
)

// Open wires up a ready-to-use engine for a workspace: database opened
// and migrated, config loaded (or defaulted and written), super-admin
// seeded. Both the CLI and the server start here.
func Open(ctx context.Context, workspace string) (engine.Engine, *sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := resolveConfig(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	eng := engine.New(conn, cfg)
	if err := eng.EnsureAdmin(ctx, cfg.Admin); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("seed admin: %w", err)
	}
	return eng, conn, nil
}

// resolveConfig loads orderline.yml, writing the default template
// first when the workspace has none yet.
func resolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	if err := config.WriteDefault(workspace); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return config.Default(), nil
}

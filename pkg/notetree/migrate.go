package notetree

import (
	"context"
	"fmt"

	"github.com/surrealdb/notetree/pkg/auth"
	"github.com/surrealdb/notetree/pkg/store"
)

// Migrate prepares the backend schema. It is safe to run repeatedly and
// works in read-only mode.
func (a *App) Migrate(ctx context.Context, cmd *MigrateCommand) error {
	a.logger.Info().Msg("running database migrations")
	m, ok := a.store.(store.Migrator)
	if !ok {
		a.logger.Info().Msg("backend needs no migrations")
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	a.logger.Info().Msg("migrations completed")
	return nil
}

func issueToken(config *Config, c *TokenCommand) (string, error) {
	a := auth.New(config.JWTSecret, config.JWTIssuer)
	if a.Development() {
		return "", fmt.Errorf("NOTETREE_JWT_SECRET must be set to issue tokens")
	}
	return a.Issue(c.Principal, c.TTL)
}

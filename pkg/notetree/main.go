package notetree

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Main parses args, builds the application and runs the selected command.
// It is what cmd/notetree calls, and tests call it directly.
//
// # Environment Variables
//
//	NOTETREE_BACKEND          - memory, postgres or surrealdb (default: memory)
//	POSTGRES_DSN              - PostgreSQL connection string
//	SURREALDB_URL             - SurrealDB WebSocket URL (default: ws://localhost:8000/rpc)
//	SURREALDB_NS, SURREALDB_DB
//	SURREALDB_USER, SURREALDB_PASS
//	NOTETREE_JWT_SECRET       - HS256 secret; empty trusts the X-Principal header
//	NOTETREE_PERIPHERAL_URL   - base URL of the peripheral cleanup service
//	NOTETREE_CORS_ORIGINS     - comma separated allowed origins
func Main(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cmd, config, err := Parse(args)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	// Issuing a token needs no store.
	if c, ok := cmd.(*TokenCommand); ok {
		token, err := issueToken(config, c)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, token)
		return err
	}

	app, err := New(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Close()

	switch c := cmd.(type) {
	case *MigrateCommand:
		if err := app.Migrate(ctx, c); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case *RunCommand:
		if err := app.Run(ctx, c); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}
	return nil
}

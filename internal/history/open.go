package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bucketdesk/bucketdesk/internal/config"
)

// Open returns the store selected by cfg.Engine.
func Open(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	switch cfg.Engine {
	case "memory":
		return NewMemoryStore(), nil
	case "dynamodb":
		return NewDynamoDBStore(ctx, &cfg.DynamoDB)
	case "sqlite", "":
		path := cfg.SQLite.Path
		if path == "" {
			path = "./data/history.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
		return NewSQLiteStore(path)
	}
	return nil, fmt.Errorf("unknown history engine %q", cfg.Engine)
}

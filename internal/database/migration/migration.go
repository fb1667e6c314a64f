package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// sentinelTable is created by the last step, so its presence means the schema is complete.
const sentinelTable = "public.knowledge_aggregate"

type migrationStep struct {
	Name string
	SQL  string
}

var steps = []migrationStep{
	{
		Name: "create_table_documents",
		SQL: `CREATE TABLE IF NOT EXISTS documents (
  id           UUID        PRIMARY KEY,
  file_name    TEXT        NOT NULL,
  storage_path TEXT        NOT NULL UNIQUE,
  size_bytes   BIGINT      NOT NULL CHECK (size_bytes >= 0),
  content_type TEXT        NOT NULL,
  uploaded_at  TIMESTAMPTZ NOT NULL
);`,
	},
	{
		Name: "create_index_documents_uploaded_at",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_documents_uploaded_at ON documents (uploaded_at, id);`,
	},
	{
		Name: "create_table_knowledge_aggregate",
		SQL: `CREATE TABLE IF NOT EXISTS knowledge_aggregate (
  id              SMALLINT    PRIMARY KEY CHECK (id = 1),
  content         TEXT        NOT NULL DEFAULT '',
  version         BIGINT      NOT NULL DEFAULT 0,
  last_updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Name: "seed_knowledge_aggregate",
		SQL:  `INSERT INTO knowledge_aggregate (id) VALUES (1) ON CONFLICT (id) DO NOTHING;`,
	},
}

// EnsureMigrated applies the catalog schema unless the sentinel table already exists.
// Every step is idempotent, so a run interrupted half way is safe to repeat.
func EnsureMigrated(ctx context.Context, db *sql.DB, loc *time.Location, dbHost string) error {
	start := time.Now()
	emit := func(fields map[string]any) {
		fields["component"] = "database"
		fields["db_host"] = dbHost
		logJSON(loc, fields)
	}

	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", sentinelTable).Scan(&exists); err != nil {
		emit(map[string]any{
			"event":         "db_migration_failed",
			"status":        "error",
			"error_message": fmt.Sprintf("failed to check sentinel table: %v", err),
			"duration_ms":   time.Since(start).Milliseconds(),
		})
		return fmt.Errorf("failed to check sentinel table: %w", err)
	}
	if exists {
		emit(map[string]any{
			"event":       "db_migration_skip",
			"status":      "success",
			"msg":         "schema already exists, skipping migration",
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil
	}

	emit(map[string]any{"event": "db_migration_start", "status": "in_progress", "steps": len(steps)})

	for _, step := range steps {
		stepStart := time.Now()
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			emit(map[string]any{
				"event":            "db_migration_failed",
				"status":           "error",
				"migration_step":   step.Name,
				"error_message":    err.Error(),
				"duration_ms":      time.Since(start).Milliseconds(),
				"step_duration_ms": time.Since(stepStart).Milliseconds(),
			})
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}
		emit(map[string]any{
			"event":            "db_migration_step",
			"status":           "success",
			"migration_step":   step.Name,
			"step_duration_ms": time.Since(stepStart).Milliseconds(),
		})
	}

	emit(map[string]any{
		"event":       "db_migration_success",
		"status":      "success",
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func logJSON(loc *time.Location, data map[string]any) {
	if loc == nil {
		loc = time.UTC
	}
	data["ts"] = time.Now().In(loc).Format(time.RFC3339Nano)
	if _, ok := data["level"]; !ok {
		data["level"] = "info"
		if data["status"] == "error" {
			data["level"] = "error"
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		log.Printf("failed to marshal migration log: %v", err)
		return
	}
	log.SetFlags(0)
	log.Println(string(b))
}

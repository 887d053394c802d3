package history

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/windlass-gitops/windlass/internal/resource"
)

// PostgresStore persists sync history so results and inventory survive a
// controller restart.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	ddl := `
	-- Most recent sync result set per application, one row per resource
	CREATE TABLE IF NOT EXISTS sync_results (
		application TEXT NOT NULL,
		resource_group TEXT,
		resource_kind TEXT NOT NULL,
		resource_namespace TEXT,
		resource_name TEXT NOT NULL,
		outcome TEXT NOT NULL,
		message TEXT,
		synced_at TIMESTAMP NOT NULL,
		PRIMARY KEY (application, resource_group, resource_kind, resource_namespace, resource_name)
	);
	CREATE INDEX IF NOT EXISTS idx_sync_results_app ON sync_results(application);
	CREATE INDEX IF NOT EXISTS idx_sync_results_time ON sync_results(synced_at DESC);

	-- Kinds an application has ever applied; consulted by the observer
	CREATE TABLE IF NOT EXISTS app_inventory (
		application TEXT NOT NULL,
		gvk JSONB NOT NULL,
		PRIMARY KEY (application, gvk)
	);
	`
	_, err := s.db.Exec(ddl)
	return err
}

func (s *PostgresStore) Record(app string, results []resource.SyncResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Warn().Err(err).Msg("rollback failed")
		}
	}()

	if _, err := tx.Exec(`DELETE FROM sync_results WHERE application = $1`, app); err != nil {
		return fmt.Errorf("failed to clear previous results: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO sync_results
			(application, resource_group, resource_kind, resource_namespace, resource_name, outcome, message, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range results {
		if _, err := stmt.Exec(app, r.Key.Group, r.Key.Kind, r.Key.Namespace, r.Key.Name,
			string(r.Outcome), r.Message, r.Timestamp); err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Last(app string) ([]resource.SyncResult, error) {
	rows, err := s.db.Query(`
		SELECT resource_group, resource_kind, resource_namespace, resource_name, outcome, message, synced_at
		FROM sync_results WHERE application = $1
		ORDER BY resource_kind, resource_namespace, resource_name`, app)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync results: %w", err)
	}
	defer rows.Close()
	var results []resource.SyncResult
	for rows.Next() {
		var r resource.SyncResult
		var outcome string
		if err := rows.Scan(&r.Key.Group, &r.Key.Kind, &r.Key.Namespace, &r.Key.Name,
			&outcome, &r.Message, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sync result: %w", err)
		}
		r.App = app
		r.Outcome = resource.Outcome(outcome)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) RecordInventory(app string, gvks []schema.GroupVersionKind) error {
	for _, gvk := range gvks {
		data, err := json.Marshal(gvk)
		if err != nil {
			return fmt.Errorf("failed to marshal gvk: %w", err)
		}
		_, err = s.db.Exec(`
			INSERT INTO app_inventory (application, gvk) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, app, data)
		if err != nil {
			return fmt.Errorf("failed to record inventory for %s: %w", app, err)
		}
	}
	return nil
}

func (s *PostgresStore) Inventory(app string) ([]schema.GroupVersionKind, error) {
	rows, err := s.db.Query(`SELECT gvk FROM app_inventory WHERE application = $1`, app)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
	defer rows.Close()
	var out []schema.GroupVersionKind
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan inventory row: %w", err)
		}
		var gvk schema.GroupVersionKind
		if err := json.Unmarshal(data, &gvk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gvk: %w", err)
		}
		out = append(out, gvk)
	}
	return out, rows.Err()
}

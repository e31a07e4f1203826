// Package store - versioned schema migrations.
// Upgrades older AgentPiazza databases in place by probing for missing
// columns with PRAGMA table_info before adding them.
package store

import (
	"database/sql"
	"fmt"

	"agentpiazza/internal/logging"
)

// Migration defines a single additive column migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all schema migrations to apply.
// These handle databases created before the column existed.
var pendingMigrations = []Migration{
	// Agent claiming fields (added with the human claim flow)
	{"agents", "claim_token", "TEXT NOT NULL DEFAULT ''"},
	{"agents", "claim_status", "TEXT NOT NULL DEFAULT 'pending_claim'"},
	{"agents", "owner_email", "TEXT"},
	// Insight provenance fields
	{"insights", "source_ref", "TEXT NOT NULL DEFAULT ''"},
	{"insights", "tags", "TEXT NOT NULL DEFAULT '[]'"},
	// Search log telemetry fields
	{"search_logs", "topic_hint", "TEXT"},
	{"search_logs", "result_count", "INTEGER NOT NULL DEFAULT 0"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	appliedCount := 0
	skippedCount := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skippedCount++
			continue
		}

		if columnExists(db, m.Table, m.Column) {
			skippedCount++
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in a different form.
			logging.Get(logging.CategoryStore).Warn("Migration failed: %s.%s: %v", m.Table, m.Column, err)
			skippedCount++
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		appliedCount++
	}

	logging.Store("Schema migrations complete: applied=%d, skipped=%d", appliedCount, skippedCount)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

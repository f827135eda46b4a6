package sqlite

import "database/sql"

// Migration is one idempotent, ordered schema step.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

var migrationsList = []Migration{
	{
		Name: "001_create_wal_entries",
		Func: func(db *sql.DB) error {
			_, err := db.Exec(`
				CREATE TABLE IF NOT EXISTS wal_entries (
					lsn        INTEGER PRIMARY KEY,
					op         INTEGER NOT NULL,
					table_name TEXT NOT NULL,
					payload    BLOB NOT NULL,
					origin_at  INTEGER NOT NULL
				)
			`)
			return err
		},
	},
	{
		Name: "002_create_wal_entries_table_idx",
		Func: func(db *sql.DB) error {
			_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_wal_entries_table ON wal_entries(table_name)`)
			return err
		},
	},
}

// ListMigrations returns the ordered migration names.
func ListMigrations() []string {
	names := make([]string, len(migrationsList))
	for i, m := range migrationsList {
		names[i] = m.Name
	}
	return names
}

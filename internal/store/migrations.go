package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create guests",
		SQL: `
			CREATE TABLE guests (
				phone_number  TEXT PRIMARY KEY,
				name          TEXT NOT NULL DEFAULT '',
				user_name     TEXT NOT NULL DEFAULT '',
				labels        TEXT NOT NULL DEFAULT '[]',
				chat_id       TEXT NOT NULL DEFAULT '',
				thread_id     TEXT NOT NULL DEFAULT '',
				token_count   INTEGER NOT NULL DEFAULT 0,
				last_activity TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_guests_thread ON guests (thread_id);
			CREATE INDEX idx_guests_activity ON guests (last_activity);
		`,
	},
}

package logic

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
)

// SQL-Queries als Konstanten definieren
const (
	createAuthTable = `
		CREATE TABLE IF NOT EXISTS auth (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			allow BOOLEAN NOT NULL
		);
	`

	createACLTable = `
		CREATE TABLE IF NOT EXISTS acl (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			topic TEXT NOT NULL,
			permission INTEGER NOT NULL,
			FOREIGN KEY(username) REFERENCES auth(username)
		);
	`

	createPluginStatesTable = `
		CREATE TABLE IF NOT EXISTS plugin_states (
			name TEXT PRIMARY KEY,
			protocol TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
)

// InitDB opens or creates the SQLite database and its tables.
func InitDB(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite takes a single writer, and one connection keeps :memory: in one database
	db.SetMaxOpenConns(1)

	tables := []string{
		createAuthTable,
		createACLTable,
		createPluginStatesTable,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}
